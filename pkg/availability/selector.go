package availability

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/types"
)

// ArbitrationDirectory lists the dispute agents currently cooperating
type ArbitrationDirectory interface {
	Agents() []types.NodeAddress
	Languages(agent types.NodeAddress) []string
}

// BindingTTL is how long a request stays bound to its agent. Bindings of
// an offer are also dropped as soon as the offer is closed or removed.
const BindingTTL = 10 * time.Minute

type binding struct {
	offerID string
	agent   types.NodeAddress
	at      time.Time
}

// Selector picks the least recently used agent. Agents never used come
// first; ties are broken by address order.
type Selector struct {
	clock clock.Clock

	mu       sync.Mutex
	lastUsed map[types.NodeAddress]time.Time
	bindings map[string]binding // key: request UID
}

// NewSelector creates a Selector
func NewSelector(clk clock.Clock) *Selector {
	if clk == nil {
		clk = clock.New()
	}
	return &Selector{
		clock:    clk,
		lastUsed: make(map[types.NodeAddress]time.Time),
		bindings: make(map[string]binding),
	}
}

// Select returns the candidate agent for an offer asking for languages.
// Agents sharing a language are preferred; when none does, all agents are
// candidates.
func (s *Selector) Select(dir ArbitrationDirectory, languages []string) (types.NodeAddress, bool) {
	agents := dir.Agents()
	if len(agents) == 0 {
		return "", false
	}

	candidates := agents
	if len(languages) > 0 {
		var matching []types.NodeAddress
		for _, a := range agents {
			if sharesLanguage(dir.Languages(a), languages) {
				matching = append(matching, a)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]types.NodeAddress(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		ti, tj := s.lastUsed[sorted[i]], s.lastUsed[sorted[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sorted[i] < sorted[j]
	})
	return sorted[0], true
}

// Bind records agent as chosen for requestUID on offerID and marks it used.
// Expired bindings are pruned on the way.
func (s *Selector) Bind(offerID, requestUID string, agent types.NodeAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for uid, b := range s.bindings {
		if now.Sub(b.at) >= BindingTTL {
			delete(s.bindings, uid)
		}
	}
	s.lastUsed[agent] = now
	s.bindings[requestUID] = binding{offerID: offerID, agent: agent, at: now}
}

// Bound returns the agent bound to requestUID
func (s *Selector) Bound(requestUID string) (types.NodeAddress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[requestUID]
	if !ok || s.clock.Now().Sub(b.at) >= BindingTTL {
		return "", false
	}
	return b.agent, true
}

// UnbindOffer drops every binding made for offerID
func (s *Selector) UnbindOffer(offerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, b := range s.bindings {
		if b.offerID == offerID {
			delete(s.bindings, uid)
		}
	}
}

// Len returns the number of live bindings
func (s *Selector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

func sharesLanguage(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// StaticDirectory is an ArbitrationDirectory over a fixed agent list
type StaticDirectory struct {
	mu        sync.RWMutex
	agents    []types.NodeAddress
	languages map[types.NodeAddress][]string
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{languages: make(map[types.NodeAddress][]string)}
}

// Add registers an agent speaking languages
func (d *StaticDirectory) Add(agent types.NodeAddress, languages ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.languages[agent]; !ok {
		d.agents = append(d.agents, agent)
	}
	d.languages[agent] = languages
}

func (d *StaticDirectory) Agents() []types.NodeAddress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]types.NodeAddress(nil), d.agents...)
}

func (d *StaticDirectory) Languages(agent types.NodeAddress) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.languages[agent]
}
