package filter

import (
	"strings"
	"sync"

	"github.com/kreutix/offerbook/pkg/types"
)

// BanSet is a BanList backed by in-memory sets
type BanSet struct {
	mu             sync.RWMutex
	offers         map[string]bool
	currencies     map[string]bool
	paymentMethods map[string]bool
	nodes          map[types.NodeAddress]bool
	requireUpdate  bool
	disableAPI     bool
	disableSwaps   bool
}

// BanSetConfig lists the banned entries a BanSet starts with
type BanSetConfig struct {
	Offers         []string `mapstructure:"offers"`
	Currencies     []string `mapstructure:"currencies"`
	PaymentMethods []string `mapstructure:"payment_methods"`
	Nodes          []string `mapstructure:"nodes"`
	RequireUpdate  bool     `mapstructure:"require_update"`
	DisableAPI     bool     `mapstructure:"disable_api"`
	DisableSwaps   bool     `mapstructure:"disable_swaps"`
}

// NewBanSet creates a BanSet from cfg
func NewBanSet(cfg BanSetConfig) *BanSet {
	b := &BanSet{
		offers:         make(map[string]bool),
		currencies:     make(map[string]bool),
		paymentMethods: make(map[string]bool),
		nodes:          make(map[types.NodeAddress]bool),
		requireUpdate:  cfg.RequireUpdate,
		disableAPI:     cfg.DisableAPI,
		disableSwaps:   cfg.DisableSwaps,
	}
	for _, id := range cfg.Offers {
		b.offers[id] = true
	}
	for _, c := range cfg.Currencies {
		b.currencies[strings.ToUpper(c)] = true
	}
	for _, m := range cfg.PaymentMethods {
		b.paymentMethods[m] = true
	}
	for _, n := range cfg.Nodes {
		b.nodes[types.NodeAddress(n)] = true
	}
	return b
}

func (b *BanSet) BanCurrency(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currencies[strings.ToUpper(code)] = true
}

func (b *BanSet) BanPaymentMethod(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paymentMethods[id] = true
}

func (b *BanSet) BanNode(addr types.NodeAddress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[addr] = true
}

func (b *BanSet) IsOfferBanned(offerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offers[offerID]
}

func (b *BanSet) IsCurrencyBanned(code string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currencies[strings.ToUpper(code)]
}

func (b *BanSet) IsPaymentMethodBanned(methodID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paymentMethods[methodID]
}

func (b *BanSet) IsNodeAddressBanned(addr types.NodeAddress) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nodes[addr]
}

func (b *BanSet) RequireUpdateToNewVersion() bool { return b.requireUpdate }
func (b *BanSet) DisableAPI() bool                { return b.disableAPI }
func (b *BanSet) DisableSwaps() bool              { return b.disableSwaps }

// IgnoreList is a Preferences implementation over a set of node addresses
type IgnoreList struct {
	mu    sync.RWMutex
	addrs map[types.NodeAddress]bool
}

func NewIgnoreList(addrs ...string) *IgnoreList {
	l := &IgnoreList{addrs: make(map[types.NodeAddress]bool)}
	for _, a := range addrs {
		l.addrs[types.NodeAddress(a)] = true
	}
	return l
}

func (l *IgnoreList) Ignore(addr types.NodeAddress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addrs[addr] = true
}

func (l *IgnoreList) IsIgnored(addr types.NodeAddress) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addrs[addr]
}
