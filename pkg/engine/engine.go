package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/availability"
	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/offerbook"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/store"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/visvasity/topic"
	"go.uber.org/zap"
)

// Directory is the network offer directory. Callbacks run asynchronously,
// never inside the calling goroutine.
type Directory interface {
	Publish(p *offer.Payload, done offerbook.ResultHandler)
	Remove(p *offer.Payload, done offerbook.ResultHandler)
	RefreshTTL(p *offer.Payload, done offerbook.ResultHandler)
	IsBootstrapped() bool
	Bootstrapped() <-chan struct{}
}

// Messenger sends direct messages to other nodes
type Messenger interface {
	SendTo(addr types.NodeAddress, messageType string, payload interface{}) error
	RegisterHandler(messageType string, handler p2p.MessageHandler)
}

// Store persists open offers and the closed offer archive
type Store interface {
	LoadOpenOffers(ctx context.Context) ([]*store.OpenOfferRecord, error)
	SaveOpenOffers(ctx context.Context, offers []*store.OpenOfferRecord) error
	ArchiveOffer(ctx context.Context, rec *store.ClosedOfferRecord) error
}

// FundingChecker decides whether an offer can still be funded. CheckOpen
// is used for offers whose trade fee was already paid.
type FundingChecker interface {
	Check(o *offer.Offer, role types.Role) (*funding.Result, error)
	CheckOpen(o *offer.Offer, role types.Role) (*funding.Result, error)
}

// AddressBook releases the wallet address reserved for an offer
type AddressBook interface {
	ReleaseAddressEntry(offerID string)
}

// FeePayer pays the maker fee of a new offer
type FeePayer interface {
	PayTradeFee(ctx context.Context, o *offer.Offer, fee btcutil.Amount) error
}

// IgnoreList tells whether the user ignores a node
type IgnoreList interface {
	IsIgnored(addr types.NodeAddress) bool
}

// Deps are the collaborators of an Engine. FeePayer and IgnoreList are
// optional.
type Deps struct {
	Directory   Directory
	Messenger   Messenger
	Store       Store
	Checker     FundingChecker
	Wallet      AddressBook
	FeePayer    FeePayer
	PriceFeed   offer.PriceFeed
	IgnoreList  IgnoreList
	Arbitrators availability.ArbitrationDirectory
	Clock       clock.Clock
	Logger      *zap.Logger
}

type editState struct {
	original types.OpenOfferState
}

// Engine owns the open offers of this node. All of its state is touched only
// by the loop goroutine; public methods post closures to it.
type Engine struct {
	config Config
	deps   Deps
	clock  clock.Clock
	logger *zap.Logger

	responder *availability.Responder
	events    *topic.Topic[Event]

	cmds     chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// Loop owned state
	openOffers []*offer.OpenOffer
	editing    map[string]editState
	placing    map[string]bool
	activating map[string]bool // false once a deactivation was requested
	stopped    bool
	shutdown   bool
	rng        *rand.Rand

	republishTimer func()
	refreshTimer   func()
	retryTimer     func()
	catchUpTimer   func()
	fundingTimer   func()
	passTimers     map[uint64]func()
	nextPassTimer  uint64
	anyPublished   bool
	fundingRetries int
}

// New creates an engine; Start loads persisted offers and runs it.
func New(config Config, deps Deps) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Directory == nil || deps.Messenger == nil || deps.Store == nil ||
		deps.Checker == nil || deps.Wallet == nil || deps.Arbitrators == nil {
		return nil, errors.New("engine requires directory, messenger, store, checker, wallet and arbitrators")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	e := &Engine{
		config:     config,
		deps:       deps,
		clock:      deps.Clock,
		logger:     deps.Logger,
		events:     topic.New[Event](),
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		editing:    make(map[string]editState),
		placing:    make(map[string]bool),
		activating: make(map[string]bool),
		passTimers: make(map[uint64]func()),
		rng:        rand.New(rand.NewSource(deps.Clock.Now().UnixNano())),
	}
	selector := availability.NewSelector(deps.Clock)
	e.responder = availability.NewResponder(deps.Arbitrators, selector, deps.Logger)
	return e, nil
}

// Start loads the persisted open offers, registers the availability handler
// and starts the loop. Republishing begins once the directory is
// bootstrapped.
func (e *Engine) Start(ctx context.Context) error {
	recs, err := e.deps.Store.LoadOpenOffers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open offers: %w", err)
	}
	for _, rec := range recs {
		oo := rec.OpenOffer(e.deps.PriceFeed, e.scheduler())
		e.prepareOpenOffer(oo)
		e.openOffers = append(e.openOffers, oo)
	}
	e.logger.Info("Loaded open offers", zap.Int("offerCount", len(e.openOffers)))

	e.deps.Messenger.RegisterHandler(availability.MsgTypeRequest, e.handleAvailabilityRequest)

	go e.run()
	go func() {
		select {
		case <-e.deps.Directory.Bootstrapped():
			e.post(e.onBootstrapped)
		case <-ctx.Done():
		case <-e.done:
		}
	}()
	return nil
}

// run is the engine loop
func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case f := <-e.cmds:
			f()
		case <-e.quit:
			return
		}
	}
}

// Close stops the loop without unpublishing anything
func (e *Engine) Close() {
	e.quitOnce.Do(func() { close(e.quit) })
	<-e.done
}

// post queues f on the loop. It reports false once the loop has exited.
func (e *Engine) post(f func()) bool {
	select {
	case e.cmds <- f:
		return true
	case <-e.done:
		return false
	}
}

// call runs f on the loop and waits for its result
func (e *Engine) call(ctx context.Context, f func() error) error {
	return e.callAsync(ctx, func(reply func(error)) { reply(f()) })
}

// callAsync runs f on the loop; f or a later loop callback must invoke
// reply exactly once.
func (e *Engine) callAsync(ctx context.Context, f func(reply func(error))) error {
	errc := make(chan error, 1)
	reply := func(err error) { errc <- err }
	if !e.post(func() { f(reply) }) {
		return ErrEngineStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

// after runs f on the loop once d passed. The returned cancel function is
// idempotent.
func (e *Engine) after(d time.Duration, f func()) func() {
	t := e.clock.AfterFunc(d, func() { e.post(f) })
	return func() { t.Stop() }
}

type loopScheduler struct {
	e *Engine
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) func() {
	return s.e.after(d, f)
}

func (e *Engine) scheduler() offer.Scheduler {
	return loopScheduler{e}
}

func (e *Engine) prepareOpenOffer(oo *offer.OpenOffer) {
	oo.SetReservationTimeout(e.config.ReservationTimeout)
	oo.OnAutoRevert(func(oo *offer.OpenOffer) {
		e.logger.Info("Reservation timed out, offer available again", zap.String("offerID", oo.ID()))
		e.persist()
		e.emit(OfferStateChanged, oo.ID(), oo.State(), "")
	})
}

// Subscribe returns a receiver for engine events
func (e *Engine) Subscribe() (*topic.Receiver[Event], error) {
	return topic.Subscribe(e.events, 0, false)
}

func (e *Engine) indexOf(offerID string) int {
	for i, oo := range e.openOffers {
		if oo.ID() == offerID {
			return i
		}
	}
	return -1
}

func (e *Engine) find(offerID string) (*offer.OpenOffer, bool) {
	if i := e.indexOf(offerID); i >= 0 {
		return e.openOffers[i], true
	}
	return nil, false
}

func (e *Engine) removeAt(i int) {
	e.openOffers = append(e.openOffers[:i], e.openOffers[i+1:]...)
}

func (e *Engine) persist() {
	recs := make([]*store.OpenOfferRecord, 0, len(e.openOffers))
	for _, oo := range e.openOffers {
		recs = append(recs, store.RecordOf(oo))
	}
	if err := e.deps.Store.SaveOpenOffers(context.Background(), recs); err != nil {
		e.logger.Error("Failed to persist open offers", zap.Error(err))
	}
}

func (e *Engine) archive(oo *offer.OpenOffer) {
	rec := &store.ClosedOfferRecord{
		Payload:  oo.Offer().Payload(),
		State:    oo.State(),
		ClosedAt: e.clock.Now(),
	}
	if err := e.deps.Store.ArchiveOffer(context.Background(), rec); err != nil {
		e.logger.Error("Failed to archive offer", zap.String("offerID", oo.ID()), zap.Error(err))
	}
}

// OpenOffers returns a snapshot of the open offers in list order
func (e *Engine) OpenOffers() []*offer.OpenOffer {
	var out []*offer.OpenOffer
	e.call(context.Background(), func() error {
		out = append(out, e.openOffers...)
		return nil
	})
	return out
}

// FindOpenOffer returns the open offer with the given id
func (e *Engine) FindOpenOffer(offerID string) (*offer.OpenOffer, bool) {
	var oo *offer.OpenOffer
	var ok bool
	e.call(context.Background(), func() error {
		oo, ok = e.find(offerID)
		return nil
	})
	return oo, ok
}

// IsBeingEdited reports whether an edit of offerID is in progress
func (e *Engine) IsBeingEdited(offerID string) bool {
	var editing bool
	e.call(context.Background(), func() error {
		_, editing = e.editing[offerID]
		return nil
	})
	return editing
}

// IsStopped reports whether scheduling is halted
func (e *Engine) IsStopped() bool {
	stopped := true
	e.call(context.Background(), func() error {
		stopped = e.stopped
		return nil
	})
	return stopped
}
