package offer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
)

// Scheduler runs f after d. The returned function cancels the pending call
// and may be called any number of times.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (cancel func())
}

// ClockScheduler schedules directly on a clock
type ClockScheduler struct {
	Clock clock.Clock
}

func (s ClockScheduler) AfterFunc(d time.Duration, f func()) func() {
	t := s.Clock.AfterFunc(d, f)
	return func() { t.Stop() }
}

// OpenOffer is an offer this node owns, together with its local lifecycle
// state and the dispute agents bound to it.
type OpenOffer struct {
	offer *Offer

	mu           sync.Mutex
	state        types.OpenOfferState
	arbitrator   types.NodeAddress
	mediator     types.NodeAddress
	refundAgent  types.NodeAddress
	triggerPrice decimal.Decimal
	sched        Scheduler
	timeout      time.Duration
	cancelRevert func()
	revertEpoch  uint64
	onAutoRevert func(*OpenOffer)
}

// NewOpenOffer wraps offer in state AVAILABLE
func NewOpenOffer(offer *Offer, sched Scheduler) *OpenOffer {
	return &OpenOffer{
		offer:   offer,
		state:   types.OpenAvailable,
		sched:   sched,
		timeout: types.ReservationTimeout,
	}
}

func (oo *OpenOffer) Offer() *Offer {
	return oo.offer
}

func (oo *OpenOffer) ID() string {
	return oo.offer.ID()
}

func (oo *OpenOffer) State() types.OpenOfferState {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	return oo.state
}

// SetScheduler attaches the scheduler used for the reservation timeout
func (oo *OpenOffer) SetScheduler(sched Scheduler) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.sched = sched
}

// SetReservationTimeout overrides types.ReservationTimeout
func (oo *OpenOffer) SetReservationTimeout(d time.Duration) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.timeout = d
}

// OnAutoRevert registers fn to run after a reservation timed out and the
// offer went back to AVAILABLE.
func (oo *OpenOffer) OnAutoRevert(fn func(*OpenOffer)) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.onAutoRevert = fn
}

// SetState moves the offer to state. Any transition cancels a pending
// reservation timeout; entering RESERVED arms a new one that reverts to
// AVAILABLE unless another transition happens first.
func (oo *OpenOffer) SetState(state types.OpenOfferState) {
	oo.mu.Lock()
	defer oo.mu.Unlock()

	oo.stopRevertLocked()
	oo.state = state
	if state != types.OpenReserved || oo.sched == nil {
		return
	}

	epoch := oo.revertEpoch
	oo.cancelRevert = oo.sched.AfterFunc(oo.timeout, func() {
		oo.mu.Lock()
		if oo.revertEpoch != epoch || oo.state != types.OpenReserved {
			oo.mu.Unlock()
			return
		}
		oo.cancelRevert = nil
		oo.state = types.OpenAvailable
		fn := oo.onAutoRevert
		oo.mu.Unlock()

		if fn != nil {
			fn(oo)
		}
	})
}

// StopTimers cancels a pending reservation timeout
func (oo *OpenOffer) StopTimers() {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.stopRevertLocked()
}

func (oo *OpenOffer) stopRevertLocked() {
	oo.revertEpoch++
	if oo.cancelRevert != nil {
		oo.cancelRevert()
		oo.cancelRevert = nil
	}
}

func (oo *OpenOffer) IsDeactivated() bool {
	return oo.State() == types.OpenDeactivated
}

// Agents returns the arbitrator, mediator and refund agent bound to the offer
func (oo *OpenOffer) Agents() (arbitrator, mediator, refundAgent types.NodeAddress) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	return oo.arbitrator, oo.mediator, oo.refundAgent
}

func (oo *OpenOffer) SetArbitrator(addr types.NodeAddress) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.arbitrator = addr
}

func (oo *OpenOffer) SetMediator(addr types.NodeAddress) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.mediator = addr
}

func (oo *OpenOffer) SetRefundAgent(addr types.NodeAddress) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.refundAgent = addr
}

// TriggerPrice returns the local auto-deactivation price; zero means none
func (oo *OpenOffer) TriggerPrice() decimal.Decimal {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	return oo.triggerPrice
}

func (oo *OpenOffer) SetTriggerPrice(p decimal.Decimal) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.triggerPrice = p
}

// TriggerReached reports whether market crossed the trigger price against
// the maker: above it for buy offers, below it for sell offers.
func (oo *OpenOffer) TriggerReached(market decimal.Decimal) bool {
	trigger := oo.TriggerPrice()
	if !trigger.IsPositive() || !market.IsPositive() {
		return false
	}
	if oo.offer.Direction() == types.Buy {
		return market.GreaterThan(trigger)
	}
	return market.LessThan(trigger)
}
