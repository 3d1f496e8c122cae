package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// checkFunding runs the maker funding check, retrying while the fee service
// is not ready. It blocks and must not run on the loop.
func (e *Engine) checkFunding(ctx context.Context, o *offer.Offer) (*funding.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := e.deps.Checker.Check(o, types.RoleMaker)
		if !errors.Is(err, funding.ErrFeeServiceNotReady) || attempt >= e.config.FundingRetries {
			return res, err
		}
		e.logger.Debug("Fee service not ready, retrying funding check",
			zap.String("offerID", o.ID()),
			zap.Int("attempt", attempt))
		select {
		case <-e.clock.After(e.config.FundingRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PlaceOffer funds, pays the fee for and publishes a new offer. The open
// offer is created only once all of this succeeded.
//
// Once the fee is paid the placement is not rolled back: if ctx ends while
// the directory publishes, PlaceOffer returns ctx.Err() but the offer is
// still stored and announced with OfferAdded when the publish succeeds.
func (e *Engine) PlaceOffer(ctx context.Context, p *offer.Payload, triggerPrice decimal.Decimal) (*offer.OpenOffer, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid offer: %w", err)
	}
	o := offer.New(p, e.deps.PriceFeed)

	if err := e.call(ctx, func() error {
		if e.stopped || e.shutdown {
			return ErrEngineStopped
		}
		if _, ok := e.find(p.ID); ok || e.placing[p.ID] {
			return ErrDuplicateOffer
		}
		e.placing[p.ID] = true
		return nil
	}); err != nil {
		return nil, err
	}
	release := func() {
		e.deps.Wallet.ReleaseAddressEntry(p.ID)
		e.post(func() { delete(e.placing, p.ID) })
	}

	res, err := e.checkFunding(ctx, o)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to check funding: %w", err)
	}
	if !res.Fundable {
		release()
		return nil, fmt.Errorf("%w: %s", ErrFundingFailed, res.Reason)
	}
	if e.deps.FeePayer != nil && !o.IsSwap() {
		if err := e.deps.FeePayer.PayTradeFee(ctx, o, res.TradeFee); err != nil {
			release()
			return nil, fmt.Errorf("failed to pay maker fee: %w", err)
		}
	}
	o.SetState(types.OfferFeePaid)

	var placed *offer.OpenOffer
	err = e.callAsync(ctx, func(reply func(error)) {
		e.deps.Directory.Publish(p, func(err error) {
			e.post(func() {
				delete(e.placing, p.ID)
				if err != nil {
					e.deps.Wallet.ReleaseAddressEntry(p.ID)
					reply(fmt.Errorf("failed to publish offer: %w", err))
					return
				}
				placed = e.addOpenOffer(o, triggerPrice)
				reply(nil)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func (e *Engine) addOpenOffer(o *offer.Offer, triggerPrice decimal.Decimal) *offer.OpenOffer {
	o.SetState(types.OfferAvailable)
	oo := offer.NewOpenOffer(o, e.scheduler())
	oo.SetTriggerPrice(triggerPrice)
	e.prepareOpenOffer(oo)
	e.openOffers = append(e.openOffers, oo)
	e.persist()

	e.logger.Info("Placed offer",
		zap.String("offerID", oo.ID()),
		zap.String("direction", string(o.Direction())),
		zap.String("currency", o.CurrencyCode()),
		zap.Int64("amount", int64(o.Amount())))
	e.emit(OfferAdded, oo.ID(), oo.State(), "")

	e.markPublished()
	if !e.stopped && e.deps.Directory.IsBootstrapped() {
		e.startRepublishTimer()
	}
	return oo
}

// RemoveOpenOffer cancels an open offer: it is unpublished, archived as
// CANCELED and its wallet address is released. Removing an unknown offer
// is a no-op.
func (e *Engine) RemoveOpenOffer(ctx context.Context, offerID string) error {
	return e.call(ctx, func() error {
		i := e.indexOf(offerID)
		if i < 0 {
			e.logger.Debug("Offer to remove not found", zap.String("offerID", offerID))
			return nil
		}
		if _, ok := e.editing[offerID]; ok {
			return ErrOfferBeingEdited
		}
		oo := e.openOffers[i]
		if !oo.IsDeactivated() {
			e.unpublish(oo)
		}
		e.removeAt(i)
		oo.SetState(types.OpenCanceled)
		oo.StopTimers()
		oo.Offer().SetState(types.OfferRemoved)
		e.deps.Wallet.ReleaseAddressEntry(offerID)
		e.responder.Selector().UnbindOffer(offerID)
		e.archive(oo)
		e.persist()

		e.logger.Info("Removed offer", zap.String("offerID", offerID))
		e.emit(OfferRemoved, offerID, types.OpenCanceled, "")
		return nil
	})
}

// ActivateOpenOffer publishes a deactivated offer again. The state flips to
// AVAILABLE once the directory accepted it. A deactivation requested while
// the publish is in flight wins: the offer is taken off the network again
// and ErrActivationCanceled is returned.
func (e *Engine) ActivateOpenOffer(ctx context.Context, offerID string) error {
	return e.callAsync(ctx, func(reply func(error)) {
		oo, ok := e.find(offerID)
		if !ok {
			reply(ErrOfferNotFound)
			return
		}
		if _, ok := e.editing[offerID]; ok {
			reply(ErrOfferBeingEdited)
			return
		}
		if !oo.IsDeactivated() {
			reply(nil)
			return
		}
		if _, ok := e.activating[offerID]; ok {
			e.activating[offerID] = true
			reply(nil)
			return
		}
		if res, err := e.deps.Checker.CheckOpen(oo.Offer(), types.RoleMaker); err == nil && !res.Fundable {
			reply(fmt.Errorf("%w: %s", ErrFundingFailed, res.Reason))
			return
		}

		e.activating[offerID] = true
		payload := oo.Offer().Payload()
		e.deps.Directory.Publish(payload, func(err error) {
			e.post(func() {
				wanted := e.activating[offerID]
				delete(e.activating, offerID)
				if err != nil {
					reply(fmt.Errorf("failed to publish offer: %w", err))
					return
				}
				cur, ok := e.find(offerID)
				if !ok {
					e.unpublish(oo)
					reply(ErrOfferNotFound)
					return
				}
				if cur != oo {
					// Replaced by an edit, which publishes on its own
					reply(ErrOfferNotFound)
					return
				}
				if !wanted {
					e.unpublish(oo)
					e.logger.Info("Activation canceled", zap.String("offerID", offerID))
					reply(ErrActivationCanceled)
					return
				}
				oo.SetState(types.OpenAvailable)
				oo.Offer().SetState(types.OfferAvailable)
				e.persist()
				e.markPublished()
				e.logger.Info("Activated offer", zap.String("offerID", offerID))
				e.emit(OfferStateChanged, offerID, types.OpenAvailable, "")
				reply(nil)
			})
		})
	})
}

// DeactivateOpenOffer takes an offer off the network but keeps it open
func (e *Engine) DeactivateOpenOffer(ctx context.Context, offerID string) error {
	return e.call(ctx, func() error {
		oo, ok := e.find(offerID)
		if !ok {
			return ErrOfferNotFound
		}
		if _, ok := e.editing[offerID]; ok {
			return ErrOfferBeingEdited
		}
		if _, ok := e.activating[offerID]; ok {
			e.activating[offerID] = false
			e.logger.Debug("Deactivation requested during activation", zap.String("offerID", offerID))
			return nil
		}
		e.deactivate(oo, "")
		return nil
	})
}

// deactivate flips oo to DEACTIVATED and removes it from the directory. A
// non-empty reason marks an automatic deactivation.
func (e *Engine) deactivate(oo *offer.OpenOffer, reason string) {
	if oo.IsDeactivated() {
		return
	}
	oo.SetState(types.OpenDeactivated)
	oo.Offer().SetState(types.OfferNotAvailable)
	e.unpublish(oo)
	e.persist()

	if reason != "" {
		e.logger.Info("Offer deactivated automatically",
			zap.String("offerID", oo.ID()),
			zap.String("reason", reason))
		e.emit(OfferDeactivatedAuto, oo.ID(), types.OpenDeactivated, reason)
		return
	}
	e.logger.Info("Deactivated offer", zap.String("offerID", oo.ID()))
	e.emit(OfferStateChanged, oo.ID(), types.OpenDeactivated, "")
}

func (e *Engine) unpublish(oo *offer.OpenOffer) {
	id := oo.ID()
	e.deps.Directory.Remove(oo.Offer().Payload(), func(err error) {
		if err != nil {
			e.logger.Warn("Failed to remove offer from directory",
				zap.String("offerID", id),
				zap.Error(err))
		}
	})
}

// EditOpenOfferStart deactivates an offer and locks it for editing
func (e *Engine) EditOpenOfferStart(ctx context.Context, offerID string) error {
	return e.call(ctx, func() error {
		oo, ok := e.find(offerID)
		if !ok {
			return ErrOfferNotFound
		}
		if _, ok := e.editing[offerID]; ok {
			return ErrOfferBeingEdited
		}
		e.editing[offerID] = editState{original: oo.State()}
		if _, ok := e.activating[offerID]; ok {
			e.activating[offerID] = false
		}
		if !oo.IsDeactivated() {
			oo.SetState(types.OpenDeactivated)
			oo.Offer().SetState(types.OfferNotAvailable)
			e.unpublish(oo)
			e.persist()
			e.emit(OfferStateChanged, offerID, types.OpenDeactivated, "")
		}
		e.logger.Info("Started editing offer", zap.String("offerID", offerID))
		return nil
	})
}

// EditOpenOfferPublish replaces the edited offer with p, which must carry
// the same ID. The new offer takes the position and the pre-edit state of
// the old one and is published unless it was deactivated before the edit.
func (e *Engine) EditOpenOfferPublish(ctx context.Context, p *offer.Payload, triggerPrice decimal.Decimal) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}
	return e.callAsync(ctx, func(reply func(error)) {
		i := e.indexOf(p.ID)
		if i < 0 {
			reply(ErrOfferNotFound)
			return
		}
		edit, ok := e.editing[p.ID]
		if !ok {
			reply(ErrNotEditing)
			return
		}
		old := e.openOffers[i]
		if !old.Offer().Payload().PubKeyRing.Equal(&p.PubKeyRing) {
			reply(errors.New("edited offer must keep the owner key ring"))
			return
		}

		state := edit.original
		if state == types.OpenReserved {
			state = types.OpenAvailable
		}
		oo := offer.NewOpenOffer(offer.New(p, e.deps.PriceFeed), e.scheduler())
		oo.SetTriggerPrice(triggerPrice)
		e.prepareOpenOffer(oo)
		if state != types.OpenAvailable {
			oo.SetState(state)
		}

		old.StopTimers()
		e.openOffers[i] = oo
		delete(e.editing, p.ID)
		e.persist()
		e.logger.Info("Published edited offer",
			zap.String("offerID", p.ID),
			zap.String("state", string(state)))
		e.emit(OfferStateChanged, p.ID, state, "")

		if oo.IsDeactivated() {
			reply(nil)
			return
		}
		e.publish(oo, reply)
	})
}

// EditOpenOfferCancel ends an edit and restores the pre-edit state
func (e *Engine) EditOpenOfferCancel(ctx context.Context, offerID string) error {
	return e.callAsync(ctx, func(reply func(error)) {
		oo, ok := e.find(offerID)
		if !ok {
			reply(ErrOfferNotFound)
			return
		}
		edit, ok := e.editing[offerID]
		if !ok {
			reply(ErrNotEditing)
			return
		}
		delete(e.editing, offerID)
		e.logger.Info("Canceled editing offer", zap.String("offerID", offerID))

		if edit.original == types.OpenDeactivated {
			reply(nil)
			return
		}
		oo.SetState(types.OpenAvailable)
		e.persist()
		e.emit(OfferStateChanged, offerID, types.OpenAvailable, "")
		e.publish(oo, reply)
	})
}

// CloseOpenOffer is called once the deposit transaction of a trade on the
// offer was published. The offer leaves the live set even while edited.
func (e *Engine) CloseOpenOffer(ctx context.Context, offerID string) error {
	return e.call(ctx, func() error {
		i := e.indexOf(offerID)
		if i < 0 {
			return ErrOfferNotFound
		}
		oo := e.openOffers[i]
		if !oo.IsDeactivated() {
			e.unpublish(oo)
		}
		delete(e.editing, offerID)
		e.removeAt(i)
		oo.SetState(types.OpenClosed)
		oo.StopTimers()
		oo.Offer().SetState(types.OfferRemoved)
		e.responder.Selector().UnbindOffer(offerID)
		e.archive(oo)
		e.persist()

		e.logger.Info("Closed offer", zap.String("offerID", offerID))
		e.emit(OfferRemoved, offerID, types.OpenClosed, "")
		return nil
	})
}

// ReserveOpenOffer marks an offer as RESERVED while a trade is being set up.
// It reverts to AVAILABLE after the reservation timeout unless moved on.
func (e *Engine) ReserveOpenOffer(ctx context.Context, offerID string) error {
	return e.call(ctx, func() error {
		oo, ok := e.find(offerID)
		if !ok {
			return ErrOfferNotFound
		}
		oo.SetState(types.OpenReserved)
		e.persist()
		e.emit(OfferStateChanged, offerID, types.OpenReserved, "")
		return nil
	})
}
