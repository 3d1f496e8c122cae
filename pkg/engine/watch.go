package engine

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/pricefeed"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/visvasity/topic"
	"go.uber.org/zap"
)

// OnPriceUpdate deactivates offers whose trigger price was crossed and
// re-checks funding, which depends on prices through the fees.
func (e *Engine) OnPriceUpdate() {
	e.post(func() {
		e.checkTriggerPrices()
		e.checkFundingAll()
	})
}

// OnBalanceChanged re-checks funding of all active offers
func (e *Engine) OnBalanceChanged() {
	e.post(e.checkFundingAll)
}

// OnFeeRateChanged re-checks funding of all active offers
func (e *Engine) OnFeeRateChanged() {
	e.post(e.checkFundingAll)
}

func (e *Engine) checkTriggerPrices() {
	if e.deps.PriceFeed == nil {
		return
	}
	for _, oo := range e.openOffers {
		if oo.IsDeactivated() {
			continue
		}
		market, ok := e.deps.PriceFeed.MarketPrice(oo.Offer().CurrencyCode())
		if !ok {
			continue
		}
		if oo.TriggerReached(market) {
			e.logger.Info("Trigger price reached",
				zap.String("offerID", oo.ID()),
				zap.String("triggerPrice", oo.TriggerPrice().String()),
				zap.String("marketPrice", market.String()))
			e.deactivate(oo, ReasonTriggerPrice)
		}
	}
}

// checkFundingAll deactivates every available offer the wallet can no
// longer fund. While the fee service is not ready the check is retried up
// to the funding retry budget.
func (e *Engine) checkFundingAll() {
	if e.fundingTimer != nil {
		e.fundingTimer()
		e.fundingTimer = nil
	}

	notReady := false
	for _, oo := range e.openOffers {
		if oo.State() != types.OpenAvailable {
			continue
		}
		if _, ok := e.editing[oo.ID()]; ok {
			continue
		}
		res, err := e.deps.Checker.CheckOpen(oo.Offer(), types.RoleMaker)
		if errors.Is(err, funding.ErrFeeServiceNotReady) {
			notReady = true
			continue
		}
		if err != nil {
			e.logger.Warn("Funding check failed",
				zap.String("offerID", oo.ID()),
				zap.Error(err))
			continue
		}
		if !res.Fundable {
			oo.Offer().SetErrorMessage(res.Reason)
			e.deactivate(oo, ReasonUnfunded)
		}
	}

	if !notReady {
		e.fundingRetries = 0
		return
	}
	if e.fundingRetries >= e.config.FundingRetries {
		e.logger.Warn("Fee service still not ready, giving up funding checks",
			zap.Int("attempts", e.fundingRetries))
		e.fundingRetries = 0
		return
	}
	e.fundingRetries++
	e.fundingTimer = e.after(e.config.FundingRetryDelay, func() {
		e.fundingTimer = nil
		if e.stopped {
			return
		}
		e.checkFundingAll()
	})
}

// Feeds are the update streams Follow consumes. Any of them may be nil.
type Feeds struct {
	Prices       *topic.Receiver[pricefeed.Update]
	Balances     *topic.Receiver[btcutil.Amount]
	FeeRates     *topic.Receiver[btcutil.Amount]
	Connectivity *topic.Receiver[p2p.ConnectivityEvent]
}

// Follow feeds price, balance, fee rate and connectivity updates into the
// engine until ctx is done.
func (e *Engine) Follow(ctx context.Context, feeds Feeds) error {
	var priceCh <-chan pricefeed.Update
	var balanceCh, feeRateCh <-chan btcutil.Amount
	var connCh <-chan p2p.ConnectivityEvent
	var err error

	if feeds.Prices != nil {
		if priceCh, err = topic.ReceiveCh(feeds.Prices); err != nil {
			return err
		}
	}
	if feeds.Balances != nil {
		if balanceCh, err = topic.ReceiveCh(feeds.Balances); err != nil {
			return err
		}
	}
	if feeds.FeeRates != nil {
		if feeRateCh, err = topic.ReceiveCh(feeds.FeeRates); err != nil {
			return err
		}
	}
	if feeds.Connectivity != nil {
		if connCh, err = topic.ReceiveCh(feeds.Connectivity); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-e.done:
			return ErrEngineStopped
		case <-priceCh:
			e.OnPriceUpdate()
		case <-balanceCh:
			e.OnBalanceChanged()
		case <-feeRateCh:
			e.OnFeeRateChanged()
		case ev := <-connCh:
			e.OnConnectivityChanged(ev.PeerCount > 0)
		}
	}
}
