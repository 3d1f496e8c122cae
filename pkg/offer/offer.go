package offer

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
)

// Error is a sentinel error type for offer checks
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrPriceOutOfTolerance is returned when a taker's price deviates from
	// the maker's by more than the allowed tolerance.
	ErrPriceOutOfTolerance = Error("price out of tolerance")

	// ErrMarketPriceUnavailable is returned when a market based offer has no
	// market price to derive its price from.
	ErrMarketPriceUnavailable = Error("market price not available")

	// ErrInvalidPrice is returned for zero or negative prices.
	ErrInvalidPrice = Error("invalid price")
)

// PriceFeed provides market prices keyed by counter currency code
type PriceFeed interface {
	MarketPrice(currencyCode string) (decimal.Decimal, bool)
}

// Offer wraps a payload with the locally observed, mutable view of it
type Offer struct {
	payload *Payload
	feed    PriceFeed

	mu           sync.Mutex
	state        types.OfferState
	errorMessage string
}

// New creates an offer around payload. feed may be nil for fixed price offers.
func New(payload *Payload, feed PriceFeed) *Offer {
	return &Offer{
		payload: payload,
		feed:    feed,
		state:   types.OfferUnknown,
	}
}

// Payload returns the immutable payload
func (o *Offer) Payload() *Payload {
	return o.payload
}

func (o *Offer) ID() string {
	return o.payload.ID
}

func (o *Offer) Direction() types.Direction {
	return o.payload.Direction
}

// CurrencyCode is the counter currency prices are quoted in
func (o *Offer) CurrencyCode() string {
	return o.payload.CounterCurrency
}

func (o *Offer) Amount() btcutil.Amount {
	return o.payload.Amount
}

func (o *Offer) MinAmount() btcutil.Amount {
	return o.payload.MinAmount
}

func (o *Offer) PaymentMethodID() string {
	return o.payload.PaymentMethodID
}

func (o *Offer) OwnerAddress() types.NodeAddress {
	return o.payload.OwnerAddress
}

// IsFiat reports whether the offer trades BTC against a national currency
func (o *Offer) IsFiat() bool {
	return !IsCryptoCurrency(o.payload.CounterCurrency)
}

// IsSwap reports whether the offer settles through an atomic swap
func (o *Offer) IsSwap() bool {
	return o.payload.Kind == KindSwap
}

// SetPriceFeed replaces the feed used for market based prices
func (o *Offer) SetPriceFeed(feed PriceFeed) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feed = feed
}

// State returns the last observed network state
func (o *Offer) State() types.OfferState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetState records a new network state; only the lifecycle engine calls it
func (o *Offer) SetState(state types.OfferState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
}

// ErrorMessage returns the last error recorded for the offer
func (o *Offer) ErrorMessage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errorMessage
}

func (o *Offer) SetErrorMessage(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorMessage = msg
}

// Price returns the effective price. Fixed price offers always have one;
// market based offers only while the feed knows the market price.
func (o *Offer) Price() (decimal.Decimal, bool) {
	p := o.payload
	if !p.UsesMarketPrice() {
		return p.FixedPrice, true
	}

	o.mu.Lock()
	feed := o.feed
	o.mu.Unlock()
	if feed == nil {
		return decimal.Zero, false
	}
	market, ok := feed.MarketPrice(p.CounterCurrency)
	if !ok || !market.IsPositive() {
		return decimal.Zero, false
	}
	return MarketBasedPrice(market, p.MarketPriceMargin, p.Direction == types.Buy, p.CounterCurrency), true
}

// CheckTradePriceTolerance verifies that the price a taker computed deviates
// from the maker's price by at most PriceTolerance. Exactly 1% is accepted.
func (o *Offer) CheckTradePriceTolerance(takersTradePrice decimal.Decimal) error {
	if !takersTradePrice.IsPositive() {
		return fmt.Errorf("%w: taker price %s", ErrInvalidPrice, takersTradePrice)
	}
	price, ok := o.Price()
	if !ok {
		return ErrMarketPriceUnavailable
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: offer price %s", ErrInvalidPrice, price)
	}

	deviation := takersTradePrice.Div(price).Sub(decimal.NewFromInt(1)).Abs()
	if deviation.GreaterThan(decimal.NewFromFloat(types.PriceTolerance)) {
		return fmt.Errorf("%w: taker price %s, offer price %s, deviation %s",
			ErrPriceOutOfTolerance, takersTradePrice, price, deviation.StringFixed(6))
	}
	return nil
}

// Volume returns the counter currency value of amount at the current price
func (o *Offer) Volume(amount btcutil.Amount) (decimal.Decimal, bool) {
	price, ok := o.Price()
	if !ok {
		return decimal.Zero, false
	}
	return decimal.New(int64(amount), -8).Mul(price), true
}

// IsMyOffer reports whether the offer was created with the given key ring
func (o *Offer) IsMyOffer(ring *types.PubKeyRing) bool {
	return o.payload.PubKeyRing.Equal(ring)
}

func (o *Offer) String() string {
	return fmt.Sprintf("%s %s %s/%s %s", o.payload.ID, o.payload.Direction,
		o.payload.BaseCurrency, o.payload.CounterCurrency, o.payload.Amount)
}
