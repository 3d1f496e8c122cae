package offer

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
)

// Kind identifies which terms a payload carries
type Kind string

const (
	// KindStandard offers settle through a deposit transaction with security
	// deposits and a separately paid maker fee.
	KindStandard Kind = "standard"

	// KindSwap offers settle in a single atomic swap transaction and carry
	// neither deposits nor a separate fee payment.
	KindSwap Kind = "swap"
)

// StandardTerms holds the fields only deposit-based offers use
type StandardTerms struct {
	MakerFee              btcutil.Amount `json:"maker_fee"`               // Fee paid when the offer was created
	FeeInBTC              bool           `json:"fee_in_btc"`              // False means the fee is paid in the fee asset
	BuyerSecurityDeposit  btcutil.Amount `json:"buyer_security_deposit"`  // Deposit locked by the BTC buyer
	SellerSecurityDeposit btcutil.Amount `json:"seller_security_deposit"` // Deposit locked by the BTC seller
	MakerPaymentAccountID string         `json:"maker_payment_account_id"`
}

// SwapTerms holds the fields only atomic swap offers use
type SwapTerms struct {
	ProofOfWork string `json:"proof_of_work"` // Anti-spam stamp computed by the maker
}

// Payload is the immutable, network-visible part of an offer. Exactly one of
// Standard or Swap is set, matching Kind.
type Payload struct {
	ID              string            `json:"id"`
	Date            time.Time         `json:"date"`
	OwnerAddress    types.NodeAddress `json:"owner_address"`
	PubKeyRing      types.PubKeyRing  `json:"pub_key_ring"`
	Direction       types.Direction   `json:"direction"`
	BaseCurrency    string            `json:"base_currency"`
	CounterCurrency string            `json:"counter_currency"`
	Amount          btcutil.Amount    `json:"amount"`
	MinAmount       btcutil.Amount    `json:"min_amount"`

	// FixedPrice of zero means the price follows the market with
	// MarketPriceMargin applied.
	FixedPrice        decimal.Decimal `json:"fixed_price"`
	MarketPriceMargin decimal.Decimal `json:"market_price_margin"`

	PaymentMethodID string            `json:"payment_method_id"`
	ProtocolVersion int               `json:"protocol_version"`
	Extra           map[string]string `json:"extra,omitempty"`

	Kind     Kind           `json:"kind"`
	Standard *StandardTerms `json:"standard,omitempty"`
	Swap     *SwapTerms     `json:"swap,omitempty"`
}

// NewID returns a fresh globally unique offer identifier
func NewID() string {
	return uuid.New().String()
}

// Validate checks the payload invariants
func (p *Payload) Validate() error {
	if p.ID == "" {
		return errors.New("offer ID cannot be empty")
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.BaseCurrency == "" || p.CounterCurrency == "" {
		return errors.New("base and counter currency codes are required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", p.Amount)
	}
	if p.MinAmount <= 0 || p.MinAmount > p.Amount {
		return fmt.Errorf("min amount %d must be positive and not above amount %d", p.MinAmount, p.Amount)
	}
	if p.FixedPrice.IsNegative() {
		return errors.New("fixed price cannot be negative")
	}
	if p.FixedPrice.IsPositive() && !p.MarketPriceMargin.IsZero() {
		return errors.New("fixed price and market price margin are mutually exclusive")
	}
	if p.MarketPriceMargin.Abs().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("market price margin %s out of range", p.MarketPriceMargin)
	}
	if p.PaymentMethodID == "" {
		return errors.New("payment method cannot be empty")
	}
	if err := p.PubKeyRing.Validate(); err != nil {
		return fmt.Errorf("invalid key ring: %w", err)
	}

	switch p.Kind {
	case KindStandard:
		if p.Standard == nil || p.Swap != nil {
			return errors.New("standard offer must carry standard terms only")
		}
		if p.Standard.BuyerSecurityDeposit < 0 || p.Standard.SellerSecurityDeposit < 0 || p.Standard.MakerFee < 0 {
			return errors.New("deposits and fees cannot be negative")
		}
	case KindSwap:
		if p.Swap == nil || p.Standard != nil {
			return errors.New("swap offer must carry swap terms only")
		}
	default:
		return fmt.Errorf("unknown offer kind %q", p.Kind)
	}
	return nil
}

// UsesMarketPrice reports whether the price is derived from the market price
func (p *Payload) UsesMarketPrice() bool {
	return !p.FixedPrice.IsPositive()
}

// Equal reports whether two payloads are structurally identical
func (p *Payload) Equal(other *Payload) bool {
	if p == nil || other == nil {
		return p == other
	}
	if !p.FixedPrice.Equal(other.FixedPrice) || !p.MarketPriceMargin.Equal(other.MarketPriceMargin) {
		return false
	}
	a, b := *p, *other
	a.FixedPrice, b.FixedPrice = decimal.Zero, decimal.Zero
	a.MarketPriceMargin, b.MarketPriceMargin = decimal.Zero, decimal.Zero
	if !a.Date.Equal(b.Date) {
		return false
	}
	a.Date, b.Date = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// Clone returns a deep copy of the payload
func (p *Payload) Clone() *Payload {
	c := *p
	c.PubKeyRing = types.PubKeyRing{
		SignaturePubKey:  append([]byte(nil), p.PubKeyRing.SignaturePubKey...),
		EncryptionPubKey: append([]byte(nil), p.PubKeyRing.EncryptionPubKey...),
	}
	if p.Extra != nil {
		c.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	if p.Standard != nil {
		s := *p.Standard
		c.Standard = &s
	}
	if p.Swap != nil {
		s := *p.Swap
		c.Swap = &s
	}
	return &c
}

// SecurityDeposit returns the deposit the party on the given side locks.
// Swap offers carry no deposits, so ok is false for them.
func (p *Payload) SecurityDeposit(side types.Direction) (amount btcutil.Amount, ok bool) {
	if p.Standard == nil {
		return 0, false
	}
	if side == types.Buy {
		return p.Standard.BuyerSecurityDeposit, true
	}
	return p.Standard.SellerSecurityDeposit, true
}

// Languages returns the arbitration languages the maker asked for, if any
func (p *Payload) Languages() []string {
	v, ok := p.Extra[ExtraLanguages]
	if !ok || v == "" {
		return nil
	}
	var langs []string
	for _, l := range strings.Split(v, ",") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

// Well-known keys of the extension map
const (
	ExtraLanguages    = "languages"
	ExtraCapabilities = "capabilities"
)
