package filter

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"go.uber.org/zap"
)

// Result is the outcome of filtering an offer. The checks run in the order
// the constants are declared and the first failing one wins.
type Result int

const (
	Valid Result = iota
	APIDisabled
	HasNoPaymentAccountValidForOffer
	HasNotSameProtocolVersion
	IsIgnored
	IsOfferBanned
	IsCurrencyBanned
	IsPaymentMethodBanned
	IsNodeAddressBanned
	RequireUpdateToNewVersion
	IsInsufficientCounterpartyTradeLimit
	IsMyInsufficientTradeLimit
	HideSwapsDueToFeatureDisabled
)

var resultNames = [...]string{
	Valid:                                "VALID",
	APIDisabled:                          "API_DISABLED",
	HasNoPaymentAccountValidForOffer:     "HAS_NO_PAYMENT_ACCOUNT_VALID_FOR_OFFER",
	HasNotSameProtocolVersion:            "HAS_NOT_SAME_PROTOCOL_VERSION",
	IsIgnored:                            "IS_IGNORED",
	IsOfferBanned:                        "IS_OFFER_BANNED",
	IsCurrencyBanned:                     "IS_CURRENCY_BANNED",
	IsPaymentMethodBanned:                "IS_PAYMENT_METHOD_BANNED",
	IsNodeAddressBanned:                  "IS_NODE_ADDRESS_BANNED",
	RequireUpdateToNewVersion:            "REQUIRE_UPDATE_TO_NEW_VERSION",
	IsInsufficientCounterpartyTradeLimit: "IS_INSUFFICIENT_COUNTERPARTY_TRADE_LIMIT",
	IsMyInsufficientTradeLimit:           "IS_MY_INSUFFICIENT_TRADE_LIMIT",
	HideSwapsDueToFeatureDisabled:        "HIDE_SWAPS_DUE_TO_FEATURE_DISABLED",
}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return "UNKNOWN"
	}
	return resultNames[r]
}

// IsValid reports whether the offer passed all checks
func (r Result) IsValid() bool {
	return r == Valid
}

// Preferences exposes the user's ignore list
type Preferences interface {
	IsIgnored(addr types.NodeAddress) bool
}

// Accounts exposes the user's payment accounts
type Accounts interface {
	// HasValidAccount reports whether some account can pay for o
	HasValidAccount(o *offer.Offer) bool

	// AccountFor returns the id of the account that would be used for o
	AccountFor(o *offer.Offer) (accountID string, ok bool)
}

// BanList is the network-wide filter published by privileged nodes
type BanList interface {
	IsOfferBanned(offerID string) bool
	IsCurrencyBanned(code string) bool
	IsPaymentMethodBanned(methodID string) bool
	IsNodeAddressBanned(addr types.NodeAddress) bool
	RequireUpdateToNewVersion() bool
	DisableAPI() bool
	DisableSwaps() bool
}

// TradeLimits answers account-age based trade limit questions
type TradeLimits interface {
	// VerifyPeersTradeAmount reports whether the maker of o may trade amount
	VerifyPeersTradeAmount(o *offer.Offer, amount btcutil.Amount) bool

	// MyTradeLimit returns the local limit for an account trading currency
	// on side dir.
	MyTradeLimit(accountID, currency string, dir types.Direction) btcutil.Amount
}

// Filter applies the ordered offer checks a taker runs before showing or
// taking an offer.
type Filter struct {
	logger          *zap.Logger
	prefs           Preferences
	accounts        Accounts
	bans            BanList
	limits          TradeLimits
	protocolVersion int
	isAPIUser       bool

	mu                       sync.Mutex
	counterpartyInsufficient map[string]bool
	myInsufficient           map[string]bool
}

// Config carries the collaborators of a Filter
type Config struct {
	Preferences     Preferences
	Accounts        Accounts
	BanList         BanList
	TradeLimits     TradeLimits
	ProtocolVersion int
	IsAPIUser       bool
}

// New creates a Filter
func New(cfg Config, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = types.ProtocolVersion
	}
	return &Filter{
		logger:                   logger,
		prefs:                    cfg.Preferences,
		accounts:                 cfg.Accounts,
		bans:                     cfg.BanList,
		limits:                   cfg.TradeLimits,
		protocolVersion:          cfg.ProtocolVersion,
		isAPIUser:                cfg.IsAPIUser,
		counterpartyInsufficient: make(map[string]bool),
		myInsufficient:           make(map[string]bool),
	}
}

// Check runs all checks against o and returns the first failure, or Valid
func (f *Filter) Check(o *offer.Offer) Result {
	res := f.check(o)
	if !res.IsValid() {
		f.logger.Debug("Offer filtered",
			zap.String("offerID", o.ID()),
			zap.Stringer("result", res))
	}
	return res
}

func (f *Filter) check(o *offer.Offer) Result {
	p := o.Payload()
	switch {
	case f.isAPIUser && f.bans.DisableAPI():
		return APIDisabled
	case !f.accounts.HasValidAccount(o):
		return HasNoPaymentAccountValidForOffer
	case p.ProtocolVersion != f.protocolVersion:
		return HasNotSameProtocolVersion
	case f.prefs.IsIgnored(p.OwnerAddress):
		return IsIgnored
	case f.bans.IsOfferBanned(p.ID):
		return IsOfferBanned
	case f.bans.IsCurrencyBanned(p.CounterCurrency):
		return IsCurrencyBanned
	case f.bans.IsPaymentMethodBanned(p.PaymentMethodID):
		return IsPaymentMethodBanned
	case f.bans.IsNodeAddressBanned(p.OwnerAddress):
		return IsNodeAddressBanned
	case f.bans.RequireUpdateToNewVersion():
		return RequireUpdateToNewVersion
	case f.isInsufficientCounterpartyTradeLimit(o):
		return IsInsufficientCounterpartyTradeLimit
	case f.isMyInsufficientTradeLimit(o):
		return IsMyInsufficientTradeLimit
	case o.IsSwap() && f.bans.DisableSwaps():
		return HideSwapsDueToFeatureDisabled
	}
	return Valid
}

// Trade limits only apply to fiat offers; results are memoized per offer id.
func (f *Filter) isInsufficientCounterpartyTradeLimit(o *offer.Offer) bool {
	if !o.IsFiat() {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.counterpartyInsufficient[o.ID()]; ok {
		return v
	}
	v := !f.limits.VerifyPeersTradeAmount(o, o.Amount())
	f.counterpartyInsufficient[o.ID()] = v
	return v
}

func (f *Filter) isMyInsufficientTradeLimit(o *offer.Offer) bool {
	if !o.IsFiat() {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.myInsufficient[o.ID()]; ok {
		return v
	}
	accountID, ok := f.accounts.AccountFor(o)
	if !ok {
		return true
	}
	limit := f.limits.MyTradeLimit(accountID, o.CurrencyCode(), o.Direction().Mirror())
	v := limit < o.MinAmount()
	f.myInsufficient[o.ID()] = v
	return v
}

// ResetMyTradeLimitCache drops memoized limit results. Call it when the
// user's payment accounts change.
func (f *Filter) ResetMyTradeLimitCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.myInsufficient = make(map[string]bool)
}

// ResetCounterpartyCache drops memoized counterparty limit results
func (f *Filter) ResetCounterpartyCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counterpartyInsufficient = make(map[string]bool)
}
