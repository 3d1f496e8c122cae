package reputation

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config contains the account age based trade limit parameters
type Config struct {
	// Limit for fully aged accounts when no per-method limit is set
	DefaultMaxTradeLimit btcutil.Amount `mapstructure:"default_max_trade_limit"`

	// Per payment method overrides of DefaultMaxTradeLimit
	MaxTradeLimits map[string]btcutil.Amount `mapstructure:"max_trade_limits"`

	// Account ages at which the limit grows
	FirstBucket  time.Duration `mapstructure:"first_bucket"`
	SecondBucket time.Duration `mapstructure:"second_bucket"`
}

// DefaultConfig returns a default configuration: one BTC for accounts older
// than 60 days, a half below that and a quarter below 30 days.
func DefaultConfig() Config {
	return Config{
		DefaultMaxTradeLimit: btcutil.SatoshiPerBitcoin,
		MaxTradeLimits:       make(map[string]btcutil.Amount),
		FirstBucket:          30 * 24 * time.Hour,
		SecondBucket:         60 * 24 * time.Hour,
	}
}

// Account is a local payment account
type Account struct {
	ID              string
	PaymentMethodID string
	Currencies      []string
	Created         time.Time
}

func (a *Account) supports(o *offer.Offer) bool {
	if a.PaymentMethodID != o.PaymentMethodID() {
		return false
	}
	for _, c := range a.Currencies {
		if strings.EqualFold(c, o.CurrencyCode()) {
			return true
		}
	}
	return false
}

// Service tracks account ages of peers and of local payment accounts and
// derives trade limits from them.
type Service struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	peerCreated map[string]time.Time
	accounts    map[string]*Account
	onChange    []func()
}

// NewService creates a reputation service
func NewService(config Config, clk clock.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		config:      config,
		clock:       clk,
		logger:      logger,
		peerCreated: make(map[string]time.Time),
		accounts:    make(map[string]*Account),
	}
}

// SetPeerAccountCreated records when the account behind ring was created.
// Dates in the future are clamped to now.
func (s *Service) SetPeerAccountCreated(ring *types.PubKeyRing, created time.Time) {
	if now := s.clock.Now(); created.After(now) {
		created = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerCreated[hex.EncodeToString(ring.SignaturePubKey)] = created
}

// PeerAccountAge returns how old the account behind ring is; unknown
// accounts have age zero.
func (s *Service) PeerAccountAge(ring *types.PubKeyRing) time.Duration {
	s.mu.RLock()
	created, ok := s.peerCreated[hex.EncodeToString(ring.SignaturePubKey)]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.clock.Since(created)
}

// AddAccount adds or replaces a local payment account
func (s *Service) AddAccount(acc Account) {
	s.mu.Lock()
	s.accounts[acc.ID] = &acc
	fns := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// RemoveAccount removes a local payment account
func (s *Service) RemoveAccount(id string) {
	s.mu.Lock()
	delete(s.accounts, id)
	fns := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// OnAccountsChanged registers fn to run after every account change
func (s *Service) OnAccountsChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// HasValidAccount reports whether some local account can pay for o
func (s *Service) HasValidAccount(o *offer.Offer) bool {
	_, ok := s.AccountFor(o)
	return ok
}

// AccountFor returns the oldest local account that can pay for o
func (s *Service) AccountFor(o *offer.Offer) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Account
	for _, acc := range s.accounts {
		if !acc.supports(o) {
			continue
		}
		if best == nil || acc.Created.Before(best.Created) ||
			(acc.Created.Equal(best.Created) && acc.ID < best.ID) {
			best = acc
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// TradeLimit returns the limit for an account of the given age trading with
// paymentMethod. Only BTC buyers are limited by age; sellers always get
// the full limit.
func (s *Service) TradeLimit(paymentMethod string, age time.Duration, dir types.Direction) btcutil.Amount {
	limit := s.config.DefaultMaxTradeLimit
	if v, ok := s.config.MaxTradeLimits[paymentMethod]; ok {
		limit = v
	}
	if dir == types.Sell {
		return limit
	}

	factor := decimal.NewFromInt(1)
	switch {
	case age < s.config.FirstBucket:
		factor = decimal.RequireFromString("0.25")
	case age < s.config.SecondBucket:
		factor = decimal.RequireFromString("0.5")
	}
	return btcutil.Amount(decimal.NewFromInt(int64(limit)).Mul(factor).IntPart())
}

// VerifyPeersTradeAmount reports whether the maker of o may trade amount
func (s *Service) VerifyPeersTradeAmount(o *offer.Offer, amount btcutil.Amount) bool {
	p := o.Payload()
	limit := s.TradeLimit(p.PaymentMethodID, s.PeerAccountAge(&p.PubKeyRing), p.Direction)
	if amount > limit {
		s.logger.Debug("Peer trade amount above limit",
			zap.String("offerID", p.ID),
			zap.Int64("amount", int64(amount)),
			zap.Int64("limit", int64(limit)))
		return false
	}
	return true
}

// MyTradeLimit returns the limit of a local account
func (s *Service) MyTradeLimit(accountID, currency string, dir types.Direction) btcutil.Amount {
	s.mu.RLock()
	acc, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.TradeLimit(acc.PaymentMethodID, s.clock.Since(acc.Created), dir)
}
