package pricefeed

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/shopspring/decimal"
	"github.com/visvasity/topic"
	"go.uber.org/zap"
)

// MsgTypePriceTick carries a types.PriceData on the price feed topic
const MsgTypePriceTick = "price_tick"

// DefaultMaxAge is how long a price stays usable without a newer tick
const DefaultMaxAge = 3 * time.Minute

// ErrStalePrice is returned for ticks older than the stored price
var ErrStalePrice = errors.New("price tick is older than the current price")

// Network is the transport used to share price ticks
type Network interface {
	BroadcastMessage(topicName string, messageType string, payload interface{}) error
	RegisterHandler(messageType string, handler p2p.MessageHandler)
}

// Update is sent to subscribers whenever a price changes
type Update struct {
	CurrencyCode string
	Price        decimal.Decimal
	Counter      uint64
}

// Feed keeps the latest market price per currency
type Feed struct {
	maxAge time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	prices  map[string]types.PriceData
	counter uint64

	updates *topic.Topic[Update]
}

// New creates an empty feed. A non-positive maxAge keeps prices forever.
func New(maxAge time.Duration, clk clock.Clock, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Feed{
		maxAge:  maxAge,
		clock:   clk,
		logger:  logger,
		prices:  make(map[string]types.PriceData),
		updates: topic.New[Update](),
	}
}

// MarketPrice returns the current price for code, if one is known and fresh
func (f *Feed) MarketPrice(code string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pd, ok := f.prices[strings.ToUpper(code)]
	if !ok {
		return decimal.Zero, false
	}
	if f.maxAge > 0 && f.clock.Since(pd.Timestamp) > f.maxAge {
		return decimal.Zero, false
	}
	return pd.Price, true
}

// UpdateCounter increases with every accepted tick
func (f *Feed) UpdateCounter() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counter
}

// Subscribe returns a receiver for price updates
func (f *Feed) Subscribe() (*topic.Receiver[Update], error) {
	return topic.Subscribe(f.updates, 1, false)
}

// Update stores a new tick
func (f *Feed) Update(pd types.PriceData) error {
	if err := pd.Validate(); err != nil {
		return fmt.Errorf("invalid price data: %w", err)
	}
	code := strings.ToUpper(pd.CurrencyCode)
	pd.CurrencyCode = code
	if pd.Timestamp.IsZero() {
		pd.Timestamp = f.clock.Now()
	}

	f.mu.Lock()
	if cur, ok := f.prices[code]; ok && pd.Timestamp.Before(cur.Timestamp) {
		f.mu.Unlock()
		return ErrStalePrice
	}
	f.prices[code] = pd
	f.counter++
	counter := f.counter
	f.mu.Unlock()

	f.updates.Send(Update{CurrencyCode: code, Price: pd.Price, Counter: counter})
	f.logger.Debug("Market price updated",
		zap.String("currency", code),
		zap.String("price", pd.Price.String()),
		zap.String("source", pd.Source))
	return nil
}

// Attach starts accepting price ticks from the network
func (f *Feed) Attach(net Network) {
	net.RegisterHandler(MsgTypePriceTick, f.handlePriceTick)
}

// Publish stores pd locally and broadcasts it to peers
func (f *Feed) Publish(net Network, pd types.PriceData) error {
	if err := f.Update(pd); err != nil {
		return err
	}
	if err := net.BroadcastMessage(p2p.PriceFeedTopic, MsgTypePriceTick, pd); err != nil {
		return fmt.Errorf("failed to broadcast price tick: %w", err)
	}
	return nil
}

func (f *Feed) handlePriceTick(sender peer.ID, msg *types.P2PMessage) error {
	var pd types.PriceData
	if err := msg.DecodePayload(&pd); err != nil {
		return fmt.Errorf("failed to unmarshal price tick: %w", err)
	}
	if err := f.Update(pd); err != nil {
		if errors.Is(err, ErrStalePrice) {
			return nil
		}
		return fmt.Errorf("rejected price tick from %s: %w", sender, err)
	}
	return nil
}

// Prices returns a copy of all stored prices
func (f *Feed) Prices() []types.PriceData {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.PriceData, 0, len(f.prices))
	for _, pd := range f.prices {
		out = append(out, pd)
	}
	return out
}
