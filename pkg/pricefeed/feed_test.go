package pricefeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visvasity/topic"
)

type fakeNet struct {
	handlers  map[string]p2p.MessageHandler
	broadcast []string
}

func (n *fakeNet) BroadcastMessage(topicName, messageType string, _ interface{}) error {
	n.broadcast = append(n.broadcast, topicName+"/"+messageType)
	return nil
}

func (n *fakeNet) RegisterHandler(messageType string, handler p2p.MessageHandler) {
	if n.handlers == nil {
		n.handlers = make(map[string]p2p.MessageHandler)
	}
	n.handlers[messageType] = handler
}

func tick(code, price string, ts time.Time) types.PriceData {
	return types.PriceData{CurrencyCode: code, Price: decimal.RequireFromString(price), Timestamp: ts, Source: "test"}
}

func TestMarketPrice(t *testing.T) {
	clk := clock.NewMock()
	f := New(DefaultMaxAge, clk, nil)

	_, ok := f.MarketPrice("USD")
	assert.False(t, ok)

	require.NoError(t, f.Update(tick("usd", "50000", clk.Now())))
	p, ok := f.MarketPrice("USD")
	require.True(t, ok)
	assert.Equal(t, "50000", p.String())
	assert.Equal(t, uint64(1), f.UpdateCounter())

	clk.Add(DefaultMaxAge + time.Second)
	_, ok = f.MarketPrice("USD")
	assert.False(t, ok, "stale price must not be served")
}

func TestRejectsOlderAndInvalidTicks(t *testing.T) {
	clk := clock.NewMock()
	f := New(0, clk, nil)
	now := clk.Now()

	require.NoError(t, f.Update(tick("EUR", "45000", now)))
	assert.ErrorIs(t, f.Update(tick("EUR", "44000", now.Add(-time.Second))), ErrStalePrice)
	assert.Error(t, f.Update(tick("EUR", "0", now)))
	assert.Error(t, f.Update(tick("", "1", now)))

	p, _ := f.MarketPrice("EUR")
	assert.Equal(t, "45000", p.String())
	assert.Equal(t, uint64(1), f.UpdateCounter())
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	clk := clock.NewMock()
	f := New(0, clk, nil)

	r, err := f.Subscribe()
	require.NoError(t, err)
	defer r.Close()
	ch, err := topic.ReceiveCh(r)
	require.NoError(t, err)

	require.NoError(t, f.Update(tick("USD", "51000", clk.Now())))
	select {
	case u := <-ch:
		assert.Equal(t, "USD", u.CurrencyCode)
		assert.Equal(t, uint64(1), u.Counter)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}
}

func TestNetworkTicks(t *testing.T) {
	clk := clock.NewMock()
	f := New(0, clk, nil)
	net := &fakeNet{}
	f.Attach(net)

	require.NoError(t, f.Publish(net, tick("USD", "50000", clk.Now())))
	assert.Equal(t, []string{p2p.PriceFeedTopic + "/" + MsgTypePriceTick}, net.broadcast)

	data, err := json.Marshal(tick("JPY", "7000000", clk.Now()))
	require.NoError(t, err)
	h := net.handlers[MsgTypePriceTick]
	require.NotNil(t, h)
	require.NoError(t, h("peer", &types.P2PMessage{MessageType: MsgTypePriceTick, Payload: data}))

	p, ok := f.MarketPrice("JPY")
	require.True(t, ok)
	assert.Equal(t, "7000000", p.String())
	assert.Equal(t, uint64(2), f.UpdateCounter())
}
