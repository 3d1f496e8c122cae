package offer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservationAutoRevert(t *testing.T) {
	clk := clock.NewMock()
	oo := NewOpenOffer(New(testPayload(t), nil), ClockScheduler{Clock: clk})

	var reverted atomic.Int32
	oo.OnAutoRevert(func(*OpenOffer) { reverted.Add(1) })

	oo.SetState(types.OpenReserved)
	clk.Add(59 * time.Second)
	assert.Equal(t, types.OpenReserved, oo.State())

	clk.Add(time.Second)
	require.Eventually(t, func() bool {
		return oo.State() == types.OpenAvailable
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return reverted.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReservationCanceledByTransition(t *testing.T) {
	clk := clock.NewMock()
	oo := NewOpenOffer(New(testPayload(t), nil), ClockScheduler{Clock: clk})

	oo.SetState(types.OpenReserved)
	oo.SetState(types.OpenClosed)
	clk.Add(2 * types.ReservationTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.OpenClosed, oo.State())
}

func TestReservationRearmed(t *testing.T) {
	clk := clock.NewMock()
	oo := NewOpenOffer(New(testPayload(t), nil), ClockScheduler{Clock: clk})

	oo.SetState(types.OpenReserved)
	clk.Add(40 * time.Second)
	oo.SetState(types.OpenReserved)
	clk.Add(40 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.OpenReserved, oo.State(), "second reservation restarts the timeout")

	clk.Add(20 * time.Second)
	require.Eventually(t, func() bool {
		return oo.State() == types.OpenAvailable
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerReached(t *testing.T) {
	sell := NewOpenOffer(New(testPayload(t), nil), nil)
	assert.False(t, sell.TriggerReached(decimal.NewFromInt(1)), "no trigger set")

	sell.SetTriggerPrice(decimal.NewFromInt(45000))
	assert.False(t, sell.TriggerReached(decimal.NewFromInt(46000)))
	assert.True(t, sell.TriggerReached(decimal.NewFromInt(44999)))

	p := testPayload(t)
	p.Direction = types.Buy
	buy := NewOpenOffer(New(p, nil), nil)
	buy.SetTriggerPrice(decimal.NewFromInt(55000))
	assert.False(t, buy.TriggerReached(decimal.NewFromInt(54000)))
	assert.True(t, buy.TriggerReached(decimal.NewFromInt(55001)))
}
