package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/bvkgo/kv/kvmemdb"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(t *testing.T, id string) *offer.Payload {
	t.Helper()
	keys, err := types.NewKeyRing()
	require.NoError(t, err)
	return &offer.Payload{
		ID:                id,
		Date:              time.Unix(1700000000, 0).UTC(),
		OwnerAddress:      "maker",
		PubKeyRing:        keys.Public,
		Direction:         types.Buy,
		BaseCurrency:      "BTC",
		CounterCurrency:   "EUR",
		Amount:            btcutil.Amount(50_000_000),
		MinAmount:         btcutil.Amount(5_000_000),
		MarketPriceMargin: decimal.RequireFromString("0.02"),
		PaymentMethodID:   "SEPA",
		ProtocolVersion:   types.ProtocolVersion,
		Extra:             map[string]string{offer.ExtraLanguages: "en,de"},
		Kind:              offer.KindStandard,
		Standard:          &offer.StandardTerms{MakerFee: 75_000, FeeInBTC: true, BuyerSecurityDeposit: 750_000, SellerSecurityDeposit: 750_000},
	}
}

func TestLoadEmpty(t *testing.T) {
	ctx := context.Background()
	s := New(kvmemdb.New(), nil)

	open, err := s.LoadOpenOffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := s.LoadClosedOffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestSaveLoadKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := New(kvmemdb.New(), nil)

	recs := []*OpenOfferRecord{
		{Payload: testPayload(t, "c"), State: types.OpenAvailable, Arbitrator: "arb-1"},
		{Payload: testPayload(t, "a"), State: types.OpenDeactivated, TriggerPrice: decimal.NewFromInt(45000)},
		{Payload: testPayload(t, "b"), State: types.OpenAvailable},
	}
	require.NoError(t, s.SaveOpenOffers(ctx, recs))

	got, err := s.LoadOpenOffers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range recs {
		assert.Equal(t, recs[i].Payload.ID, got[i].Payload.ID)
		assert.True(t, recs[i].Payload.Equal(got[i].Payload))
		assert.Equal(t, recs[i].State, got[i].State)
	}
	assert.Equal(t, types.NodeAddress("arb-1"), got[0].Arbitrator)
	assert.True(t, got[1].TriggerPrice.Equal(decimal.NewFromInt(45000)))
}

func TestReservedLoadsAsAvailable(t *testing.T) {
	ctx := context.Background()
	s := New(kvmemdb.New(), nil)

	require.NoError(t, s.SaveOpenOffers(ctx, []*OpenOfferRecord{
		{Payload: testPayload(t, "x"), State: types.OpenReserved},
	}))

	got, err := s.LoadOpenOffers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.OpenAvailable, got[0].State)
}

func TestRecordRoundTrip(t *testing.T) {
	oo := offer.NewOpenOffer(offer.New(testPayload(t, "x"), nil), nil)
	oo.SetArbitrator("arb")
	oo.SetTriggerPrice(decimal.NewFromInt(51000))
	oo.SetState(types.OpenDeactivated)

	rec := RecordOf(oo)
	back := rec.OpenOffer(nil, nil)
	assert.Equal(t, "x", back.ID())
	assert.Equal(t, types.OpenDeactivated, back.State())
	arb, _, _ := back.Agents()
	assert.Equal(t, types.NodeAddress("arb"), arb)
	assert.True(t, back.TriggerPrice().Equal(decimal.NewFromInt(51000)))
}

func TestCancelOffer(t *testing.T) {
	ctx := context.Background()
	s := New(kvmemdb.New(), nil)
	now := time.Unix(1700001000, 0).UTC()

	require.NoError(t, s.SaveOpenOffers(ctx, []*OpenOfferRecord{
		{Payload: testPayload(t, "a"), State: types.OpenAvailable},
		{Payload: testPayload(t, "b"), State: types.OpenAvailable},
	}))

	require.NoError(t, s.CancelOffer(ctx, "a", now))
	assert.ErrorIs(t, s.CancelOffer(ctx, "a", now), os.ErrNotExist)

	open, err := s.LoadOpenOffers(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].Payload.ID)

	closed, err := s.LoadClosedOffers(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].Payload.ID)
	assert.Equal(t, types.OpenCanceled, closed[0].State)
	assert.True(t, closed[0].ClosedAt.Equal(now))
}

func TestArchiveOfferAppends(t *testing.T) {
	ctx := context.Background()
	s := New(kvmemdb.New(), nil)

	require.NoError(t, s.ArchiveOffer(ctx, &ClosedOfferRecord{Payload: testPayload(t, "a"), State: types.OpenClosed}))
	require.NoError(t, s.ArchiveOffer(ctx, &ClosedOfferRecord{Payload: testPayload(t, "b"), State: types.OpenCanceled}))

	closed, err := s.LoadClosedOffers(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "a", closed[0].Payload.ID)
	assert.Equal(t, types.OpenClosed, closed[0].State)
	assert.Equal(t, "b", closed[1].Payload.ID)
}

func TestKeyRingIsStable(t *testing.T) {
	ctx := context.Background()
	s := New(kvmemdb.New(), nil)

	first, err := s.KeyRing(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Public.Validate())

	second, err := s.KeyRing(ctx)
	require.NoError(t, err)
	assert.True(t, first.Public.Equal(&second.Public))
	assert.Equal(t, first.SignatureKey.Serialize(), second.SignatureKey.Serialize())
}
