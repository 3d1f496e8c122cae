package funding

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOffer(t *testing.T, dir types.Direction) *offer.Offer {
	t.Helper()
	keys, err := types.NewKeyRing()
	require.NoError(t, err)
	return offer.New(&offer.Payload{
		ID:              offer.NewID(),
		Date:            time.Now(),
		OwnerAddress:    "maker",
		PubKeyRing:      keys.Public,
		Direction:       dir,
		BaseCurrency:    "BTC",
		CounterCurrency: "EUR",
		Amount:          10_000_000,
		MinAmount:       10_000_000,
		FixedPrice:      decimal.NewFromInt(30000),
		PaymentMethodID: "SEPA",
		ProtocolVersion: types.ProtocolVersion,
		Kind:            offer.KindStandard,
		Standard: &offer.StandardTerms{
			MakerFee:              15_000,
			FeeInBTC:              true,
			BuyerSecurityDeposit:  1_500_000,
			SellerSecurityDeposit: 1_500_000,
		},
	}, nil)
}

func TestTradeFee(t *testing.T) {
	fees := DefaultFeeSchedule()
	assert.Equal(t, btcutil.Amount(15_000), fees.TradeFee(10_000_000, types.RoleMaker))
	assert.Equal(t, btcutil.Amount(30_000), fees.TradeFee(10_000_000, types.RoleTaker))
	assert.Equal(t, btcutil.Amount(5000), fees.TradeFee(100_000, types.RoleMaker), "minimum fee")
}

func TestCheckFeeServiceNotReady(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetBalance(btcutil.SatoshiPerBitcoin)

	c := NewChecker(w, w, DefaultFeeSchedule(), &chaincfg.MainNetParams, nil)
	_, err := c.Check(testOffer(t, types.Sell), types.RoleMaker)
	assert.ErrorIs(t, err, ErrFeeServiceNotReady)
}

func TestCheckSellerFundable(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetFeeRate(10)
	w.SetBalance(btcutil.SatoshiPerBitcoin)

	c := NewChecker(w, w, DefaultFeeSchedule(), &chaincfg.MainNetParams, nil)
	res, err := c.Check(testOffer(t, types.Sell), types.RoleMaker)
	require.NoError(t, err)
	assert.True(t, res.Fundable)
	assert.Equal(t, btcutil.Amount(10_000_000+1_500_000+15_000), res.Required)
	assert.Greater(t, res.VSize, int64(100))
	assert.Equal(t, btcutil.Amount(res.VSize)*10, res.MinerFee)
}

func TestCheckInsufficientFunds(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetFeeRate(10)
	w.SetBalance(11_515_000) // covers the trade but not the miner fee

	c := NewChecker(w, w, DefaultFeeSchedule(), &chaincfg.MainNetParams, nil)
	res, err := c.Check(testOffer(t, types.Sell), types.RoleMaker)
	require.NoError(t, err)
	assert.False(t, res.Fundable)
	assert.NotEmpty(t, res.Reason)

	// A buyer does not lock the trade amount.
	res, err = c.Check(testOffer(t, types.Buy), types.RoleMaker)
	require.NoError(t, err)
	assert.True(t, res.Fundable)
	assert.Equal(t, btcutil.Amount(1_500_000+15_000), res.Required)
}

func TestCheckTakerMirrorsDirection(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetFeeRate(1)
	w.SetBalance(5_000_000)

	c := NewChecker(w, w, DefaultFeeSchedule(), &chaincfg.MainNetParams, nil)

	// Taking a buy offer means selling BTC.
	res, err := c.Check(testOffer(t, types.Buy), types.RoleTaker)
	require.NoError(t, err)
	assert.False(t, res.Fundable)

	res, err = c.Check(testOffer(t, types.Sell), types.RoleTaker)
	require.NoError(t, err)
	assert.True(t, res.Fundable)
	assert.Equal(t, btcutil.Amount(1_500_000+30_000), res.Required)
}

func TestCheckFeePaidFromFeeWallet(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetFeeRate(1)
	w.SetBalance(btcutil.SatoshiPerBitcoin)

	o := testOffer(t, types.Buy)
	o.Payload().Standard.FeeInBTC = false

	c := NewChecker(w, w, DefaultFeeSchedule(), &chaincfg.MainNetParams, nil)
	res, err := c.Check(o, types.RoleMaker)
	require.NoError(t, err)
	assert.False(t, res.Fundable, "empty fee wallet")

	w.SetFeeBalance(20_000)
	res, err = c.Check(o, types.RoleMaker)
	require.NoError(t, err)
	assert.True(t, res.Fundable)
	assert.Equal(t, btcutil.Amount(1_500_000), res.Required)
}

func TestCheckOpenSkipsPaidFee(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetFeeRate(10)
	c := NewChecker(w, w, DefaultFeeSchedule(), &chaincfg.MainNetParams, nil)

	o := testOffer(t, types.Sell)
	w.SetBalance(btcutil.SatoshiPerBitcoin)
	res, err := c.Check(o, types.RoleMaker)
	require.NoError(t, err)
	need := res.Required + res.MinerFee

	// Exactly enough before the fee, then the fee is paid
	w.SetBalance(need)
	require.NoError(t, w.PayTradeFee(context.Background(), o, res.TradeFee))

	res, err = c.Check(o, types.RoleMaker)
	require.NoError(t, err)
	assert.False(t, res.Fundable, "the fee would be counted twice")

	res, err = c.CheckOpen(o, types.RoleMaker)
	require.NoError(t, err)
	assert.True(t, res.Fundable)
	assert.Equal(t, btcutil.Amount(10_000_000+1_500_000), res.Required)
	assert.Equal(t, btcutil.Amount(15_000), res.TradeFee)

	// A fee paid from the fee asset is not asked for again either
	assetFee := testOffer(t, types.Buy)
	assetFee.Payload().Standard.FeeInBTC = false
	w.SetFeeBalance(0)
	res, err = c.CheckOpen(assetFee, types.RoleMaker)
	require.NoError(t, err)
	assert.True(t, res.Fundable)
}

func TestAddressEntryLifecycle(t *testing.T) {
	w := NewMemWallet(&chaincfg.MainNetParams)
	a1, err := w.AddressEntry("o1")
	require.NoError(t, err)
	a2, err := w.AddressEntry("o1")
	require.NoError(t, err)
	assert.Equal(t, a1.String(), a2.String())
	assert.True(t, a1.IsForNet(&chaincfg.MainNetParams))

	w.ReleaseAddressEntry("o1")
	assert.False(t, w.HasAddressEntry("o1"))
}

func TestMemWalletPayTradeFee(t *testing.T) {
	ctx := context.Background()
	w := NewMemWallet(&chaincfg.MainNetParams)
	w.SetBalance(100_000)
	w.SetFeeBalance(20_000)

	btcFee := testOffer(t, types.Sell)
	require.NoError(t, w.PayTradeFee(ctx, btcFee, 15_000))
	assert.Equal(t, btcutil.Amount(85_000), w.Balance())
	assert.Equal(t, btcutil.Amount(20_000), w.AvailableBalance())

	assetFee := testOffer(t, types.Sell)
	assetFee.Payload().Standard.FeeInBTC = false
	require.NoError(t, w.PayTradeFee(ctx, assetFee, 15_000))
	assert.Equal(t, btcutil.Amount(85_000), w.Balance())
	assert.Equal(t, btcutil.Amount(5_000), w.AvailableBalance())

	assert.Error(t, w.PayTradeFee(ctx, assetFee, 15_000), "fee asset exhausted")
	assert.Error(t, w.PayTradeFee(ctx, btcFee, 200_000), "balance exhausted")
	assert.Equal(t, btcutil.Amount(85_000), w.Balance())
}
