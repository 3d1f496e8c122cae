package reputation

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func testOffer(t *testing.T, dir types.Direction) *offer.Offer {
	t.Helper()
	keys, err := types.NewKeyRing()
	require.NoError(t, err)
	return offer.New(&offer.Payload{
		ID:              offer.NewID(),
		PubKeyRing:      keys.Public,
		Direction:       dir,
		BaseCurrency:    "BTC",
		CounterCurrency: "EUR",
		Amount:          50_000_000,
		MinAmount:       10_000_000,
		FixedPrice:      decimal.NewFromInt(30000),
		PaymentMethodID: "SEPA",
		Kind:            offer.KindStandard,
		Standard:        &offer.StandardTerms{},
	}, nil)
}

func TestTradeLimitBuckets(t *testing.T) {
	s := NewService(DefaultConfig(), clock.NewMock(), nil)

	assert.Equal(t, btcutil.Amount(25_000_000), s.TradeLimit("SEPA", 10*day, types.Buy))
	assert.Equal(t, btcutil.Amount(50_000_000), s.TradeLimit("SEPA", 45*day, types.Buy))
	assert.Equal(t, btcutil.Amount(100_000_000), s.TradeLimit("SEPA", 90*day, types.Buy))
	assert.Equal(t, btcutil.Amount(100_000_000), s.TradeLimit("SEPA", 0, types.Sell))
}

func TestVerifyPeersTradeAmount(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(365 * day)
	s := NewService(DefaultConfig(), clk, nil)

	o := testOffer(t, types.Buy)
	assert.False(t, s.VerifyPeersTradeAmount(o, o.Amount()), "unknown account is new")

	s.SetPeerAccountCreated(&o.Payload().PubKeyRing, clk.Now().Add(-45*day))
	assert.True(t, s.VerifyPeersTradeAmount(o, o.Amount()))

	seller := testOffer(t, types.Sell)
	assert.True(t, s.VerifyPeersTradeAmount(seller, seller.Amount()))
}

func TestAccounts(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(365 * day)
	s := NewService(DefaultConfig(), clk, nil)

	changes := 0
	s.OnAccountsChanged(func() { changes++ })

	o := testOffer(t, types.Sell)
	assert.False(t, s.HasValidAccount(o))

	s.AddAccount(Account{ID: "new", PaymentMethodID: "SEPA", Currencies: []string{"eur"}, Created: clk.Now().Add(-5 * day)})
	s.AddAccount(Account{ID: "old", PaymentMethodID: "SEPA", Currencies: []string{"EUR"}, Created: clk.Now().Add(-100 * day)})
	s.AddAccount(Account{ID: "usd", PaymentMethodID: "SEPA", Currencies: []string{"USD"}, Created: clk.Now().Add(-200 * day)})
	assert.Equal(t, 3, changes)

	id, ok := s.AccountFor(o)
	require.True(t, ok)
	assert.Equal(t, "old", id)

	assert.Equal(t, btcutil.Amount(100_000_000), s.MyTradeLimit("old", "EUR", types.Buy))
	assert.Equal(t, btcutil.Amount(25_000_000), s.MyTradeLimit("new", "EUR", types.Buy))
	assert.Zero(t, s.MyTradeLimit("missing", "EUR", types.Buy))

	s.RemoveAccount("old")
	id, _ = s.AccountFor(o)
	assert.Equal(t, "new", id)
	assert.Equal(t, 4, changes)
}
