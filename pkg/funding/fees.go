package funding

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
)

// FeeSchedule holds the trade fee rates for makers and takers
type FeeSchedule struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
	MinFee    btcutil.Amount
}

// DefaultFeeSchedule returns the network default fees: 0.15% for makers,
// 0.30% for takers and a floor of 5000 satoshis.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		MakerRate: decimal.RequireFromString("0.0015"),
		TakerRate: decimal.RequireFromString("0.003"),
		MinFee:    5000,
	}
}

// TradeFee returns the fee owed by role for a trade of amount
func (f FeeSchedule) TradeFee(amount btcutil.Amount, role types.Role) btcutil.Amount {
	rate := f.MakerRate
	if role == types.RoleTaker {
		rate = f.TakerRate
	}
	fee := btcutil.Amount(decimal.NewFromInt(int64(amount)).Mul(rate).Ceil().IntPart())
	if fee < f.MinFee {
		return f.MinFee
	}
	return fee
}
