package offer

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Decimal places used when rounding prices
const (
	FiatPrecision   = 4
	CryptoPrecision = 8
)

var cryptoCodes = map[string]bool{
	"BTC":  true,
	"BSQ":  true,
	"ETH":  true,
	"XMR":  true,
	"LTC":  true,
	"BCH":  true,
	"DASH": true,
	"DOGE": true,
	"ZEC":  true,
	"USDT": true,
	"DAI":  true,
}

// IsCryptoCurrency reports whether code names a crypto asset rather than fiat
func IsCryptoCurrency(code string) bool {
	return cryptoCodes[strings.ToUpper(code)]
}

// PrecisionFor returns the number of decimal places prices in code keep
func PrecisionFor(code string) int32 {
	if IsCryptoCurrency(code) {
		return CryptoPrecision
	}
	return FiatPrecision
}

// RoundPrice rounds a price to the precision of its currency
func RoundPrice(price decimal.Decimal, code string) decimal.Decimal {
	return price.Round(PrecisionFor(code))
}

// MarketBasedPrice applies margin to a market price for an offer on side.
// Buyers discount the market price, sellers add a premium.
func MarketBasedPrice(market, margin decimal.Decimal, buy bool, code string) decimal.Decimal {
	one := decimal.NewFromInt(1)
	factor := one.Add(margin)
	if buy {
		factor = one.Sub(margin)
	}
	return RoundPrice(market.Mul(factor), code)
}
