package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordTimestamp is the layout used for human readable times in stored records.
const RecordTimestamp = "2006-01-02 15:04:05"

// exact formats d with as many fractional digits as it was parsed with,
// so "61000.10" is written back as "61000.10".
func exact(d decimal.Decimal) string {
	if d.Exponent() < 0 {
		return d.StringFixed(-d.Exponent())
	}
	return d.String()
}

// Trade represents final form of an aggregated trade received from exchange
// ready to store.
type Trade struct {
	EventTime  int64
	Symbol     string
	TradeID    uint64
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TradeTime  time.Time
	BuyerMaker bool
}

// Notional returns price times quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// FundingRate represents final form of a mark price update received from exchange
// ready to store.
type FundingRate struct {
	Timestamp time.Time
	Symbol    string
	Rate      decimal.Decimal
}

var fundingPeriodsPerYear = decimal.NewFromInt(3 * 365)
var hundred = decimal.NewFromInt(100)

// YearlyRate returns the funding rate annualized as a percentage,
// with three funding events per day.
func (f FundingRate) YearlyRate() decimal.Decimal {
	return f.Rate.Mul(fundingPeriodsPerYear).Mul(hundred)
}

// Liquidation represents final form of a forced liquidation order received from exchange
// ready to store.
type Liquidation struct {
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	EventTime time.Time
}

// USDSize returns filled quantity times price.
func (l Liquidation) USDSize() decimal.Decimal {
	return l.Quantity.Mul(l.Price)
}

// Alert is a closed trade bucket whose summed notional crossed the alert threshold.
type Alert struct {
	Symbol     string
	Second     time.Time
	BuyerMaker bool
	Notional   decimal.Decimal
}

var million = decimal.NewFromInt(1000000)

// Side returns SELL for buyer maker flow, which is taker selling, and BUY otherwise.
func (a Alert) Side() string {
	if a.BuyerMaker {
		return "SELL"
	}
	return "BUY"
}

// Millions returns the notional in millions with two decimal places.
func (a Alert) Millions() string {
	return a.Notional.Div(million).StringFixed(2)
}
