// Package aggregator sums trade notional per symbol, second and side, and reports
// closed seconds whose flow crossed the alert threshold.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/milkywaybrain/tradeflow/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// BucketKey identifies one aggregation cell.
type BucketKey struct {
	Symbol     string
	Second     time.Time
	BuyerMaker bool
}

// AlertCommitter receives alerts produced by a sweep.
type AlertCommitter interface {
	CommitAlerts([]storage.Alert) error
}

// TradeAggregator is the only state shared by all the trade stream consumers.
type TradeAggregator struct {
	mu        sync.Mutex
	buckets   map[BucketKey]decimal.Decimal
	threshold decimal.Decimal
	alerts    AlertCommitter
	now       func() time.Time
}

// New creates an aggregator which alerts on buckets with notional strictly above threshold.
func New(threshold decimal.Decimal, alerts AlertCommitter) *TradeAggregator {
	return &TradeAggregator{
		buckets:   make(map[BucketKey]decimal.Decimal),
		threshold: threshold,
		alerts:    alerts,
		now:       time.Now,
	}
}

// AddTrade adds notional to the bucket of (symbol, second, buyerMaker).
// second is truncated to the whole second in UTC.
// Negative notional is rejected.
func (a *TradeAggregator) AddTrade(symbol string, second time.Time, notional decimal.Decimal, buyerMaker bool) {
	if notional.IsNegative() {
		log.Error().Str("func", "AddTrade").Str("symbol", symbol).Str("notional", notional.String()).Msg("negative notional rejected")
		return
	}
	key := BucketKey{Symbol: symbol, Second: second.UTC().Truncate(time.Second), BuyerMaker: buyerMaker}
	a.mu.Lock()
	a.buckets[key] = a.buckets[key].Add(notional)
	a.mu.Unlock()
}

// Sweep evicts every bucket whose second is over as of now, and commits alerts for
// the evicted ones whose notional is above the threshold.
// Buckets of the current or a future second are left to accumulate.
func (a *TradeAggregator) Sweep(now time.Time) []storage.Alert {
	current := now.UTC().Truncate(time.Second)

	var alerts []storage.Alert
	a.mu.Lock()
	for key, notional := range a.buckets {
		if !key.Second.Before(current) {
			continue
		}
		if notional.GreaterThan(a.threshold) {
			alerts = append(alerts, storage.Alert{
				Symbol:     key.Symbol,
				Second:     key.Second,
				BuyerMaker: key.BuyerMaker,
				Notional:   notional,
			})
		}
		delete(a.buckets, key)
	}
	a.mu.Unlock()

	if len(alerts) > 0 && a.alerts != nil {
		if err := a.alerts.CommitAlerts(alerts); err != nil {
			log.Error().Stack().Err(errors.WithStack(err)).Int("alerts", len(alerts)).Msg("alert output failed")
		}
	}
	return alerts
}

// Run sweeps on every interval till ctx is canceled.
func (a *TradeAggregator) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			alerts := a.Sweep(a.now())
			if len(alerts) > 0 {
				log.Debug().Str("func", "Run").Int("alerts", len(alerts)).Msg("large trade flow")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of live buckets.
func (a *TradeAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

// Notional returns the accumulated notional of a bucket and whether it exists.
func (a *TradeAggregator) Notional(key BucketKey) (decimal.Decimal, bool) {
	key.Second = key.Second.UTC().Truncate(time.Second)
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.buckets[key]
	return n, ok
}
