package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/milkywaybrain/tradeflow/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []storage.Alert
	err    error
}

func (s *alertSink) CommitAlerts(data []storage.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, data...)
	return s.err
}

func (s *alertSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

var (
	noon      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	threshold = decimal.NewFromInt(500000)
)

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestAddTradeConcurrentSum(t *testing.T) {
	agg := New(threshold, nil)
	const workers, perWorker = 16, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.AddTrade("BTCUSDT", noon.Add(250*time.Millisecond), decimal.RequireFromString("0.1"), false)
			}
		}()
	}
	wg.Wait()

	got, ok := agg.Notional(BucketKey{Symbol: "BTCUSDT", Second: noon})
	require.True(t, ok)
	assert.Equal(t, "800", got.String())
	assert.Equal(t, 1, agg.Len())
}

func TestAddTradeKeysBySide(t *testing.T) {
	agg := New(threshold, nil)
	agg.AddTrade("BTCUSDT", noon, usd(10), false)
	agg.AddTrade("BTCUSDT", noon, usd(20), true)
	agg.AddTrade("SOLUSDT", noon, usd(30), true)
	agg.AddTrade("BTCUSDT", noon.Add(time.Second), usd(40), true)

	assert.Equal(t, 4, agg.Len())
	buy, _ := agg.Notional(BucketKey{Symbol: "BTCUSDT", Second: noon, BuyerMaker: false})
	sell, _ := agg.Notional(BucketKey{Symbol: "BTCUSDT", Second: noon, BuyerMaker: true})
	assert.True(t, buy.Equal(usd(10)))
	assert.True(t, sell.Equal(usd(20)))
}

func TestAddTradeRejectsNegative(t *testing.T) {
	agg := New(threshold, nil)
	agg.AddTrade("BTCUSDT", noon, usd(-5), false)
	assert.Equal(t, 0, agg.Len())
}

func TestSweepSellExample(t *testing.T) {
	for _, order := range [][]int64{{300000, 250000}, {250000, 300000}} {
		sink := &alertSink{}
		agg := New(threshold, sink)
		for _, n := range order {
			agg.AddTrade("BTCUSDT", noon.Add(400*time.Millisecond), usd(n), true)
		}

		alerts := agg.Sweep(noon.Add(time.Second))

		require.Len(t, alerts, 1)
		assert.Equal(t, "SELL", alerts[0].Side())
		assert.Equal(t, "BTCUSDT", alerts[0].Symbol)
		assert.True(t, alerts[0].Second.Equal(noon))
		assert.Equal(t, "0.55", alerts[0].Millions())
		assert.Equal(t, alerts, sink.alerts)
		_, ok := agg.Notional(BucketKey{Symbol: "BTCUSDT", Second: noon, BuyerMaker: true})
		assert.False(t, ok)
	}
}

func TestSweepNeverReportsOpenSecond(t *testing.T) {
	agg := New(threshold, nil)
	agg.AddTrade("BTCUSDT", noon, usd(900000), false)

	// Same second, even at its very end.
	assert.Empty(t, agg.Sweep(noon))
	assert.Empty(t, agg.Sweep(noon.Add(999*time.Millisecond)))
	// Clock behind the bucket.
	assert.Empty(t, agg.Sweep(noon.Add(-time.Minute)))
	assert.Equal(t, 1, agg.Len())

	assert.Len(t, agg.Sweep(noon.Add(time.Second)), 1)
}

func TestSweepNoDuplicateAfterEviction(t *testing.T) {
	sink := &alertSink{}
	agg := New(threshold, sink)
	agg.AddTrade("BTCUSDT", noon, usd(600000), false)

	require.Len(t, agg.Sweep(noon.Add(time.Second)), 1)
	assert.Empty(t, agg.Sweep(noon.Add(2*time.Second)))

	// A late trade for the evicted second starts a fresh bucket.
	agg.AddTrade("BTCUSDT", noon, usd(100), false)
	got, ok := agg.Notional(BucketKey{Symbol: "BTCUSDT", Second: noon})
	require.True(t, ok)
	assert.True(t, got.Equal(usd(100)))

	assert.Empty(t, agg.Sweep(noon.Add(3*time.Second)))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 0, agg.Len())
}

func TestSweepEvictsSmallBucketsSilently(t *testing.T) {
	sink := &alertSink{}
	agg := New(threshold, sink)
	agg.AddTrade("BTCUSDT", noon, usd(500000), false) // equal is not above
	agg.AddTrade("SOLUSDT", noon, usd(1000), true)
	agg.AddTrade("SOLUSDT", noon.Add(5*time.Second), usd(1000), true)

	assert.Empty(t, agg.Sweep(noon.Add(time.Second)))
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 1, agg.Len())
}

func TestSweepOutputErrorSwallowed(t *testing.T) {
	sink := &alertSink{err: errors.New("stdout closed")}
	agg := New(threshold, sink)
	agg.AddTrade("BTCUSDT", noon, usd(700000), false)

	alerts := agg.Sweep(noon.Add(time.Second))
	assert.Len(t, alerts, 1)
	assert.Equal(t, 0, agg.Len())
}

func TestSweepConcurrentWithAddTrade(t *testing.T) {
	// Zero threshold makes every evicted bucket an alert, so nothing added can go missing unseen.
	sink := &alertSink{}
	agg := New(decimal.Zero, sink)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			agg.Sweep(noon.Add(time.Hour))
		}
	}()
	for i := 0; i < 1000; i++ {
		agg.AddTrade("BTCUSDT", noon.Add(time.Duration(i)*time.Millisecond), usd(1000), false)
	}
	cancel()
	wg.Wait()
	agg.Sweep(noon.Add(time.Hour))

	total := decimal.Zero
	for _, alert := range sink.alerts {
		total = total.Add(alert.Notional)
	}
	assert.True(t, total.Equal(usd(1000000)), total.String())
	assert.Equal(t, 0, agg.Len())
}

func TestRunSweepsRepeatedly(t *testing.T) {
	sink := &alertSink{}
	agg := New(threshold, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx, 10*time.Millisecond) }()

	past := time.Now().Add(-time.Minute)
	agg.AddTrade("BTCUSDT", past, usd(600000), false)
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	agg.AddTrade("SOLUSDT", past, usd(800000), true)
	assert.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
