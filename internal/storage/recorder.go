package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Recorder is the single writer used by the stream consumers.
// Every record is appended to the file logs right away. Database storages,
// when present, get records through commit buffers which are flushed by Run.
type Recorder struct {
	file  *File
	mysql *MySQL
	es    *ElasticSearch

	mysqlTrades       *commitBuf[Trade]
	mysqlFundingRates *commitBuf[FundingRate]
	mysqlLiquidations *commitBuf[Liquidation]
	esTrades          *commitBuf[Trade]
	esFundingRates    *commitBuf[FundingRate]
	esLiquidations    *commitBuf[Liquidation]
}

// NewRecorder creates a recorder. mysql and es are optional.
func NewRecorder(file *File, mysql *MySQL, es *ElasticSearch) *Recorder {
	r := Recorder{file: file, mysql: mysql, es: es}
	if mysql != nil {
		size := mysql.Cfg.CommitBuf
		r.mysqlTrades = newCommitBuf[Trade]("mysql trade", size)
		r.mysqlFundingRates = newCommitBuf[FundingRate]("mysql funding_rate", size)
		r.mysqlLiquidations = newCommitBuf[Liquidation]("mysql liquidation", size)
	}
	if es != nil {
		size := es.Cfg.CommitBuf
		r.esTrades = newCommitBuf[Trade]("elastic_search trade", size)
		r.esFundingRates = newCommitBuf[FundingRate]("elastic_search funding_rate", size)
		r.esLiquidations = newCommitBuf[Liquidation]("elastic_search liquidation", size)
	}
	return &r
}

// RecordTrade stores a trade. The returned error is from the file log append,
// or ctx error once ctx is done.
func (r *Recorder) RecordTrade(ctx context.Context, trade Trade) error {
	if err := r.file.CommitTrade(trade); err != nil {
		return err
	}
	if err := r.mysqlTrades.add(ctx, trade); err != nil {
		return err
	}
	return r.esTrades.add(ctx, trade)
}

// RecordFundingRate stores a funding rate.
func (r *Recorder) RecordFundingRate(ctx context.Context, funding FundingRate) error {
	if err := r.file.CommitFundingRate(funding); err != nil {
		return err
	}
	if err := r.mysqlFundingRates.add(ctx, funding); err != nil {
		return err
	}
	return r.esFundingRates.add(ctx, funding)
}

// RecordLiquidation stores a liquidation.
func (r *Recorder) RecordLiquidation(ctx context.Context, liquidation Liquidation) error {
	if err := r.file.CommitLiquidation(liquidation); err != nil {
		return err
	}
	if err := r.mysqlLiquidations.add(ctx, liquidation); err != nil {
		return err
	}
	return r.esLiquidations.add(ctx, liquidation)
}

// Run commits buffered records to the database storages till ctx is canceled.
// A failed commit is logged and its batch dropped, other commits keep going.
func (r *Recorder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r.mysql != nil {
		g.Go(func() error { return commitLoop(ctx, "mysql", "trade", r.mysqlTrades, r.mysql.CommitTrades) })
		g.Go(func() error {
			return commitLoop(ctx, "mysql", "funding_rate", r.mysqlFundingRates, r.mysql.CommitFundingRates)
		})
		g.Go(func() error {
			return commitLoop(ctx, "mysql", "liquidation", r.mysqlLiquidations, r.mysql.CommitLiquidations)
		})
	}
	if r.es != nil {
		g.Go(func() error { return commitLoop(ctx, "elastic_search", "trade", r.esTrades, r.es.CommitTrades) })
		g.Go(func() error {
			return commitLoop(ctx, "elastic_search", "funding_rate", r.esFundingRates, r.es.CommitFundingRates)
		})
		g.Go(func() error {
			return commitLoop(ctx, "elastic_search", "liquidation", r.esLiquidations, r.es.CommitLiquidations)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

// Close closes all the storages.
func (r *Recorder) Close() error {
	err := r.file.Close()
	if r.mysql != nil {
		if mErr := r.mysql.Close(); mErr != nil && err == nil {
			err = mErr
		}
	}
	return err
}

func commitLoop[T any](ctx context.Context, str string, kind string, buf *commitBuf[T], commit func(context.Context, []T) error) error {
	for {
		select {
		case data := <-buf.out:
			err := commit(ctx, data)
			if err != nil {
				if errors.Is(err, ctx.Err()) {
					return err
				}
				log.Error().Stack().Err(errors.WithStack(err)).Str("storage", str).Str("record", kind).Int("dropped", len(data)).Msg("commit failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// commitBuf collects records from many consumers and hands over full batches.
// A nil commitBuf accepts and discards everything.
type commitBuf[T any] struct {
	mu      sync.Mutex
	name    string
	size    int
	items   []T
	out     chan []T
	dropped atomic.Uint64
}

func newCommitBuf[T any](name string, size int) *commitBuf[T] {
	if size < 1 {
		size = 1
	}
	return &commitBuf[T]{
		name:  name,
		size:  size,
		items: make([]T, 0, size),
		out:   make(chan []T, 1),
	}
}

func (b *commitBuf[T]) add(ctx context.Context, item T) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.items = append(b.items, item)
	if len(b.items) < b.size {
		b.mu.Unlock()
		return nil
	}
	batch := b.items
	b.items = make([]T, 0, b.size)
	b.mu.Unlock()

	// The batch is dropped while the commit loop is still busy with the previous one.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case b.out <- batch:
	default:
		dropped := b.dropped.Add(uint64(len(batch)))
		log.Warn().Str("storage", b.name).Int("batch", len(batch)).Uint64("dropped_total", dropped).Msg("commit behind, batch dropped")
	}
	return nil
}
