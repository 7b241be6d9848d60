// Package upstream pulls ticks from the external quote provider.
package upstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

const (
	DefaultBatchSize      = 20
	DefaultBatchDelay     = 250 * time.Millisecond
	DefaultBatchTimeout   = 10 * time.Second
	DefaultMaxConcurrency = 4
)

type Options struct {
	BatchSize      int
	BatchDelay     time.Duration // gap between consecutive batch dispatches
	BatchTimeout   time.Duration
	MaxConcurrency int
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
}

// Fetcher splits a symbol set into provider-sized batches and queries them
// concurrently. A failed batch only loses its own symbols.
type Fetcher struct {
	provider QuoteProvider
	opts     Options
	logger   *zap.Logger
}

func NewFetcher(provider QuoteProvider, opts Options, logger *zap.Logger) *Fetcher {
	opts.setDefaults()
	return &Fetcher{provider: provider, opts: opts, logger: logger}
}

// FetchBatch returns ticks for every symbol the provider answered. Symbols
// in failed batches are absent from the result; the caller decides what to
// serve for them.
func (f *Fetcher) FetchBatch(ctx context.Context, symbols []string) map[string]models.PriceTick {
	out := make(map[string]models.PriceTick, len(symbols))
	if len(symbols) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(f.opts.MaxConcurrency)

	for i, batch := range chunk(symbols, f.opts.BatchSize) {
		if i > 0 && f.opts.BatchDelay > 0 {
			if !sleep(ctx, f.opts.BatchDelay) {
				f.logger.Warn("Fetch cancelled before dispatching all batches",
					zap.Int("dispatched", i), zap.Error(ctx.Err()))
				break
			}
		}

		batch := batch
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(ctx, f.opts.BatchTimeout)
			defer cancel()

			ticks, err := f.provider.Quotes(bctx, batch)
			if err != nil {
				f.logger.Warn("Upstream batch failed",
					zap.Strings("symbols", batch), zap.Error(err))
				return nil
			}

			mu.Lock()
			for sym, t := range ticks {
				out[sym] = t
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if missing := len(symbols) - len(out); missing > 0 {
		f.logger.Debug("Upstream returned partial results",
			zap.Int("requested", len(symbols)), zap.Int("missing", missing))
	}
	return out
}

func chunk(symbols []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
