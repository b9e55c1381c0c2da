// Package rangefetcher splits a height interval into adaptively-sized
// windows and fetches each through a bounded worker pool, retrying
// transient failures with exponential backoff.
package rangefetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/paravex/subdag-observatory/internal/chainclient"
	"github.com/paravex/subdag-observatory/internal/ratelimit"
	"github.com/paravex/subdag-observatory/internal/xerrors"
)

var (
	windowRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subdag_range_fetcher_window_retries_total",
		Help: "Total number of range fetch window retry attempts",
	})

	windowFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subdag_range_fetcher_window_failures_total",
		Help: "Total number of range fetch windows that exhausted retries",
	})

	currentBatchSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subdag_range_fetcher_batch_size",
		Help: "Current adaptive batch size in blocks",
	})
)

const (
	minBatchSize = 10
	maxBatchSize = 50

	defaultMaxRetries   = 3
	defaultRetryDelay   = 2 * time.Second
	defaultTargetWindow = 5 * time.Second

	// rateLimitedBackoffMultiplier stretches the exponential backoff for
	// a 429 beyond what a plain transient failure gets.
	rateLimitedBackoffMultiplier = 4
)

// Config parameterizes a Fetcher. Zero values fall back to the defaults
// above.
type Config struct {
	Concurrency  int           // K, default 5
	InitialBatch int           // starting B, clamped to [10,50]
	ProviderCap  int           // M, 0 means unbounded
	MaxRetries   int           // default 3
	RetryDelay   time.Duration // default 2s
	TargetWindow time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.InitialBatch <= 0 {
		c.InitialBatch = minBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.TargetWindow <= 0 {
		c.TargetWindow = defaultTargetWindow
	}
	return c
}

// Window is a fetched, contiguous slice of raw blocks for [Start, End].
type Window struct {
	Start, End uint64
	Blocks     []chainclient.RawBlock
}

// Fetcher is a bounded-concurrency, adaptive-batch-size range fetcher.
// Every fetch goes through the rate limiter before hitting the chain
// client.
type Fetcher struct {
	chain   chainclient.Client
	limiter *ratelimit.Bucket
	cfg     Config
	logger  zerolog.Logger

	batchMu   sync.Mutex
	batchSize int
}

// New constructs a Fetcher.
func New(chain chainclient.Client, limiter *ratelimit.Bucket, cfg Config, logger zerolog.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	b := clamp(cfg.InitialBatch, minBatchSize, maxBatchSize)
	if cfg.ProviderCap > 0 && b > cfg.ProviderCap {
		b = cfg.ProviderCap
	}
	return &Fetcher{
		chain:     chain,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.With().Str("component", "range_fetcher").Logger(),
		batchSize: b,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Fetch splits [start, end] into windows and fetches them through a
// worker pool of size K, streaming completed windows back on the
// returned channel as they finish. Windows may arrive out of order
// across workers; each window is always internally
// contiguous. The out channel closes once every window has been
// delivered, ctx is cancelled, or a window exhausts its retries. The
// latter two report their cause on the returned error channel, which
// always receives at most one value before closing.
func (f *Fetcher) Fetch(ctx context.Context, start, end uint64) (<-chan Window, <-chan error) {
	out := make(chan Window)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		fetchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		type job struct{ start, end uint64 }
		jobs := make(chan job)

		go func() {
			defer close(jobs)
			cursor := start
			for cursor <= end {
				b := f.currentBatchSize()
				windowEnd := cursor + uint64(b) - 1
				if windowEnd > end {
					windowEnd = end
				}
				select {
				case jobs <- job{cursor, windowEnd}:
				case <-fetchCtx.Done():
					return
				}
				if windowEnd == end {
					return
				}
				cursor = windowEnd + 1
			}
		}()

		var wg sync.WaitGroup
		var firstErr error
		var errOnce sync.Once

		for i := 0; i < f.cfg.Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range jobs {
					if err := f.fetchWindowWithRetry(fetchCtx, j.start, j.end, out); err != nil {
						errOnce.Do(func() { firstErr = err })
						cancel()
						return
					}
				}
			}()
		}

		wg.Wait()

		if firstErr != nil {
			errs <- firstErr
		} else if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return out, errs
}

func (f *Fetcher) currentBatchSize() int {
	f.batchMu.Lock()
	defer f.batchMu.Unlock()
	return f.batchSize
}

func (f *Fetcher) fetchWindowWithRetry(ctx context.Context, start, end uint64, out chan<- Window) error {
	blocks, elapsed, err := f.fetchRange(ctx, start, end)
	if err != nil {
		return err
	}
	f.adapt(elapsed)
	select {
	case out <- Window{Start: start, End: end, Blocks: blocks}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchOne fetches [start, end] as a single rate-limited, retried call
// with no worker fan-out; batch-size adaptation stays with the pooled
// path. When the provider caps a single request, end is clamped to the
// cap and the returned window reports the heights it actually covers,
// leaving the remainder for the caller's next pass.
func (f *Fetcher) FetchOne(ctx context.Context, start, end uint64) (Window, error) {
	if f.cfg.ProviderCap > 0 {
		if capEnd := start + uint64(f.cfg.ProviderCap) - 1; end > capEnd {
			end = capEnd
		}
	}
	blocks, _, err := f.fetchRange(ctx, start, end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end, Blocks: blocks}, nil
}

// fetchRange performs one rate-limited BlockRange call for [start, end],
// retrying transient failures with exponential backoff. On success it
// also reports the elapsed time of the winning attempt.
func (f *Fetcher) fetchRange(ctx context.Context, start, end uint64) ([]chainclient.RawBlock, time.Duration, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, 0, err
		}

		began := time.Now()
		blocks, err := f.chain.BlockRange(ctx, start, end)
		if err == nil {
			return blocks, time.Since(began), nil
		}

		lastErr = err
		windowRetries.Inc()
		f.logger.Warn().
			Err(err).
			Uint64("start", start).
			Uint64("end", end).
			Int("attempt", attempt).
			Msg("window fetch failed, retrying")

		if attempt == f.cfg.MaxRetries {
			break
		}
		backoff := f.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
		var rateLimited *xerrors.RateLimited
		if errors.As(err, &rateLimited) {
			backoff *= rateLimitedBackoffMultiplier
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, ctx.Err()
		}
	}
	windowFailures.Inc()
	return nil, 0, fmt.Errorf("rangefetcher: window [%d,%d] exhausted %d retries: %w", start, end, f.cfg.MaxRetries, lastErr)
}

// adapt grows or shrinks the batch size based on the elapsed time of a
// successful window. At most one adjustment per window.
func (f *Fetcher) adapt(elapsed time.Duration) {
	target := f.cfg.TargetWindow

	f.batchMu.Lock()
	defer f.batchMu.Unlock()

	switch {
	case elapsed < target/2:
		f.batchSize = clamp(int(float64(f.batchSize)*1.2), minBatchSize, maxBatchSize)
	case elapsed > 2*target:
		f.batchSize = clamp(int(float64(f.batchSize)*0.8), minBatchSize, maxBatchSize)
	}
	if f.cfg.ProviderCap > 0 && f.batchSize > f.cfg.ProviderCap {
		f.batchSize = f.cfg.ProviderCap
	}
	currentBatchSizeGauge.Set(float64(f.batchSize))
}
