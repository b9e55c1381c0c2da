// Package uptime computes the rolling per-validator uptime percentage
// over a bounded round window. It depends only on the store façade (the
// Store interface below), never on the event bus, the sync controller
// or the range fetcher; event triggers are wired by the caller. Concurrency across validators is bounded with
// errgroup.SetLimit.
package uptime

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/paravex/subdag-observatory/pkg/models"
)

const (
	defaultRoundSpan        = 500
	defaultConcurrencyLimit = 8
)

// Store is the subset of the store façade the engine consumes.
type Store interface {
	LatestRound(ctx context.Context) (uint64, bool, error)
	ActiveValidators(ctx context.Context) ([]string, error)
	EarliestRound(ctx context.Context, validator string) (uint64, bool, error)
	CommitteesInWindow(ctx context.Context, start, end uint64) (map[string]map[uint64]struct{}, error)
	ParticipatedCommittees(ctx context.Context, validator string, start, end uint64) (map[string]map[uint64]struct{}, error)
	InsertUptimeSnapshot(ctx context.Context, snap models.UptimeSnapshot) error
}

// Config parameterizes an Engine. Zero values fall back to the
// defaults above.
type Config struct {
	RoundSpan        uint64
	ConcurrencyLimit int
}

func (c Config) withDefaults() Config {
	if c.RoundSpan == 0 {
		c.RoundSpan = defaultRoundSpan
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = defaultConcurrencyLimit
	}
	return c
}

// Engine derives uptime snapshots from persisted participation rows.
type Engine struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// New constructs an Engine.
func New(store Store, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg.withDefaults(), logger: logger.With().Str("component", "uptime_engine").Logger()}
}

// Run computes and stores one uptime snapshot per active validator,
// bounded to cfg.ConcurrencyLimit in flight at once. A per-validator
// failure is logged and does not abort the run for the others.
func (e *Engine) Run(ctx context.Context) error {
	currentRound, ok, err := e.store.LatestRound(ctx)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug().Msg("no blocks synced yet, skipping uptime run")
		return nil
	}

	validators, err := e.store.ActiveValidators(ctx)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ConcurrencyLimit)

	for _, validator := range validators {
		validator := validator
		g.Go(func() error {
			if err := e.runForValidator(gCtx, validator, currentRound); err != nil {
				e.logger.Warn().Err(err).Str("validator", validator).Msg("uptime computation failed for validator")
			}
			return nil
		})
	}

	return g.Wait()
}

func windowStart(currentRound, span uint64) uint64 {
	if currentRound < span {
		return 0
	}
	return currentRound - span
}

func (e *Engine) runForValidator(ctx context.Context, validator string, currentRound uint64) error {
	earliest, ok, err := e.store.EarliestRound(ctx, validator)
	if err != nil {
		return err
	}

	start := windowStart(currentRound, e.cfg.RoundSpan)
	if ok && earliest > start {
		start = earliest
	}
	if start >= currentRound {
		e.logger.Debug().Str("validator", validator).Msg("window degenerate, skipping")
		return nil
	}

	totalCommittees, err := e.store.CommitteesInWindow(ctx, start, currentRound)
	if err != nil {
		return err
	}

	participated, err := e.store.ParticipatedCommittees(ctx, validator, start, currentRound)
	if err != nil {
		return err
	}

	if len(totalCommittees) == 0 {
		e.logger.Debug().Str("validator", validator).Msg("no committees in window, skipping snapshot")
		return nil
	}
	if len(participated) == 0 {
		// Never appeared in any committee over the window: no snapshot.
		e.logger.Debug().Str("validator", validator).Msg("no participation in window, skipping snapshot")
		return nil
	}

	participatedCount := 0
	for committeeID, rounds := range totalCommittees {
		validatorRounds, ok := participated[committeeID]
		if !ok {
			continue
		}
		for r := range rounds {
			if _, ok := validatorRounds[r]; ok {
				participatedCount++
				break
			}
		}
	}

	// The percentage is carried as integer counts until this one
	// division, then rounded to the column's NUMERIC(5,2) scale.
	uptimePercentage := 0.0
	if len(totalCommittees) > 0 {
		uptimePercentage = 100 * float64(participatedCount) / float64(len(totalCommittees))
		uptimePercentage = math.Round(uptimePercentage*100) / 100
	}

	snap := models.UptimeSnapshot{
		ValidatorAddress:   validator,
		StartRound:         start,
		EndRound:           currentRound,
		TotalRounds:        uint32(len(totalCommittees)),
		ParticipatedRounds: uint32(participatedCount),
		UptimePercentage:   uptimePercentage,
		CalculatedAt:       time.Now(),
	}
	return e.store.InsertUptimeSnapshot(ctx, snap)
}
