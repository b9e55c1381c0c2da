// Package synccontroller drives the IDLE → INITIAL → TAILING → STOPPED
// state machine that owns last_synced_height and turns fetched windows
// into persisted, event-announced progress. The controller's lifecycle
// is tied to its ctx; teardown drains in-flight windows before
// returning, it never just stops mid-write.
package synccontroller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/paravex/subdag-observatory/internal/chainclient"
	"github.com/paravex/subdag-observatory/internal/decoder"
	"github.com/paravex/subdag-observatory/internal/eventbus"
	"github.com/paravex/subdag-observatory/internal/rangefetcher"
	"github.com/paravex/subdag-observatory/internal/store"
	"github.com/paravex/subdag-observatory/internal/xerrors"
)

var (
	syncedHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subdag_syncer_synced_height",
		Help: "Highest height fully synced and checkpointed",
	})

	chainHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subdag_chain_height",
		Help: "Latest height reported by the chain client",
	})

	blocksBehindGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subdag_syncer_blocks_behind",
		Help: "Number of blocks the syncer is behind the chain head",
	})
)

// State is one node of the controller's state machine.
type State int

const (
	StateIdle State = iota
	StateInitial
	StateTailing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitial:
		return "initial"
	case StateTailing:
		return "tailing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultBaseInterval    = 50 * time.Second
	defaultMinInterval     = 30 * time.Second
	defaultMaxInterval     = 5 * time.Minute
	defaultRegularInterval = 5 * time.Minute

	highThroughputBlocks = 100
	lowThroughputBlocks  = 10
)

// Config parameterizes a Controller. Zero values fall back to the
// defaults above.
type Config struct {
	ConfiguredStart uint64
	BaseInterval    time.Duration
	MinSyncInterval time.Duration
	MaxSyncInterval time.Duration
	RegularInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = defaultBaseInterval
	}
	if c.MinSyncInterval <= 0 {
		c.MinSyncInterval = defaultMinInterval
	}
	if c.MaxSyncInterval <= 0 {
		c.MaxSyncInterval = defaultMaxInterval
	}
	if c.RegularInterval <= 0 {
		c.RegularInterval = defaultRegularInterval
	}
	return c
}

// Controller orchestrates the initial bulk sync and the adaptive
// tailing loop that follows it.
type Controller struct {
	chain   chainclient.Client
	fetcher *rangefetcher.Fetcher
	decoder *decoder.Decoder
	store   *store.Store
	bus     *eventbus.Bus
	cfg     Config
	logger  zerolog.Logger

	state State
}

// New constructs a Controller.
func New(chain chainclient.Client, fetcher *rangefetcher.Fetcher, dec *decoder.Decoder, st *store.Store, bus *eventbus.Bus, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		chain:   chain,
		fetcher: fetcher,
		decoder: dec,
		store:   st,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "sync_controller").Logger(),
		state:   StateIdle,
	}
}

// State reports the controller's current node in the state machine.
func (c *Controller) State() State { return c.state }

// Run drives the controller from IDLE through INITIAL into TAILING,
// where it stays until ctx is cancelled (STOPPED). An INITIAL-phase
// error returns the controller to IDLE and propagates the error to the
// caller; a TAILING-phase error is logged and the loop continues onto
// the next tick, except an InvariantViolation, which ends tailing and
// leaves the controller STOPPED with a nil return.
func (c *Controller) Run(ctx context.Context) error {
	c.state = StateInitial

	start, err := c.resumeHeight(ctx)
	if err != nil {
		c.state = StateIdle
		return fmt.Errorf("synccontroller: determine resume height: %w", err)
	}

	latest, err := c.chain.LatestHeight(ctx)
	if err != nil {
		c.state = StateIdle
		return fmt.Errorf("synccontroller: latest height: %w", err)
	}
	chainHeightGauge.Set(float64(latest))

	lastSynced := start
	if start < latest {
		processed, maxHeight, err := c.fetchAndPersist(ctx, start+1, latest)
		if err != nil {
			c.state = StateIdle
			return fmt.Errorf("synccontroller: initial sync: %w", err)
		}
		if processed > 0 {
			lastSynced = maxHeight
			if err := c.advanceCheckpoint(ctx, lastSynced); err != nil {
				c.state = StateIdle
				return fmt.Errorf("synccontroller: checkpoint: %w", err)
			}
		}
	}
	syncedHeightGauge.Set(float64(lastSynced))
	blocksBehindGauge.Set(float64(blocksBehind(latest, lastSynced)))

	c.bus.Emit(eventbus.InitialSyncComplete, nil)
	c.state = StateTailing
	c.runTailing(ctx, lastSynced)
	c.state = StateStopped
	return nil
}

// resumeHeight is max(metadata.last_fully_synced_height, configured_start).
func (c *Controller) resumeHeight(ctx context.Context) (uint64, error) {
	value, ok, err := c.store.Metadata(ctx, store.MetadataLastFullySyncedHeight)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.cfg.ConfiguredStart, nil
	}
	height, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", store.MetadataLastFullySyncedHeight, value, err)
	}
	if height < c.cfg.ConfiguredStart {
		return c.cfg.ConfiguredStart, nil
	}
	return height, nil
}

func (c *Controller) advanceCheckpoint(ctx context.Context, height uint64) error {
	return c.store.SetMetadata(ctx, store.MetadataLastFullySyncedHeight, fmt.Sprintf("%d", height))
}

// fetchAndPersist fetches [start, end] through the Range Fetcher,
// decodes and persists every window as it arrives, and returns the
// number of blocks processed and the highest height committed.
func (c *Controller) fetchAndPersist(ctx context.Context, start, end uint64) (uint64, uint64, error) {
	out, errs := c.fetcher.Fetch(ctx, start, end)

	var processed, maxHeight uint64
	for out != nil || errs != nil {
		select {
		case w, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if err := c.decodeAndPersistWindow(ctx, w); err != nil {
				return processed, maxHeight, err
			}
			processed += uint64(len(w.Blocks))
			if w.End > maxHeight {
				maxHeight = w.End
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return processed, maxHeight, err
			}
		}
	}
	return processed, maxHeight, nil
}

func (c *Controller) decodeAndPersistWindow(ctx context.Context, w rangefetcher.Window) error {
	sw := store.Window{}
	for _, raw := range w.Blocks {
		decoded, err := c.decoder.Decode(ctx, raw)
		if err != nil {
			return fmt.Errorf("decode height %d: %w", raw.Header.Metadata.Height, err)
		}
		sw.Blocks = append(sw.Blocks, decoded.Block)
		sw.Batches = append(sw.Batches, decoded.Batches...)
		sw.CommitteeMembers = append(sw.CommitteeMembers, decoded.CommitteeMembers...)
		sw.CommitteeParticipations = append(sw.CommitteeParticipations, decoded.CommitteeParticipations...)
		sw.SignatureParticipations = append(sw.SignatureParticipations, decoded.SignatureParticipations...)
	}
	return c.store.PersistWindow(ctx, w.Start, w.End, sw)
}

// runTailing polls the chain head, ingesting anything new and adapting
// its own delay to the observed throughput.
func (c *Controller) runTailing(ctx context.Context, lastSynced uint64) {
	delay := c.cfg.BaseInterval
	var lastTailEmit time.Time

	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		latest, err := c.chain.LatestHeight(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("tailing: failed to fetch latest height, retrying next tick")
			continue
		}
		chainHeightGauge.Set(float64(latest))

		var n uint64
		if latest > lastSynced {
			// Unlike the INITIAL catch-up, a tailing tick stays on a
			// single rate-limited call with retries, no worker fan-out;
			// anything beyond the provider cap waits for the next tick.
			w, err := c.fetcher.FetchOne(ctx, lastSynced+1, latest)
			if err == nil && len(w.Blocks) > 0 {
				err = c.decodeAndPersistWindow(ctx, w)
			}
			var violation *xerrors.InvariantViolation
			if errors.As(err, &violation) {
				// A monotone-guard regression is not retryable: pause the
				// sync rather than re-ingesting the same window forever.
				c.logger.Error().Err(err).Msg("tailing: invariant violation, pausing sync")
				return
			}
			if err != nil {
				c.logger.Error().Err(err).Msg("tailing: fetch/persist failed, retrying next tick")
			} else if len(w.Blocks) > 0 {
				n = uint64(len(w.Blocks))
				lastSynced = w.End
				if err := c.advanceCheckpoint(ctx, lastSynced); err != nil {
					c.logger.Error().Err(err).Msg("tailing: failed to advance checkpoint")
				}
				c.bus.Emit(eventbus.RangePersisted, eventbus.RangePersistedPayload{Start: w.Start, End: w.End})
			}
		}

		syncedHeightGauge.Set(float64(lastSynced))
		blocksBehindGauge.Set(float64(blocksBehind(latest, lastSynced)))

		if time.Since(lastTailEmit) >= c.cfg.RegularInterval {
			c.bus.Emit(eventbus.TailSyncComplete, nil)
			lastTailEmit = time.Now()
		}

		delay = nextDelay(delay, n, c.cfg.MinSyncInterval, c.cfg.MaxSyncInterval, c.cfg.BaseInterval)
	}
}

// blocksBehind reports how far lastSynced trails latest, floored at 0
// (lastSynced can equal or exceed latest between a fetch and the next
// chain height poll).
func blocksBehind(latest, lastSynced uint64) uint64 {
	if lastSynced >= latest {
		return 0
	}
	return latest - lastSynced
}

// nextDelay halves the delay when a tick processed many blocks, doubles
// it when a tick processed few, and otherwise resets to base.
func nextDelay(current time.Duration, processed uint64, min, max, base time.Duration) time.Duration {
	switch {
	case processed > highThroughputBlocks:
		d := current / 2
		if d < min {
			return min
		}
		return d
	case processed < lowThroughputBlocks:
		d := current * 2
		if d > max {
			return max
		}
		return d
	default:
		return base
	}
}
