// Main ingestion service: wires the chain client, mapping cache, rate
// limiter, range fetcher, decoder, store, event bus, sync controller,
// and uptime engine together and runs them until shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paravex/subdag-observatory/internal/chainclient"
	"github.com/paravex/subdag-observatory/internal/config"
	"github.com/paravex/subdag-observatory/internal/decoder"
	"github.com/paravex/subdag-observatory/internal/eventbus"
	"github.com/paravex/subdag-observatory/internal/logging"
	"github.com/paravex/subdag-observatory/internal/mappingcache"
	"github.com/paravex/subdag-observatory/internal/ratelimit"
	"github.com/paravex/subdag-observatory/internal/rangefetcher"
	"github.com/paravex/subdag-observatory/internal/store"
	"github.com/paravex/subdag-observatory/internal/synccontroller"
	"github.com/paravex/subdag-observatory/internal/uptime"
)

const serviceName = "subdag-observatory"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting subdag observatory")

	cfg, err := config.Load(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.SetLevel(logger, cfg.LogLevel)

	chain := chainclient.NewHTTPClient(cfg.ChainSDKURL, 30*time.Second)

	cache, err := mappingcache.New(cfg.CheckpointDBPath, cfg.RedisURL, chain, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize mapping cache")
	}
	defer cache.Close()
	logger.Info().Str("path", cfg.CheckpointDBPath).Bool("shared_tier", cfg.RedisURL != "").Msg("initialized mapping cache")

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateLimitWindow)

	fetcher := rangefetcher.New(chain, limiter, rangefetcher.Config{
		Concurrency: cfg.RangeFetcherConcurrency,
	}, *logger)

	dec := decoder.New(cache, *logger)

	db, err := store.Open(context.Background(), cfg.DatabaseURL, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()
	logger.Info().Msg("connected to store")

	bus := eventbus.New(*logger)

	var natsRelay *eventbus.NATSRelay
	if cfg.NatsURL != "" {
		natsRelay, err = eventbus.NewNATSRelay(cfg.NatsURL, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize nats relay")
		}
		defer natsRelay.Close()
		natsRelay.Attach(bus, eventbus.InitialSyncComplete, eventbus.TailSyncComplete, eventbus.RangePersisted)
		logger.Info().Msg("attached nats jetstream event relay")
	} else {
		logger.Info().Msg("NATS_URL unset, event relay disabled")
	}

	engine := uptime.New(db, uptime.Config{
		RoundSpan:        cfg.UptimeRoundSpan,
		ConcurrencyLimit: cfg.PerformanceConcurrency,
	}, *logger)

	var uptimeRunning atomic.Bool
	runUptimeOnEvent := func(any) {
		if !uptimeRunning.CompareAndSwap(false, true) {
			return // a run is already in flight; the next trigger recomputes
		}
		go func() {
			defer uptimeRunning.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := engine.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("uptime engine run failed")
			}
		}()
	}
	bus.On(eventbus.InitialSyncComplete, runUptimeOnEvent)
	bus.On(eventbus.RangePersisted, runUptimeOnEvent)
	bus.On(eventbus.TailSyncComplete, runUptimeOnEvent)

	controller := synccontroller.New(chain, fetcher, dec, db, bus, synccontroller.Config{
		ConfiguredStart: cfg.SyncStartBlock,
	}, *logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: ":9101", Handler: http.HandlerFunc(healthCheckHandler(controller))}
	go func() {
		logger.Info().Str("address", ":9101").Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	periodicTimer := time.NewTicker(cfg.UptimeInterval)
	go func() {
		defer periodicTimer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-periodicTimer.C:
				runUptimeOnEvent(nil)
			}
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- controller.Run(ctx)
	}()

	controllerStopped := false
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		controllerStopped = true
		if err != nil {
			logger.Error().Err(err).Msg("sync controller error")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Drain the sync controller so any in-flight PersistWindow/bbolt
	// write finishes before the deferred store/cache Close() calls run.
	if !controllerStopped {
		select {
		case err := <-errChan:
			if err != nil {
				logger.Error().Err(err).Msg("sync controller error")
			}
		case <-shutdownCtx.Done():
			logger.Error().Msg("sync controller did not stop within shutdown timeout")
		}
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthCheckHandler reports the sync controller's state machine node.
func healthCheckHandler(c *synccontroller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := c.State()
		if state == synccontroller.StateIdle {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\nstate: %s\n", state)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nstate: %s\n", state)
	}
}
