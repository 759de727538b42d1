package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/dispatch"
	"github.com/eugener/shadowfax/internal/keypool"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/replay"
	"github.com/eugener/shadowfax/internal/server"
	"github.com/eugener/shadowfax/internal/stats"
	"github.com/eugener/shadowfax/internal/storage/sqlite"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/webhook"
	"github.com/eugener/shadowfax/internal/worker"
)

func run(configPath string) error {
	// Load config and the credential pool.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	specs, keysBaseURL, err := config.LoadKeys(cfg.KeysFile)
	if err != nil {
		return err
	}
	baseURL := cfg.Upstream.BaseURL
	if keysBaseURL != "" {
		baseURL = keysBaseURL
	}
	if baseURL == "" {
		return fmt.Errorf("no upstream base URL in %s or config", cfg.KeysFile)
	}

	slog.Info("starting shadowfax",
		"version", version,
		"addr", cfg.Server.Addr,
		"keys", len(specs),
	)

	// Tracing (optional).
	ctx := context.Background()
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Metrics back every subsystem even when the exposition endpoint is off.
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	var metricsH http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsH = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Outbound webhook events. Emit is a no-op with no endpoints configured.
	hooks := webhook.NewManager(webhookConfig(cfg.Webhooks), &http.Client{})

	// Core scheduling state.
	keys := keypool.NewManager(schedulerConfig(cfg), specs, hooks)
	pools := pool.NewManager(pool.Config{
		BaseMs:             cfg.Scheduler.PoolCooldown.BaseMs,
		CapMs:              cfg.Scheduler.PoolCooldown.CapMs,
		DecayMs:            cfg.Scheduler.PoolCooldown.DecayMs,
		RemainingThreshold: cfg.Scheduler.PoolCooldown.RemainingThreshold,
		PacingDelayMs:      cfg.Scheduler.PoolCooldown.PacingDelayMs,
	})
	admission := queue.New(cfg.Dispatch.QueueCapacity, cfg.Dispatch.QueueTimeout)

	errs := stats.NewErrorTracker(cfg.Stats.SpikeThreshold)
	tokens := stats.NewTokenTracker(0)

	var persist *stats.Persistence
	if cfg.Stats.Path != "" {
		persist, err = stats.NewPersistence(cfg.Stats.Path)
		if err != nil {
			return err
		}
	}

	// Trace store (optional).
	var store *sqlite.Store
	var recorder *worker.TraceRecorder
	if cfg.Database.DSN != "" {
		store, err = sqlite.New(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = worker.NewTraceRecorder(store, metrics)
	}

	replays := replay.New(replay.Config{
		MaxEntries:      cfg.Replay.MaxEntries,
		RetentionPeriod: cfg.Replay.RetentionPeriod,
		MaxRetries:      cfg.Replay.MaxRetries,
	}, logReplayEvent)

	// Upstream client with cached DNS.
	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: dispatch.NewTransport(resolver)}

	deps := dispatch.Deps{
		Keys:      keys,
		Pools:     pools,
		Admission: admission,
		Client:    client,
		Metrics:   metrics,
		Errors:    errs,
		Tokens:    tokens,
		Persist:   persist,
		Replays:   replays,
		Events:    hooks,
	}
	if recorder != nil {
		deps.Traces = recorder
	}
	proxy := dispatch.New(dispatch.Config{
		BaseURL:             baseURL,
		MaxRetries:          cfg.Dispatch.MaxRetries,
		RetryBackoffBase:    cfg.Dispatch.RetryBackoffBase,
		MaxBackpressure:     cfg.Dispatch.MaxBackpressure,
		MaxBodySize:         cfg.Dispatch.MaxBodySize,
		BaseUpstreamTimeout: cfg.Upstream.BaseTimeout,
		MaxUpstreamTimeout:  cfg.Upstream.MaxTimeout,
	}, deps)

	// The watcher and POST /reload share one reload path.
	reload := func(ctx context.Context) (int, int, int, error) {
		newSpecs, _, err := config.LoadKeys(cfg.KeysFile)
		if err != nil {
			return 0, 0, 0, err
		}
		added, removed := keys.ReloadKeys(newSpecs)
		return keys.Len(), added, removed, nil
	}

	host := server.NewHost(cfg.Server.Addr, cfg.Server.ShutdownTimeout, func(ctx context.Context) {
		if persist != nil {
			if err := persist.Flush(); err != nil {
				slog.Error("final stats flush failed", "error", err)
			}
		}
		hooks.Drain(ctx)
	})

	srvDeps := server.Deps{
		Proxy:           proxy,
		Keys:            keys,
		Pools:           pools,
		Admission:       admission,
		Stats:           stats.NewAggregator(keys, pools, errs, tokens, persist),
		Metrics:         metrics,
		MetricsH:        metricsH,
		Replays:         replays,
		ReplaySend:      proxy.Resend,
		Reload:          reload,
		Models:          modelCatalog(cfg.Models),
		MaxBackpressure: cfg.Dispatch.MaxBackpressure,
	}
	if store != nil {
		srvDeps.Traces = store
	}
	host.SetHandler(server.New(srvDeps, host.Draining()))

	// Background workers.
	workers := []worker.Worker{
		hooks,
		replays,
		worker.NewStatsFlusher(keys, persist, metrics, hooks, cfg.Stats.FlushInterval),
		worker.NewKeysWatcher(cfg.KeysFile, func(ctx context.Context) error {
			_, _, _, err := reload(ctx)
			return err
		}),
	}
	if recorder != nil {
		workers = append(workers, recorder)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go dispatch.RefreshResolver(workerCtx, resolver, 5*time.Minute)

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- host.ListenAndServe()
	}()

	slog.Info("shadowfax ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-runnerDone:
		return err
	}

	// Drain HTTP first so workers see the tail end of the traffic, then
	// stop the workers (each drains its own buffers on cancel).
	if err := host.Shutdown(context.Background()); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	cancelWorkers()
	if err := <-runnerDone; err != nil {
		return err
	}

	slog.Info("shadowfax stopped")
	return nil
}

// schedulerConfig maps the YAML scheduler block onto the key pool config.
// Zero values fall through to the pool's own defaults.
func schedulerConfig(cfg *config.Config) keypool.Config {
	s := cfg.Scheduler
	modelLimits := make(map[string]int, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.MaxConcurrency > 0 {
			modelLimits[m.Name] = m.MaxConcurrency
		}
	}
	return keypool.Config{
		MaxConcurrencyPerKey: s.MaxConcurrencyPerKey,
		RateLimitPerMinute:   s.RateLimitPerMinute,
		RateLimitBurst:       s.RateLimitBurst,
		Breaker: circuitbreaker.Config{
			FailureThreshold: s.CircuitBreaker.FailureThreshold,
			FailureWindow:    s.CircuitBreaker.FailureWindow,
			CooldownPeriod:   s.CircuitBreaker.CooldownPeriod,
		},
		BaseCooldownMs:  s.KeyRateLimitCooldown.BaseCooldownMs,
		CooldownDecayMs: s.KeyRateLimitCooldown.CooldownDecayMs,
		Account: keypool.AccountConfig{
			Enabled:      s.AccountLevelDetection.IsEnabled(),
			KeyThreshold: s.AccountLevelDetection.KeyThreshold,
			WindowMs:     s.AccountLevelDetection.WindowMs,
			CooldownMs:   s.AccountLevelDetection.CooldownMs,
		},
		DefaultModelConcurrency: s.DefaultModelConcurrency,
		ModelConcurrency:        modelLimits,
	}
}

func webhookConfig(cfg config.WebhookConfig) webhook.Config {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{URL: e.URL, Secret: e.Secret})
	}
	return webhook.Config{
		Endpoints:    endpoints,
		DedupeWindow: cfg.DedupeWindow,
	}
}

func modelCatalog(entries []config.ModelEntry) []server.ModelInfo {
	out := make([]server.ModelInfo, 0, len(entries))
	for _, m := range entries {
		out = append(out, server.ModelInfo{
			Name:           m.Name,
			Tier:           m.Tier,
			MaxConcurrency: m.MaxConcurrency,
		})
	}
	return out
}

func logReplayEvent(kind replay.EventKind, e replay.Entry) {
	slog.Debug("replay event",
		"kind", string(kind),
		"trace_id", e.TraceID,
		"model", e.Model,
		"failure", e.FailureKind,
	)
}
