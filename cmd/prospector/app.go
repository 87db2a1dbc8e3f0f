package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"

	"github.com/scanworks/prospector/analyzer"
	"github.com/scanworks/prospector/bus"
	"github.com/scanworks/prospector/cache"
	"github.com/scanworks/prospector/config"
	"github.com/scanworks/prospector/discovery"
	"github.com/scanworks/prospector/extract"
	"github.com/scanworks/prospector/limiter"
	"github.com/scanworks/prospector/metrics"
	"github.com/scanworks/prospector/project"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/realtime"
	"github.com/scanworks/prospector/server"
	"github.com/scanworks/prospector/storage"
	"github.com/scanworks/prospector/watcher"
	"github.com/scanworks/prospector/worker"
)

// drainGrace is how long shutdown waits for active jobs.
const drainGrace = 5 * time.Second

// App wires every component of the discovery-and-analysis pipeline.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedNATS *natsserver.Server
	busClient    *bus.Client
	store        *storage.Store
	redisClient  *redis.Client
	resultCache  *cache.Cache
	analysisQ    *queue.Queue
	executor     *limiter.Executor
	watch        *watcher.Watcher
	subscriber   *discovery.Subscriber
	hub          *realtime.Hub
	pool         *worker.Pool
	admin        *server.Server
}

// NewApp creates an application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start brings up infrastructure and launches the pipeline. Any failure
// here is a startup failure (exit code 1).
func (a *App) Start(ctx context.Context) error {
	if err := a.cfg.ValidateCredentials(); err != nil {
		return err
	}

	if err := a.startBus(); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	store, err := storage.Open(a.cfg.Database.DSN, a.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.resultCache = cache.New(a.redisClient, a.cfg.Worker.CacheTTL(), a.logger)
	if !a.resultCache.Healthy(ctx) {
		return fmt.Errorf("cache at %s is unreachable", a.cfg.Redis.Addr)
	}

	a.analysisQ = queue.New(queue.Config{
		Attempts:      a.cfg.Queue.Attempts,
		KeepCompleted: a.cfg.Queue.KeepCompleted,
		KeepFailed:    a.cfg.Queue.KeepFailed,
	}, a.logger)

	a.executor = limiter.New(limiter.Config{
		MaxConcurrent:     a.cfg.RateLimiter.MaxConcurrent,
		RequestsPerMinute: a.cfg.RateLimiter.RequestsPerMinute,
		InitialDelay:      a.cfg.RateLimiter.InitialDelay(),
		BackoffMultiplier: a.cfg.RateLimiter.BackoffMultiplier,
		MaxRetries:        a.cfg.RateLimiter.MaxRetries,
	}, limiter.WithLogger(a.logger))

	client := analyzer.NewClient(analyzer.Config{
		Provider:    a.cfg.Analyzer.Provider,
		Model:       a.cfg.Worker.Model,
		BaseURL:     a.cfg.Analyzer.BaseURL,
		MaxTokens:   a.cfg.Worker.MaxTokens,
		Temperature: a.cfg.Worker.Temperature,
		Timeout:     a.cfg.Worker.AITimeout(),
	}, analyzer.WithLogger(a.logger))

	extractor := extract.NewExtractor(a.cfg.Worker.MaxContextTokens, a.logger)

	processor := worker.NewProcessor(
		a.store, a.busClient, a.resultCache, extractor, client,
		a.executor, a.analysisQ,
		worker.WithAITimeout(a.cfg.Worker.AITimeout()),
		worker.WithLogger(a.logger))
	a.pool = worker.NewPool(processor, a.analysisQ, a.store, a.cfg.Worker.Concurrency, a.logger)

	a.subscriber = discovery.New(a.store, a.busClient, a.analysisQ,
		project.NewExtractor(nil, a.logger), a.logger)

	a.hub = realtime.NewHub(a.busClient, a.cfg.Realtime.Keepalive(), a.logger)

	a.admin = server.New(a.cfg.Admin.Listen, a.store, a.busClient,
		a.resultCache, a.analysisQ, a.executor, a.hub, a.logger)

	w, err := watcher.New(watcher.Config{
		Root:               a.cfg.Watcher.WatchPath,
		Depth:              a.cfg.Watcher.Depth,
		IgnorePatterns:     a.cfg.Watcher.IgnorePatterns,
		DebounceDelay:      a.cfg.Watcher.DebounceDelay(),
		StabilityThreshold: a.cfg.Watcher.StabilityThreshold(),
		StartupDelay:       a.cfg.Watcher.StartupDelay(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	a.watch = w

	return nil
}

// Run launches the pipeline goroutines and blocks until ctx ends, then
// shuts down in order: pause the queue, drain workers, flush the
// debouncer, close connections.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.subscriber.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("Discovery subscriber stopped", "error", err)
		}
	}()

	go func() {
		if err := a.hub.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("Realtime fan-out stopped", "error", err)
		}
	}()

	a.pool.Start(runCtx)

	if err := a.watch.Start(runCtx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	go a.forwardWatchEvents(runCtx)

	go a.gaugeLoop(runCtx)

	go func() {
		if err := a.admin.Start(); err != nil {
			a.logger.Error("Admin server failed", "error", err)
			cancel()
		}
	}()

	a.logger.Info("Prospector running",
		"watch_path", a.cfg.Watcher.WatchPath,
		"workers", a.cfg.Worker.Concurrency,
		"admin", a.cfg.Admin.Listen)

	<-ctx.Done()
	a.logger.Info("Shutdown signal received")
	a.shutdown()
	return nil
}

// forwardWatchEvents bridges debounced directory events onto the bus.
func (a *App) forwardWatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watch.Events():
			if !ok {
				return
			}
			t := bus.EventPathAdded
			if ev.Op == watcher.OpRemoved {
				t = bus.EventPathRemoved
			}
			busEv, err := bus.NewEvent(t, "", bus.DiscoveryData{Path: ev.Path})
			if err != nil {
				a.logger.Error("Watch event build failed", "path", ev.Path, "error", err)
				continue
			}
			if err := a.busClient.Publish(busEv); err != nil {
				a.logger.Warn("Watch event publish failed", "path", ev.Path, "error", err)
			}
		}
	}
}

// gaugeLoop refreshes the queue and connection gauges.
func (a *App) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := a.analysisQ.Counts()
			metrics.QueueDepth.WithLabelValues(queue.StateWaiting).Set(float64(counts.Waiting))
			metrics.QueueDepth.WithLabelValues(queue.StateActive).Set(float64(counts.Active))
			metrics.QueueDepth.WithLabelValues(queue.StateDelayed).Set(float64(counts.Delayed))
			metrics.QueueDepth.WithLabelValues(queue.StateCompleted).Set(float64(counts.Completed))
			metrics.QueueDepth.WithLabelValues(queue.StateFailed).Set(float64(counts.Failed))
			metrics.RealtimeClients.Set(float64(a.hub.ClientCount()))
			metrics.BusOutboxDepth.Set(float64(a.busClient.OutboxLen()))
		}
	}
}

// shutdown stops components in dependency order.
func (a *App) shutdown() {
	a.analysisQ.Pause()

	if a.pool.Drain(drainGrace) {
		a.logger.Info("All workers drained")
	}

	if a.watch != nil {
		// Close flushes pending debounced events before stopping.
		if err := a.watch.Close(); err != nil {
			a.logger.Warn("Watcher close failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if a.admin != nil {
		if err := a.admin.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Admin server shutdown failed", "error", err)
		}
	}

	a.analysisQ.Close()

	if a.busClient != nil {
		a.busClient.Close()
	}
	if a.embeddedNATS != nil {
		a.embeddedNATS.Shutdown()
		a.embeddedNATS.WaitForShutdown()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}

	a.logger.Info("Shutdown complete")
}

// startBus connects to NATS, starting an embedded server when no URL is
// configured.
func (a *App) startBus() error {
	url := a.cfg.NATS.URL
	if url == "" || a.cfg.NATS.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedNATS = ns
		url = ns.ClientURL()
		a.logger.Info("Embedded NATS server started", "url", url)
	}

	client, err := bus.Connect(url, bus.WithLogger(a.logger), bus.WithName("prospector"))
	if err != nil {
		if a.embeddedNATS != nil {
			a.embeddedNATS.Shutdown()
		}
		return err
	}
	a.busClient = client
	return nil
}
