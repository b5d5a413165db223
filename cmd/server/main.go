package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"insight-queue/internal/analysis"
	"insight-queue/internal/api"
	"insight-queue/internal/config"
	"insight-queue/internal/dispatch"
	"insight-queue/internal/handler"
	"insight-queue/internal/logging"
	"insight-queue/internal/models"
	"insight-queue/internal/queue"
	"insight-queue/internal/ratelimit"
	"insight-queue/internal/retry"
	"insight-queue/internal/store"
	"insight-queue/internal/websocket"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dataDir := flag.String("data", "./data", "directory of *.jsonl data files for the built-in searcher")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatal("failed to build logger: ", err)
	}
	defer logger.Sync()

	// Open the job store. Lifecycle is owned here; every component gets
	// the instance injected.
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		logger.Fatalw("failed to open store", "path", cfg.Store.Path, "error", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		logger.Fatalw("failed to initialize store schema", "error", err)
	}
	logger.Infow("store initialized", "path", cfg.Store.Path)

	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}

	// The queue notifies the websocket manager on every state change and
	// the manager snapshots through the queue, so the closure captures
	// the variable before the queue is built.
	var q *queue.Queue

	wsManager := websocket.New(func() (*websocket.Snapshot, error) {
		jobs, err := q.List("", 100, 0)
		if err != nil {
			return nil, err
		}
		counts, err := q.Counts()
		if err != nil {
			return nil, err
		}
		views := make([]models.JobView, 0, len(jobs))
		for i := range jobs {
			views = append(views, jobs[i].View())
		}
		return &websocket.Snapshot{Jobs: views, Counts: counts}, nil
	}, logger)

	q = queue.New(db, queue.Options{
		Lease:   cfg.Dispatcher.Lease,
		Limiter: ratelimit.New(cfg.RateLimit.MaxClaims, cfg.RateLimit.Window),
		Policy:  policy,
		Logger:  logger,
		Notify:  wsManager.Broadcast,
	})

	// Handler registration is a wiring-time concern; jobs reference
	// handlers by name only.
	registry := handler.NewRegistry()
	registry.Register(analysis.HandlerName, analysis.New(
		analysis.NewLocalSearcher(*dataDir),
		analysis.TemplateSynthesizer{},
		cfg.Output.Dir,
	))

	dispatcher := dispatch.New(q, registry, dispatch.Config{
		Workers:           cfg.Dispatcher.Workers,
		PollInterval:      cfg.Dispatcher.PollInterval,
		HeartbeatInterval: cfg.Dispatcher.HeartbeatInterval,
		ReapInterval:      cfg.Dispatcher.ReapInterval,
		JobTimeout:        cfg.Dispatcher.JobTimeout,
	}, logger)
	dispatcher.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retention runs against the store directly, independent of the
	// dispatcher.
	go func() {
		ticker := time.NewTicker(cfg.Retention.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := db.PruneTerminal(cfg.Retention.MaxAge, cfg.Retention.MaxCount, time.Now().UTC())
				if err != nil {
					logger.Errorw("retention prune failed", "error", err)
				} else if n > 0 {
					logger.Infow("terminal jobs pruned", "count", n)
				}
			}
		}
	}()

	apiServer := api.NewServer(q, registry, wsManager, logger)
	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		logger.Infow("server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown incomplete", "error", err)
	}

	dispatcher.Shutdown()
}
