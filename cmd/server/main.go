package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/config"
	"github.com/trackforge/ingest/internal/emit"
	"github.com/trackforge/ingest/internal/identity"
	"github.com/trackforge/ingest/internal/person"
	"github.com/trackforge/ingest/internal/processor"
	"github.com/trackforge/ingest/internal/report"
	"github.com/trackforge/ingest/internal/storage"
	"github.com/trackforge/ingest/internal/team"
	"github.com/trackforge/ingest/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	var cfg *config.Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		cfg, err = config.LoadConfig(path)
		if err != nil {
			log.Fatalw("failed to load config", "path", path, "error", err)
		}
	} else {
		cfg = config.FromEnv()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid config", "error", err)
	}

	db, err := storage.NewPostgres(cfg.Database.URL, log)
	if err != nil {
		log.Fatalw("postgres init failed", "error", err)
	}
	defer db.Close()

	// The cache is optional: without it the person manager checks Postgres
	// on every sighting, which is correct, just slower.
	var cache storage.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := storage.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warnw("redis unavailable, continuing without cache", "error", err)
		} else {
			cache = redisCache
			defer redisCache.Close()
		}
	}

	// Log sink vs row sink: a configured Pub/Sub project selects the log sink.
	var producer storage.Producer
	if cfg.PubSub.ProjectID != "" {
		producer, err = storage.NewPubSubProducer(cfg.PubSub.ProjectID, log)
		if err != nil {
			log.Fatalw("pubsub init failed", "error", err)
		}
		defer producer.Close()
	}

	reporter := report.NewZapReporter(logger)
	teams := team.NewCache(db, cfg.Teams.CacheTTL, log)
	persons := person.NewStore(db, producer, nil, log)
	manager := person.NewManager(persons, cache, log)
	resolver := identity.NewResolver(persons, log, reporter)
	emitter := emit.NewEmitter(db, producer, teams, persons, manager, log)
	proc := processor.NewProcessor(resolver, emitter, log, reporter)

	pool := worker.NewPool(worker.Config{
		Concurrency:    cfg.Workers.Concurrency,
		TasksPerWorker: cfg.Workers.TasksPerWorker,
		TaskTimeout:    cfg.Workers.TaskTimeout,
	}, nil, proc, log)
	if err := pool.Start(); err != nil {
		log.Fatalw("worker pool start failed", "error", err)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	server := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		log.Infow("http server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Destroy(ctx); err != nil {
		log.Errorw("worker pool shutdown incomplete", "error", err)
	}
	_ = server.Shutdown(ctx)
}
