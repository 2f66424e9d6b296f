// forfeitd runs the full consequence pipeline in one process: the overdue
// monitor, the execution worker, and the client-facing HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forfeit-sh/forfeit/pkg/api"
	"github.com/forfeit-sh/forfeit/pkg/config"
	"github.com/forfeit-sh/forfeit/pkg/connectors"
	"github.com/forfeit-sh/forfeit/pkg/decision"
	"github.com/forfeit-sh/forfeit/pkg/executor"
	"github.com/forfeit-sh/forfeit/pkg/lifecycle"
	"github.com/forfeit-sh/forfeit/pkg/monitor"
	"github.com/forfeit-sh/forfeit/pkg/notify"
	"github.com/forfeit-sh/forfeit/pkg/observability"
	"github.com/forfeit-sh/forfeit/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			log.Fatalf("Failed to init telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	units, submissions, consequences := setupStores(ctx, cfg)

	push := setupPush(cfg, logger)

	engine := decision.NewEngine(consequences)
	grading := lifecycle.NewService(units, submissions, engine, push)

	payments := connectors.NewHTTPPaymentProcessor(cfg.PaymentAPIURL, cfg.PaymentAPIKey)
	releases := connectors.NewHTTPContentReleaser(cfg.ContentAPIURL, cfg.ContentAPIKey)
	social := connectors.NewHTTPSocialPoster(cfg.SocialAPIURL, cfg.SocialAPIKey)

	mon := monitor.New(units, engine, push, monitor.WithInterval(cfg.ScanInterval))
	exec := executor.New(consequences, payments, releases, social, push,
		executor.WithPollInterval(cfg.PollInterval))

	go mon.Run(ctx)
	go exec.Run(ctx)

	queue := notify.NewQueue(consequences)
	svc := api.NewService(queue, push, engine, grading, cfg.DevTrigger)

	mux := http.NewServeMux()
	svc.Routes(mux)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("forfeitd listening", "addr", server.Addr, "dev_trigger", cfg.DevTrigger)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// setupStores connects the persistence layer. DATABASE_URL unset means lite
// mode: a single-file SQLite database for local runs and demos.
func setupStores(ctx context.Context, cfg *config.Config) (store.UnitStore, store.SubmissionStore, store.ConsequenceStore) {
	if cfg.DatabaseURL == "" {
		log.Println("[forfeitd] DATABASE_URL not set, lite mode (sqlite)")
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite: %v", err)
		}
		units, err := store.NewSQLiteUnitStore(db)
		if err != nil {
			log.Fatalf("Failed to init unit store: %v", err)
		}
		submissions, err := store.NewSQLiteSubmissionStore(db)
		if err != nil {
			log.Fatalf("Failed to init submission store: %v", err)
		}
		consequences, err := store.NewSQLiteConsequenceStore(db)
		if err != nil {
			log.Fatalf("Failed to init consequence store: %v", err)
		}
		return units, submissions, consequences
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("DB ping failed: %v", err)
	}
	log.Println("[forfeitd] postgres: connected")

	units := store.NewPostgresUnitStore(db)
	if err := units.Init(ctx); err != nil {
		log.Fatalf("Failed to init unit store: %v", err)
	}
	submissions := store.NewPostgresSubmissionStore(db)
	if err := submissions.Init(ctx); err != nil {
		log.Fatalf("Failed to init submission store: %v", err)
	}
	consequences := store.NewPostgresConsequenceStore(db)
	if err := consequences.Init(ctx); err != nil {
		log.Fatalf("Failed to init consequence store: %v", err)
	}
	return units, submissions, consequences
}

// setupPush picks the push transport. Redis fans events out across
// instances; without it the in-process channel still serves a single node.
func setupPush(cfg *config.Config, logger *slog.Logger) notify.PushChannel {
	if cfg.RedisURL == "" {
		logger.Info("push channel: in-memory")
		return notify.NewMemoryPushChannel()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	logger.Info("push channel: redis", "addr", opts.Addr)
	return notify.NewRedisPushChannel(redis.NewClient(opts))
}
