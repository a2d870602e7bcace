package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/bulk-dispatch/internal/api"
	"github.com/LeventeLantos/bulk-dispatch/internal/cache"
	"github.com/LeventeLantos/bulk-dispatch/internal/config"
	"github.com/LeventeLantos/bulk-dispatch/internal/directory"
	"github.com/LeventeLantos/bulk-dispatch/internal/metrics"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
	"github.com/LeventeLantos/bulk-dispatch/internal/scheduler"
	"github.com/LeventeLantos/bulk-dispatch/internal/service"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
	"github.com/LeventeLantos/bulk-dispatch/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("dispatch stopped with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := repo.EnsureSchema(ctx, db); err != nil {
		return err
	}

	store := repo.NewPostgresStore(db)
	dir := directory.NewPostgres(db)

	registry, err := buildTransports(ctx, cfg.Transports)
	if err != nil {
		return err
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	}

	w, err := worker.New(store, dir, registry, worker.Options{
		BatchSize:       cfg.Worker.BatchSize,
		CheckpointEvery: cfg.Worker.CheckpointEvery,
		SendInterval:    cfg.Worker.SendInterval,
		SendTimeout:     cfg.Worker.SendTimeout,
	})
	if err != nil {
		return err
	}
	w.WithAttachments(dir).WithMetrics(sink)

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		w.WithReceipts(cache.NewRedisCache(rdb, cfg.Redis.TTL))
	}

	pool, err := worker.NewPool(w, cfg.Worker.PoolSize)
	if err != nil {
		return err
	}

	// Workers outlive the signal context so Shutdown can let in-flight
	// sends finish before their context is cancelled.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	pool.Start(workerCtx)

	svc := service.NewTaskService(store, dir, dir, dir, pool).WithMetrics(sink)
	if _, err := svc.RecoverRunning(ctx); err != nil {
		return err
	}

	sched, err := scheduler.New("scheduled-start", cfg.Scheduler.Interval, func(ctx context.Context) error {
		_, err := svc.StartDue(ctx)
		return err
	})
	if err != nil {
		return err
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/", api.Router(api.NewHandler(sched, svc)))
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("dispatch starting",
		"addr", cfg.Server.Address,
		"pool_size", cfg.Worker.PoolSize,
		"batch", cfg.Worker.BatchSize,
		"transports", registry.Kinds(),
		"redis", cfg.Redis.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancelWorkers()
		return errors.Join(errs...)
	})

	return g.Wait()
}

func buildTransports(ctx context.Context, cfg config.TransportsConfig) (*transport.Registry, error) {
	registry := transport.NewRegistry()

	if cfg.WebhookURL != "" {
		registry.Register(transport.KindWebhook, transport.NewWebhookTransport(cfg.WebhookURL))
	}
	if cfg.SESFromEmail != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		registry.Register(transport.KindSES, transport.NewSESTransport(awsCfg, cfg.SESFromEmail, cfg.SESFromName))
	}
	return registry, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
