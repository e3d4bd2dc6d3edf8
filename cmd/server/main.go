package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediaflow/internal/media"
	"mediaflow/internal/notify"
	"mediaflow/internal/platform/config"
	"mediaflow/internal/platform/logger"
	"mediaflow/internal/platform/metrics"
	"mediaflow/internal/platform/ratelimit"
	"mediaflow/internal/platform/telemetry"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName       = "mediaflow"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	_ = config.Load()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "json"))
	if err := run(log); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(log *slog.Logger) error {
	port := config.GetEnv("PORT", "8080")
	mediaRoot := config.GetEnv("MEDIA_ROOT", "uploads")
	maxUpload := config.GetEnvInt64("MAX_UPLOAD_BYTES", media.DefaultMaxUploadBytes)
	uploadLimit := config.GetEnvInt("UPLOAD_RATE_LIMIT", 30)
	capacity := config.GetEnvInt("QUEUE_CAPACITY", media.DefaultCapacity)
	stepDelay := config.GetEnvDuration("PROCESSING_STEP_DELAY", time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, closeStore, err := openStore(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore()

	files, err := media.NewDiskFiles(mediaRoot)
	if err != nil {
		return err
	}

	met := metrics.New()
	hub := notify.NewHub(log, met, notify.DefaultBuffer)

	var pub media.Publisher = hub
	var relay *notify.RedisRelay
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
		})
		defer rdb.Close()
		relay = notify.NewRedisRelay(rdb, config.GetEnv("REDIS_CHANNEL", notify.DefaultChannel), hub, log)
		pub = relay
	}

	queue := media.NewQueue(store, media.DelayProcessor{Step: stepDelay}, pub, media.QueueConfig{
		Capacity: capacity,
		Logger:   log,
		Metrics:  met,
	})
	svc := media.NewService(store, files, queue, media.ServiceConfig{
		MaxUploadBytes: maxUpload,
		Logger:         log,
		Metrics:        met,
	})
	h := media.NewHandler(svc, media.NewStreamer(files, log, met), log)
	ws := notify.NewWSHandler(hub, svc, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetNotifySubscribers(hub.Count()) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := queue.Status(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}` + "\n"))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	r.Group(func(r chi.Router) {
		r.Use(media.Identify)
		h.Register(r, ratelimit.PerMinute(uploadLimit))
		r.Get("/ws", ws.ServeHTTP)
	})

	srv := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(r, serviceName,
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
			}),
		),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		// Orphans are settled before uploads can dispatch new jobs.
		n, err := queue.Recover(gctx)
		switch {
		case err != nil && !errors.Is(err, media.ErrQueueClosed) && gctx.Err() == nil:
			log.Error("queue recovery failed", slog.String("error", err.Error()))
		case n > 0:
			log.Info("requeued assets from previous run", slog.Int("count", n))
		}

		log.Info("server starting",
			slog.String("port", port),
			slog.String("media_root", files.Root()),
			slog.String("max_upload", humanize.IBytes(uint64(maxUpload))),
			slog.Int("queue_capacity", queue.Capacity()),
			slog.Bool("redis_relay", relay != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		// Hijacked websocket connections are not tracked by Shutdown.
		hub.Close()
		return err
	})

	return g.Wait()
}
