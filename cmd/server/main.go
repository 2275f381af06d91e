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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/delivery-dispatch/internal/auth"
	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/dispatch"
	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/geo"
	httpapi "github.com/example/delivery-dispatch/internal/http"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/storage"
	"github.com/example/delivery-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if cfg.Store.RunMigrations {
		logger.Info("migrations applied", "backend", cfg.Store.Backend)
	}

	var rc *redis.Client
	var index geo.Index = geo.NewIndex()
	var jobs queue.JobStore = queue.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		jobs = queue.NewRedisStore(rc)
	}

	hub := notify.NewHub(logging.For(logger, "notify"))
	bp, err := newBackplane(cfg, rc, logger)
	if err != nil {
		return err
	}
	defer bp.Close()
	fanout := notify.NewFanout(hub, bp, logging.For(logger, "fanout"))

	q := queue.New(jobs, logging.For(logger, "queue"))
	estimator := &eta.Routed{Fallback: eta.Straight{SpeedMPS: cfg.DeliverySpeedMPS}, Cache: eta.NewCache(time.Minute)}
	if cfg.OSRMEndpoint != "" {
		estimator.Primary = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	d := cfg.Dispatch
	worker := &dispatch.Worker{
		Orders:       store,
		Geo:          index,
		Notify:       fanout,
		Jobs:         q,
		ETA:          estimator,
		RadiusMeters: d.RadiusMeters,
		Limit:        d.Limit,
		Logger:       logging.For(logger, "dispatch"),
	}
	pool := queue.NewPool(jobs, worker, logging.For(logger, "pool"),
		queue.WithConcurrency(d.Concurrency),
		queue.WithMaxAttempts(d.MaxAttempts),
		queue.WithBackoff(queue.Exponential{Initial: d.BackoffInitial, Max: d.BackoffMax, Jitter: true}),
		queue.WithJobTimeout(d.JobTimeout),
		queue.WithPollInterval(d.PollInterval),
		queue.WithStaleAfter(d.StaleAfter),
	)
	q.OnEnqueue(pool.Wake)

	acceptor := &dispatch.Acceptor{
		Orders:           store,
		Riders:           store,
		Geo:              index,
		Notify:           fanout,
		Jobs:             q,
		RequireCandidate: d.RequireCandidate,
		Logger:           logging.For(logger, "accept"),
	}
	trk := tracking.NewChannel(hub, fanout, store, logging.For(logger, "tracking"), tracking.Options{
		Shards:      cfg.TrackingShards,
		PersistRate: cfg.TrackingPersistRate,
	})

	var producer httpapi.HeartbeatPublisher
	if len(cfg.KafkaBrokers) > 0 {
		p := ingest.NewHeartbeatProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer p.Close()
		producer = p
	}

	var resolver auth.Resolver = auth.HeaderResolver{}
	if cfg.JWTSecret != "" {
		resolver = auth.NewJWTResolver(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, trusting X-User-ID headers")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Orders:     store,
		Riders:     store,
		Queue:      q,
		Acceptor:   acceptor,
		Tracking:   trk,
		Hub:        hub,
		Heartbeats: &ingest.PresenceApplier{Riders: store, Geo: index, Logger: logging.For(logger, "ingest")},
		Producer:   producer,
		Auth:       resolver,
		Ready: func(ctx context.Context) error {
			if err := storage.Ping(ctx, store); err != nil {
				return err
			}
			if rc != nil {
				return rc.Ping(ctx).Err()
			}
			return nil
		},
		Logger: logging.For(logger, "http"),
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error {
		logger.Info("delivery-dispatch listening", "addr", cfg.HTTPAddr, "store", cfg.Store.Backend, "backplane", cfg.Backplane)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		pool.Stop(shutdownCtx)
		trk.Close()
		return err
	})
	return g.Wait()
}

func newBackplane(cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) (notify.Backplane, error) {
	switch cfg.Backplane {
	case config.BackplaneRedis:
		return notify.NewRedisBackplane(rc, notify.DefaultRedisChannel, logging.For(logger, "backplane")), nil
	case config.BackplaneAMQP:
		bp, err := notify.NewAMQPBackplane(cfg.AMQPURL, cfg.AMQPExchange, logging.For(logger, "backplane"))
		if err != nil {
			return nil, fmt.Errorf("amqp backplane: %w", err)
		}
		return bp, nil
	default:
		return notify.NewLocalBackplane(), nil
	}
}
