// Package app wires the order tracking service: REST API, status change
// publication, the background consumer and the WebSocket push channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/darkden-lab/ordertracking/docs"
	"github.com/darkden-lab/ordertracking/internal/config"
	"github.com/darkden-lab/ordertracking/internal/db"
	"github.com/darkden-lab/ordertracking/internal/httputil"
	mw "github.com/darkden-lab/ordertracking/internal/middleware"
	"github.com/darkden-lab/ordertracking/internal/notifications"
	"github.com/darkden-lab/ordertracking/internal/orders"
	"github.com/darkden-lab/ordertracking/internal/ws"
)

const redisPingTimeout = 2 * time.Second

type options struct {
	connector notifications.Connector
	repo      orders.Repository
	clock     notifications.Clock
}

// Option overrides a dependency App would otherwise build from config.
type Option func(*options)

// WithConnector replaces the broker transport chosen by BROKER.
func WithConnector(c notifications.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithRepository replaces the database-backed order store.
func WithRepository(r orders.Repository) Option {
	return func(o *options) { o.repo = r }
}

// WithConsumerClock replaces the clock driving consumer warm-up and retries.
func WithConsumerClock(c notifications.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App owns every long-lived component of the service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	handler    http.Handler
	hub        *ws.Hub
	consumer   *notifications.Consumer
	dispatcher *notifications.Dispatcher
	publisher  *notifications.Publisher

	closers []func()
}

// New builds the application. Missing infrastructure degrades instead of
// failing: without a database orders live in memory, without Redis reads are
// uncached, and an unreachable broker only delays notifications.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}

	repo := o.repo
	if repo == nil {
		repo = a.openRepository(ctx)
	}
	repo = a.withCache(ctx, repo)

	connector := o.connector
	if connector == nil {
		var err error
		connector, err = notifications.NewConnector(cfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("broker setup: %w", err)
		}
	}
	topology := notifications.TopologyFromConfig(cfg)

	a.publisher = notifications.NewPublisher(connector, topology, notifications.PublisherConfig{
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, logger)
	a.dispatcher = notifications.NewDispatcher(a.publisher, notifications.DispatcherConfig{
		Workers:        cfg.PublishWorkers,
		QueueSize:      cfg.PublishQueueSize,
		PublishTimeout: cfg.PublishTimeout,
	}, logger)

	service := orders.NewService(repo, a.dispatcher, logger)

	a.hub = ws.NewHub(logger)
	broadcaster := notifications.NewNotificationBroadcaster(a.hub, logger)
	a.consumer = notifications.NewConsumer(connector, topology, broadcaster, notifications.ConsumerConfig{
		Warmup:          cfg.ConsumerWarmup,
		RetryInterval:   cfg.ConsumerRetryInterval,
		Prefetch:        cfg.ConsumerPrefetch,
		RedeliveryLimit: cfg.RedeliveryLimit,
		Clock:           o.clock,
	}, logger)

	r := mux.NewRouter()
	r.Use(mw.Recover(logger))
	r.Use(mw.RequestLogger(logger.Named("http")))
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	docs.RegisterRoutes(r)

	api := r.PathPrefix("").Subrouter()
	api.Use(mw.RateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))
	orders.NewHandlers(service, logger).RegisterRoutes(api)

	ws.NewWSHandler(a.hub, cfg.AllowedOriginList(), logger).RegisterRoutes(r)

	a.handler = mw.CORS(cfg.AllowedOriginList())(r)
	return a, nil
}

func (a *App) openRepository(ctx context.Context) orders.Repository {
	database, err := db.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		a.logger.Warn("database connection failed, keeping orders in memory", zap.Error(err))
		return orders.NewMemoryRepository()
	}
	a.closers = append(a.closers, database.Close)

	if err := db.RunMigrations(a.cfg.DatabaseURL, a.cfg.MigrationsPath); err != nil {
		a.logger.Warn("migrations failed", zap.Error(err))
	}
	a.logger.Info("using PostgreSQL order store")
	return orders.NewPostgresRepository(database.Pool)
}

func (a *App) withCache(ctx context.Context, repo orders.Repository) orders.Repository {
	if a.cfg.RedisAddr == "" {
		return repo
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("redis unavailable, order cache disabled", zap.String("addr", a.cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return repo
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.logger.Info("order cache enabled", zap.String("addr", a.cfg.RedisAddr), zap.Duration("ttl", a.cfg.OrderCacheTTL))
	return orders.NewCachedRepository(repo, client, a.cfg.OrderCacheTTL, a.logger)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	stats := a.dispatcher.Stats()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"consumer": a.consumer.State().String(),
		"clients":  a.hub.ClientCount(),
		"publisher": map[string]uint64{
			"published": stats.Published,
			"failed":    stats.Failed,
			"dropped":   stats.Dropped,
		},
	})
}

// Run listens on the configured port and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", ":"+a.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", a.cfg.Port, err)
	}
	return a.Serve(ctx, lis)
}

// Serve runs the HTTP server, the push hub and the consumer on lis until ctx
// is cancelled or one of them fails, then shuts everything down in order:
// HTTP first, then the publish queue is drained, then broker and stores are
// released.
func (a *App) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:        a.handler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.consumer.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close drains pending publications within the shutdown timeout and releases
// every resource. It is safe to call more than once.
func (a *App) Close() {
	if a.dispatcher != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		if err := a.dispatcher.Close(drainCtx); err != nil {
			a.logger.Warn("publish queue not fully drained", zap.Error(err))
		}
		cancel()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
