// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AYHALOUI/retry-queue/internal/auth"
	"github.com/AYHALOUI/retry-queue/internal/config"
	"github.com/AYHALOUI/retry-queue/internal/pkg/ctxlog"
	"github.com/AYHALOUI/retry-queue/internal/pkg/httputil"
	"github.com/AYHALOUI/retry-queue/internal/pkg/metrics"
	"github.com/AYHALOUI/retry-queue/internal/pkg/postgres"
	"github.com/AYHALOUI/retry-queue/internal/queue"
	"github.com/AYHALOUI/retry-queue/internal/queue/crm"
	"github.com/AYHALOUI/retry-queue/internal/queue/memory"
	queuepostgres "github.com/AYHALOUI/retry-queue/internal/queue/postgres"
	"github.com/AYHALOUI/retry-queue/internal/version"
	"github.com/AYHALOUI/retry-queue/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool // nil with the memory driver
	store         queue.Store
	coordinator   *queue.Coordinator
	scheduler     *queue.Scheduler
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc

	invokerOverride queue.Invoker
}

// Option overrides a dependency during construction. Used by tests.
type Option func(*App)

// WithInvoker replaces the delivery invoker built from config.
func WithInvoker(inv queue.Invoker) Option {
	return func(a *App) { a.invokerOverride = inv }
}

// New creates a new application instance.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(app)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	app.bgCancel = bgCancel

	store, err := app.setupStore(bgCtx)
	if err != nil {
		bgCancel()
		return nil, err
	}
	app.store = store

	invoker := app.invokerOverride
	if invoker == nil {
		invoker, err = buildInvoker(cfg.Delivery)
		if err != nil {
			app.close()
			return nil, err
		}
	}

	app.coordinator = queue.NewCoordinator(queue.CoordinatorConfig{
		MaxRetries:     cfg.Queue.MaxRetries,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		BatchSize:      cfg.Queue.BatchSize,
	}, store, invoker, buildBackoff(cfg.Queue.Backoff))

	if cfg.Scheduler.Enabled {
		app.scheduler = queue.NewScheduler(queue.SchedulerConfig{
			PollInterval:      cfg.Scheduler.PollInterval,
			RetentionEnabled:  cfg.Retention.Enabled,
			RetentionMaxAge:   cfg.Retention.MaxAge,
			RetentionInterval: cfg.Retention.Interval,
		}, app.coordinator, store)
		app.scheduler.Start(bgCtx)
	}

	router, err := app.setupRouter()
	if err != nil {
		app.close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setupStore(bgCtx context.Context) (queue.Store, error) {
	if a.config.Database.Driver == "memory" {
		slog.Warn("using in-memory queue store: items do not survive restarts")
		return memory.NewStore(), nil
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), a.config.Database.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             a.config.Database.URL,
		MaxOpenConns:    a.config.Database.MaxOpenConns,
		MaxIdleConns:    a.config.Database.MaxIdleConns,
		ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
		ConnectAttempts: a.config.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if a.config.Database.Migrate {
		if err := postgres.Migrate(a.config.Database.URL, migrations.FS); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	a.db = db
	go a.collectDBMetrics(bgCtx)
	return queuepostgres.NewStore(db), nil
}

func buildInvoker(cfg config.DeliveryConfig) (queue.Invoker, error) {
	inv, err := crm.NewInvoker(crm.Config{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create delivery invoker: %w", err)
	}
	return inv, nil
}

func buildBackoff(cfg config.BackoffConfig) queue.Backoff {
	if cfg.Strategy == "exponential" {
		return queue.ExponentialBackoff(cfg.Initial, cfg.Max, cfg.Multiplier)
	}
	return queue.FixedBackoff(cfg.Interval)
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop the scheduler first so no cycle starts mid-shutdown
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.bgCancel()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

func (a *App) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.bgCancel()
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Coordinator returns the queue coordinator. Used in tests.
func (a *App) Coordinator() *queue.Coordinator {
	return a.coordinator
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	var operatorMiddleware []func(http.Handler) http.Handler
	if a.config.Auth.Enabled {
		authenticator, err := auth.NewAuthenticator(auth.Config{SecretKey: a.config.Auth.SecretKey})
		if err != nil {
			return nil, err
		}
		operatorMiddleware = append(operatorMiddleware, httputil.AuthMiddleware(authenticator))
	} else {
		slog.Warn("operator auth is disabled: administrative routes are unprotected")
	}

	handler := queue.NewHandler(a.coordinator)
	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r, operatorMiddleware...)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"queue_size": stats.Total,
	})
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
