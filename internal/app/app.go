// Package app wires configuration, storage, channel handlers and the HTTP
// surface into a runnable notifyd process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/salon-notify/internal/config"
	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/bissquit/salon-notify/internal/notifications/email"
	"github.com/bissquit/salon-notify/internal/notifications/inapp"
	"github.com/bissquit/salon-notify/internal/notifications/memory"
	notificationspostgres "github.com/bissquit/salon-notify/internal/notifications/postgres"
	"github.com/bissquit/salon-notify/internal/notifications/push"
	"github.com/bissquit/salon-notify/internal/notifications/twilio"
	"github.com/bissquit/salon-notify/internal/pkg/ctxlog"
	"github.com/bissquit/salon-notify/internal/pkg/httputil"
	"github.com/bissquit/salon-notify/internal/pkg/jwtauth"
	"github.com/bissquit/salon-notify/internal/pkg/metrics"
	"github.com/bissquit/salon-notify/internal/pkg/postgres"
	pkgredis "github.com/bissquit/salon-notify/internal/pkg/redis"
	userspostgres "github.com/bissquit/salon-notify/internal/users/postgres"
	"github.com/bissquit/salon-notify/internal/version"
	"github.com/bissquit/salon-notify/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	requestTimeout  = time.Minute
	poolStatsPeriod = 15 * time.Second
)

// App owns the stores, the delivery worker, the retention reaper and the
// HTTP servers of one notifyd process.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	memory        *memory.Storage
	redis         *redis.Client
	auth          *jwtauth.Authenticator
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	worker        *notifications.Worker
	reaper        *notifications.Reaper
	readiness     []dependencyCheck

	shutdownOnce sync.Once
	shutdownErr  error
}

// dependencyCheck is one dependency checked by /readyz.
type dependencyCheck struct {
	name  string
	check func(context.Context) error
}

// storage bundles the stores the engine runs on.
type storage struct {
	repo  notifications.Repository
	users notifications.UserDirectory
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	auth, err := jwtauth.New(cfg.JWT.SecretKey, cfg.JWT.AccessTokenDuration)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
		auth:   auth,
	}

	store, err := app.openStorage()
	if err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		app.redis, err = pkgredis.Connect(connectCtx, pkgredis.Config{
			URL:             cfg.Redis.URL,
			ConnectAttempts: cfg.Redis.ConnectAttempts,
		})
		cancel()
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.readiness = append(app.readiness, dependencyCheck{name: "redis", check: pkgredis.Healthcheck(app.redis)})
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	app.bgCancel = bgCancel

	router, err := app.setupRouter(bgCtx, store)
	if err != nil {
		bgCancel()
		app.closeStores()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	if app.db != nil || app.redis != nil {
		go app.collectPoolMetrics(bgCtx)
	}
	go app.collectQueueMetrics(bgCtx, store.repo)

	addr := func(port string) string { return net.JoinHostPort(cfg.Server.Host, port) }
	app.server = newHTTPServer(addr(cfg.Server.Port), router, cfg.Server)

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	app.metricsServer = newHTTPServer(addr(cfg.Server.MetricsPort), metricsRouter, config.ServerConfig{
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       time.Minute,
	})

	return app, nil
}

func (a *App) openStorage() (storage, error) {
	cfg := a.config.Database
	if cfg.Driver == config.DriverMemory {
		slog.Warn("using in-memory storage: queue and log are lost on restart")
		a.memory = memory.NewStorage()
		return storage{repo: a.memory, users: a.memory}, nil
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if cfg.AutoMigrate {
		if err := postgres.Migrate(migrations.FS, cfg.URL); err != nil {
			return storage{}, fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
		ApplicationName: "salon-notify",
	})
	if err != nil {
		return storage{}, fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	a.readiness = append(a.readiness, dependencyCheck{name: "database", check: postgres.Healthcheck(db)})

	return storage{
		repo:  notificationspostgres.NewRepository(db),
		users: userspostgres.NewDirectory(db),
	}, nil
}

// channelHandlers builds the handler of every configured channel.
func (a *App) channelHandlers(clock notifications.Clock) ([]notifications.ChannelHandler, *inapp.Inbox, error) {
	n := a.config.Notifications

	emailHandler, err := email.NewHandler(n.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("create email handler: %w", err)
	}
	if n.Email.Transport == email.TransportLog || n.Email.Transport == "" {
		slog.Warn("email transport is log: emails will not be sent")
	}

	handlers := []notifications.ChannelHandler{emailHandler, push.NewHandler()}

	if n.Twilio.Enabled {
		api, err := twilio.NewClient(n.Twilio)
		if err != nil {
			return nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		if n.Twilio.SMSFrom != "" {
			sms, err := twilio.NewSMSHandler(n.Twilio, api)
			if err != nil {
				return nil, nil, fmt.Errorf("create sms handler: %w", err)
			}
			handlers = append(handlers, sms)
		}
		if n.Twilio.WhatsAppFrom != "" {
			wa, err := twilio.NewWhatsAppHandler(n.Twilio, api)
			if err != nil {
				return nil, nil, fmt.Errorf("create whatsapp handler: %w", err)
			}
			handlers = append(handlers, wa)
		}
	} else {
		slog.Warn("twilio is disabled: sms and whatsapp entries will fail with no_handler")
	}

	var inbox *inapp.Inbox
	if n.InApp.Enabled {
		if a.redis == nil {
			return nil, nil, errors.New("in-app inbox requires redis")
		}
		inbox = inapp.NewInbox(a.redis, n.InApp, clock)
		handlers = append(handlers, inbox)
	}

	return handlers, inbox, nil
}

func newHTTPServer(addr string, h http.Handler, t config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       t.ReadTimeout,
		ReadHeaderTimeout: t.ReadHeaderTimeout,
		WriteTimeout:      t.WriteTimeout,
		IdleTimeout:       t.IdleTimeout,
	}
}

// Run serves the API and metrics listeners until ctx is done or one of
// them fails, then shuts the application down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	serve := func(name string, srv *http.Server) {
		g.Go(func() error {
			a.logger.Info("listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	a.logger.Info("starting notifyd", "version", version.Get().Version, "storage", a.config.Database.Driver)
	serve("api", a.server)
	serve("metrics", a.metricsServer)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops background jobs, drains both servers and closes the
// stores. Calls after the first return its result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down")

		// Background jobs stop first so nothing writes after the pool closes.
		a.reaper.Stop()
		if a.worker != nil {
			a.worker.Stop()
		}
		a.bgCancel()

		var g errgroup.Group
		for name, srv := range map[string]*http.Server{"api": a.server, "metrics": a.metricsServer} {
			g.Go(func() error {
				if err := srv.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown %s server: %w", name, err)
				}
				return nil
			})
		}
		a.shutdownErr = g.Wait()

		a.closeStores()
	})
	return a.shutdownErr
}

func (a *App) closeStores() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		if a.db != nil {
			metrics.RecordDBPool(a.db)
		}
		if a.redis != nil {
			metrics.RecordRedisPool(a.redis)
		}
	}
	record()

	ticker := time.NewTicker(poolStatsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, queue notifications.QueueStore) {
	ticker := time.NewTicker(a.config.Notifications.Worker.QueueMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts, err := queue.CountByStatus(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			notifications.RecordQueueStats(counts)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the notification worker instance.
// Used in tests to drive deliveries.
func (a *App) Worker() *notifications.Worker {
	return a.worker
}

// MemoryStorage returns the in-memory store, or nil with the postgres driver.
// Used in tests to provision users.
func (a *App) MemoryStorage() *memory.Storage {
	return a.memory
}

// Authenticator returns the bearer token authenticator.
func (a *App) Authenticator() *jwtauth.Authenticator {
	return a.auth
}

func (a *App) setupRouter(ctx context.Context, store storage) (*chi.Mux, error) {
	r := chi.NewRouter()
	r.Use(
		httputil.MetricsMiddleware,
		httputil.CORSMiddleware(a.config.CORS.AllowedOrigins),
		middleware.RequestID,
		middleware.RealIP,
		httputil.RequestLoggerMiddleware(a.logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)
	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	n := a.config.Notifications
	clock := notifications.SystemClock{}

	handlers, inbox, err := a.channelHandlers(clock)
	if err != nil {
		return nil, err
	}
	registry := notifications.NewHandlerRegistry(handlers...)

	renderer := notifications.NewRenderer()
	preferences := notifications.NewPreferenceResolver(store.repo, clock)
	templates := notifications.NewTemplateRegistry(store.repo, renderer, clock)
	recipients := notifications.NewRecipientResolver(store.users, nil)

	a.worker = notifications.NewWorker(notifications.WorkerConfig{
		BatchSize:    n.Worker.BatchSize,
		PollInterval: n.Worker.PollInterval,
		Concurrency:  n.Worker.Concurrency,
		SendTimeout:  n.Worker.SendTimeout,
		ClaimLease:   n.Worker.ClaimLease,
	}, store.repo, registry, recipients, clock)

	// Without the background worker, due entries wait for the process endpoint.
	var deliverer notifications.Deliverer
	if n.Enabled {
		deliverer = a.worker
	}

	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		PlatformName:      n.PlatformName,
		DefaultLocale:     n.DefaultLocale,
		MaxRetries:        n.MaxRetries,
		RespectQuietHours: n.RespectQuietHours,
		Location:          a.config.Location(),
	}, store.users, preferences, templates, renderer, store.repo, deliverer, clock)

	a.reaper = notifications.NewReaper(notifications.RetentionConfig{
		Days:     n.Retention.Days,
		Schedule: n.Retention.Schedule,
	}, store.repo, clock)
	if err := a.reaper.Start(ctx); err != nil {
		return nil, fmt.Errorf("start retention reaper: %w", err)
	}

	service := notifications.NewService(preferences, templates, dispatcher, store.repo, a.worker, a.reaper, clock)
	notificationsHandler := notifications.NewHandler(service, n.Worker.ClaimLease)

	slog.Info("notifications configured",
		"worker_enabled", n.Enabled,
		"channels", registry.Channels(),
		"max_retries", n.MaxRetries,
		"storage", a.config.Database.Driver,
	)

	if n.Enabled {
		a.worker.Start(ctx)
	}

	r.Route("/api/v1", func(r chi.Router) {
		notificationsHandler.RegisterPublicRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(a.auth))

			notificationsHandler.RegisterRoutes(r)
			if inbox != nil {
				inapp.NewHandler(inbox).RegisterRoutes(r)
			}

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				notificationsHandler.RegisterAdminRoutes(r)
			})
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

// readyzHandler reports 503 naming the first dependency that fails its check.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, dep := range a.readiness {
		if err := dep.check(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", dep.name, "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, dep.name+" unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "notifyd")
}
