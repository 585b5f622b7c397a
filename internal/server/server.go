// Package server wires the desk together: storage, the escrow engine, the
// chat gateway, background loops, and the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/mbd888/middleman/internal/admin"
	"github.com/mbd888/middleman/internal/audit"
	"github.com/mbd888/middleman/internal/auth"
	"github.com/mbd888/middleman/internal/chat"
	"github.com/mbd888/middleman/internal/config"
	"github.com/mbd888/middleman/internal/directory"
	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/health"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/metrics"
	"github.com/mbd888/middleman/internal/ratelimit"
	"github.com/mbd888/middleman/internal/realtime"
	"github.com/mbd888/middleman/internal/security"
	"github.com/mbd888/middleman/internal/traces"
	"github.com/mbd888/middleman/internal/txlog"
	"github.com/mbd888/middleman/internal/validation"
	"github.com/mbd888/middleman/internal/watcher"
	"github.com/mbd888/middleman/internal/webhooks"
)

// Server is the desk process: one HTTP listener plus the background loops
// that keep the books straight.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db *sql.DB // nil on the in-memory backend

	escrows    *escrow.Service
	analytics  *escrow.AnalyticsService
	txStore    txlog.Store
	whStore    webhooks.Store
	authMgr    *auth.Manager
	dispatcher *webhooks.Dispatcher
	hub        *realtime.Hub
	sweeper    *audit.Sweeper
	watcher    *watcher.Watcher
	chatHook   *chat.WebhookHandler
	limiter    *ratelimit.Limiter
	checks     *health.Registry

	stopTraces func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a fully wired server from configuration. The store backend is
// selected by the config; Postgres is pinged before New returns so a bad DSN
// fails the deploy instead of the first request.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	escrowStore, err := s.openStores()
	if err != nil {
		return nil, err
	}

	stopTraces, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	s.hub = realtime.NewHub(s.logger)
	feed := realtime.NewEmitter(s.hub)

	s.dispatcher = webhooks.NewDispatcher(s.whStore).WithLogger(s.logger)

	s.escrows = escrow.NewService(escrowStore, cfg.EscrowConfig()).
		WithRecorder(txlog.NewRecorder(s.txStore)).
		WithEvents(&fanoutEmitter{emitters: []escrow.EventEmitter{
			feed,
			webhooks.NewEmitter(s.dispatcher, s.logger),
			metricsEmitter{},
		}}).
		WithLogger(s.logger)
	s.analytics = escrow.NewAnalyticsService(escrowStore)

	s.sweeper = audit.NewSweeper(escrowStore, s.txStore,
		time.Duration(cfg.AuditSweepMinutes)*time.Minute).WithLogger(s.logger)

	if cfg.RPCURL != "" {
		wcfg := watcher.DefaultConfig()
		wcfg.RPCURL = cfg.RPCURL
		wcfg.TokenContract = common.HexToAddress(cfg.TokenContract)
		wcfg.DeskAddress = common.HexToAddress(cfg.DeskAddress)
		wcfg.TokenSymbol = cfg.TokenSymbol
		w, werr := watcher.New(wcfg, feed)
		if werr != nil {
			s.logger.Warn("transfer watcher disabled", "error", werr)
		} else {
			s.watcher = w.WithLogger(s.logger)
		}
	}

	if cfg.BotToken != "" {
		client := chat.NewClient(cfg.ChatAPIURL, cfg.BotToken).
			WithLogger(s.logger).
			WithRetry(3, 500*time.Millisecond)
		dir := directory.New(client, 10*time.Minute).WithLogger(s.logger)
		render := chat.NewRenderer(cfg.EscrowConfig(), dir)
		router := chat.NewRouter(s.escrows, render, client, cfg.BotName).WithLogger(s.logger)
		s.chatHook = chat.NewWebhookHandler(router, cfg.WebhookSecret).WithLogger(s.logger)
	} else {
		s.logger.Warn("no BOT_TOKEN set, chat gateway disabled")
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS * 60,
		BurstSize:         cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})

	s.buildRouter()
	return s, nil
}

// openStores opens the configured backend and constructs the stores. Schema
// setup failures are logged rather than fatal so a locked-down database role
// can still serve after cmd/migrate has run.
func (s *Server) openStores() (escrow.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch s.cfg.Driver() {
	case "postgres":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres store", "dsn", maskDSN(s.cfg.DatabaseURL))

		escrowStore := escrow.NewPostgresStore(db)
		txStore := txlog.NewPostgresStore(db)
		whStore := webhooks.NewPostgresStore(db)
		authStore := auth.NewPostgresStore(db)
		if err := escrowStore.Migrate(ctx); err != nil {
			s.logger.Warn("escrow schema setup failed", "error", err)
		}
		if err := txStore.Migrate(ctx); err != nil {
			s.logger.Warn("transaction log schema setup failed", "error", err)
		}
		if err := whStore.Migrate(ctx); err != nil {
			s.logger.Warn("webhook schema setup failed", "error", err)
		}
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("operator key schema setup failed", "error", err)
		}
		s.txStore = txStore
		s.whStore = whStore
		s.authMgr = auth.NewManager(authStore)
		s.checks.Register("database", health.PingChecker("database", db))
		return escrowStore, nil

	case "sqlite":
		db, err := sql.Open("sqlite", s.cfg.SQLitePath+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc.org/sqlite serializes writers itself; one connection
		// avoids SQLITE_BUSY churn under concurrent transitions.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		s.db = db
		s.logger.Info("using sqlite store", "path", s.cfg.SQLitePath)

		escrowStore := escrow.NewSQLiteStore(db)
		txStore := txlog.NewSQLiteStore(db)
		if err := escrowStore.Migrate(ctx); err != nil {
			s.logger.Warn("escrow schema setup failed", "error", err)
		}
		if err := txStore.Migrate(ctx); err != nil {
			s.logger.Warn("transaction log schema setup failed", "error", err)
		}
		s.txStore = txStore
		// Webhook subscriptions and operator keys have no SQLite store;
		// they live in memory and re-seed from OPERATOR_KEY on restart.
		s.whStore = webhooks.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.checks.Register("database", health.PingChecker("database", db))
		return escrowStore, nil

	default:
		s.logger.Warn("using in-memory store, state will not survive a restart")
		s.txStore = txlog.NewMemoryStore()
		s.whStore = webhooks.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		return escrow.NewMemoryStore(), nil
	}
}

// buildRouter assembles the middleware chain and mounts every route.
func (s *Server) buildRouter() {
	router := gin.New()

	router.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic recovered",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))
	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware([]string{"*"}))
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	router.Use(s.limiter.Middleware())
	router.Use(metrics.Middleware())
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/health/live", s.handleLive)
	router.GET("/health/ready", s.handleReady)
	router.GET("/metrics", metrics.Handler())

	router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	if s.chatHook != nil {
		s.chatHook.RegisterRoutes(router)
	}

	escrowH := escrow.NewHandler(s.escrows)
	authH := auth.NewHandler(s.authMgr)

	// Reads stay public; the soft middleware still attaches operator
	// identity when a key is presented, for attribution in logs.
	public := router.Group("/v1")
	public.Use(auth.Middleware(s.authMgr))
	escrowH.RegisterRoutes(public)

	protected := router.Group("/v1")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	escrowH.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.whStore, s.dispatcher).RegisterRoutes(protected)
	admin.NewHandler().
		WithVolume(s.escrows).
		WithStats(s.analytics).
		WithTransactionLog(s.txStore).
		WithAudit(s.sweeper).
		WithFeedStats(s.hub).
		RegisterRoutes(protected)

	authH.RegisterRoutes(public, protected)

	s.router = router
}

// requestIDMiddleware tags each request with an ID, honoring one supplied by
// the caller, and seeds the request context for logging.L.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// loggingMiddleware logs one line per request, leveled by status class.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", logging.RequestID(c.Request.Context()),
		}
		if op := auth.OperatorID(c); op != "" {
			fields = append(fields, "operator", op)
		}

		switch {
		case status >= 500:
			fields = append(fields, "client_ip", c.ClientIP())
			s.logger.Error("request", fields...)
		case status >= 400:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Info("request", fields...)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	state := "ok"
	if !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status": state,
		"env":    s.cfg.Env,
		"store":  s.cfg.Driver(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReady gates traffic: not ready until Run has started the loops, and
// degraded whenever a registered check fails.
func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	healthy, checks := s.checks.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// Run starts the HTTP listener and the background loops, then blocks until
// the context is canceled, a termination signal arrives, or the listener
// fails. It owns graceful shutdown in the first two cases.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OperatorKey != "" {
		if _, err := s.authMgr.Bootstrap(runCtx, s.cfg.OperatorKey); err != nil {
			s.logger.Warn("operator key bootstrap failed", "error", err)
		} else {
			s.logger.Info("operator key bootstrapped")
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening",
			"addr", s.httpSrv.Addr,
			"env", s.cfg.Env,
			"store", s.cfg.Driver(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Warn("transfer watcher failed to start", "error", err)
			s.watcher = nil
		}
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and stops the background loops. Readiness
// flips first so load balancers route away during the drain window.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.cfg.IsProduction() {
		// Drain window for load balancers still sending traffic.
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.sweeper.Stop()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.limiter.Stop()

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database: %w", err)
		}
	}

	s.logger.Info("shutdown complete")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	i := strings.Index(dsn, "://")
	if i < 0 {
		return dsn
	}
	rest := dsn[i+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return dsn
	}
	creds := rest[:at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:i+3] + creds[:colon] + ":****" + rest[at:]
}

// fanoutEmitter forwards each escrow event to every configured consumer.
type fanoutEmitter struct {
	emitters []escrow.EventEmitter
}

func (f *fanoutEmitter) EscrowEvent(event string, esc *escrow.Escrow) {
	for _, e := range f.emitters {
		e.EscrowEvent(event, esc)
	}
}

// metricsEmitter turns escrow events into Prometheus series.
type metricsEmitter struct{}

func (metricsEmitter) EscrowEvent(event string, esc *escrow.Escrow) {
	metrics.EscrowTransitionsTotal.WithLabelValues(esc.Status.String()).Inc()
	if esc.Terminal() {
		metrics.EscrowDuration.Observe(time.Since(esc.CreatedAt).Seconds())
	}
}
