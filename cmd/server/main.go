// Command server is the platform composition root: it wires configuration,
// storage, Redis, telemetry, and every runtime service into one HTTP
// process with graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/audit"
	"github.com/portalhq/backend/internal/cache"
	"github.com/portalhq/backend/internal/circuitbreaker"
	"github.com/portalhq/backend/internal/config"
	"github.com/portalhq/backend/internal/database"
	"github.com/portalhq/backend/internal/database/postgres"
	"github.com/portalhq/backend/internal/idempotency"
	"github.com/portalhq/backend/internal/infra"
	"github.com/portalhq/backend/internal/metrics"
	"github.com/portalhq/backend/internal/middleware"
	"github.com/portalhq/backend/internal/poller"
	"github.com/portalhq/backend/internal/requestctx"
	"github.com/portalhq/backend/internal/resilience"
	"github.com/portalhq/backend/internal/telemetry"
	"github.com/portalhq/backend/internal/tenant"
	"github.com/portalhq/backend/internal/websocket"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	mode := config.LoadEnv("")
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("[Server] Config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	projection := config.RuntimeProjection(config.Environ(), mode)
	slog.Info("[Server] Configuration loaded",
		"mode", mode, "secrets", len(projection.SecretNames), "configVars", len(projection.ConfigVars))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------------------------
	// Infrastructure
	// ------------------------------------------------------------------

	db := openDatabase(ctx)

	var client cache.RedisClient
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		adapter, err := infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			slog.Error("[Server] Redis unavailable", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer adapter.Close()
		client = adapter
	} else {
		slog.Warn("[Server] REDIS_ADDR not set, using in-memory cache client")
		client = cache.NewMemoryClient()
	}

	cacheSvc := cache.New(client)
	defer cacheSvc.Close()
	if err := cacheSvc.StartInvalidationListener(ctx); err != nil {
		slog.Error("[Server] Invalidation listener failed", "error", err)
		os.Exit(1)
	}

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := telemetry.Setup(ctx, telemetry.ExporterConfig{
			ServiceName:  "portal-backend",
			Endpoint:     cfg.Telemetry.Endpoint,
			LogsExporter: cfg.Telemetry.LogsExporter,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			slog.Error("[Server] Telemetry setup failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	// ------------------------------------------------------------------
	// Services
	// ------------------------------------------------------------------

	reg := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(db.KVStore(), reg)

	// Every storage-backed route shares the postgres breaker; a tripped
	// breaker short-circuits writes until the store recovers.
	dbRetry := resilience.Preset("brief")
	dbOpts := resilience.Options{
		Breaker: breakers.Get("postgres", circuitbreaker.Config{Persist: true}),
		Retry:   &dbRetry,
	}
	auditSvc := audit.New(db.Audit(), db.JobDLQ())
	gate := idempotency.New(cacheSvc)
	tenants := tenant.New(db.Apps(), auditSvc, cacheSvc)

	nodeID, _ := os.Hostname()
	wsCfg := websocket.Config{
		NodeID:            nodeID,
		PingInterval:      cfg.WebSocket.PingInterval(),
		PongTimeout:       cfg.WebSocket.PongTimeout(),
		ReaperInterval:    cfg.WebSocket.ReaperInterval(),
		RoomTTL:           cfg.WebSocket.RoomTTL(),
		MetaTTL:           cfg.WebSocket.MetaTTL(),
		PresenceTTL:       cfg.WebSocket.PresenceTTL(),
		MaxRoomsPerSocket: cfg.WebSocket.MaxRoomsPerSocket,
	}
	if err := wsCfg.Validate(); err != nil {
		slog.Error("[Server] WebSocket config invalid", "error", err)
		os.Exit(1)
	}
	ws := websocket.New(wsCfg, cacheSvc, reg)
	if err := ws.Start(ctx); err != nil {
		slog.Error("[Server] WebSocket service failed", "error", err)
		os.Exit(1)
	}
	defer ws.Close()

	supervisor := poller.New(db, cacheSvc, reg)
	supervisor.Start(cfg.Poller.Interval())
	defer supervisor.Stop()

	// ------------------------------------------------------------------
	// HTTP surface
	// ------------------------------------------------------------------

	authn := middleware.NewAuthenticator(db.Apps())
	ingress := &middleware.Ingress{Auth: authn}
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow())
	defer limiter.Stop()

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", healthHandler(cacheSvc, supervisor, breakers)).Methods("GET")

	tracer := telemetry.New(reg)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(reg.Middleware, ingress.Middleware, tracing(tracer), limiter.Middleware, cache.RateLimitHeaders, middleware.RequireCSRF)

	api.Handle("/tenants", middleware.Idempotent(gate, "tenant", "provision",
		middleware.Resilient("tenant.provision", dbOpts, provisionTenant(tenants)))).Methods("POST")
	api.HandleFunc("/tenants/{id}/{command}", applyTenantCommand(tenants, dbOpts)).Methods("POST")
	api.HandleFunc("/presence", presence(ws)).Methods("GET")
	api.HandleFunc("/broadcast", broadcast(ws)).Methods("POST")
	api.HandleFunc("/audit/replay", replayAudit(auditSvc, dbOpts)).Methods("POST")
	api.HandleFunc("/runtime/config", runtimeConfig(projection)).Methods("GET")

	// The socket endpoint authenticates through ingress but skips the rate
	// limiter and CSRF check: it is a long-lived GET.
	router.Handle("/ws", ingress.Middleware(ws.Handler()))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("[Server] Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("[Server] Shutdown error", "error", err)
		}
	}()

	slog.Info("[Server] Listening", "port", cfg.Server.Port, "node", nodeID)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("[Server] Serve failed", "error", err)
		os.Exit(1)
	}
	slog.Info("[Server] Stopped")
}

// tracing wraps every route in a server span named by method and
// normalized path.
func tracing(tracer *telemetry.Tracer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.Method + " " + metrics.NormalizePath(r.URL.Path)
			_ = tracer.RouteSpan(r.Context(), name, func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
		})
	}
}

// openDatabase connects to Postgres, or falls back to the in-memory engine
// for local development.
func openDatabase(ctx context.Context) database.Database {
	dsn := config.DatabaseURL()
	if dsn == "" {
		slog.Warn("[Server] DATABASE_URL not set, using in-memory database")
		return database.NewMemory()
	}
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		slog.Error("[Server] Postgres connection failed", "error", err)
		os.Exit(1)
	}
	return db
}

// ============================================================================
// HANDLERS
// ============================================================================

func provisionTenant(tenants *tenant.Service) middleware.MutationHandler {
	return func(r *http.Request, body []byte) (json.RawMessage, error) {
		var in tenant.ProvisionInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, apperr.Validation("body", "malformed JSON")
		}
		app, err := tenants.Provision(r.Context(), in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"id":        app.ID,
			"namespace": app.Namespace,
			"status":    app.Status,
		})
	}
}

func applyTenantCommand(tenants *tenant.Service, opts resilience.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		command, tenantID := vars["command"], vars["id"]
		_, err := resilience.Run(r.Context(), "tenant."+command, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, tenants.Apply(ctx, command, tenantID)
		}, opts)
		if err != nil {
			middleware.WriteError(w, "tenant."+command, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"id": tenantID, "command": command})
	}
}

func presence(ws *websocket.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := requestctx.CurrentTenantID(r.Context())
		middleware.WriteJSON(w, http.StatusOK, ws.Presence(r.Context(), string(tenantID)))
	}
}

func broadcast(ws *websocket.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Data == nil {
			middleware.WriteError(w, "broadcast", apperr.Validation("data", "required"))
			return
		}
		tenantID := requestctx.CurrentTenantID(r.Context())
		if err := ws.Broadcast(r.Context(), string(tenantID), payload.Data); err != nil {
			middleware.WriteError(w, "broadcast", err)
			return
		}
		middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func replayAudit(auditSvc *audit.Service, opts resilience.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				middleware.WriteError(w, "audit.replay", apperr.Validation("limit", "must be a positive integer"))
				return
			}
			limit = n
		}
		result, err := resilience.Run(r.Context(), "audit.replay", func(ctx context.Context) (audit.ReplayResult, error) {
			return auditSvc.ReplayDeadLetters(ctx, limit)
		}, opts)
		if err != nil {
			middleware.WriteError(w, "audit.replay", err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, result)
	}
}

// runtimeConfig exposes the non-secret environment projection. Secret names
// are listed so operators can verify classification; values never leave the
// process.
func runtimeConfig(p config.Projection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]any{
			"secretNames": p.SecretNames,
			"configVars":  p.ConfigVars,
		})
	}
}

func healthHandler(c *cache.Service, supervisor *poller.Supervisor, breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		cacheHealth := c.CheckHealth(ctx)
		probes := supervisor.Health(ctx)

		status := http.StatusOK
		if !cacheHealth.Connected {
			status = http.StatusServiceUnavailable
		}

		states := map[string]string{}
		for name, state := range breakers.States() {
			states[name] = state.String()
		}

		middleware.WriteJSON(w, status, map[string]any{
			"cache":    cacheHealth,
			"probes":   probes,
			"breakers": states,
		})
	}
}
