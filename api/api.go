package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attackmatrix/config"
	"attackmatrix/core"
	"attackmatrix/rules"
	"attackmatrix/storage"
)

// maintenanceInterval is how often idle limiters and expired sessions are purged
const maintenanceInterval = 10 * time.Minute

// Stores groups the storage backends the handlers read and write
type Stores struct {
	KnowledgeBase storage.KnowledgeBaseStorage
	Rules         storage.RuleStorage
	Comments      storage.CommentStorage
	Users         storage.UserStorage
	Sessions      storage.SessionStorage
	Audit         storage.AuditStorage
}

// HealthChecker reports whether the database answers
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// API represents the REST API server
type API struct {
	router       *mux.Router
	handler      http.Handler
	server       *http.Server
	stores       Stores
	health       HealthChecker
	redis        *core.RedisCache
	config       *config.Config
	logger       *zap.SugaredLogger
	rateLimiter  *MultiTierRateLimiter
	tokens       *sessionTokens
	sessions     *sessionCache
	validate     *validator.Validate
	ruleImporter *rules.Importer
	now          func() time.Time
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewAPI creates a new API server. redis may be nil, in which case rate limits are
// kept in process memory.
func NewAPI(stores Stores, health HealthChecker, redis *core.RedisCache, cfg *config.Config, logger *zap.SugaredLogger) (*API, error) {
	tokens, generated, err := newSessionTokens(cfg.Auth.SessionSecret)
	if err != nil {
		return nil, err
	}
	if generated && cfg.Auth.Enabled {
		logger.Warn("No session secret configured; generated a random one. Sessions will not survive a restart.")
	}

	a := &API{
		router:       mux.NewRouter(),
		stores:       stores,
		health:       health,
		redis:        redis,
		config:       cfg,
		logger:       logger,
		rateLimiter:  NewMultiTierRateLimiter(cfg.API.RateLimit, redis, logger),
		tokens:       tokens,
		sessions:     newSessionCache(cfg.Auth.SessionCacheSize, cfg.Auth.SessionCacheTTL),
		validate:     newValidator(),
		ruleImporter: rules.NewImporter(stores.Rules, stores.KnowledgeBase, logger),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	return a, nil
}

// Handler returns the fully wrapped HTTP handler
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) setupRoutes() {
	r := a.router
	r.Use(a.metricsMiddleware)

	r.HandleFunc("/health", a.healthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Login is the only /api route reachable without a session
	r.Handle("/api/users/login", a.loginRateLimitMiddleware(http.HandlerFunc(a.login))).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.authMiddleware, a.apiRateLimitMiddleware)

	// Matrix
	api.HandleFunc("/matrix", a.getMatrix).Methods("GET")
	api.HandleFunc("/matrix/tactics", a.getMatrixTactics).Methods("GET")
	api.HandleFunc("/matrix/statistics", a.getMatrixStatistics).Methods("GET")

	// Techniques
	api.HandleFunc("/techniques", a.listTechniques).Methods("GET")
	api.HandleFunc("/techniques/search", a.searchTechniques).Methods("GET")
	api.HandleFunc("/techniques/coverage", a.getTechniquesCoverage).Methods("GET")
	api.HandleFunc("/techniques/{id}", a.getTechnique).Methods("GET")

	// Correlation rules
	api.HandleFunc("/rules", a.listRules).Methods("GET")
	api.HandleFunc("/rules", a.requireRole(core.RoleAnalyst, a.createRule)).Methods("POST")
	api.HandleFunc("/rules/statistics", a.getRuleStatistics).Methods("GET")
	api.HandleFunc("/rules/by-technique/{id}", a.getRulesByTechnique).Methods("GET")
	api.HandleFunc("/rules/search", a.searchRules).Methods("POST")
	api.HandleFunc("/rules/import", a.requireRole(core.RoleAnalyst, a.importRules)).Methods("POST")
	api.HandleFunc("/rules/export", a.exportRules).Methods("GET")
	api.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	api.HandleFunc("/rules/{id}", a.requireRole(core.RoleAnalyst, a.updateRule)).Methods("PUT")
	api.HandleFunc("/rules/{id}", a.requireRole(core.RoleAnalyst, a.deleteRule)).Methods("DELETE")
	api.HandleFunc("/rules/{id}/workflow-status", a.requireRole(core.RoleAnalyst, a.updateWorkflowStatus)).Methods("PUT")
	api.HandleFunc("/rules/{id}/workflow-info", a.getWorkflowInfo).Methods("GET")

	// Comments
	api.HandleFunc("/comments", a.listComments).Methods("GET")
	api.HandleFunc("/comments", a.requireRole(core.RoleAnalyst, a.createComment)).Methods("POST")
	api.HandleFunc("/comments/search", a.searchComments).Methods("GET")
	api.HandleFunc("/comments/stats", a.getCommentStatistics).Methods("GET")
	api.HandleFunc("/comments/{id:[0-9]+}", a.getComment).Methods("GET")
	api.HandleFunc("/comments/{id:[0-9]+}", a.requireRole(core.RoleAnalyst, a.updateComment)).Methods("PUT")
	api.HandleFunc("/comments/{id:[0-9]+}", a.requireRole(core.RoleAnalyst, a.deleteComment)).Methods("DELETE")

	// Users and sessions
	api.HandleFunc("/users/logout", a.logout).Methods("POST")
	api.HandleFunc("/users/check-auth", a.checkAuth).Methods("GET")
	api.HandleFunc("/users/refresh-session", a.refreshSession).Methods("POST")
	api.HandleFunc("/users/profile", a.getProfile).Methods("GET")
	api.HandleFunc("/users", a.requireRole(core.RoleAdmin, a.listUsers)).Methods("GET")
	api.HandleFunc("/users", a.requireRole(core.RoleAdmin, a.createUser)).Methods("POST")
	api.HandleFunc("/users/search", a.requireRole(core.RoleAdmin, a.searchUsers)).Methods("GET")
	api.HandleFunc("/users/statistics", a.requireRole(core.RoleAdmin, a.getUserStatistics)).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}", a.getUser).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}", a.updateUser).Methods("PUT")
	api.HandleFunc("/users/{id:[0-9]+}/password", a.changePassword).Methods("POST")
	api.HandleFunc("/users/{id:[0-9]+}/toggle", a.requireRole(core.RoleAdmin, a.toggleUser)).Methods("POST")

	// Audit log
	api.HandleFunc("/audit", a.requireRole(core.RoleAdmin, a.listAuditEntries)).Methods("GET")
	api.HandleFunc("/audit", a.createAuditEntry).Methods("POST")
	api.HandleFunc("/audit/statistics", a.requireRole(core.RoleAdmin, a.getAuditStatistics)).Methods("GET")
	api.HandleFunc("/audit/export", a.requireRole(core.RoleAdmin, a.exportAuditEntries)).Methods("GET")
	api.HandleFunc("/audit/search", a.requireRole(core.RoleAdmin, a.searchAuditEntries)).Methods("POST")
	api.HandleFunc("/audit/{id}", a.requireRole(core.RoleAdmin, a.getAuditEntry)).Methods("GET")

	// Statistics
	api.HandleFunc("/statistics/overview", a.getStatisticsOverview).Methods("GET")
	api.HandleFunc("/statistics/coverage", a.getStatisticsCoverage).Methods("GET")
	api.HandleFunc("/statistics/tactics", a.getStatisticsTactics).Methods("GET")
	api.HandleFunc("/statistics/rules", a.getRuleStatistics).Methods("GET")
	api.HandleFunc("/statistics/dashboard", a.getDashboard).Methods("GET")
	api.HandleFunc("/statistics/export", a.exportStatistics).Methods("GET")

	// Outermost first: recovery sees every panic, CORS answers preflight before routing
	var h http.Handler = r
	h = a.globalRateLimitMiddleware(h)
	h = a.corsMiddleware(h)
	h = a.securityHeadersMiddleware(h)
	h = a.requestIDMiddleware(h)
	h = a.errorRecoveryMiddleware(h)
	a.handler = h
}

func (a *API) newServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadTimeout:       a.config.API.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.config.API.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

// Start starts the API server and blocks until it stops
func (a *API) Start(port int) error {
	a.server = a.newServer(fmt.Sprintf(":%d", port))
	go a.runMaintenance()
	return a.server.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(port int, certFile, keyFile string) error {
	a.server = a.newServer(fmt.Sprintf(":%d", port))
	go a.runMaintenance()
	return a.server.ListenAndServeTLS(certFile, keyFile)
}

// Stop gracefully shuts down the server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// runMaintenance purges idle rate limiters and expired sessions until Stop
func (a *API) runMaintenance() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.rateLimiter.Cleanup(a.now())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := a.stores.Sessions.DeleteExpiredSessions(ctx, a.now())
			cancel()
			if err != nil {
				a.logger.Warnw("Failed to purge expired sessions", "error", err)
			} else if removed > 0 {
				a.logger.Infow("Purged expired sessions", "count", removed)
			}
		case <-a.stopCh:
			return
		}
	}
}

// healthCheck reports database and, when configured, Redis reachability
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK

	if a.health != nil {
		if err := a.health.HealthCheck(ctx); err != nil {
			a.logger.Errorw("Database health check failed", "error", err)
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx); err != nil {
			a.logger.Warnw("Redis health check failed", "error", err)
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	a.respondJSON(w, map[string]interface{}{
		"status": overall,
		"checks": checks,
	}, status)
}
