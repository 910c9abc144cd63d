package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/bountyrelay/bountyrelay/internal/bounty"
	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/internal/ratelimit"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// UserIDHeader carries the authenticated application user, set by the
// upstream proxy that owns sessions.
const UserIDHeader = "X-User-ID"

// Bounty is the pool-manager facing service behind the /v1 routes.
type Bounty interface {
	Allocate(ctx context.Context, req bounty.AllocateRequest) (*ledger.TxResult, error)
	Fund(ctx context.Context, req bounty.FundRequest) (*ledger.TxResult, error)
	Transfer(ctx context.Context, req bounty.TransferRequest) (*ledger.TxResult, error)
	Relayed(ctx context.Context, req bounty.RelayRequest) (*ledger.TxResult, error)
	Repository(ctx context.Context, repoID int64) types.Repository
	IssueRewards(ctx context.Context, repoID int64, issueIDs []int64) []types.Amount
	FundingStatus(ctx context.Context, repoID int64) (ratelimit.Status, error)
	TransferStatus(ctx context.Context, userID string) (ratelimit.Status, error)
}

// Settler re-runs settlement on operator request.
type Settler interface {
	SettleIssue(ctx context.Context, repoID int64, number int, contributor string) (types.SettlementAttempt, error)
	SettlePullRequest(ctx context.Context, repoID int64, number int) ([]types.SettlementAttempt, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Server routes to. Webhook, Settler and
// Metrics are optional; their routes are not mounted when nil.
type Deps struct {
	Bounty  Bounty
	Settler Settler
	Webhook http.Handler
	Ledger  Pinger
	Store   Pinger
	Metrics *metrics.Metrics
}

// Server is the external HTTP API server
type Server struct {
	config     *ServerConfig
	deps       Deps
	router     http.Handler
	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
	mu         sync.RWMutex
	running    bool

	// Per-IP rate limiters
	rateLimiters sync.Map

	// Rate limiter cleanup control
	rateLimitCtx    context.Context
	rateLimitCancel context.CancelFunc
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	HTTPAddr string

	// Per-IP rate limiting. RateLimit requests are allowed per
	// RateLimitWindow; zero disables the limiter.
	RateLimit       int
	RateLimitWindow time.Duration
	RateLimitBurst  int

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool

	// CORS is enabled when AllowedOrigins is non-empty.
	AllowedOrigins []string

	MaxRequestSize int64

	// Timeouts
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// AdminToken guards /v1/admin. Empty disables the admin routes.
	AdminToken string

	Version string
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPAddr:          ":8080",
		RateLimit:         100,
		RateLimitWindow:   time.Minute,
		RateLimitBurst:    20,
		MaxRequestSize:    1 << 20,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		Version:           "dev",
	}
}

// NewServer creates a new HTTP API server. The router is built eagerly so
// Handler can be served before Start.
func NewServer(cfg *ServerConfig, d Deps) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimit
	}
	s := &Server{
		config:    cfg,
		deps:      d,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = ln
	s.running = true

	if s.config.RateLimit > 0 {
		s.rateLimitCtx, s.rateLimitCancel = context.WithCancel(ctx)
		s.startRateLimiterCleanup()
	}

	readHdrTimeout := s.config.ReadHeaderTimeout
	if readHdrTimeout == 0 {
		readHdrTimeout = s.config.ReadTimeout
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: readHdrTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	srv := s.httpServer
	go func() {
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.HTTPAddr
}

// Stop stops the HTTP API server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	if s.rateLimitCancel != nil {
		s.rateLimitCancel()
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	logging.Info("API server stopped", logging.Component("api"))
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserIDHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealthCheck)
	r.Get("/v1/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	// Deliveries come from a handful of platform addresses and are
	// authenticated by signature, so they bypass the per-IP limiter.
	if s.deps.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/github", s.deps.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.limitBody)

		r.Get("/v1/repos/{repoID}", s.handleGetRepository)
		r.Get("/v1/repos/{repoID}/rewards", s.handleGetRewards)
		r.Post("/v1/repos/{repoID}/fund", s.handleFund)
		r.Post("/v1/repos/{repoID}/issues/{issueID}/reward", s.handleAllocate)
		r.Get("/v1/limits/funding/{repoID}", s.handleFundingLimit)
		r.Get("/v1/limits/transfer/{userID}", s.handleTransferLimit)
		r.Post("/v1/transfers", s.handleTransfer)
		r.Post("/v1/relay", s.handleRelay)

		if s.deps.Settler != nil && s.config.AdminToken != "" {
			r.With(s.requireAdmin).Post("/v1/admin/settle", s.handleSettle)
		}
	})
	return r
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.RecordRequest(route, status, time.Since(start))
		logging.Debug("request served",
			logging.Component("api"),
			"method", r.Method,
			"route", route,
			"status", status,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RateLimit > 0 {
			ip := s.extractClientIP(r)
			if !s.getRateLimiter(ip).Allow() {
				retry := int(s.config.RateLimitWindow.Seconds())
				w.Header().Set("Retry-After", fmt.Sprint(retry))
				s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", RetryAfter: retry})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin checks "Authorization: Bearer <AdminToken>" in constant time.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
			logging.Warn("admin request rejected",
				logging.Component("api"),
				"remote", s.extractClientIP(r))
			s.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getRateLimiter returns the limiter for ip, creating it on first use.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen = now
		return entry.limiter
	}

	rps := rate.Limit(float64(s.config.RateLimit) / s.config.RateLimitWindow.Seconds())
	entry := &rateLimiterEntry{
		limiter:  rate.NewLimiter(rps, s.config.RateLimitBurst),
		lastSeen: now,
	}
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP extracts the client IP address from the request.
// Only trusts proxy headers (X-Forwarded-For, X-Real-IP) when TrustProxy is
// enabled in the server config.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		// X-Forwarded-For: use the first (leftmost) IP
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	// Default: use TCP remote address (not spoofable)
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// startRateLimiterCleanup starts a goroutine that periodically removes stale rate limiters
func (s *Server) startRateLimiterCleanup() {
	ctx := s.rateLimitCtx
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
			}
		}
	}()
}

// cleanupRateLimiters removes rate limiter entries not seen since staleBefore.
func (s *Server) cleanupRateLimiters(staleBefore time.Time) {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Before(staleBefore) {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
}
