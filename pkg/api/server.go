package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/trackguard/pkg/alerts"
	"github.com/rmax-ai/trackguard/pkg/coordinator"
	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/reports"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// Interfaces for dependencies to enable mocking

// Gateway is the Coordinator surface used by the API.
type Gateway interface {
	Handle(ctx context.Context, req coordinator.Request) coordinator.Response
	Health(ctx context.Context) coordinator.Health
	EmergencyStop(ctx context.Context, reason string, d time.Duration) error
	ClearEmergencyStop(ctx context.Context) error
}

// RequestControl is the local RequestManager surface used by the API.
type RequestControl interface {
	HealthStatus() engine.HealthStatus
	PauseAllRequests()
	ResumeRequests()
	AdjustRateLimit(patch engine.LimiterPatch) engine.LimiterConfig
	Limits() engine.LimiterConfig
}

// SessionService is the polling facade surface used by the API.
type SessionService interface {
	GetUnifiedMetrics(ctx context.Context) engine.UnifiedMetrics
	RegisterSession(id string, deviceIDs []string, interval time.Duration, callback engine.SessionCallback, priority queue.Priority) error
	UpdateSession(id string, patch engine.SessionPatch) error
	UnregisterSession(id string)
	Session(id string) (engine.SessionInfo, bool)
	Sessions() []engine.SessionInfo
	ForcePoll(id string) error
	RegisterUserActivity(userID string, vehicleIDs []string, isViewingRealTime bool)
	UnregisterUserActivity(userID string)
	EmergencyStop()
	Resume()
}

// AlertService is the alerts surface used by the API.
type AlertService interface {
	ActiveAlerts() []alerts.Alert
	History(limit int) []alerts.Alert
	Acknowledge(ctx context.Context, id string) (alerts.Alert, error)
	Stats() alerts.Stats
	Rules() []alerts.Rule
	AddRule(r alerts.Rule) (alerts.Rule, error)
	UpdateRule(id string, r alerts.Rule) (alerts.Rule, error)
	RemoveRule(id string) error
}

// Deps wires the server to the running components. Any of them may be nil;
// the matching routes then answer 503.
type Deps struct {
	Gateway  Gateway
	Requests RequestControl
	Sessions SessionService
	Alerts   AlertService
	// History backs alert exports; nil when no database is configured.
	History reports.ReportStore
	// Stream serves the websocket endpoint.
	Stream  http.Handler
	Version string
}

// Server encapsulates the HTTP API server
type Server struct {
	deps   Deps
	logger *slog.Logger
	server *http.Server

	// adminTokenHash guards /v1/admin when set.
	adminTokenHash string

	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance
func NewServer(deps Deps, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	// Use default port if addr is empty
	if addr == "" {
		addr = ":8095"
	}

	s := &Server{deps: deps, logger: logger}
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// Vendor requests may wait in the Coordinator queue.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// Handler builds the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(s.withRecovery)
	r.Use(withSecureHeaders)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/vendor", s.handleVendor)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics/unified", s.handleUnifiedMetrics)

		r.Get("/sessions", s.handleSessions)
		r.Post("/sessions", s.handleRegisterSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Patch("/sessions/{id}", s.handleUpdateSession)
		r.Delete("/sessions/{id}", s.handleUnregisterSession)
		r.Post("/sessions/{id}/poll", s.handleForcePoll)
		r.Post("/activity", s.handleActivity)
		r.Delete("/activity/{userID}", s.handleActivityEnd)

		r.Get("/alerts", s.handleActiveAlerts)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Get("/alerts/stats", s.handleAlertStats)
		r.Get("/alerts/export", s.handleAlertExport)
		r.Post("/alerts/{id}/ack", s.handleAcknowledge)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleCreateRule)
		r.Put("/rules/{id}", s.handleUpdateRule)
		r.Delete("/rules/{id}", s.handleDeleteRule)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.withAuth)
			r.Post("/emergency-stop", s.handleEmergencyStop)
			r.Delete("/emergency-stop", s.handleClearEmergencyStop)
			r.Post("/requests/pause", s.handlePauseRequests)
			r.Post("/requests/resume", s.handleResumeRequests)
			r.Get("/rate-limit", s.handleGetRateLimit)
			r.Patch("/rate-limit", s.handleAdjustRateLimit)
		})

		if s.deps.Stream != nil {
			r.Handle("/stream", s.deps.Stream)
		}
	})
	return r
}

// SetAdminToken requires "Authorization: Bearer <token>" on admin routes.
func (s *Server) SetAdminToken(token string) {
	if token == "" {
		s.adminTokenHash = ""
		return
	}
	s.adminTokenHash = hashToken(token)
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", "addr", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
		return nil
	}
	s.logger.Info("server_starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	s.writeJSON(w, r, status, ErrorResponse{Error: reason, Message: message})
}

func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, component string) {
	s.writeError(w, r, http.StatusServiceUnavailable, "component_unavailable", component+" is not configured")
}

// Middleware: Auth
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminTokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing_token")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid_token_format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(hashToken(parts[1])), []byte(s.adminTokenHash)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.logger.Error("panic_recovered",
					"trace_id", getTraceID(r.Context()),
					"error", fmt.Sprint(err),
					"path", r.URL.Path,
				)
				s.writeError(w, r, http.StatusInternalServerError, "internal_server_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http_request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}
