// Package server provides the relay HTTP and WebSocket server: session and
// message persistence, per-user update fan-out, versioned state writes, and
// the RPC bridge between viewer connections and session agents.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/workspace/agent-relay/internal/auth"
	"github.com/workspace/agent-relay/internal/config"
	"github.com/workspace/agent-relay/internal/push"
	"github.com/workspace/agent-relay/internal/router"
	"github.com/workspace/agent-relay/internal/store"
)

// Server is the relay server.
type Server struct {
	config     *config.Relay
	httpServer *http.Server
	auth       *auth.Authenticator
	store      *store.Store
	hub        *router.Hub
	notifier   push.Notifier

	connMu sync.Mutex
	// sessionAgents maps userID+"/"+sessionID to the one agent connection
	// serving that session.
	sessionAgents map[string]*wsConn
	// rpcInflight maps rpc request id to the connection awaiting the
	// response.
	rpcInflight map[string]*wsConn

	done chan struct{}
}

// New creates a relay server instance.
func New(cfg *config.Relay) (*Server, error) {
	authenticator, err := auth.New(cfg.JWTSecret, cfg.JWKSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Server{
		config:        cfg,
		auth:          authenticator,
		store:         st,
		hub:           router.NewHub(nil),
		sessionAgents: make(map[string]*wsConn),
		rpcInflight:   make(map[string]*wsConn),
		done:          make(chan struct{}),
	}
	if n := push.NewHTTPNotifier(cfg.PushEndpoint, cfg.PushToken); n != nil {
		s.notifier = n
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally unset: WebSocket connections are
	// long-lived, and http.Server.WriteTimeout arms a deadline on the
	// underlying net.Conn before the handler runs, which would kill
	// hijacked connections.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s, nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("Starting relay", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Handler returns the server's root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Stop gracefully stops the server and closes the store.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	s.connMu.Lock()
	for _, c := range s.sessionAgents {
		c.close()
	}
	s.sessionAgents = make(map[string]*wsConn)
	s.rpcInflight = make(map[string]*wsConn)
	s.connMu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.store.Close(); cerr != nil {
		slog.Warn("Failed to close store", "error", cerr)
	}
	return err
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/auth", s.handleAuth)

	mux.HandleFunc("GET /v1/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /v1/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.requireAuth(s.handlePostMessages))
	mux.HandleFunc("POST /v1/sessions/{id}/metadata", s.requireAuth(s.handleUpdateMetadata))
	mux.HandleFunc("POST /v1/sessions/{id}/agentState", s.requireAuth(s.handleUpdateAgentState))
	mux.HandleFunc("POST /v1/machines", s.requireAuth(s.handleRegisterMachine))
	mux.HandleFunc("GET /v1/machines/{id}", s.requireAuth(s.handleGetMachine))
	mux.HandleFunc("POST /v1/machines/{id}/metadata", s.requireAuth(s.handleUpdateMachineMetadata))
	mux.HandleFunc("POST /v1/machines/{id}/daemonState", s.requireAuth(s.handleUpdateMachineDaemonState))

	mux.HandleFunc("GET /v1/updates", s.handleUpdatesWS)
}

type ctxKey int

const ctxKeyUserID ctxKey = iota

// requireAuth validates the bearer token and stores the user id on the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Validate(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)))
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for browser WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UnixMilli(),
	})
}

// handleAuth mints a relay token for a caller presenting the shared
// provisioning secret. Deployments fronted by an identity provider use JWKS
// validation instead and never call this.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" ||
		subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.config.JWTSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, err := s.auth.Sign(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed checks an origin against the allowed list. Supports wildcard
// subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// "https://*.example.com" matches "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	// The subdomain part must not contain a path separator.
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
