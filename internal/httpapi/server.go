// Package httpapi exposes the bridge over HTTP: account management, market
// data, trading and a websocket stream of account snapshots.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mt5bridge/internal/accounts"
	"mt5bridge/internal/auth"
	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/engine"
	"mt5bridge/internal/marketdata"
	"mt5bridge/internal/metrics"
)

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.User, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Accounts   *accounts.Service
	Engine     *engine.Engine
	MarketData *marketdata.Service
	Terminal   broker.Terminal
	Verifier   TokenVerifier
	DB         Pinger // optional

	// Servers seeds the server-name autocomplete in addition to the
	// built-in list.
	Servers        []string
	CORSOrigins    []string
	StreamInterval time.Duration
	Version        string
	Log            *slog.Logger
}

// Server serves the bridge HTTP API.
type Server struct {
	Deps
	hub *Hub
	log *slog.Logger
}

// NewServer creates a Server. Its stream hub must be started with Hub().Run.
func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.StreamInterval <= 0 {
		d.StreamInterval = 2 * time.Second
	}
	s := &Server{Deps: d, log: d.Log}
	s.hub = NewHub(s.streamSnapshot, d.StreamInterval, d.Log)
	return s
}

// Hub returns the websocket stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /api/v1/accounts/connect", s.authed(s.handleConnect))
	mux.Handle("GET /api/v1/accounts", s.authed(s.handleListAccounts))
	mux.Handle("GET /api/v1/accounts/current", s.authed(s.handleCurrentAccount))
	mux.Handle("GET /api/v1/accounts/{id}", s.authed(s.handleGetAccount))
	mux.Handle("PUT /api/v1/accounts/{id}", s.authed(s.handleUpdateAccount))
	mux.Handle("DELETE /api/v1/accounts/{id}", s.authed(s.handleDeleteAccount))
	mux.Handle("POST /api/v1/accounts/{id}/switch", s.authed(s.handleSwitchAccount))
	mux.Handle("GET /api/v1/account/info", s.authed(s.handleAccountInfo))

	mux.Handle("GET /api/v1/market-data/{symbol}", s.authed(s.handleBars))
	mux.Handle("GET /api/v1/market-data/{symbol}/range", s.authed(s.handleRange))
	mux.Handle("GET /api/v1/symbols", s.authed(s.handleSymbols))
	mux.Handle("GET /api/v1/servers", s.authed(s.handleServers))

	mux.Handle("POST /api/v1/trades", s.authed(s.handlePlaceOrder))
	mux.Handle("GET /api/v1/trades/history", s.authed(s.handleHistory))
	mux.Handle("GET /api/v1/positions", s.authed(s.handlePositions))
	mux.Handle("DELETE /api/v1/positions/{ticket}", s.authed(s.handleClosePosition))

	mux.Handle("GET /api/v1/stream", s.authed(s.handleStream))
}

// Handler returns the API with CORS, request logging and metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.observe(s.cors(mux))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) allowedOrigin(origin string) string {
	if len(s.CORSOrigins) == 0 || slices.Contains(s.CORSOrigins, "*") {
		return "*"
	}
	if slices.Contains(s.CORSOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow := s.allowedOrigin(r.Header.Get("Origin")); allow != "" {
			w.Header().Set("Access-Control-Allow-Origin", allow)
			if allow != "*" {
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RequestDurations.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http request",
			"request_id", id, "method", r.Method, "path", r.URL.Path,
			"status", status, "duration", elapsed)
	})
}

// authed requires a valid bearer token. The stream also accepts ?token=
// because browsers cannot set headers on websocket upgrades.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" && r.URL.Path == "/api/v1/stream" {
			token = r.URL.Query().Get("token")
		}
		user, err := s.Verifier.Verify(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		h(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func userID(r *http.Request) string {
	u, _ := auth.UserFrom(r.Context())
	if u == nil {
		return ""
	}
	return u.ID
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var (
		loginErr     *domain.LoginError
		rejectErr    *engine.RejectError
		exhaustedErr *engine.ExhaustedError
	)
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrTerminalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.As(err, &loginErr),
		errors.As(err, &rejectErr),
		errors.As(err, &exhaustedErr),
		errors.Is(err, engine.ErrTradingDisabled),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNoAccount),
		errors.Is(err, domain.ErrMissingCredentials),
		errors.Is(err, domain.ErrLoginUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
	case http.StatusInternalServerError:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if errors.Is(err, domain.ErrNoAccount) {
		msg = domain.ErrNoAccount.Error()
	}
	writeError(w, status, msg)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return domain.Invalidf("invalid request body: %v", err)
	}
	return nil
}

// accountParam returns the optional account_id query parameter.
func accountParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("account_id"))
}
