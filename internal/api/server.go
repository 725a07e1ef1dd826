package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kasperiio/api/internal/external"
	"github.com/kasperiio/api/internal/metrics"
	"github.com/kasperiio/api/internal/query"
	"github.com/kasperiio/api/internal/repository"
	"github.com/kasperiio/api/internal/syncer"
	"github.com/kasperiio/api/internal/timegrid"
)

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Syncer fills the cache before a read.
type Syncer interface {
	EnsureCached(ctx context.Context, start, end time.Time) error
}

// Store is the part of the cache the API reads directly.
type Store interface {
	Coverage(ctx context.Context) (timegrid.Range, error)
	CachedDays(ctx context.Context) ([]repository.DayCount, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Port         int
	APIKey       string
	CORSOrigin   string
	MaxRangeDays int
	Clock        func() time.Time
}

type Server struct {
	syncer     Syncer
	query      *query.Engine
	store      Store
	grid       *timegrid.Grid
	metrics    *metrics.Metrics
	httpServer *http.Server
	apiKey     string
	maxDays    int
	now        func() time.Time
	logger     *slog.Logger
}

func NewServer(s Syncer, q *query.Engine, store Store, m *metrics.Metrics, opts Options, logger *slog.Logger) *Server {
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = 7
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		syncer:  s,
		query:   q,
		store:   store,
		grid:    q.Grid(),
		metrics: m,
		apiKey:  opts.APIKey,
		maxDays: opts.MaxRangeDays,
		now:     opts.Clock,
		logger:  logger.With("component", "api"),
	}

	mux := http.NewServeMux()

	// Price routes
	mux.HandleFunc("GET /v1/electricity/price_at", srv.handlePriceAt)
	mux.HandleFunc("GET /v1/electricity/current_price", srv.handleCurrentPrice)
	mux.HandleFunc("GET /v1/electricity/cheapest_hours", srv.handleCheapestHours)
	mux.HandleFunc("GET /v1/electricity/days", srv.handleCachedDays)

	// No auth required
	mux.HandleFunc("GET /health", srv.handleHealth)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	handler := srv.authMiddleware(corsMiddleware(mux, opts.CORSOrigin))

	srv.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: handler,
		// Cold syncs over a week of data can take a while.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	return srv
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	fmt.Printf("[API] REST API server started on http://localhost%s\n", s.httpServer.Addr)
	fmt.Printf("[API] Health check: http://localhost%s/health\n", s.httpServer.Addr)
	if s.apiKey != "" {
		fmt.Println("[API] Authentication: enabled (Bearer token)")
	} else {
		fmt.Println("[API] Authentication: disabled (no API_KEY configured)")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse(timegrid.DateLayout, date)
	return err == nil
}

func parseAmount(r *http.Request, defaultAmount int) (int, error) {
	v := r.URL.Query().Get("amount")
	if v == "" {
		return defaultAmount, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 24 {
		return 0, errors.New("amount must be an integer between 1 and 24")
	}
	return n, nil
}

func parseBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrNoDataAvailable):
		return http.StatusNotFound
	case errors.Is(err, query.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, query.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, external.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, external.ErrProviderUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// ensure syncs [start, end). Prices that are not published yet are not a
// failure: the handler serves whatever the cache holds.
func (s *Server) ensure(ctx context.Context, start, end time.Time) error {
	err := s.syncer.EnsureCached(ctx, start, end)
	if errors.Is(err, syncer.ErrNotPublished) {
		s.logger.Debug("serving partial range", "detail", err.Error())
		return nil
	}
	return err
}

// clientGone reports whether the request context ended, in which case
// nothing should be written.
func clientGone(r *http.Request, err error) bool {
	return r.Context().Err() != nil && errors.Is(err, r.Context().Err())
}
