package paygate

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

const maxRequestBody = 1 << 20

// AuthorityServer exposes an Authority over HTTP. Routes:
//
//	POST   /intercepted          submit a held flow
//	GET    /requests             list pending flows
//	DELETE /requests/{id}        withdraw a pending flow
//	POST   /decision             record a reviewer verdict
//	GET    /decision/{id}        non-blocking verdict lookup
//	GET    /wait_decision/{id}   block until decided or the wait window ends
//	GET    /events               websocket feed of authority events
//	GET    /health               liveness, no API key required
//	GET    /metrics              Prometheus metrics, when Metrics is set
type AuthorityServer struct {
	Authority *Authority

	// APIKeys accepted in the X-API-Key header. Empty disables authentication.
	APIKeys []string

	// WaitWindow caps a single wait_decision call (default 30s).
	WaitWindow time.Duration

	// IntakeLimiter throttles POST /intercepted per client (optional).
	IntakeLimiter *RateLimiter

	// Compression for JSON responses (optional).
	Compression *CompressionConfig

	Logger  *slog.Logger
	Metrics *AuthorityMetrics

	startTime time.Time
}

// NewAuthorityServer creates a server for a.
func NewAuthorityServer(a *Authority) *AuthorityServer {
	return &AuthorityServer{
		Authority:  a,
		WaitWindow: DefaultWaitWindow,
		Logger:     slog.Default(),
		startTime:  time.Now(),
	}
}

// ---- Wire types ----

// IntakeResponse is returned by POST /intercepted.
type IntakeResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// PendingItem is one element of GET /requests.
type PendingItem struct {
	ID      string      `json:"id"`
	Details *Descriptor `json:"details"`
}

// DecisionRequest is the body of POST /decision.
type DecisionRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// DecisionResponse is returned by POST /decision.
type DecisionResponse struct {
	Status   string   `json:"status"`
	Decision Decision `json:"decision,omitempty"`
}

// DecisionStatus is returned by the decision lookup endpoints.
type DecisionStatus struct {
	Decision *Decision `json:"decision"`
}

// AuthorityHealth is returned by GET /health.
type AuthorityHealth struct {
	Status  string  `json:"status"`
	Uptime  float64 `json:"uptime"`
	Version string  `json:"version"`
}

// ErrorResponse is returned for error conditions. Decision is set on
// wait expiry so clients can fail closed without parsing the error.
type ErrorResponse struct {
	Error    string    `json:"error"`
	Decision *Decision `json:"decision,omitempty"`
}

// Handler builds the router.
func (s *AuthorityServer) Handler() http.Handler {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			if s.Compression != nil {
				cfg := *s.Compression
				r.Use(func(next http.Handler) http.Handler {
					return &CompressHandler{Handler: next, Config: cfg}
				})
			}
			r.Use(middleware.SetHeader("Content-Type", "application/json"))

			r.With(s.limitIntake).Post("/intercepted", s.handleIntake)
			r.Get("/requests", s.handleListPending)
			r.Delete("/requests/{id}", s.handleCancel)
			r.Post("/decision", s.handleDecide)
			r.Get("/decision/{id}", s.handleGetDecision)
			r.Get("/wait_decision/{id}", s.handleWaitDecision)
		})
	})

	return r
}

func (s *AuthorityServer) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(APIKeyHeader)
		for _, k := range s.APIKeys {
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.Logger.Warn("rejected request with invalid api key", "path", r.URL.Path, "remote", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
	})
}

func (s *AuthorityServer) limitIntake(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IntakeLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.IntakeLimiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- Handlers ----

func (s *AuthorityServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusOK, AuthorityHealth{
		Status:  "healthy",
		Uptime:  time.Since(s.startTime).Seconds(),
		Version: Version,
	})
}

func (s *AuthorityServer) handleIntake(w http.ResponseWriter, r *http.Request) {
	var d Descriptor
	if err := s.decode(w, r, &d); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if _, err := s.Authority.Intake(&d); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, IntakeResponse{Status: "waiting", ID: d.ID})
}

func (s *AuthorityServer) handleListPending(w http.ResponseWriter, _ *http.Request) {
	pending := s.Authority.ListPending()
	items := make([]PendingItem, len(pending))
	for i, d := range pending {
		items[i] = PendingItem{ID: d.ID, Details: d}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *AuthorityServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Authority.Cancel(id) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	if _, ok := s.Authority.Get(id); ok {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "decided"})
		return
	}
	s.writeError(w, http.StatusNotFound, "request not found")
}

func (s *AuthorityServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" || req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "missing id or action")
		return
	}
	dec, err := ParseDecision(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	effective, _, err := s.Authority.Decide(req.ID, dec)
	if errors.Is(err, ErrUnknownFlow) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, DecisionResponse{Status: "received", Decision: effective})
}

func (s *AuthorityServer) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.Authority.GetDecision(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	s.writeJSON(w, http.StatusOK, DecisionStatus{Decision: d})
}

func (s *AuthorityServer) handleWaitDecision(w http.ResponseWriter, r *http.Request) {
	window := s.waitWindow(r.URL.Query().Get("timeout"))

	d, err := s.Authority.WaitDecision(r.Context(), chi.URLParam(r, "id"), window)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, DecisionStatus{Decision: &d})
	case errors.Is(err, ErrUnknownFlow):
		s.writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, ErrWaitTimeout):
		deny := Deny
		s.writeJSON(w, http.StatusRequestTimeout, ErrorResponse{Error: "timeout", Decision: &deny})
	default:
		// client went away; nobody is listening
		s.Logger.Debug("wait aborted", "error", err)
	}
}

// waitWindow parses the optional timeout parameter, either a Go duration
// or whole seconds, capped at WaitWindow.
func (s *AuthorityServer) waitWindow(param string) time.Duration {
	max := s.WaitWindow
	if max <= 0 {
		max = DefaultWaitWindow
	}
	if param == "" {
		return max
	}
	d, err := time.ParseDuration(param)
	if err != nil {
		secs, serr := strconv.ParseFloat(strings.TrimSpace(param), 64)
		if serr != nil {
			return max
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 || d > max {
		return max
	}
	return d
}

// ---- Helpers ----

func (s *AuthorityServer) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	return dec.Decode(v)
}

func (s *AuthorityServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("encode response", "error", err)
	}
}

func (s *AuthorityServer) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
