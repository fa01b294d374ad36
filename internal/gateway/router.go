package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"credproxy/internal/agent"
	"credproxy/internal/clock"
	"credproxy/internal/service"
	"credproxy/internal/session"
	"credproxy/internal/user"
)

// Server wires the gateway's HTTP surface: the /auth control-plane
// endpoints plus the /api/{service}/{path} proxy.
type Server struct {
	clock      clock.Clock
	log        zerolog.Logger
	users      *user.Registry
	agents     *agent.Registry
	sessions   *session.Registry
	services   *service.Registry
	pipeline   *Pipeline
	sessionTTL time.Duration
}

// NewServer builds a Server.
func NewServer(
	clk clock.Clock,
	log zerolog.Logger,
	users *user.Registry,
	agents *agent.Registry,
	sessions *session.Registry,
	services *service.Registry,
	pipeline *Pipeline,
	sessionTTL time.Duration,
) *Server {
	return &Server{
		clock:      clk,
		log:        log,
		users:      users,
		agents:     agents,
		sessions:   sessions,
		services:   services,
		pipeline:   pipeline,
		sessionTTL: sessionTTL,
	}
}

// Router builds the mux.Router serving every route the gateway exposes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/agent", s.handleCreateAgent).Methods(http.MethodPost)
	r.HandleFunc("/auth/agent/{id}", s.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/auth/agent/{id}/rotate", s.handleRotateAgent).Methods(http.MethodPost)
	r.HandleFunc("/auth/agent/{id}/services", s.handleGrantService).Methods(http.MethodPost)
	r.HandleFunc("/auth/agent/{id}/services/{svc}", s.handleRevokeService).Methods(http.MethodDelete)
	r.HandleFunc("/auth/services", s.handleListServices).Methods(http.MethodGet)

	r.PathPrefix("/api/{service}/").HandlerFunc(s.handleProxy)
	r.HandleFunc("/api/{service}", s.handleProxy)

	return r
}

// loggingMiddleware emits one structured line per request, never including
// session ids, tokens, or ciphertext.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		next.ServeHTTP(w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", s.clock.Now().Sub(start)).
			Msg("request handled")
	})
}

func writeJSONError(w http.ResponseWriter, gerr *Error) {
	if gerr.Kind == KindRateLimitExceeded && gerr.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(gerr.RetryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.Kind.Status())
	writeJSON(w, map[string]string{"error": string(gerr.Kind), "message": gerr.Message})
}
