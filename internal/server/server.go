// Package server is the HTTP admission sidecar run by "admission serve".
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/middleware"
	"github.com/toolink/admission/policy"
)

// Admission is the engine surface the server exposes.
type Admission interface {
	Check(ctx context.Context, id limiter.Identity, endpoint policy.EndpointType) (limiter.Result, error)
	CheckN(ctx context.Context, id limiter.Identity, endpoint policy.EndpointType, n int) (limiter.Result, error)
	Status(ctx context.Context, id limiter.Identity) (limiter.StatusReport, error)
	Reset(ctx context.Context, id limiter.Identity) (int64, error)
	PolicyCount() int
}

// Options tune a Server.
type Options struct {
	// FailureMode applies to /v1/authz when the store is unreachable.
	FailureMode middleware.FailureMode
	// Ping reports backend health on /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error
}

// Server serves admission decisions over HTTP.
type Server struct {
	httpServer *http.Server
	admission  Admission
	opts       Options
	router     chi.Router
}

// New creates a server listening on addr.
func New(addr string, a Admission, opts Options) *Server {
	s := &Server{
		admission: a,
		opts:      opts,
		router:    chi.NewRouter(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/check", s.handleCheck)
		r.Get("/status", s.handleStatus)
		r.Delete("/limits", s.handleReset)

		// Forward-auth for a fronting proxy: the original URI picks the endpoint category.
		r.With(middleware.HTTP(s.admission,
			middleware.WithFailureMode(s.opts.FailureMode),
			middleware.WithClassifier(classifyForwarded),
		)).Get("/authz", s.handleAuthz)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"policies": s.admission.PolicyCount(),
	})
}

type checkResponse struct {
	limiter.Result
	PolicyID string `json:"policy_id"`
}

// handleCheck decides one request. Identity comes from the user_id, ip and
// role_id query parameters, or from the request itself when none are given.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := queryIdentity(r)

	endpoint := policy.EndpointAPI
	if v := q.Get("endpoint"); v != "" {
		endpoint = policy.EndpointType(v)
	}
	cost := 1
	if v := q.Get("cost"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cost: "+v)
			return
		}
		cost = n
	}

	res, err := s.admission.CheckN(r.Context(), id, endpoint, cost)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	middleware.WriteHeaders(w.Header(), res)
	code := http.StatusOK
	if !res.Allowed {
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, checkResponse{Result: res, PolicyID: res.Policy.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.admission.Status(r.Context(), queryIdentity(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := queryIdentity(r)
	n, err := s.admission.Reset(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": id.String(),
		"deleted":  n,
	})
}

func (s *Server) handleAuthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// classifyForwarded classifies by X-Forwarded-Uri (or X-Original-URI) when a
// proxy supplies one.
func classifyForwarded(r *http.Request) policy.EndpointType {
	for _, h := range []string{"X-Forwarded-Uri", "X-Original-URI"} {
		if v := r.Header.Get(h); v != "" {
			return middleware.ClassifyName(v)
		}
	}
	return middleware.ClassifyName(r.URL.Path)
}

func queryIdentity(r *http.Request) limiter.Identity {
	q := r.URL.Query()
	if q.Get("user_id") == "" && q.Get("ip") == "" {
		return middleware.IdentityFromRequest(r)
	}
	return limiter.Identity{
		UserID: q.Get("user_id"),
		IP:     q.Get("ip"),
		RoleID: q.Get("role_id"),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, limiter.ErrNoIdentity),
		errors.Is(err, limiter.ErrInvalidCost),
		errors.Is(err, limiter.ErrUnknownEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, limiter.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response body")
	}
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln and blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("admission server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
