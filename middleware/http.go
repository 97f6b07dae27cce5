package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/policy"
)

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// HTTP returns middleware that checks every request against a. Denied
// requests get 429 with Retry-After; admitted ones carry the decision in
// their context (see ResultFromContext).
func HTTP(a Admitter, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := o.identify(r)
			endpoint := o.classify(r)

			res, err := a.Check(r.Context(), id, endpoint)
			if err != nil {
				l := log.With().Err(err).Str("identity", id.String()).Str("endpoint", string(endpoint)).Str("mode", o.failure.String()).Logger()
				if o.failure == FailOpen {
					l.Warn().Msg("admission check failed, letting request through")
					next.ServeHTTP(w, r)
					return
				}
				l.Error().Msg("admission check failed, rejecting request")
				code := http.StatusInternalServerError
				if errors.Is(err, limiter.ErrStoreUnavailable) {
					code = http.StatusServiceUnavailable
				}
				writeJSON(w, code, errorBody{Error: "admission_unavailable", Message: http.StatusText(code)})
				return
			}

			WriteHeaders(w.Header(), res)
			if !res.Allowed {
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error:             "rate_limited",
					Message:           "too many requests, retry later",
					RetryAfterSeconds: res.RetryAfterSeconds,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		})
	}
}

// ClassifyRoute classifies by the chi route pattern once the router has
// resolved one (middleware mounted inside a route group), otherwise by the URL path.
func ClassifyRoute(r *http.Request) policy.EndpointType {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return ClassifyName(pattern)
		}
	}
	return ClassifyName(r.URL.Path)
}

// WriteHeaders sets the rate-limit response headers for res.
func WriteHeaders(h http.Header, res limiter.Result) {
	h.Set(HeaderLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(res.TokensRemaining))
	if !res.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(res.RetryAfterSeconds))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response body")
	}
}
