// Package middleware puts the admission engine in front of HTTP handlers and
// gRPC services. What happens when the engine cannot decide is chosen here,
// per deployment, through FailureMode.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/policy"
)

// Admitter decides whether a request may proceed. *limiter.Engine implements it.
type Admitter interface {
	Check(ctx context.Context, id limiter.Identity, endpoint policy.EndpointType) (limiter.Result, error)
}

// FailureMode selects the behaviour when the admitter returns an error.
type FailureMode int

const (
	// FailOpen lets the request through without a verdict.
	FailOpen FailureMode = iota
	// FailClosed rejects the request (HTTP 503, gRPC Unavailable).
	FailClosed
)

func (m FailureMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailureMode accepts "open" or "closed".
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown failure mode %q, want open or closed", s)
	}
}

// Header names used to carry the caller identity.
const (
	HeaderUserID = "X-User-ID"
	HeaderRoleID = "X-Role-ID"
)

// Response headers describing the decision.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

// Option configures the HTTP middleware and the gRPC interceptor.
type Option func(*options)

type options struct {
	failure        FailureMode
	identify       func(r *http.Request) limiter.Identity
	classify       func(r *http.Request) policy.EndpointType
	classifyMethod func(fullMethod string) policy.EndpointType
}

func newOptions(opts []Option) *options {
	o := &options{
		failure:  FailOpen,
		identify: IdentityFromRequest,
		classify: ClassifyRoute,
		classifyMethod: func(fullMethod string) policy.EndpointType {
			return ClassifyName(path.Base(fullMethod))
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithFailureMode sets what happens when the admitter fails. Default FailOpen.
func WithFailureMode(m FailureMode) Option {
	return func(o *options) {
		o.failure = m
	}
}

// WithIdentityFunc replaces how the HTTP middleware derives the caller.
func WithIdentityFunc(f func(r *http.Request) limiter.Identity) Option {
	return func(o *options) {
		o.identify = f
	}
}

// WithClassifier replaces how the HTTP middleware picks the endpoint type.
func WithClassifier(f func(r *http.Request) policy.EndpointType) Option {
	return func(o *options) {
		o.classify = f
	}
}

// WithEndpoint classifies every request through this middleware as e, for
// routers that attach the middleware per route group.
func WithEndpoint(e policy.EndpointType) Option {
	return func(o *options) {
		o.classify = func(*http.Request) policy.EndpointType { return e }
		o.classifyMethod = func(string) policy.EndpointType { return e }
	}
}

// WithMethodClassifier replaces how the interceptor picks the endpoint type
// from the full gRPC method name.
func WithMethodClassifier(f func(fullMethod string) policy.EndpointType) Option {
	return func(o *options) {
		o.classifyMethod = f
	}
}

// ClassifyName maps a path or method name onto an endpoint type: names
// mentioning upload or report go to those categories, everything else is api.
func ClassifyName(name string) policy.EndpointType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "upload"):
		return policy.EndpointUpload
	case strings.Contains(n, "report"):
		return policy.EndpointReport
	default:
		return policy.EndpointAPI
	}
}

type resultKey struct{}

// WithResult returns a context carrying res.
func WithResult(ctx context.Context, res limiter.Result) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

// ResultFromContext returns the decision the middleware made for this request.
// ok is false when the request was let through without one (fail-open).
func ResultFromContext(ctx context.Context) (limiter.Result, bool) {
	res, ok := ctx.Value(resultKey{}).(limiter.Result)
	return res, ok
}
