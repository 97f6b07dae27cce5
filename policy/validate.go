package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("policy: validation failed")

// Violation is one broken field rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every rule a policy input violates.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Field+": "+v.Message)
	}
	return "policy: invalid input: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Has reports whether field is among the violations.
func (e *ValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

// Validate checks p against the administrative rules and returns a
// *ValidationError carrying all violations, or nil.
func Validate(p Policy) error {
	var vs []Violation
	add := func(field, format string, args ...any) {
		vs = append(vs, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(p.Name) == "" {
		add("name", "is required")
	}
	if p.RequestsPerMinute <= 0 {
		add("requests_per_minute", "must be greater than 0, got %d", p.RequestsPerMinute)
	}
	if p.BurstCapacity < 0 {
		add("burst_capacity", "must not be negative, got %d", p.BurstCapacity)
	} else if p.RequestsPerMinute > 0 && p.BurstCapacity > p.RequestsPerMinute {
		add("burst_capacity", "must not exceed requests_per_minute (%d), got %d", p.RequestsPerMinute, p.BurstCapacity)
	}
	if p.RetryAfterSeconds < MinRetryAfterSeconds || p.RetryAfterSeconds > MaxRetryAfterSeconds {
		add("retry_after_seconds", "must be between %d and %d, got %d", MinRetryAfterSeconds, MaxRetryAfterSeconds, p.RetryAfterSeconds)
	}
	if !validAudiences[p.AppliesTo] {
		add("applies_to", "must be one of authenticated, anonymous, role; got %q", p.AppliesTo)
	}
	if p.AppliesTo == AudienceRole && strings.TrimSpace(p.RoleID) == "" {
		add("role_id", "is required when applies_to is role")
	}
	if !validEndpoints[p.EndpointType] {
		add("endpoint_type", "must be one of api, upload, report, all; got %q", p.EndpointType)
	}

	if len(vs) == 0 {
		return nil
	}
	return &ValidationError{Violations: vs}
}
