package limiter

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/policy"
)

// EndpointStatus describes one bucket of an identity.
type EndpointStatus struct {
	EndpointType   policy.EndpointType `json:"endpoint_type"`
	PolicyID       string              `json:"policy_id"`
	RequestsUsed   int                 `json:"requests_used"`
	RequestsLimit  int                 `json:"requests_limit"`
	ResetAt        time.Time           `json:"reset_at"`
	BurstRemaining int                 `json:"burst_remaining"`
}

// StatusReport is the read-only view of every bucket of an identity.
type StatusReport struct {
	Identity  string           `json:"identity"`
	At        time.Time        `json:"at"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

// Status reports each known endpoint category of id. Refill is applied in
// memory only; nothing is written back.
func (e *Engine) Status(ctx context.Context, id Identity) (StatusReport, error) {
	if _, err := IdentityPrefix(id); err != nil {
		return StatusReport{}, err
	}

	now := e.clock.Now()
	report := StatusReport{
		Identity:  id.String(),
		At:        now,
		Endpoints: make([]EndpointStatus, 0, len(e.endpoints)),
	}

	sctx, cancel := e.storeContext(ctx, adminTimeout)
	defer cancel()

	for _, endpoint := range e.endpoints {
		key, err := BucketKey(id, endpoint)
		if err != nil {
			return StatusReport{}, err
		}
		p := e.Resolve(id, endpoint)
		if err := checkShape(p); err != nil {
			return StatusReport{}, err
		}

		st, found, err := e.store.Load(sctx, key)
		if err != nil {
			return StatusReport{}, storeFailure("load", key, err)
		}
		if !found {
			st = State{Tokens: p.BurstCapacity, LastRefill: now}
		}
		st = refill(st, p.RequestsPerMinute, p.BurstCapacity, now)

		report.Endpoints = append(report.Endpoints, EndpointStatus{
			EndpointType:   endpoint,
			PolicyID:       p.ID,
			RequestsUsed:   p.BurstCapacity - st.Tokens,
			RequestsLimit:  p.RequestsPerMinute,
			ResetAt:        fullAt(st, p.RequestsPerMinute, p.BurstCapacity),
			BurstRemaining: st.Tokens,
		})
	}
	return report, nil
}

// Reset deletes every bucket of id so its next check starts full.
func (e *Engine) Reset(ctx context.Context, id Identity) (int64, error) {
	prefix, err := IdentityPrefix(id)
	if err != nil {
		return 0, err
	}

	sctx, cancel := e.storeContext(ctx, adminTimeout)
	defer cancel()

	n, err := e.store.DeletePrefix(sctx, prefix)
	if err != nil {
		return n, storeFailure("delete_prefix", prefix, err)
	}
	log.Info().Str("identity", id.String()).Int64("buckets", n).Msg("rate limits reset")
	return n, nil
}
