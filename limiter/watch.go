package limiter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/policy"
	"github.com/toolink/admission/pubsub"
)

// RebuildPolicies reloads enabled policies into the engine's index. On
// failure the previous index keeps serving.
func (e *Engine) RebuildPolicies(ctx context.Context) error {
	if _, err := e.index.Rebuild(ctx, e.repo); err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	return nil
}

// PolicyCount returns the number of indexed policy keys.
func (e *Engine) PolicyCount() int {
	return e.index.Len()
}

// Watch rebuilds the index whenever a policy change is announced on b, so
// replicas that did not perform a mutation converge. It returns the
// subscription id for Unsubscribe.
func (e *Engine) Watch(ctx context.Context, b *pubsub.Broker) (string, error) {
	id, err := b.Subscribe(ctx, policy.ChangesTopic, func(ctx context.Context, m *pubsub.Message) {
		var c policy.Change
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			log.Warn().Err(err).Msg("undecodable policy change, rebuilding anyway")
		}

		rctx, cancel := context.WithTimeout(ctx, adminTimeout)
		defer cancel()
		if err := e.RebuildPolicies(rctx); err != nil {
			log.Error().Err(err).Str("policy_id", c.PolicyID).Msg("failed to rebuild policies after change")
			return
		}
		log.Debug().Str("policy_id", c.PolicyID).Str("kind", string(c.Kind)).Msg("policies rebuilt after change")
	})
	if err != nil {
		return "", fmt.Errorf("limiter: watch policy changes: %w", err)
	}
	log.Info().Str("subscription_id", id).Str("topic", policy.ChangesTopic).Msg("watching policy changes")
	return id, nil
}
