package limiter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/toolink/admission/clock"
	"github.com/toolink/admission/policy"
	"github.com/toolink/admission/pubsub"
)

func TestMemoryStore_ExpiryAndSweep(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	s := NewMemoryStore(WithMemoryClock(clk), WithCleanupInterval(0))
	defer s.Close()

	if err := s.Save(ctx, "a", State{Tokens: 3, LastRefill: epoch}, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "b", State{Tokens: 1, LastRefill: epoch}, time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	clk.Advance(30 * time.Second)
	if st, ok, _ := s.Load(ctx, "a"); !ok || st.Tokens != 3 {
		t.Errorf("Load(a) = %+v, %v before expiry", st, ok)
	}

	// saving again slides the expiration
	if err := s.Save(ctx, "a", State{Tokens: 2, LastRefill: clk.Now()}, time.Minute); err != nil {
		t.Fatal(err)
	}
	clk.Advance(45 * time.Second)
	if _, ok, _ := s.Load(ctx, "a"); !ok {
		t.Error("Load(a) missing after sliding ttl")
	}

	clk.Advance(time.Minute)
	if n := s.sweep(); n != 1 {
		t.Errorf("sweep() = %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestMemoryStore_DeletePrefix(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(0))
	defer s.Close()

	for _, k := range []string{
		"rate_limit:ip:10.0.0.1:endpoint:api",
		"rate_limit:ip:10.0.0.1:endpoint:report",
		"rate_limit:ip:10.0.0.10:endpoint:api",
	} {
		if err := s.Save(ctx, k, State{}, time.Hour); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeletePrefix(ctx, "rate_limit:ip:10.0.0.1:")
	if err != nil || n != 2 {
		t.Errorf("DeletePrefix() = %d, %v; want 2", n, err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestMemoryStore_JanitorStops(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(time.Millisecond))
	if err := s.Save(ctx, "k", State{}, time.Nanosecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("janitor did not sweep the expired entry")
	}

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() did not return")
	}
}

func TestEngine_WatchRebuildsOnChange(t *testing.T) {
	f := newFixture(t, nil)
	broker := pubsub.New()
	defer broker.Close()

	if _, err := f.engine.Watch(ctx, broker); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// another replica wrote the policy
	if err := f.repo.Create(ctx, apiPolicy("api", 60, 10, 60)); err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(policy.Change{Kind: policy.ChangeCreated, PolicyID: "api", At: epoch})
	if err := broker.Publish(context.Background(), policy.ChangesTopic, payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.engine.PolicyCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.engine.Resolve(user, policy.EndpointAPI).ID; got != "api" {
		t.Errorf("Resolve() after change = %q, want api", got)
	}
}
