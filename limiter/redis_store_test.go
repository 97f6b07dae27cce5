package limiter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolink/admission/clock"
	"github.com/toolink/admission/internal/redistest"
	"github.com/toolink/admission/policy"
)

func TestRedisStore_SaveLoad(t *testing.T) {
	client := redistest.New(t)
	s := NewRedisStore(client)

	key := "rate_limit:user:7:endpoint:api"
	if _, found, err := s.Load(ctx, key); err != nil || found {
		t.Fatalf("Load(absent) = %v, %v", found, err)
	}

	want := State{Tokens: 4, LastRefill: epoch}
	if err := s.Save(ctx, key, want, time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, found, err := s.Load(ctx, key)
	if err != nil || !found {
		t.Fatalf("Load() = %v, %v", found, err)
	}
	if got.Tokens != 4 || !got.LastRefill.Equal(epoch) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	raw, _ := client.Get(ctx, key).Result()
	if want := fmt.Sprintf(`{"tokens":4,"last_refill":%d}`, epoch.UnixMilli()); raw != want {
		t.Errorf("stored value = %s, want %s", raw, want)
	}
	if ttl := client.TTL(ctx, key).Val(); ttl <= 0 || ttl > time.Hour {
		t.Errorf("ttl = %s, want within (0, 1h]", ttl)
	}

	client.Set(ctx, "rate_limit:user:8:endpoint:api", "not json", time.Hour)
	if _, found, err := s.Load(ctx, "rate_limit:user:8:endpoint:api"); err != nil || found {
		t.Errorf("Load(corrupt) = %v, %v; want absent", found, err)
	}
}

func TestRedisStore_DeletePrefix(t *testing.T) {
	client := redistest.New(t)
	s := NewRedisStore(client)
	s.scanCount = 2 // force several SCAN pages

	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("rate_limit:user:9:endpoint:e%d", i)
		if err := s.Save(ctx, key, State{LastRefill: epoch}, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.Save(ctx, "rate_limit:user:99:endpoint:api", State{LastRefill: epoch}, time.Hour)

	n, err := s.DeletePrefix(ctx, "rate_limit:user:9:")
	if err != nil || n != 7 {
		t.Fatalf("DeletePrefix() = %d, %v; want 7", n, err)
	}
	if left := client.DBSize(ctx).Val(); left != 1 {
		t.Errorf("keys left = %d, want 1", left)
	}
}

func TestRedisStore_EngineAtomic(t *testing.T) {
	client := redistest.New(t)
	repo := policy.NewMemoryRepository()
	if err := repo.Create(ctx, apiPolicy("api", 60, 10, 60)); err != nil {
		t.Fatal(err)
	}
	clk := clock.NewVirtual(epoch)
	engine, err := NewEngine(ctx, repo, NewRedisStore(client), WithClock(clk), WithAtomic(), WithStoreTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Check(ctx, user, policy.EndpointAPI)
			if err != nil {
				t.Errorf("Check() error = %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 10 {
		t.Errorf("admitted %d, want 10", got)
	}

	res, err := engine.Check(ctx, user, policy.EndpointAPI)
	if err != nil || res.Allowed || res.RetryAfterSeconds != 60 {
		t.Errorf("Check() on empty bucket = %+v, %v", res, err)
	}

	clk.Advance(time.Minute)
	res, err = engine.Check(ctx, user, policy.EndpointAPI)
	if err != nil || !res.Allowed || res.TokensRemaining != 9 {
		t.Errorf("Check() after refill = %+v, %v", res, err)
	}

	// the script and the best-effort path share one value format
	st, found, err := NewRedisStore(client).Load(ctx, "rate_limit:user:42:endpoint:api")
	if err != nil || !found || st.Tokens != 9 || !st.LastRefill.Equal(clk.Now()) {
		t.Errorf("Load() after script = %+v, %v, %v", st, found, err)
	}

	n, err := engine.Reset(ctx, user)
	if err != nil || n != 1 {
		t.Errorf("Reset() = %d, %v; want 1", n, err)
	}
}
