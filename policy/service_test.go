package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolink/admission/pubsub"
)

var ctx = context.Background()

// indexRebuilder rebuilds an Index from a repository, counting calls.
type indexRebuilder struct {
	ix    *Index
	repo  Repository
	calls int
}

func (r *indexRebuilder) RebuildPolicies(ctx context.Context) error {
	r.calls++
	_, err := r.ix.Rebuild(ctx, r.repo)
	return err
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *indexRebuilder) {
	t.Helper()
	repo := NewMemoryRepository()
	rb := &indexRebuilder{ix: NewIndex(DefaultLimits()), repo: repo}
	return NewService(repo, rb, opts...), rb
}

func apiInput() Input {
	return Input{
		Name:              "authenticated api",
		RequestsPerMinute: 60,
		BurstCapacity:     10,
		AppliesTo:         AudienceAuthenticated,
		EndpointType:      EndpointAPI,
		RetryAfterSeconds: 60,
	}
}

func TestService_CreateRebuildsIndex(t *testing.T) {
	svc, rb := newTestService(t)

	p, err := svc.Create(ctx, apiInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.ID == "" || !p.Enabled {
		t.Errorf("Create() = %+v, want id assigned and enabled", p)
	}
	if rb.calls != 1 {
		t.Errorf("rebuilds = %d, want 1", rb.calls)
	}
	if got := rb.ix.Resolve(true, "", EndpointAPI).ID; got != p.ID {
		t.Errorf("Resolve() = %q, want %q", got, p.ID)
	}
}

func TestService_CreateRoleWithoutRoleID(t *testing.T) {
	svc, rb := newTestService(t)

	in := apiInput()
	in.AppliesTo = AudienceRole
	_, err := svc.Create(ctx, in)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create() error = %v, want *ValidationError", err)
	}
	if !verr.Has("role_id") {
		t.Errorf("violations %+v do not mention role_id", verr.Violations)
	}
	if rb.calls != 0 {
		t.Errorf("rebuilds = %d, want 0 after validation failure", rb.calls)
	}
}

func TestService_UpdateAndDisable(t *testing.T) {
	svc, rb := newTestService(t)
	p, err := svc.Create(ctx, apiInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rpm := 120
	updated, err := svc.Update(ctx, p.ID, Patch{RequestsPerMinute: &rpm})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.RequestsPerMinute != 120 || updated.CreatedAt != p.CreatedAt {
		t.Errorf("Update() = %+v", updated)
	}
	if got := rb.ix.Resolve(true, "", EndpointAPI).RequestsPerMinute; got != 120 {
		t.Errorf("indexed rpm = %d, want 120", got)
	}

	disabled := false
	if _, err := svc.Update(ctx, p.ID, Patch{Enabled: &disabled}); err != nil {
		t.Fatalf("Update(disable) error = %v", err)
	}
	if got := rb.ix.Resolve(true, "", EndpointAPI); !got.IsDefault() {
		t.Errorf("Resolve() after disable = %q, want default", got.ID)
	}
}

func TestService_UpdateInvalidPatch(t *testing.T) {
	svc, _ := newTestService(t)
	p, err := svc.Create(ctx, apiInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	burst := 500
	_, err = svc.Update(ctx, p.ID, Patch{BurstCapacity: &burst})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Update() error = %v, want validation error", err)
	}
	got, _ := svc.Get(ctx, p.ID)
	if got.BurstCapacity != 10 {
		t.Errorf("stored burst = %d, want unchanged 10", got.BurstCapacity)
	}
}

func TestService_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	name := "x"
	if _, err := svc.Update(ctx, "missing", Patch{Name: &name}); !IsNotFound(err) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestService_DeleteFallsBackToAll(t *testing.T) {
	svc, rb := newTestService(t)

	all := apiInput()
	all.Name = "authenticated all"
	all.EndpointType = EndpointAll
	allPolicy, err := svc.Create(ctx, all)
	if err != nil {
		t.Fatalf("Create(all) error = %v", err)
	}
	reportIn := apiInput()
	reportIn.EndpointType = EndpointReport
	report, err := svc.Create(ctx, reportIn)
	if err != nil {
		t.Fatalf("Create(report) error = %v", err)
	}

	if got := rb.ix.Resolve(true, "", EndpointReport).ID; got != report.ID {
		t.Errorf("Resolve(report) = %q, want %q", got, report.ID)
	}
	if err := svc.Delete(ctx, report.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := rb.ix.Resolve(true, "", EndpointReport).ID; got != allPolicy.ID {
		t.Errorf("Resolve(report) after delete = %q, want %q", got, allPolicy.ID)
	}
}

func TestService_ListFilter(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Create(ctx, apiInput()); err != nil {
		t.Fatal(err)
	}
	anon := apiInput()
	anon.AppliesTo = AudienceAnonymous
	if _, err := svc.Create(ctx, anon); err != nil {
		t.Fatal(err)
	}

	all, err := svc.List(ctx, Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("List() = %d, %v; want 2 policies", len(all), err)
	}
	onlyAnon, err := svc.List(ctx, Filter{Audience: AudienceAnonymous})
	if err != nil || len(onlyAnon) != 1 || onlyAnon[0].AppliesTo != AudienceAnonymous {
		t.Errorf("List(anonymous) = %+v, %v", onlyAnon, err)
	}
	if _, err := svc.List(ctx, Filter{Audience: "robots"}); !errors.Is(err, ErrValidation) {
		t.Errorf("List(robots) error = %v, want validation error", err)
	}
}

func TestService_AnnouncesChanges(t *testing.T) {
	broker := pubsub.New()
	defer broker.Close()

	changes := make(chan Change, 4)
	_, err := broker.Subscribe(ctx, ChangesTopic, func(_ context.Context, m *pubsub.Message) {
		var c Change
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			t.Errorf("decode change: %v", err)
			return
		}
		changes <- c
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	svc, _ := newTestService(t, WithBroker(broker))
	p, err := svc.Create(ctx, apiInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, want := range []ChangeKind{ChangeCreated, ChangeDeleted} {
		select {
		case c := <-changes:
			if c.Kind != want || c.PolicyID != p.ID {
				t.Errorf("change = %+v, want %s of %s", c, want, p.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s change received", want)
		}
	}
}

func TestService_SeedFromFile(t *testing.T) {
	svc, rb := newTestService(t)

	inputs := []Input{apiInput(), {Name: "broken"}}
	data, _ := json.Marshal(inputs)
	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	n, err := svc.Seed(ctx, loaded)
	if n != 1 {
		t.Errorf("Seed() created %d, want 1", n)
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Seed() error = %v, want joined validation error", err)
	}
	if rb.ix.Len() != 1 {
		t.Errorf("index size = %d, want 1", rb.ix.Len())
	}

	n, err = svc.Seed(ctx, loaded)
	if n != 0 || err != nil {
		t.Errorf("second Seed() = %d, %v; want no-op", n, err)
	}
}
