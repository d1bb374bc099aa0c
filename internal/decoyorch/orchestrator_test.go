package decoyorch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/squirrelops/homesensor/internal/credential"
	"github.com/squirrelops/homesensor/internal/eventbus"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/internal/scan"
	"github.com/squirrelops/homesensor/internal/store"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

// eventRecorder captures every event published on a real in-memory bus,
// so tests can assert on topics without hand-rolling a fake EventBus.
type eventRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *eventRecorder) record(_ context.Context, e plugin.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, e.Topic)
}

func (r *eventRecorder) has(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, o ops.Ops) (*Manager, *Store, *eventRecorder) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := db.Migrate(context.Background(), "decoyorch", Migrations()); err != nil {
		t.Fatalf("migrate decoyorch: %v", err)
	}
	if err := db.Migrate(context.Background(), "eventbus", eventbus.Migrations()); err != nil {
		t.Fatalf("migrate eventbus: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db.DB())
	bus := eventbus.New(db.DB(), zap.NewNop())
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	gen := credential.NewGenerator("sensor.example.internal")
	mgr := New(s, o, bus, gen, nil, Config{MaxDecoys: 3, BindAddress: "127.0.0.1"})
	return mgr, s, rec
}

func TestSelect_PrefersDevServerOnDevPorts(t *testing.T) {
	mgr, _, _ := newTestManager(t, ops.NewFake())
	candidates := mgr.Select([]scan.DiscoveredService{{IP: "10.0.0.5", Port: 3000}}, nil)
	if len(candidates) == 0 || candidates[0] != models.DecoyDevServer {
		t.Fatalf("Select = %v, want dev_server first", candidates)
	}
}

func TestSelect_FallsBackToFileShareWhenNothingDetected(t *testing.T) {
	mgr, _, _ := newTestManager(t, ops.NewFake())
	candidates := mgr.Select(nil, nil)
	if len(candidates) != 1 || candidates[0] != models.DecoyFileShare {
		t.Fatalf("Select = %v, want [file_share]", candidates)
	}
}

func TestSelect_ZeroMaxDecoysYieldsNoCandidates(t *testing.T) {
	mgr, _, _ := newTestManager(t, ops.NewFake())
	mgr.maxDecoys = 0
	if got := mgr.Select([]scan.DiscoveredService{{IP: "10.0.0.5", Port: 8123}}, nil); got != nil {
		t.Fatalf("Select = %v, want nil", got)
	}
}

func TestAutoDeploy_DeploysAndPersistsDecoyWithCredentials(t *testing.T) {
	mgr, s, rec := newTestManager(t, ops.NewFake())
	ctx := context.Background()

	if err := mgr.AutoDeploy(ctx, []scan.DiscoveredService{{IP: "10.0.0.5", Port: 445}}); err != nil {
		t.Fatalf("AutoDeploy: %v", err)
	}

	decoys, _, err := s.AllDecoys(ctx)
	if err != nil {
		t.Fatalf("AllDecoys: %v", err)
	}
	if len(decoys) != 1 {
		t.Fatalf("expected 1 decoy, got %d", len(decoys))
	}
	if decoys[0].Status != models.DecoyStatusActive {
		t.Errorf("status = %q, want active", decoys[0].Status)
	}
	if decoys[0].Port == 0 {
		t.Error("expected OS-assigned port to be persisted")
	}

	creds, err := s.CredentialsForDecoy(ctx, decoys[0].ID)
	if err != nil {
		t.Fatalf("CredentialsForDecoy: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 planted credentials for file_share, got %d", len(creds))
	}

	if !rec.has(models.TopicDecoyStatusChanged) {
		t.Error("expected a decoy.status_changed event")
	}

	if err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestResumeActive_RebuildsActiveDecoys(t *testing.T) {
	mgr, s, _ := newTestManager(t, ops.NewFake())
	ctx := context.Background()

	if err := mgr.AutoDeploy(ctx, []scan.DiscoveredService{{IP: "10.0.0.5", Port: 8080}}); err != nil {
		t.Fatalf("AutoDeploy: %v", err)
	}
	if err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	gen := credential.NewGenerator("sensor.example.internal")
	mgr2 := New(s, ops.NewFake(), nil, gen, nil, Config{MaxDecoys: 3, BindAddress: "127.0.0.1"})
	if err := mgr2.ResumeActive(ctx); err != nil {
		t.Fatalf("ResumeActive: %v", err)
	}

	mgr2.mu.Lock()
	n := len(mgr2.active)
	mgr2.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 resumed decoy, got %d", n)
	}
}

func TestRecordHealthFailure_DegradesAfterThreeFailuresWithinWindow(t *testing.T) {
	mgr, _, rec := newTestManager(t, ops.NewFake())
	ctx := context.Background()

	if err := mgr.AutoDeploy(ctx, nil); err != nil {
		t.Fatalf("AutoDeploy: %v", err)
	}

	id := onlyActiveID(t, mgr)

	mgr.recordHealthFailure(ctx, id)
	mgr.recordHealthFailure(ctx, id)
	mgr.mu.Lock()
	degradedSoFar := mgr.active[id].degraded
	mgr.mu.Unlock()
	if degradedSoFar {
		t.Fatal("should not degrade after only 2 failures")
	}

	mgr.recordHealthFailure(ctx, id)
	mgr.mu.Lock()
	degraded := mgr.active[id].degraded
	status := mgr.active[id].record.Status
	mgr.mu.Unlock()
	if !degraded {
		t.Fatal("expected decoy to be degraded after 3 failures")
	}
	if status != models.DecoyStatusDegraded {
		t.Errorf("record.Status = %q, want degraded", status)
	}
	if !rec.has(models.TopicDecoyHealthChanged) {
		t.Error("expected a decoy.health_changed event")
	}
}

func TestRecordHealthFailure_OldFailuresOutsideWindowDoNotCount(t *testing.T) {
	mgr, _, _ := newTestManager(t, ops.NewFake())
	ctx := context.Background()

	if err := mgr.AutoDeploy(ctx, nil); err != nil {
		t.Fatalf("AutoDeploy: %v", err)
	}
	id := onlyActiveID(t, mgr)

	mgr.mu.Lock()
	md := mgr.active[id]
	md.failures = []time.Time{time.Now().UTC().Add(-10 * time.Minute), time.Now().UTC().Add(-9 * time.Minute)}
	mgr.mu.Unlock()

	mgr.recordHealthFailure(ctx, id)

	mgr.mu.Lock()
	degraded := mgr.active[id].degraded
	count := len(mgr.active[id].failures)
	mgr.mu.Unlock()
	if degraded {
		t.Fatal("should not degrade: only the fresh failure is within the 5-minute window")
	}
	if count != 1 {
		t.Errorf("failures tracked = %d, want 1", count)
	}
}

func TestRestartDecoy_ResetsCountersAndReturnsToActive(t *testing.T) {
	mgr, _, _ := newTestManager(t, ops.NewFake())
	ctx := context.Background()

	if err := mgr.AutoDeploy(ctx, nil); err != nil {
		t.Fatalf("AutoDeploy: %v", err)
	}
	id := onlyActiveID(t, mgr)

	mgr.recordHealthFailure(ctx, id)
	mgr.recordHealthFailure(ctx, id)
	mgr.recordHealthFailure(ctx, id)

	if err := mgr.RestartDecoy(ctx, id); err != nil {
		t.Fatalf("RestartDecoy: %v", err)
	}

	mgr.mu.Lock()
	md, ok := mgr.active[id]
	mgr.mu.Unlock()
	if !ok {
		t.Fatal("expected decoy still tracked after restart")
	}
	if md.degraded {
		t.Error("expected degraded to be cleared after restart")
	}
	if len(md.failures) != 0 {
		t.Errorf("failures = %d, want 0", len(md.failures))
	}
	if md.record.Status != models.DecoyStatusActive {
		t.Errorf("status = %q, want active", md.record.Status)
	}
}

func onlyActiveID(t *testing.T, mgr *Manager) string {
	t.Helper()
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for id := range mgr.active {
		return id
	}
	t.Fatal("expected at least one active decoy")
	return ""
}
