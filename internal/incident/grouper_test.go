package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/squirrelops/homesensor/internal/eventbus"
	"github.com/squirrelops/homesensor/internal/store"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

// eventRecorder mirrors the decoyorch package's test helper: capture
// every topic published on a real bus instead of hand-rolling a fake.
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

func newTestGrouper(t *testing.T, cfg Config) (*Grouper, *Store, *eventbus.Bus) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := db.Migrate(context.Background(), "incident", Migrations()); err != nil {
		t.Fatalf("migrate incident: %v", err)
	}
	if err := db.Migrate(context.Background(), "eventbus", eventbus.Migrations()); err != nil {
		t.Fatalf("migrate eventbus: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db.DB())
	bus := eventbus.New(db.DB(), zap.NewNop())
	g := New(s, bus, nil, cfg)
	return g, s, bus
}

func TestAlertFromEvent_PlainConnectionTripIsNotAlertWorthy(t *testing.T) {
	_, ok := alertFromEvent(plugin.Event{
		Topic:   models.TopicDecoyTrip,
		Payload: models.DecoyTripPayload{DecoyID: "d1", SourceIP: "10.0.0.9"},
	})
	if ok {
		t.Fatal("plain connection trip (no credential used) should not produce an alert")
	}
}

func TestAlertFromEvent_CredentialTripIsCritical(t *testing.T) {
	alert, ok := alertFromEvent(plugin.Event{
		Topic: models.TopicDecoyCredentialTrip,
		Payload: models.DecoyTripPayload{
			DecoyID: "d1", SourceIP: "10.0.0.9", CredentialUsed: "hunter2",
		},
	})
	if !ok {
		t.Fatal("credential trip should produce an alert")
	}
	if alert.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", alert.Severity)
	}
	if alert.SourceIP != "10.0.0.9" {
		t.Errorf("source_ip = %s, want 10.0.0.9", alert.SourceIP)
	}
}

func TestIngest_FirstAlertFromSourceCreatesNewIncident(t *testing.T) {
	g, s, bus := newTestGrouper(t, Config{})
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)
	ctx := context.Background()

	alert := models.Alert{
		ID: "a1", AlertType: "credential_trip", Severity: models.SeverityCritical,
		SourceIP: "10.0.0.9", CreatedAt: time.Now().UTC(),
	}
	if err := g.Ingest(ctx, alert); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	inc, found, err := s.FindJoinableIncident(ctx, "10.0.0.9", time.Now().UTC(), 15*time.Minute)
	if err != nil || !found {
		t.Fatalf("expected a joinable incident, found=%v err=%v", found, err)
	}
	if inc.AlertCount != 1 || inc.Severity != models.SeverityCritical {
		t.Errorf("incident = %+v, want 1 critical alert", inc)
	}
	if !rec.has(models.TopicAlertNew) || !rec.has(models.TopicIncidentNew) {
		t.Errorf("topics = %v, want alert.new and incident.new", rec.topics)
	}
}

func TestIngest_SecondAlertWithinWindowJoinsAndEscalatesSeverity(t *testing.T) {
	g, s, bus := newTestGrouper(t, Config{IncidentWindow: 15 * time.Minute})
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)
	ctx := context.Background()
	now := time.Now().UTC()

	first := models.Alert{ID: "a1", AlertType: "device_verification_needed", Severity: models.SeverityLow, SourceIP: "10.0.0.9", CreatedAt: now}
	if err := g.Ingest(ctx, first); err != nil {
		t.Fatalf("Ingest first: %v", err)
	}
	second := models.Alert{ID: "a2", AlertType: "credential_trip", Severity: models.SeverityCritical, SourceIP: "10.0.0.9", CreatedAt: now.Add(2 * time.Minute)}
	if err := g.Ingest(ctx, second); err != nil {
		t.Fatalf("Ingest second: %v", err)
	}

	inc, found, err := s.FindJoinableIncident(ctx, "10.0.0.9", now.Add(2*time.Minute), 15*time.Minute)
	if err != nil || !found {
		t.Fatalf("expected joinable incident, found=%v err=%v", found, err)
	}
	if inc.AlertCount != 2 {
		t.Errorf("alert_count = %d, want 2", inc.AlertCount)
	}
	if inc.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical (never de-escalates)", inc.Severity)
	}
	if !rec.has(models.TopicIncidentUpdated) {
		t.Errorf("topics = %v, want incident.updated", rec.topics)
	}
}

func TestIngest_AlertOutsideWindowStartsNewIncident(t *testing.T) {
	g, s, _ := newTestGrouper(t, Config{IncidentWindow: 15 * time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	first := models.Alert{ID: "a1", AlertType: "mac_changed", Severity: models.SeverityMedium, SourceIP: "10.0.0.9", CreatedAt: now}
	if err := g.Ingest(ctx, first); err != nil {
		t.Fatalf("Ingest first: %v", err)
	}
	late := models.Alert{ID: "a2", AlertType: "mac_changed", Severity: models.SeverityMedium, SourceIP: "10.0.0.9", CreatedAt: now.Add(20 * time.Minute)}
	if err := g.Ingest(ctx, late); err != nil {
		t.Fatalf("Ingest late: %v", err)
	}

	inc, found, err := s.FindJoinableIncident(ctx, "10.0.0.9", now.Add(20*time.Minute), 15*time.Minute)
	if err != nil || !found {
		t.Fatalf("expected a joinable incident, found=%v err=%v", found, err)
	}
	if inc.AlertCount != 1 {
		t.Errorf("alert_count = %d, want 1 (late alert should start a fresh incident)", inc.AlertCount)
	}
}

func TestCloseStaleIncidents_ClosesQuietIncidentsAndLeavesFreshOnesOpen(t *testing.T) {
	g, s, bus := newTestGrouper(t, Config{CloseWindow: 30 * time.Minute})
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)
	ctx := context.Background()
	now := time.Now().UTC()

	quiet := models.Alert{ID: "a1", AlertType: "mac_changed", Severity: models.SeverityMedium, SourceIP: "10.0.0.9", CreatedAt: now.Add(-time.Hour)}
	if err := g.Ingest(ctx, quiet); err != nil {
		t.Fatalf("Ingest quiet: %v", err)
	}
	fresh := models.Alert{ID: "a2", AlertType: "mac_changed", Severity: models.SeverityMedium, SourceIP: "10.0.0.10", CreatedAt: now}
	if err := g.Ingest(ctx, fresh); err != nil {
		t.Fatalf("Ingest fresh: %v", err)
	}

	if err := g.CloseStaleIncidents(ctx); err != nil {
		t.Fatalf("CloseStaleIncidents: %v", err)
	}

	quietInc, found, err := s.FindJoinableIncident(ctx, "10.0.0.9", now, time.Hour)
	if err != nil {
		t.Fatalf("find quiet incident: %v", err)
	}
	if found && quietInc.Status == models.IncidentActive {
		t.Errorf("quiet incident should no longer be findable as active, got %+v", quietInc)
	}

	freshInc, found, err := s.FindJoinableIncident(ctx, "10.0.0.10", now, 15*time.Minute)
	if err != nil || !found || freshInc.Status != models.IncidentActive {
		t.Errorf("fresh incident should remain active, found=%v inc=%+v err=%v", found, freshInc, err)
	}
	if !rec.has(models.TopicIncidentUpdated) {
		t.Errorf("expected incident.updated on closure, topics=%v", rec.topics)
	}
}

func TestBuildSummary_CollapsesConsecutiveDuplicatesAndFormatsDuration(t *testing.T) {
	first := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := first.Add(5 * time.Minute)
	summary := buildSummary("10.0.0.9", []string{"device_verification_needed", "credential_trip", "credential_trip"}, first, last)
	want := "3 events from 10.0.0.9 over 5 minutes: device_verification_needed -> credential_trip (x2)"
	if summary != want {
		t.Errorf("buildSummary = %q, want %q", summary, want)
	}
}
