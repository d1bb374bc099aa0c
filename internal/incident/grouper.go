package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squirrelops/homesensor/internal/metrics"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

const (
	defaultIncidentWindow  = 15 * time.Minute
	defaultCloseWindow     = 30 * time.Minute
	defaultClosureInterval = time.Minute
)

// Config holds the Grouper's tunables. Zero values fall back to the
// spec.md 4.11 defaults.
type Config struct {
	IncidentWindow  time.Duration
	CloseWindow     time.Duration
	ClosureInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IncidentWindow <= 0 {
		c.IncidentWindow = defaultIncidentWindow
	}
	if c.CloseWindow <= 0 {
		c.CloseWindow = defaultCloseWindow
	}
	if c.ClosureInterval <= 0 {
		c.ClosureInterval = defaultClosureInterval
	}
	return c
}

// Grouper owns Alert and Incident persistence: it subscribes to raw
// security events, turns the alert-worthy ones into persisted Alerts,
// groups Alerts from the same source_ip within IncidentWindow into
// Incidents with never-de-escalating severity, and periodically closes
// incidents that have gone quiet for CloseWindow.
//
// "Subscribes to inserted alerts" in spec.md 4.11 names the Grouper, not
// a separate upstream writer, as the Alert owner -- nothing else in the
// data-model's lifecycle-ownership list claims Alert, and the Grouper is
// the only component that needs every alert in hand to group it. See
// DESIGN.md for the Open Question decision.
type Grouper struct {
	store  *Store
	bus    plugin.EventBus
	logger *zap.Logger
	cfg    Config

	unsubscribe []func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	mu          sync.Mutex
}

func New(store *Store, bus plugin.EventBus, logger *zap.Logger, cfg Config) *Grouper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grouper{
		store:  store,
		bus:    bus,
		logger: logger,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (g *Grouper) Name() string { return "incident-grouper" }

// alertSourceTopics are the raw events the Grouper translates into
// alerts. Not every event on these topics necessarily becomes an alert
// (see alertFromEvent), but no other topic does.
var alertSourceTopics = []string{
	models.TopicDecoyTrip,
	models.TopicDecoyCredentialTrip,
	models.TopicDecoyHealthChanged,
	models.TopicDeviceMACChanged,
	models.TopicDeviceVerificationNeeded,
}

func (g *Grouper) Start(ctx context.Context) error {
	for _, topic := range alertSourceTopics {
		unsub := g.bus.Subscribe(topic, g.handleEvent)
		g.unsubscribe = append(g.unsubscribe, unsub)
	}
	go g.closureLoop(ctx)
	return nil
}

func (g *Grouper) Stop(ctx context.Context) error {
	for _, unsub := range g.unsubscribe {
		unsub()
	}
	close(g.stopCh)
	<-g.doneCh
	return nil
}

func (g *Grouper) closureLoop(ctx context.Context) {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.cfg.ClosureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.CloseStaleIncidents(ctx); err != nil {
				g.logger.Warn("incident closure pass failed", zap.Error(err))
			}
		}
	}
}

func (g *Grouper) handleEvent(ctx context.Context, e plugin.Event) {
	alert, ok := alertFromEvent(e)
	if !ok {
		return
	}
	if err := g.Ingest(ctx, alert); err != nil {
		g.logger.Warn("ingest alert failed", zap.String("topic", e.Topic), zap.Error(err))
	}
}

// alertFromEvent maps a raw event to an Alert, or returns ok=false if
// the event carries no alert-worthy signal (e.g. a decoy.health_changed
// recovery, or a plain non-credential decoy.trip, which is logged but
// not alert-worthy on its own per spec.md 4.12's distinction between
// "connection" noise and credential reuse).
func alertFromEvent(e plugin.Event) (models.Alert, bool) {
	base := models.Alert{
		ID:        uuid.NewString(),
		EventSeq:  e.Seq,
		CreatedAt: e.Timestamp,
	}

	switch p := e.Payload.(type) {
	case models.DecoyTripPayload:
		if p.CredentialUsed == "" {
			return models.Alert{}, false
		}
		base.AlertType = "credential_trip"
		base.Severity = models.SeverityCritical
		base.Title = "Credential reuse detected on decoy"
		base.Detail = fmt.Sprintf("A planted credential was used against decoy %s from %s", p.DecoyID, p.SourceIP)
		base.SourceIP = p.SourceIP
		base.DecoyID = p.DecoyID
		return base, true

	case models.DecoyStatusPayload:
		if p.Decoy.Status != models.DecoyStatusDegraded {
			return models.Alert{}, false
		}
		base.AlertType = "decoy_degraded"
		base.Severity = models.SeverityMedium
		base.Title = "Decoy degraded"
		base.Detail = fmt.Sprintf("Decoy %s failed repeated health checks and is now degraded", p.Decoy.Name)
		base.DecoyID = p.Decoy.ID
		return base, true

	case models.DeviceEventPayload:
		if e.Topic == models.TopicDeviceMACChanged {
			base.AlertType = "mac_changed"
			base.Severity = models.SeverityMedium
			base.Title = "Device MAC address changed"
			base.Detail = fmt.Sprintf("%s's MAC changed from %s to %s", p.Device.ID, p.OldMAC, p.NewMAC)
			base.SourceIP = p.Device.IP
			base.SourceMAC = p.NewMAC
			base.DeviceID = p.Device.ID
			return base, true
		}
		if e.Topic == models.TopicDeviceVerificationNeeded {
			base.AlertType = "device_verification_needed"
			base.Severity = models.SeverityLow
			base.Title = "New device needs verification"
			base.Detail = fmt.Sprintf("%s (%s) has not been confirmed as trusted", p.Device.ID, p.Device.IP)
			base.SourceIP = p.Device.IP
			base.SourceMAC = p.Device.MAC
			base.DeviceID = p.Device.ID
			return base, true
		}
	}
	return models.Alert{}, false
}

// Ingest persists alert, assigns it to an incident per spec.md 4.11
// (join the most recent active incident for the same source_ip within
// IncidentWindow, else start a new one), and publishes incident.new or
// incident.updated followed by alert.new. Alerts without a source_ip are
// persisted standalone and never grouped.
func (g *Grouper) Ingest(ctx context.Context, alert models.Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	if alert.SourceIP != "" {
		inc, err := g.assignIncident(ctx, alert)
		if err != nil {
			return fmt.Errorf("assign incident: %w", err)
		}
		alert.IncidentID = inc.ID
		if err := g.store.InsertAlert(ctx, alert); err != nil {
			return err
		}
		g.publish(ctx, models.TopicAlertNew, models.AlertNewPayload{Alert: alert})
		return nil
	}

	if err := g.store.InsertAlert(ctx, alert); err != nil {
		return err
	}
	g.publish(ctx, models.TopicAlertNew, models.AlertNewPayload{Alert: alert})
	return nil
}

func (g *Grouper) assignIncident(ctx context.Context, alert models.Alert) (models.Incident, error) {
	existing, found, err := g.store.FindJoinableIncident(ctx, alert.SourceIP, alert.CreatedAt, g.cfg.IncidentWindow)
	if err != nil {
		return models.Incident{}, err
	}

	if !found {
		inc := models.Incident{
			ID:           uuid.NewString(),
			SourceIP:     alert.SourceIP,
			SourceMAC:    alert.SourceMAC,
			Status:       models.IncidentActive,
			Severity:     alert.Severity,
			AlertCount:   1,
			FirstAlertAt: alert.CreatedAt,
			LastAlertAt:  alert.CreatedAt,
			AlertTypes:   []string{alert.AlertType},
		}
		inc.Summary = buildSummary(inc.SourceIP, inc.AlertTypes, inc.FirstAlertAt, inc.LastAlertAt)
		if err := g.store.InsertIncident(ctx, inc); err != nil {
			return models.Incident{}, err
		}
		metrics.Get().IncidentsOpened.Inc()
		metrics.Get().IncidentsActive.Inc()
		g.publish(ctx, models.TopicIncidentNew, models.IncidentPayload{Incident: inc})
		return inc, nil
	}

	existing.Severity = models.MaxSeverity(existing.Severity, alert.Severity)
	existing.AlertCount++
	existing.LastAlertAt = alert.CreatedAt
	existing.AlertTypes = append(existing.AlertTypes, alert.AlertType)
	existing.Summary = buildSummary(existing.SourceIP, existing.AlertTypes, existing.FirstAlertAt, existing.LastAlertAt)
	if existing.SourceMAC == "" {
		existing.SourceMAC = alert.SourceMAC
	}
	if err := g.store.UpdateIncident(ctx, existing); err != nil {
		return models.Incident{}, err
	}
	g.publish(ctx, models.TopicIncidentUpdated, models.IncidentPayload{Incident: existing})
	return existing, nil
}

// CloseStaleIncidents marks every active incident whose last alert is
// older than CloseWindow as closed and publishes incident.updated for
// each so subscribers (e.g. the Alert Dispatcher's status views) learn
// the incident is no longer live.
func (g *Grouper) CloseStaleIncidents(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-g.cfg.CloseWindow)
	stale, err := g.store.StaleActiveIncidents(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, inc := range stale {
		now := time.Now().UTC()
		inc.Status = models.IncidentClosed
		inc.ClosedAt = &now
		if err := g.store.UpdateIncident(ctx, inc); err != nil {
			g.logger.Warn("close incident failed", zap.String("incident_id", inc.ID), zap.Error(err))
			continue
		}
		metrics.Get().IncidentsClosed.Inc()
		metrics.Get().IncidentsActive.Dec()
		g.publish(ctx, models.TopicIncidentUpdated, models.IncidentPayload{Incident: inc})
	}
	return nil
}

func (g *Grouper) publish(ctx context.Context, topic string, payload any) {
	if g.bus == nil {
		return
	}
	if _, err := g.bus.Publish(ctx, plugin.Event{Topic: topic, Source: g.Name(), Payload: payload}); err != nil {
		g.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

var _ plugin.Component = (*Grouper)(nil)
