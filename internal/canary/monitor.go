package canary

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/squirrelops/homesensor/internal/decoyorch"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

const defaultPollInterval = 15 * time.Second

// Monitor polls ops.GetDNSQueries on a fixed interval, matches each
// observed query against the CanaryManager's hostname set, and raises
// decoy.credential_trip for every hit (spec.md 4.10).
type Monitor struct {
	store      *Store
	creds      *decoyorch.Store
	ops        ops.Ops
	manager    *Manager
	bus        plugin.EventBus
	logger     *zap.Logger
	interval   time.Duration
	lastPollAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store *Store, creds *decoyorch.Store, o ops.Ops, manager *Manager, bus plugin.EventBus, logger *zap.Logger, interval time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Monitor{
		store:    store,
		creds:    creds,
		ops:      o,
		manager:  manager,
		bus:      bus,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *Monitor) Name() string { return "dns_canary_monitor" }

// Start loads the current credential set into the CanaryManager and
// begins the polling loop. Callers that plant or remove credentials
// after Start must keep the CanaryManager updated themselves via
// Register/Unregister -- the manager, not the monitor, owns that index.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.loadRegistrations(ctx); err != nil {
		m.logger.Warn("load canary registrations failed", zap.Error(err))
	}
	m.lastPollAt = time.Now()
	go m.pollLoop(ctx)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loadRegistrations(ctx context.Context) error {
	all, err := m.creds.AllCredentials(ctx)
	if err != nil {
		return err
	}
	for _, c := range all {
		if c.CanaryHostname == "" {
			continue
		}
		m.manager.Register(Registration{
			CanaryHostname: c.CanaryHostname,
			CredentialID:   c.ID,
			DecoyID:        c.DecoyID,
		})
	}
	return nil
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	since := m.lastPollAt
	now := time.Now()
	m.lastPollAt = now

	queries, err := m.ops.GetDNSQueries(ctx, since)
	if err != nil {
		m.logger.Warn("get dns queries failed", zap.Error(err))
		return
	}

	for _, q := range queries {
		reg, ok := m.manager.Match(q.QueryName)
		if !ok {
			continue
		}
		m.recordHit(ctx, reg, q)
	}
}

func (m *Monitor) recordHit(ctx context.Context, reg Registration, q ops.DNSQuery) {
	if err := m.store.InsertObservation(ctx, Observation{
		ID:             uuid.NewString(),
		CanaryHostname: reg.CanaryHostname,
		CredentialID:   reg.CredentialID,
		QueriedByIP:    q.SourceIP,
		ObservedAt:     q.Timestamp,
	}); err != nil {
		m.logger.Warn("insert canary observation failed", zap.Error(err))
	}

	if err := m.creds.MarkCredentialTripped(ctx, reg.CredentialID, q.Timestamp); err != nil {
		m.logger.Warn("mark credential tripped failed", zap.Error(err))
	}

	payload := models.DecoyTripPayload{
		DecoyID:         reg.DecoyID,
		SourceIP:        q.SourceIP,
		QueriedByIP:     q.SourceIP,
		CredentialUsed:  reg.CredentialID,
		CredentialID:    reg.CredentialID,
		DetectionMethod: "dns_canary",
		CanaryHostname:  reg.CanaryHostname,
		ObservedAtUnix:  q.Timestamp.Unix(),
	}
	if m.bus == nil {
		return
	}
	if _, err := m.bus.Publish(ctx, plugin.Event{
		Topic:   models.TopicDecoyCredentialTrip,
		Source:  "dns_canary_monitor",
		Payload: payload,
	}); err != nil {
		m.logger.Warn("publish decoy.credential_trip failed", zap.Error(err))
	}
}

var _ plugin.Component = (*Monitor)(nil)
