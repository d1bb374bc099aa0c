package decoyorch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squirrelops/homesensor/internal/credential"
	"github.com/squirrelops/homesensor/internal/decoy"
	"github.com/squirrelops/homesensor/internal/metrics"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/internal/scan"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

const (
	healthCheckInterval = 30 * time.Second
	failureWindow       = 5 * time.Minute
	failuresToDegrade   = 3
	degradedRetryEvery  = 30 * time.Minute
)

// credentialMixFor returns the realistic credential-type combination a
// decoy of this type plants, per spec.md 4.8's "type-specific mix".
func credentialMixFor(t models.DecoyType) []struct {
	Type     models.CredentialType
	Location string
} {
	switch t {
	case models.DecoyFileShare:
		return []struct {
			Type     models.CredentialType
			Location string
		}{
			{models.CredPassword, "/shared/passwords.txt"},
			{models.CredSSHKey, "/shared/backup/id_rsa"},
		}
	case models.DecoyDevServer:
		return []struct {
			Type     models.CredentialType
			Location string
		}{
			{models.CredEnvFile, "/.env"},
			{models.CredGitHubPAT, "/.git-credentials"},
			{models.CredAWSKey, "/.aws/credentials"},
		}
	case models.DecoyHomeAssistant:
		return []struct {
			Type     models.CredentialType
			Location string
		}{
			{models.CredHAToken, "/local/onboarding_token"},
		}
	default:
		return nil
	}
}

// Manager is the Decoy Orchestrator: selection, auto-deploy, the health
// state machine, startup resume, and connection-trip fan-out.
type Manager struct {
	store     *Store
	ops       ops.Ops
	bus       plugin.EventBus
	generator *credential.Generator
	logger    *zap.Logger
	maxDecoys int
	bindAddr  string

	mu     sync.Mutex
	active map[string]*managedDecoy

	stopCh chan struct{}
	doneCh chan struct{}
}

type managedDecoy struct {
	instance     decoy.Decoy
	record       models.Decoy
	credentials  []models.PlantedCredential
	failures     []time.Time
	degraded     bool
	lastRecovery time.Time
}

// Config controls Manager construction.
type Config struct {
	MaxDecoys   int
	BindAddress string
}

func New(store *Store, o ops.Ops, bus plugin.EventBus, generator *credential.Generator, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	return &Manager{
		store:     store,
		ops:       o,
		bus:       bus,
		generator: generator,
		logger:    logger,
		maxDecoys: cfg.MaxDecoys,
		bindAddr:  cfg.BindAddress,
		active:    make(map[string]*managedDecoy),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (m *Manager) Name() string { return "decoy_orchestrator" }

func (m *Manager) Start(ctx context.Context) error {
	if err := m.ResumeActive(ctx); err != nil {
		m.logger.Warn("resume active decoys failed", zap.Error(err))
	}
	go m.healthLoop(ctx)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	instances := make([]decoy.Decoy, 0, len(m.active))
	for _, md := range m.active {
		instances = append(instances, md.instance)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			m.logger.Warn("decoy stop failed", zap.Error(err))
		}
	}
	metrics.Get().DecoysActive.Set(0)
	return nil
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthChecks(ctx)
		}
	}
}

// HasDecoys satisfies scan.DecoyOrchestrator.
func (m *Manager) HasDecoys(ctx context.Context) (bool, error) {
	n, err := m.store.CountDecoys(ctx)
	return n > 0, err
}

// Select produces a candidate decoy-type list bounded by maxDecoys, per
// spec.md 4.8. mdnsServiceTypes carries raw mDNS service type strings
// (e.g. "_home-assistant._tcp") observed independently of discovered.
// AutoDeploy, the only caller in this repository, passes nil, so on the
// auto-deploy path home_assistant is chosen from an open port 8123 alone.
func (m *Manager) Select(discovered []scan.DiscoveredService, mdnsServiceTypes []string) []models.DecoyType {
	if m.maxDecoys == 0 {
		return nil
	}

	openPorts := make(map[int]bool)
	for _, d := range discovered {
		openPorts[d.Port] = true
	}
	hasMDNSHA := false
	for _, s := range mdnsServiceTypes {
		if s == "_home-assistant._tcp" {
			hasMDNSHA = true
		}
	}

	var candidates []models.DecoyType
	seen := make(map[models.DecoyType]bool)
	add := func(t models.DecoyType) {
		if !seen[t] {
			seen[t] = true
			candidates = append(candidates, t)
		}
	}

	for _, p := range []int{3000, 3001, 5173, 8000, 8080} {
		if openPorts[p] {
			add(models.DecoyDevServer)
			break
		}
	}
	if hasMDNSHA || openPorts[8123] {
		add(models.DecoyHomeAssistant)
	}
	for _, p := range []int{445, 548} {
		if openPorts[p] {
			add(models.DecoyFileShare)
			break
		}
	}
	if len(candidates) == 0 {
		add(models.DecoyFileShare)
	}

	if len(candidates) > m.maxDecoys {
		candidates = candidates[:m.maxDecoys]
	}
	return candidates
}

// AutoDeploy satisfies scan.DecoyOrchestrator. Invoked after Phase 2 only
// when the decoy table is empty.
func (m *Manager) AutoDeploy(ctx context.Context, discovered []scan.DiscoveredService) error {
	candidates := m.Select(discovered, nil)
	for _, t := range candidates {
		if _, err := m.deployNew(ctx, t, nil); err != nil {
			m.logger.Warn("auto-deploy decoy failed", zap.String("type", string(t)), zap.Error(err))
		}
	}
	return nil
}

// deployNew builds, persists, and starts one new decoy of the given type.
// config carries any pre-existing (e.g. restart-preserved) settings.
func (m *Manager) deployNew(ctx context.Context, t models.DecoyType, config map[string]string) (models.Decoy, error) {
	now := time.Now().UTC()
	record := models.Decoy{
		ID:          uuid.NewString(),
		Name:        string(t) + "-" + now.Format("150405"),
		DecoyType:   t,
		BindAddress: m.bindAddr,
		Port:        0,
		Status:      models.DecoyStatusStopped,
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return models.Decoy{}, fmt.Errorf("marshal decoy config: %w", err)
	}
	if err := m.store.InsertDecoy(ctx, record, string(configJSON)); err != nil {
		return models.Decoy{}, err
	}

	creds, err := m.plantCredentials(ctx, record.ID, t)
	if err != nil {
		return models.Decoy{}, err
	}

	if err := m.startDecoy(ctx, &record, creds); err != nil {
		return models.Decoy{}, err
	}

	return record, nil
}

func (m *Manager) plantCredentials(ctx context.Context, decoyID string, t models.DecoyType) ([]models.PlantedCredential, error) {
	var out []models.PlantedCredential
	for _, spec := range credentialMixFor(t) {
		cred, err := m.generator.Generate(spec.Type, spec.Location)
		if err != nil {
			return nil, fmt.Errorf("generate credential: %w", err)
		}
		cred.ID = uuid.NewString()
		cred.DecoyID = decoyID
		if err := m.store.InsertCredential(ctx, decoyID, cred); err != nil {
			return nil, fmt.Errorf("persist credential: %w", err)
		}
		out = append(out, cred)
	}
	return out, nil
}

// startDecoy instantiates the concrete decoy.Decoy, deploys it, writes
// back the OS-assigned port, wires the connection-trip callback, and
// publishes decoy.status_changed.
func (m *Manager) startDecoy(ctx context.Context, record *models.Decoy, creds []models.PlantedCredential) error {
	matcher := newCredentialIndex(creds)
	instance, err := m.buildDecoy(*record, creds, matcher)
	if err != nil {
		return err
	}

	port, err := instance.Deploy(ctx)
	if err != nil {
		if recErr := m.store.RecordFailure(ctx, record.ID, time.Now().UTC()); recErr != nil {
			m.logger.Warn("record deploy failure", zap.Error(recErr))
		}
		if setErr := m.store.UpdateDecoyStatus(ctx, record.ID, models.DecoyStatusStopped); setErr != nil {
			m.logger.Warn("mark decoy stopped after deploy failure", zap.Error(setErr))
		}
		return fmt.Errorf("deploy decoy %s: %w", record.ID, err)
	}

	record.Port = port
	record.Status = models.DecoyStatusActive
	if err := m.store.UpdateDecoyPort(ctx, record.ID, port); err != nil {
		return err
	}
	if err := m.store.UpdateDecoyStatus(ctx, record.ID, models.DecoyStatusActive); err != nil {
		return err
	}

	md := &managedDecoy{instance: instance, record: *record, credentials: creds}
	m.mu.Lock()
	m.active[record.ID] = md
	activeCount := len(m.active)
	m.mu.Unlock()
	metrics.Get().DecoysActive.Set(float64(activeCount))

	instance.SetOnConnection(m.onConnection(record.ID))

	return m.publish(ctx, models.TopicDecoyStatusChanged, models.DecoyStatusPayload{Decoy: *record})
}

func (m *Manager) buildDecoy(record models.Decoy, creds []models.PlantedCredential, matcher decoy.CredentialMatcher) (decoy.Decoy, error) {
	switch record.DecoyType {
	case models.DecoyFileShare:
		return decoy.NewFileShare(m.ops, m.logger, record.BindAddress, record.Port, firstValue(creds, models.CredPassword), matcher), nil
	case models.DecoyDevServer:
		return decoy.NewDevServer(m.ops, m.logger, record.BindAddress, record.Port, firstValue(creds, models.CredEnvFile), matcher), nil
	case models.DecoyHomeAssistant:
		return decoy.NewHomeAssistant(m.ops, m.logger, record.BindAddress, record.Port, firstValue(creds, models.CredHAToken), matcher), nil
	default:
		return nil, fmt.Errorf("unsupported decoy type for direct build: %s", record.DecoyType)
	}
}

func firstValue(creds []models.PlantedCredential, t models.CredentialType) string {
	for _, c := range creds {
		if c.CredentialType == t {
			return c.CredentialValue
		}
	}
	return ""
}

// credentialIndex is the CredentialMatcher every deployed decoy consults.
type credentialIndex struct {
	byValue map[string]string
}

func newCredentialIndex(creds []models.PlantedCredential) *credentialIndex {
	idx := &credentialIndex{byValue: make(map[string]string, len(creds))}
	for _, c := range creds {
		idx.byValue[c.CredentialValue] = c.ID
	}
	return idx
}

func (c *credentialIndex) MatchCredential(candidate string) string {
	return c.byValue[candidate]
}

// onConnection builds the fire-and-forget callback a decoy invokes
// synchronously; the orchestrator hands the work to a goroutine so the
// decoy's request-handling path never blocks on DB writes or bus
// publishes.
func (m *Manager) onConnection(decoyID string) decoy.ConnectionHandler {
	return func(event models.DecoyConnectionEvent) {
		go m.handleConnection(context.Background(), decoyID, event)
	}
}

func (m *Manager) handleConnection(ctx context.Context, decoyID string, event models.DecoyConnectionEvent) {
	if err := m.store.IncrementConnectionCount(ctx, decoyID); err != nil {
		m.logger.Warn("increment connection count failed", zap.Error(err))
	}

	m.mu.Lock()
	decoyType := string(m.active[decoyID].record.DecoyType)
	m.mu.Unlock()
	credUsed := "false"
	if event.CredentialUsed != "" {
		credUsed = "true"
	}
	metrics.Get().DecoyTripsTotal.WithLabelValues(decoyType, credUsed).Inc()

	payload := models.DecoyTripPayload{
		DecoyID:         decoyID,
		SourceIP:        event.SourceIP,
		SourcePort:      event.SourcePort,
		DestPort:        event.DestPort,
		Protocol:        event.Protocol,
		RequestPath:     event.RequestPath,
		CredentialUsed:  event.CredentialUsed,
		DetectionMethod: "connection",
		ObservedAtUnix:  event.Timestamp.Unix(),
	}
	if err := m.publish(ctx, models.TopicDecoyTrip, payload); err != nil {
		m.logger.Warn("publish decoy.trip failed", zap.Error(err))
	}

	if event.CredentialUsed == "" {
		return
	}

	if err := m.store.IncrementCredentialTripCount(ctx, decoyID); err != nil {
		m.logger.Warn("increment credential trip count failed", zap.Error(err))
	}
	if err := m.store.MarkCredentialTripped(ctx, event.CredentialUsed, event.Timestamp); err != nil {
		m.logger.Warn("mark credential tripped failed", zap.Error(err))
	}
	payload.CredentialID = event.CredentialUsed
	if err := m.publish(ctx, models.TopicDecoyCredentialTrip, payload); err != nil {
		m.logger.Warn("publish decoy.credential_trip failed", zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) error {
	if m.bus == nil {
		return nil
	}
	_, err := m.bus.Publish(ctx, plugin.Event{Topic: topic, Source: "decoy_orchestrator", Payload: payload})
	return err
}

// ResumeActive rebuilds every decoy with status='active' at startup, per
// spec.md 4.8. type='mimic' rows are left for the Mimic Orchestrator. A
// per-decoy failure marks that row stopped and moves on -- it never
// aborts the rest of the resume.
func (m *Manager) ResumeActive(ctx context.Context) error {
	decoys, configs, err := m.store.AllDecoys(ctx)
	if err != nil {
		return fmt.Errorf("load decoys: %w", err)
	}

	for _, d := range decoys {
		if d.Status != models.DecoyStatusActive || d.DecoyType == models.DecoyMimic {
			continue
		}

		creds, err := m.store.CredentialsForDecoy(ctx, d.ID)
		if err != nil {
			m.logger.Warn("load credentials for resume failed", zap.String("decoy_id", d.ID), zap.Error(err))
			if setErr := m.store.UpdateDecoyStatus(ctx, d.ID, models.DecoyStatusStopped); setErr != nil {
				m.logger.Warn("mark decoy stopped failed", zap.Error(setErr))
			}
			continue
		}

		if cfgJSON, ok := configs[d.ID]; ok && cfgJSON != "" {
			var cfg map[string]string
			if err := json.Unmarshal([]byte(cfgJSON), &cfg); err == nil {
				d.Config = cfg
			}
		}

		record := d
		if err := m.startDecoy(ctx, &record, creds); err != nil {
			m.logger.Warn("resume decoy failed", zap.String("decoy_id", d.ID), zap.Error(err))
			continue
		}
	}
	return nil
}

// RestartDecoy rebuilds a decoy from its persisted config, resetting its
// health counters and returning it to active. It serves manual
// restart_decoy(id) calls; the health-check loop restarts a failing
// instance in place and does not go through here.
func (m *Manager) RestartDecoy(ctx context.Context, id string) error {
	m.mu.Lock()
	existing, wasActive := m.active[id]
	m.mu.Unlock()

	decoys, configs, err := m.store.AllDecoys(ctx)
	if err != nil {
		return fmt.Errorf("load decoys: %w", err)
	}
	var record models.Decoy
	var found bool
	for _, d := range decoys {
		if d.ID == id {
			record = d
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("decoy %s not found", id)
	}
	if cfgJSON, ok := configs[id]; ok && cfgJSON != "" {
		var cfg map[string]string
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err == nil {
			record.Config = cfg
		}
	}

	if wasActive && existing.instance != nil {
		if err := existing.instance.Stop(ctx); err != nil {
			m.logger.Warn("stop decoy before restart failed", zap.Error(err))
		}
	}

	creds, err := m.store.CredentialsForDecoy(ctx, id)
	if err != nil {
		return fmt.Errorf("load credentials for restart: %w", err)
	}

	record.Port = 0
	return m.startDecoy(ctx, &record, creds)
}

// runHealthChecks drives the health state machine for every deployed
// decoy, per spec.md 4.8.
func (m *Manager) runHealthChecks(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.checkOne(ctx, id)
	}
}

func (m *Manager) checkOne(ctx context.Context, id string) {
	m.mu.Lock()
	md, ok := m.active[id]
	degraded := ok && md.degraded
	lastRecovery := time.Time{}
	if ok {
		lastRecovery = md.lastRecovery
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if degraded && time.Since(lastRecovery) < degradedRetryEvery {
		return
	}

	if md.instance.HealthCheck(ctx) {
		m.recoverIfNeeded(ctx, id, degraded)
		return
	}

	m.mu.Lock()
	md.lastRecovery = time.Now().UTC()
	m.mu.Unlock()

	if err := md.instance.Stop(ctx); err != nil {
		m.logger.Debug("stop before restart attempt failed", zap.Error(err))
	}
	if port, err := md.instance.Deploy(ctx); err == nil {
		m.recoverIfNeeded(ctx, id, degraded)
		m.mu.Lock()
		md.record.Port = port
		m.mu.Unlock()
		if uErr := m.store.UpdateDecoyPort(ctx, id, port); uErr != nil {
			m.logger.Warn("update decoy port after restart failed", zap.Error(uErr))
		}
		return
	}

	m.recordHealthFailure(ctx, id)
}

func (m *Manager) recoverIfNeeded(ctx context.Context, id string, wasDegraded bool) {
	m.mu.Lock()
	md, ok := m.active[id]
	if ok {
		md.failures = nil
		md.degraded = false
		md.record.Status = models.DecoyStatusActive
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.store.ResetFailures(ctx, id); err != nil {
		m.logger.Warn("reset failures failed", zap.Error(err))
	}
	if err := m.store.UpdateDecoyStatus(ctx, id, models.DecoyStatusActive); err != nil {
		m.logger.Warn("mark decoy active failed", zap.Error(err))
	}
	if wasDegraded {
		if err := m.publish(ctx, models.TopicDecoyHealthChanged, models.DecoyStatusPayload{Decoy: md.record}); err != nil {
			m.logger.Warn("publish decoy.health_changed failed", zap.Error(err))
		}
	}
}

func (m *Manager) recordHealthFailure(ctx context.Context, id string) {
	now := time.Now().UTC()
	if err := m.store.RecordFailure(ctx, id, now); err != nil {
		m.logger.Warn("record health failure failed", zap.Error(err))
	}

	m.mu.Lock()
	md, ok := m.active[id]
	var shouldDegrade bool
	var record models.Decoy
	if ok {
		md.failures = append(md.failures, now)
		cutoff := now.Add(-failureWindow)
		kept := md.failures[:0]
		for _, f := range md.failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		md.failures = kept
		shouldDegrade = len(md.failures) >= failuresToDegrade && !md.degraded
		if shouldDegrade {
			md.degraded = true
			md.record.Status = models.DecoyStatusDegraded
		}
		record = md.record
	}
	m.mu.Unlock()
	if !ok || !shouldDegrade {
		return
	}

	if err := m.store.UpdateDecoyStatus(ctx, id, models.DecoyStatusDegraded); err != nil {
		m.logger.Warn("mark decoy degraded failed", zap.Error(err))
	}
	if err := m.publish(ctx, models.TopicDecoyHealthChanged, models.DecoyStatusPayload{Decoy: record}); err != nil {
		m.logger.Warn("publish decoy.health_changed failed", zap.Error(err))
	}
}

var _ plugin.Component = (*Manager)(nil)
