package mimic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squirrelops/homesensor/internal/credential"
	"github.com/squirrelops/homesensor/internal/decoy"
	"github.com/squirrelops/homesensor/internal/decoyorch"
	"github.com/squirrelops/homesensor/internal/device"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/internal/scout"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

const (
	healthCheckInterval    = 30 * time.Second
	defaultMDNSServiceType = "_http._tcp"
)

// Config bounds the Mimic Orchestrator's scope.
type Config struct {
	MaxMimics int
	Interface string
}

func (c Config) withDefaults() Config {
	if c.MaxMimics <= 0 {
		c.MaxMimics = 5
	}
	if c.Interface == "" {
		c.Interface = "eth0"
	}
	return c
}

type managedMimic struct {
	decoyID  string
	vip      models.VirtualIP
	instance decoy.Decoy
	mdnsName string
}

// Orchestrator is the Mimic Orchestrator: candidate ranking from scout
// profiles, virtual-IP-backed deployment, privileged port remap, IP
// conflict eviction, and restart/resume.
//
// Structured the same way as decoyorch.Manager (store-backed state,
// stopCh/doneCh health loop, fire-and-forget connection reporting) but
// adds the virtual IP lifecycle decoyorch never needs.
type Orchestrator struct {
	store      *Store
	profiles   *scout.SQLStore
	decoys     *decoyorch.Store
	devices    *device.Manager
	generator  *credential.Generator
	ops        ops.Ops
	advertiser Advertiser
	bus        plugin.EventBus
	logger     *zap.Logger
	cfg        Config

	mu     sync.Mutex
	active map[string]*managedMimic

	unsubscribe func()
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New builds a Mimic Orchestrator. advertiser may be nil, in which case
// mDNS registration is skipped entirely -- the same "nil collaborator
// means this concern is unconfigured" convention scan.Loop uses for its
// own Discovery field.
func New(store *Store, profiles *scout.SQLStore, decoys *decoyorch.Store, devices *device.Manager, generator *credential.Generator, o ops.Ops, advertiser Advertiser, bus plugin.EventBus, logger *zap.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		profiles:   profiles,
		decoys:     decoys,
		devices:    devices,
		generator:  generator,
		ops:        o,
		advertiser: advertiser,
		bus:        bus,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		active:     make(map[string]*managedMimic),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (o *Orchestrator) Name() string { return "mimic_orchestrator" }

func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.ResumeActive(ctx); err != nil {
		o.logger.Warn("resume active mimics failed", zap.Error(err))
	}
	if o.bus != nil {
		o.unsubscribe = o.bus.Subscribe(models.TopicDeviceNew, o.handleDeviceNew)
	}
	go o.healthLoop(ctx)
	return nil
}

func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	close(o.stopCh)
	select {
	case <-o.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	instances := make([]decoy.Decoy, 0, len(o.active))
	mdnsNames := make([]string, 0, len(o.active))
	for _, mm := range o.active {
		instances = append(instances, mm.instance)
		if mm.mdnsName != "" {
			mdnsNames = append(mdnsNames, mm.mdnsName)
		}
	}
	o.mu.Unlock()

	for _, name := range mdnsNames {
		if err := o.unregisterMDNS(ctx, name); err != nil {
			o.logger.Warn("unregister mdns failed", zap.Error(err))
		}
	}
	for _, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			o.logger.Warn("mimic stop failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runHealthChecks(ctx)
		}
	}
}

func (o *Orchestrator) runHealthChecks(ctx context.Context) {
	o.mu.Lock()
	snapshot := make(map[string]*managedMimic, len(o.active))
	for id, mm := range o.active {
		snapshot[id] = mm
	}
	o.mu.Unlock()

	for decoyID, mm := range snapshot {
		if !mm.instance.HealthCheck(ctx) {
			o.logger.Warn("mimic failed health check", zap.String("decoy_id", decoyID))
		}
	}
}

// handleDeviceNew implements the IP conflict rule: if a real device is
// discovered at an address this sensor currently has aliased to a
// mimic, evacuate that mimic rather than let it collide.
func (o *Orchestrator) handleDeviceNew(ctx context.Context, e plugin.Event) {
	p, ok := e.Payload.(models.DeviceEventPayload)
	if !ok {
		return
	}
	if err := o.EvacuateIfConflict(ctx, p.Device.IP); err != nil {
		o.logger.Warn("evacuate on conflict failed", zap.String("ip", p.Device.IP), zap.Error(err))
	}
}

// candidate is one device ranked for mimic deployment.
type candidate struct {
	deviceID string
	category string
	profiles []models.ServiceProfile
}

// BuildCandidates groups scout profiles with a non-null HTTP status by
// device, skips devices that already have a mimic, and ranks the rest
// by device-type preference then lowest port, per spec.md 4.9.
func (o *Orchestrator) BuildCandidates(ctx context.Context) ([]candidate, error) {
	all, err := o.profiles.AllProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load service profiles: %w", err)
	}

	byDevice := make(map[string][]models.ServiceProfile)
	for _, p := range all {
		if p.HTTPStatus == nil {
			continue
		}
		byDevice[p.DeviceID] = append(byDevice[p.DeviceID], p)
	}

	mimicked, err := o.mimickedDeviceIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for deviceID, profiles := range byDevice {
		if mimicked[deviceID] {
			continue
		}
		category := o.categoryFor(deviceID)
		sort.Slice(profiles, func(i, j int) bool { return profiles[i].Port < profiles[j].Port })
		out = append(out, candidate{deviceID: deviceID, category: category, profiles: profiles})
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.DeviceCategoryRank(out[i].category), models.DeviceCategoryRank(out[j].category)
		if ri != rj {
			return ri < rj
		}
		return out[i].profiles[0].Port < out[j].profiles[0].Port
	})
	if len(out) > o.cfg.MaxMimics {
		out = out[:o.cfg.MaxMimics]
	}
	return out, nil
}

func (o *Orchestrator) categoryFor(deviceID string) string {
	for _, d := range o.devices.Devices() {
		if d.ID == deviceID {
			return d.DeviceType
		}
	}
	return models.DeviceTypeUnknown
}

func (o *Orchestrator) mimickedDeviceIDs(ctx context.Context) (map[string]bool, error) {
	decoys, _, err := o.decoys.AllDecoys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load decoys: %w", err)
	}
	out := make(map[string]bool)
	for _, d := range decoys {
		if d.DecoyType != models.DecoyMimic {
			continue
		}
		t, err := o.store.TemplateForDecoy(ctx, d.ID)
		if err != nil {
			continue
		}
		out[t.SourceDeviceID] = true
	}
	return out, nil
}

// DeployAll builds the candidate list and deploys every entry not
// already mimicked.
func (o *Orchestrator) DeployAll(ctx context.Context) error {
	candidates, err := o.BuildCandidates(ctx)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if err := o.deployCandidate(ctx, c); err != nil {
			o.logger.Warn("deploy mimic failed", zap.String("device_id", c.deviceID), zap.Error(err))
		}
	}
	return nil
}

func buildTemplate(deviceID, category string, profiles []models.ServiceProfile) models.MimicTemplate {
	routes := make(map[int]models.RouteSpec, len(profiles))
	var serverHeader string
	for _, p := range profiles {
		status := 200
		if p.HTTPStatus != nil {
			status = *p.HTTPStatus
		}
		routes[p.Port] = models.RouteSpec{
			Path:        "/",
			Status:      status,
			Body:        p.BodySnippet,
			ContentType: "text/html",
		}
		if serverHeader == "" {
			serverHeader = p.ServerHeader
		}
	}
	return models.MimicTemplate{
		ID:              uuid.NewString(),
		SourceDeviceID:  deviceID,
		Routes:          routes,
		ServerHeader:    serverHeader,
		CredentialTypes: []models.CredentialType{models.CredEnvFile, models.CredHAToken},
		MDNSServiceType: defaultMDNSServiceType,
		MDNSName:        mdnsHostnameFor(category, deviceID),
		DeviceCategory:  category,
	}
}

// mdnsHostnameFor derives a device-category-appropriate mDNS hostname, per
// spec.md 4.9's deploy step 4.
func mdnsHostnameFor(category, deviceID string) string {
	slug := "device"
	switch category {
	case models.DeviceTypeSmartHome:
		slug = "smart-plug"
	case models.DeviceTypeCamera:
		slug = "ipcam"
	case models.DeviceTypeMedia:
		slug = "media-player"
	case models.DeviceTypePrinter:
		slug = "printer"
	}
	suffix := deviceID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%s.local", slug, suffix)
}

// primaryAdvertisedPort picks the lowest port a template advertises, for
// the mDNS registration's port field.
func primaryAdvertisedPort(t models.MimicTemplate) int {
	port := 0
	for p := range t.Routes {
		if port == 0 || p < port {
			port = p
		}
	}
	return port
}

func (o *Orchestrator) deployCandidate(ctx context.Context, c candidate) error {
	decoyID := uuid.NewString()

	vip, ok, err := o.store.AllocateFree(ctx, decoyID)
	if err != nil {
		return fmt.Errorf("allocate virtual ip: %w", err)
	}
	if !ok {
		return fmt.Errorf("virtual ip pool exhausted")
	}

	if _, err := o.ops.AddIPAlias(ctx, vip.IP, vip.Interface, "255.255.255.0"); err != nil {
		o.store.Release(ctx, vip.IP)
		return fmt.Errorf("add ip alias: %w", err)
	}
	if err := o.store.SetAliased(ctx, vip.IP); err != nil {
		o.logger.Warn("mark virtual ip aliased failed", zap.Error(err))
	}

	template := buildTemplate(c.deviceID, c.category, c.profiles)

	creds, err := o.plantCredentials(ctx, decoyID, template)
	if err != nil {
		return fmt.Errorf("plant credentials: %w", err)
	}

	now := time.Now().UTC()
	primaryPort := c.profiles[0].Port
	if err := o.decoys.InsertDecoy(ctx, models.Decoy{
		ID: decoyID, Name: "mimic-" + c.deviceID, DecoyType: models.DecoyMimic,
		BindAddress: vip.IP, Port: primaryPort, Status: models.DecoyStatusActive,
		CreatedAt: now, UpdatedAt: now,
	}, "{}"); err != nil {
		return fmt.Errorf("insert mimic decoy: %w", err)
	}
	if err := o.store.InsertTemplate(ctx, template, decoyID); err != nil {
		return fmt.Errorf("insert mimic template: %w", err)
	}

	if err := o.setupPortForwards(ctx, vip, template); err != nil {
		o.logger.Warn("setup port forwards failed", zap.Error(err))
	}

	return o.start(ctx, decoyID, vip, template, creds)
}

func (o *Orchestrator) plantCredentials(ctx context.Context, decoyID string, template models.MimicTemplate) ([]models.PlantedCredential, error) {
	var out []models.PlantedCredential
	for _, credType := range template.CredentialTypes {
		cred, err := o.generator.Generate(credType, fmt.Sprintf("/mimic/%s", credType))
		if err != nil {
			return nil, err
		}
		cred.DecoyID = decoyID
		if err := o.decoys.InsertCredential(ctx, decoyID, cred); err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, nil
}

func (o *Orchestrator) setupPortForwards(ctx context.Context, vip models.VirtualIP, template models.MimicTemplate) error {
	var rules []ops.ForwardRule
	for port := range template.Routes {
		if port >= 1024 {
			continue
		}
		rules = append(rules, ops.ForwardRule{
			FromIP: vip.IP, FromPort: port,
			ToIP: vip.IP, ToPort: bindPortFor(port),
		})
	}
	if len(rules) == 0 {
		return nil
	}
	_, err := o.ops.SetupPortForwards(ctx, rules, o.cfg.Interface)
	return err
}

func (o *Orchestrator) start(ctx context.Context, decoyID string, vip models.VirtualIP, template models.MimicTemplate, creds []models.PlantedCredential) error {
	matcher := newCredentialIndex(creds)
	instance := NewServer(o.ops, o.logger, vip.IP, template, matcher)
	if _, err := instance.Deploy(ctx); err != nil {
		return fmt.Errorf("deploy mimic server: %w", err)
	}
	instance.SetOnConnection(o.onConnection(decoyID))

	if err := o.registerMDNS(ctx, template, vip.IP); err != nil {
		o.logger.Warn("register mdns failed", zap.String("decoy_id", decoyID), zap.Error(err))
	}

	o.mu.Lock()
	o.active[decoyID] = &managedMimic{decoyID: decoyID, vip: vip, instance: instance, mdnsName: template.MDNSName}
	o.mu.Unlock()
	return nil
}

// registerMDNS advertises template's hostname, per spec.md 4.9's deploy
// step 4 and restart/resume's re-registration note. A nil advertiser or
// unset hostname is treated as "mDNS unconfigured for this mimic" and
// skipped rather than treated as an error.
func (o *Orchestrator) registerMDNS(ctx context.Context, template models.MimicTemplate, ip string) error {
	if o.advertiser == nil || template.MDNSName == "" {
		return nil
	}
	serviceType := template.MDNSServiceType
	if serviceType == "" {
		serviceType = defaultMDNSServiceType
	}
	return o.advertiser.Register(ctx, template.MDNSName, serviceType, ip, primaryAdvertisedPort(template))
}

func (o *Orchestrator) unregisterMDNS(ctx context.Context, hostname string) error {
	if o.advertiser == nil || hostname == "" {
		return nil
	}
	return o.advertiser.Unregister(ctx, hostname)
}

func (o *Orchestrator) onConnection(decoyID string) decoy.ConnectionHandler {
	return func(event models.DecoyConnectionEvent) {
		go o.handleConnection(context.Background(), decoyID, event)
	}
}

func (o *Orchestrator) handleConnection(ctx context.Context, decoyID string, event models.DecoyConnectionEvent) {
	if err := o.decoys.IncrementConnectionCount(ctx, decoyID); err != nil {
		o.logger.Warn("increment connection count failed", zap.Error(err))
	}

	payload := models.DecoyTripPayload{
		DecoyID: decoyID, SourceIP: event.SourceIP, SourcePort: event.SourcePort,
		DestPort: event.DestPort, Protocol: event.Protocol, RequestPath: event.RequestPath,
		CredentialUsed: event.CredentialUsed, DetectionMethod: "connection",
		ObservedAtUnix: event.Timestamp.Unix(),
	}
	if err := o.publish(ctx, models.TopicDecoyTrip, payload); err != nil {
		o.logger.Warn("publish decoy.trip failed", zap.Error(err))
	}
	if event.CredentialUsed == "" {
		return
	}
	if err := o.decoys.IncrementCredentialTripCount(ctx, decoyID); err != nil {
		o.logger.Warn("increment credential trip count failed", zap.Error(err))
	}
	if err := o.decoys.MarkCredentialTripped(ctx, event.CredentialUsed, event.Timestamp); err != nil {
		o.logger.Warn("mark credential tripped failed", zap.Error(err))
	}
	payload.CredentialID = event.CredentialUsed
	if err := o.publish(ctx, models.TopicDecoyCredentialTrip, payload); err != nil {
		o.logger.Warn("publish decoy.credential_trip failed", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) error {
	if o.bus == nil {
		return nil
	}
	_, err := o.bus.Publish(ctx, plugin.Event{Topic: topic, Source: "mimic_orchestrator", Payload: payload})
	return err
}

// EvacuateIfConflict implements spec.md 4.9's IP conflict rule: stop,
// release the IP, and delete records; never attempt to redeploy on the
// same address.
func (o *Orchestrator) EvacuateIfConflict(ctx context.Context, ip string) error {
	vip, found, err := o.store.ByIP(ctx, ip)
	if err != nil {
		return err
	}
	if !found || vip.State != models.VIPAliased || vip.DecoyID == "" {
		return nil
	}

	o.mu.Lock()
	mm, active := o.active[vip.DecoyID]
	delete(o.active, vip.DecoyID)
	o.mu.Unlock()

	if active {
		if err := mm.instance.Stop(ctx); err != nil {
			o.logger.Warn("stop evacuated mimic failed", zap.Error(err))
		}
		if err := o.unregisterMDNS(ctx, mm.mdnsName); err != nil {
			o.logger.Warn("unregister mdns on evacuation failed", zap.Error(err))
		}
	}
	if _, err := o.ops.RemoveIPAlias(ctx, vip.IP, vip.Interface); err != nil {
		o.logger.Warn("remove ip alias on evacuation failed", zap.Error(err))
	}
	if err := o.store.Release(ctx, vip.IP); err != nil {
		o.logger.Warn("release virtual ip failed", zap.Error(err))
	}
	if err := o.decoys.DeleteDecoy(ctx, vip.DecoyID); err != nil {
		o.logger.Warn("delete evacuated mimic decoy failed", zap.Error(err))
	}
	o.logger.Info("evacuated mimic after ip conflict", zap.String("ip", ip), zap.String("decoy_id", vip.DecoyID))
	return nil
}

// ResumeActive rebuilds every persisted mimic from its stored template
// and credentials on startup (scout profiles are not re-read): re-adds
// the IP alias, reinstalls port-forward rules, and restarts its
// listeners.
func (o *Orchestrator) ResumeActive(ctx context.Context) error {
	decoyIDs, err := o.store.AllTemplateDecoyIDs(ctx)
	if err != nil {
		return err
	}
	for _, decoyID := range decoyIDs {
		if err := o.RestartMimic(ctx, decoyID); err != nil {
			o.logger.Warn("resume mimic failed", zap.String("decoy_id", decoyID), zap.Error(err))
		}
	}
	return nil
}

// RestartMimic rebuilds one mimic from its persisted template and
// credentials, per spec.md 4.9.
func (o *Orchestrator) RestartMimic(ctx context.Context, decoyID string) error {
	template, err := o.store.TemplateForDecoy(ctx, decoyID)
	if err != nil {
		return err
	}
	vip, found, err := o.store.VirtualIPForDecoy(ctx, decoyID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no virtual ip recorded for mimic %s", decoyID)
	}
	creds, err := o.decoys.CredentialsForDecoy(ctx, decoyID)
	if err != nil {
		return err
	}

	// mDNS hostname is backfilled into config for mimics deployed before
	// mDNS support, per spec.md 4.9's restart/resume note.
	if template.MDNSName == "" {
		template.MDNSName = mdnsHostnameFor(template.DeviceCategory, template.SourceDeviceID)
		if template.MDNSServiceType == "" {
			template.MDNSServiceType = defaultMDNSServiceType
		}
		if err := o.store.SetMDNSName(ctx, template.ID, template.MDNSName); err != nil {
			o.logger.Warn("backfill mdns hostname failed", zap.String("decoy_id", decoyID), zap.Error(err))
		}
	}

	if _, err := o.ops.AddIPAlias(ctx, vip.IP, vip.Interface, "255.255.255.0"); err != nil {
		return fmt.Errorf("re-add ip alias: %w", err)
	}
	if err := o.setupPortForwards(ctx, vip, template); err != nil {
		o.logger.Warn("reinstall port forwards failed", zap.Error(err))
	}
	return o.start(ctx, decoyID, vip, template, creds)
}

// credentialIndex mirrors decoyorch's unexported matcher -- kept as its
// own copy here since mimic deploys independently of the decoy
// orchestrator's lifecycle.
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

var _ plugin.Component = (*Orchestrator)(nil)
