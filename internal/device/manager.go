package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squirrelops/homesensor/internal/classify"
	"github.com/squirrelops/homesensor/internal/fingerprint"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

// onlineWithin is the staleness window ToSummary uses to compute is_online.
const onlineWithin = 10 * time.Minute

// ScanResult is one ARP discovery hit fed to the pipeline in Phase 1.
type ScanResult struct {
	IP  string
	MAC string
}

// PortResult is one discovered open port from Phase 2's banner scan.
type PortResult struct {
	Port        int
	ServiceName string
	Banner      string
}

// HADevice and HAArea mirror the subset of Home Assistant's registry the
// enrichment pipeline consumes.
type HADevice struct {
	MAC    string
	Name   string
	Model  string
	AreaID string
}

type HAArea struct {
	ID   string
	Name string
}

// Manager implements the Device Manager pipeline: compose -> match ->
// classify -> persist -> publish, plus the three enrichment operations.
// It owns the in-memory TrackedDevice set rebuilt at startup from the
// store, mirroring the teacher's known-device reconciliation in
// internal/recon/recon.go.
type Manager struct {
	store      *Store
	bus        plugin.EventBus
	classifier *classify.Classifier
	logger     *zap.Logger

	mu      sync.RWMutex
	devices map[string]*models.TrackedDevice // device id -> tracked state
	byIP    map[string]string                // ip -> device id, most recent
}

// New constructs a Manager. Call LoadKnownDevices before the first scan
// cycle to populate the in-memory matcher candidate pool.
func New(store *Store, bus plugin.EventBus, classifier *classify.Classifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		bus:        bus,
		classifier: classifier,
		logger:     logger,
		devices:    make(map[string]*models.TrackedDevice),
		byIP:       make(map[string]string),
	}
}

// LoadKnownDevices rebuilds the in-memory tracked set from the store. Per
// spec.md 4.2, any device whose stored vendor is "Unknown" is re-run
// through local classification; the persisted vendor/device_type are
// updated only if the new result is non-Unknown.
func (m *Manager) LoadKnownDevices(ctx context.Context) error {
	devices, err := m.store.AllDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	fps, err := m.store.LatestFingerprints(ctx)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range devices {
		row := fps[d.ID]
		tracked := models.NewTrackedDevice(d, row.Fingerprint)
		for _, p := range row.OpenPorts {
			tracked.OpenPorts[p] = struct{}{}
		}
		for _, c := range row.Connections {
			tracked.ConnectionDestinations[c] = struct{}{}
		}
		m.devices[d.ID] = tracked
		m.byIP[d.IP] = d.ID

		if m.classifier != nil && (d.Vendor == "" || d.Vendor == "Unknown") {
			raw := models.RawSignals{
				MAC:          d.MAC,
				MDNSHostname: row.Fingerprint.MDNSHostname,
				OpenPorts:    row.OpenPorts,
				Connections:  row.Connections,
			}
			if res, changed := m.classifier.ReclassifyIfUnknown(d.Vendor, raw); changed {
				d.Vendor = res.Manufacturer
				d.DeviceType = res.DeviceType
				if err := m.store.UpdateDevice(ctx, d); err != nil {
					m.logger.Warn("reclassification persist failed",
						zap.String("device_id", d.ID), zap.Error(err))
					continue
				}
				tracked.Device = d
			}
		}
	}
	return nil
}

// known returns a matcher candidate list from the current in-memory set.
// Caller must hold m.mu for read.
func (m *Manager) known() []fingerprint.Known {
	out := make([]fingerprint.Known, 0, len(m.devices))
	for id, t := range m.devices {
		out = append(out, fingerprint.Known{
			DeviceID:    id,
			Fingerprint: t.Fingerprint,
			OpenPorts:   setToInts(t.OpenPorts),
			Connections: setToStrings(t.ConnectionDestinations),
		})
	}
	return out
}

// Process runs one scan result through the pipeline described in
// spec.md 4.3.
func (m *Manager) Process(ctx context.Context, result ScanResult) error {
	raw := models.RawSignals{MAC: result.MAC}
	fp := fingerprint.Compose(raw, m.logger)

	m.mu.RLock()
	candidates := m.known()
	m.mu.RUnlock()

	match := fingerprint.Match(fingerprint.Candidate{Fingerprint: fp}, candidates)

	switch {
	case match.DeviceID != "" && match.Confidence >= fingerprint.AutoApproveThreshold:
		return m.handleMatch(ctx, match, result, fp)
	case match.DeviceID != "" && match.Confidence >= fingerprint.VerifyThreshold:
		return m.handleVerificationNeeded(ctx, match, result)
	default:
		return m.handleNewDevice(ctx, result, fp)
	}
}

func (m *Manager) handleMatch(ctx context.Context, match fingerprint.MatchResult, result ScanResult, fp models.CompositeFingerprint) error {
	m.mu.Lock()
	tracked, ok := m.devices[match.DeviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("matched device %s not in tracked set", match.DeviceID)
	}

	oldMAC := tracked.Device.MAC
	macChanged := result.MAC != "" && oldMAC != "" && !strings.EqualFold(oldMAC, result.MAC)

	tracked.Device.IP = result.IP
	if result.MAC != "" {
		tracked.Device.MAC = result.MAC
	}
	tracked.Device.LastSeen = time.Now().UTC()
	tracked.Fingerprint = fp
	m.byIP[result.IP] = tracked.Device.ID
	device := tracked.Device
	m.mu.Unlock()

	if err := m.store.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("update matched device: %w", err)
	}
	if err := m.store.InsertFingerprint(ctx, device.ID, fp, setToInts(tracked.OpenPorts), setToStrings(tracked.ConnectionDestinations)); err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}

	topic := models.TopicDeviceUpdated
	payload := models.DeviceEventPayload{Device: device.ToSummary(onlineWithin, time.Now().UTC())}
	if macChanged {
		topic = models.TopicDeviceMACChanged
		payload.OldMAC = oldMAC
		payload.NewMAC = result.MAC
	}
	return m.publish(ctx, topic, payload)
}

func (m *Manager) handleVerificationNeeded(ctx context.Context, match fingerprint.MatchResult, result ScanResult) error {
	m.mu.RLock()
	tracked, ok := m.devices[match.DeviceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("matched device %s not in tracked set", match.DeviceID)
	}

	payload := models.DeviceEventPayload{
		Device:        tracked.Device.ToSummary(onlineWithin, time.Now().UTC()),
		Confidence:    match.Confidence,
		LowConfidence: true,
	}
	return m.publish(ctx, models.TopicDeviceVerificationNeeded, payload)
}

func (m *Manager) handleNewDevice(ctx context.Context, result ScanResult, fp models.CompositeFingerprint) error {
	deviceType := models.DeviceTypeUnknown
	vendor := ""
	if m.classifier != nil {
		res, err := m.classifier.Classify(ctx, models.RawSignals{MAC: result.MAC})
		if err != nil {
			m.logger.Warn("classification failed for new device", zap.Error(err))
		} else {
			vendor = res.Manufacturer
			deviceType = res.DeviceType
		}
	}

	now := time.Now().UTC()
	newDevice := models.Device{
		ID:         uuid.NewString(),
		IP:         result.IP,
		MAC:        result.MAC,
		Vendor:     vendor,
		DeviceType: deviceType,
		Trust:      models.TrustUnknown,
		FirstSeen:  now,
		LastSeen:   now,
	}

	if err := m.store.InsertDevice(ctx, newDevice); err != nil {
		return fmt.Errorf("insert new device: %w", err)
	}
	if err := m.store.InsertFingerprint(ctx, newDevice.ID, fp, nil, nil); err != nil {
		return fmt.Errorf("insert fingerprint for new device: %w", err)
	}

	tracked := models.NewTrackedDevice(newDevice, fp)
	m.mu.Lock()
	m.devices[newDevice.ID] = tracked
	m.byIP[newDevice.IP] = newDevice.ID
	m.mu.Unlock()

	return m.publish(ctx, models.TopicDeviceNew, models.DeviceEventPayload{
		Device: newDevice.ToSummary(onlineWithin, now),
	})
}

// EnrichPorts implements enrich_device_ports: persists the observed open
// port set for a known device, recomputes open_ports_hash, and appends a
// new fingerprint row. No-op if the IP is unknown; never creates a device.
func (m *Manager) EnrichPorts(ctx context.Context, ip string, ports []PortResult) error {
	m.mu.Lock()
	id, ok := m.byIP[ip]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	tracked := m.devices[id]

	for _, p := range ports {
		tracked.OpenPorts[p.Port] = struct{}{}
	}

	raw := models.RawSignals{
		MAC:          tracked.Device.MAC,
		MDNSHostname: tracked.Fingerprint.MDNSHostname,
		OpenPorts:    setToInts(tracked.OpenPorts),
		Connections:  setToStrings(tracked.ConnectionDestinations),
	}
	fp := fingerprint.Compose(raw, m.logger)
	tracked.Fingerprint = fp
	device := tracked.Device
	device.LastSeen = time.Now().UTC()
	tracked.Device = device
	m.mu.Unlock()

	if err := m.store.InsertFingerprint(ctx, id, fp, setToInts(tracked.OpenPorts), setToStrings(tracked.ConnectionDestinations)); err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	if err := m.store.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("update device last_seen: %w", err)
	}
	for _, p := range ports {
		if err := m.store.UpsertPorts(ctx, id, p.Port, p.ServiceName, p.Banner); err != nil {
			return fmt.Errorf("upsert port %d: %w", p.Port, err)
		}
	}

	return m.publish(ctx, models.TopicDeviceUpdated, models.DeviceEventPayload{
		Device: device.ToSummary(onlineWithin, time.Now().UTC()),
	})
}

// DiscoveryInfo is the optional-field bundle enrich_device_discovery
// accepts from mDNS/UPnP Phase 3.
type DiscoveryInfo struct {
	MDNSHostname     string
	UPnPFriendlyName string
	UPnPManufacturer string
	UPnPModelName    string
}

// EnrichDiscovery implements enrich_device_discovery per spec.md 4.3:
// hostname priority mDNS > UPnP friendly name, never overwriting
// custom_name; vendor only overwrites an "Unknown" value; model is always
// stored when provided.
func (m *Manager) EnrichDiscovery(ctx context.Context, ip string, info DiscoveryInfo) error {
	m.mu.Lock()
	id, ok := m.byIP[ip]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	tracked := m.devices[id]
	d := tracked.Device

	if d.CustomName == "" {
		if info.MDNSHostname != "" {
			d.Hostname = info.MDNSHostname
		} else if info.UPnPFriendlyName != "" {
			d.Hostname = info.UPnPFriendlyName
		}
	}
	if (d.Vendor == "" || d.Vendor == "Unknown") && info.UPnPManufacturer != "" {
		d.Vendor = info.UPnPManufacturer
	}
	if info.UPnPModelName != "" {
		d.Model = info.UPnPModelName
	}
	d.LastSeen = time.Now().UTC()
	tracked.Device = d
	m.mu.Unlock()

	if err := m.store.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("update device discovery enrichment: %w", err)
	}
	return m.publish(ctx, models.TopicDeviceUpdated, models.DeviceEventPayload{
		Device: d.ToSummary(onlineWithin, time.Now().UTC()),
	})
}

// EnrichHA implements enrich_device_ha: matches HA's device registry to
// tracked devices by MAC (case-insensitive), updates hostname only when
// the device has no custom_name, always refreshes model, and sets area
// when the HA area id is known. Vendor is not changed: HADevice carries
// no manufacturer field.
func (m *Manager) EnrichHA(ctx context.Context, haDevices []HADevice, haAreas []HAArea) error {
	areaNames := make(map[string]string, len(haAreas))
	for _, a := range haAreas {
		areaNames[a.ID] = a.Name
	}

	m.mu.Lock()
	byMAC := make(map[string]*models.TrackedDevice, len(m.devices))
	for _, t := range m.devices {
		if t.Device.MAC != "" {
			byMAC[strings.ToLower(t.Device.MAC)] = t
		}
	}

	var toPersist []models.Device

	for _, ha := range haDevices {
		tracked, ok := byMAC[strings.ToLower(ha.MAC)]
		if !ok {
			continue
		}
		d := tracked.Device
		if d.CustomName == "" && ha.Name != "" {
			d.Hostname = ha.Name
		}
		d.Model = ha.Model
		if name, ok := areaNames[ha.AreaID]; ok {
			d.Area = name
		}
		d.LastSeen = time.Now().UTC()
		tracked.Device = d
		toPersist = append(toPersist, d)
	}
	m.mu.Unlock()

	for _, d := range toPersist {
		if err := m.store.UpdateDevice(ctx, d); err != nil {
			return fmt.Errorf("update device ha enrichment: %w", err)
		}
		if err := m.publish(ctx, models.TopicDeviceUpdated, models.DeviceEventPayload{
			Device: d.ToSummary(onlineWithin, time.Now().UTC()),
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeviceByIP returns the currently tracked device for an IP, if any.
func (m *Manager) DeviceByIP(ip string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIP[ip]
	if !ok {
		return models.Device{}, false
	}
	return m.devices[id].Device, true
}

// Devices returns a snapshot of every tracked device.
func (m *Manager) Devices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, t := range m.devices {
		out = append(out, t.Device)
	}
	return out
}

// DeviceTarget pairs a tracked device with the ports discovered open on
// it, for consumers (the Scout Engine) that probe per-device, per-port.
type DeviceTarget struct {
	Device    models.Device
	OpenPorts []int
}

// DevicesWithPorts returns a snapshot of every tracked device alongside
// its currently known open ports.
func (m *Manager) DevicesWithPorts() []DeviceTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceTarget, 0, len(m.devices))
	for _, t := range m.devices {
		out = append(out, DeviceTarget{Device: t.Device, OpenPorts: setToInts(t.OpenPorts)})
	}
	return out
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) error {
	if m.bus == nil {
		return nil
	}
	_, err := m.bus.Publish(ctx, plugin.Event{Topic: topic, Source: "device", Payload: payload})
	return err
}

func setToInts(s map[int]struct{}) []int {
	out := make([]int, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

func setToStrings(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}
