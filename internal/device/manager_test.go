package device

import (
	"context"
	"testing"

	"github.com/squirrelops/homesensor/internal/store"
	"github.com/squirrelops/homesensor/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := db.Migrate(context.Background(), "device", Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db.DB())
	return New(s, nil, nil, nil), s
}

func TestProcess_NewDeviceIsPersistedAndTracked(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: "a4:83:e7:11:22:33"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	devices := m.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 tracked device, got %d", len(devices))
	}
	if devices[0].IP != "192.168.1.50" {
		t.Errorf("IP = %q, want 192.168.1.50", devices[0].IP)
	}
	if devices[0].Trust != models.TrustUnknown {
		t.Errorf("Trust = %q, want unknown", devices[0].Trust)
	}
}

func TestProcess_SecondScanWithSameMACUpdatesExistingDevice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mac := "a4:83:e7:11:22:33"
	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: mac}); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := m.Process(ctx, ScanResult{IP: "192.168.1.51", MAC: mac}); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	devices := m.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected still 1 tracked device after MAC-matched rescan, got %d", len(devices))
	}
	if devices[0].IP != "192.168.1.51" {
		t.Errorf("IP should have updated to 192.168.1.51, got %q", devices[0].IP)
	}
}

func TestEnrichPorts_NoopForUnknownIP(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.EnrichPorts(ctx, "10.0.0.99", []PortResult{{Port: 22}}); err != nil {
		t.Fatalf("EnrichPorts on unknown ip should be a no-op, got error: %v", err)
	}
	if len(m.Devices()) != 0 {
		t.Fatal("EnrichPorts must never create a device")
	}
}

func TestEnrichPorts_PersistsAndRecomputesFingerprint(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: "a4:83:e7:11:22:33"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	before, _ := m.DeviceByIP("192.168.1.50")

	if err := m.EnrichPorts(ctx, "192.168.1.50", []PortResult{
		{Port: 22, ServiceName: "ssh"},
		{Port: 80, ServiceName: "http"},
	}); err != nil {
		t.Fatalf("EnrichPorts: %v", err)
	}

	after, ok := m.DeviceByIP("192.168.1.50")
	if !ok {
		t.Fatal("device should still be tracked")
	}
	if !after.LastSeen.After(before.LastSeen) && after.LastSeen != before.LastSeen {
		t.Error("LastSeen should not regress after enrichment")
	}

	fps, err := s.LatestFingerprints(ctx)
	if err != nil {
		t.Fatalf("LatestFingerprints: %v", err)
	}
	row := fps[after.ID]
	if row.Fingerprint.OpenPortsHash == "" {
		t.Error("latest persisted fingerprint should carry an open_ports_hash after enrichment")
	}
	if len(row.OpenPorts) != 2 {
		t.Errorf("persisted open ports = %v, want [22 80]", row.OpenPorts)
	}
}

func TestEnrichDiscovery_NeverOverwritesCustomName(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: "a4:83:e7:11:22:33"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	d, _ := m.DeviceByIP("192.168.1.50")
	d.CustomName = "Kitchen Speaker"
	if err := s.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("seed custom name: %v", err)
	}
	// UpdateDevice does not write custom_name, so set it directly on the
	// in-memory tracked set, which is what EnrichDiscovery reads.
	m.mu.Lock()
	m.devices[d.ID].Device.CustomName = d.CustomName
	m.mu.Unlock()

	if err := m.EnrichDiscovery(ctx, "192.168.1.50", DiscoveryInfo{MDNSHostname: "some-other-name"}); err != nil {
		t.Fatalf("EnrichDiscovery: %v", err)
	}

	got, _ := m.DeviceByIP("192.168.1.50")
	if got.Hostname == "some-other-name" {
		t.Error("EnrichDiscovery must never overwrite a custom_name with a discovered hostname")
	}
}

func TestEnrichDiscovery_VendorOnlyOverwritesUnknown(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: "a4:83:e7:11:22:33"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	d, _ := m.DeviceByIP("192.168.1.50")
	d.Vendor = "Apple"
	if err := s.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("seed vendor: %v", err)
	}
	m.mu.Lock()
	m.devices[d.ID].Device.Vendor = "Apple"
	m.mu.Unlock()

	if err := m.EnrichDiscovery(ctx, "192.168.1.50", DiscoveryInfo{UPnPManufacturer: "Someone Else"}); err != nil {
		t.Fatalf("EnrichDiscovery: %v", err)
	}

	got, _ := m.DeviceByIP("192.168.1.50")
	if got.Vendor != "Apple" {
		t.Errorf("Vendor should remain Apple, got %q", got.Vendor)
	}
}

func TestEnrichHA_MatchesByMACCaseInsensitive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: "a4:83:e7:11:22:33"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	err := m.EnrichHA(ctx,
		[]HADevice{{MAC: "A4:83:E7:11:22:33", Name: "Living Room Speaker", Model: "Sonos One", AreaID: "living_room"}},
		[]HAArea{{ID: "living_room", Name: "Living Room"}},
	)
	if err != nil {
		t.Fatalf("EnrichHA: %v", err)
	}

	got, _ := m.DeviceByIP("192.168.1.50")
	if got.Hostname != "Living Room Speaker" {
		t.Errorf("Hostname = %q, want Living Room Speaker", got.Hostname)
	}
	if got.Area != "Living Room" {
		t.Errorf("Area = %q, want Living Room", got.Area)
	}
	if got.Model != "Sonos One" {
		t.Errorf("Model = %q, want Sonos One", got.Model)
	}
}

func TestLoadKnownDevices_RebuildsTrackedSetFromStore(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	if err := m.Process(ctx, ScanResult{IP: "192.168.1.50", MAC: "a4:83:e7:11:22:33"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Simulate a restart: fresh Manager over the same store.
	fresh := New(s, nil, nil, nil)
	if err := fresh.LoadKnownDevices(ctx); err != nil {
		t.Fatalf("LoadKnownDevices: %v", err)
	}
	if len(fresh.Devices()) != 1 {
		t.Fatalf("expected 1 device reloaded from store, got %d", len(fresh.Devices()))
	}
}
