package scan

import (
	"context"
	"testing"

	"github.com/squirrelops/homesensor/internal/device"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/internal/store"
)

func newTestLoop(t *testing.T, o *ops.Fake, cfg Config) (*Loop, *device.Manager) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := db.Migrate(context.Background(), "device", device.Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := device.NewStore(db.DB())
	m := device.New(s, nil, nil, nil)

	return New(o, m, nil, nil, cfg), m
}

func TestRunOnce_Phase1PersistsDiscoveredDevices(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{
		{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"},
		{IP: "192.168.1.11", MAC: "aa:bb:cc:dd:ee:02"},
	}

	l, m := newTestLoop(t, o, Config{})
	l.RunOnce(context.Background())

	if len(m.Devices()) != 2 {
		t.Fatalf("expected 2 devices tracked after phase 1, got %d", len(m.Devices()))
	}
}

func TestRunOnce_ARPErrorSkipsLaterPhasesWithoutPanicking(t *testing.T) {
	o := ops.NewFake()
	o.ARPErr = errFakeARP{}

	l, m := newTestLoop(t, o, Config{})
	l.RunOnce(context.Background())

	if len(m.Devices()) != 0 {
		t.Fatalf("expected no devices tracked when ARP scan fails, got %d", len(m.Devices()))
	}
}

type errFakeARP struct{}

func (errFakeARP) Error() string { return "arp scan failed" }

func TestRunOnce_Phase2EnrichesPortsForDiscoveredHosts(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"}}
	o.BannerResult = []ops.ServiceBanner{
		{IP: "192.168.1.10", Port: 22, Banner: "SSH-2.0-OpenSSH"},
		{IP: "192.168.1.10", Port: 80, Banner: "nginx"},
	}

	l, m := newTestLoop(t, o, Config{})
	l.RunOnce(context.Background())

	d, ok := m.DeviceByIP("192.168.1.10")
	if !ok {
		t.Fatal("device should be tracked after phase 1")
	}
	var ports []int
	for _, target := range m.DevicesWithPorts() {
		if target.Device.ID == d.ID {
			ports = target.OpenPorts
		}
	}
	if len(ports) != 2 {
		t.Fatalf("open ports after phase 2 = %v, want 22 and 80", ports)
	}
}

type fakeDecoyOrchestrator struct {
	has           bool
	autoDeployed  []DiscoveredService
	autoDeployErr error
}

func (f *fakeDecoyOrchestrator) HasDecoys(context.Context) (bool, error) { return f.has, nil }

func (f *fakeDecoyOrchestrator) AutoDeploy(_ context.Context, svcs []DiscoveredService) error {
	if f.autoDeployErr != nil {
		return f.autoDeployErr
	}
	f.autoDeployed = svcs
	return nil
}

func TestRunOnce_AutoDeploySkippedWhenDecoysAlreadyExist(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"}}
	o.BannerResult = []ops.ServiceBanner{{IP: "192.168.1.10", Port: 8080}}

	decoys := &fakeDecoyOrchestrator{has: true}
	l, _ := newTestLoop(t, o, Config{Decoys: decoys})
	l.RunOnce(context.Background())

	if decoys.autoDeployed != nil {
		t.Fatal("AutoDeploy should not run when HasDecoys reports true")
	}
}

func TestRunOnce_AutoDeployRunsWhenNoDecoysExist(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"}}
	o.BannerResult = []ops.ServiceBanner{{IP: "192.168.1.10", Port: 8080}}

	decoys := &fakeDecoyOrchestrator{has: false}
	l, _ := newTestLoop(t, o, Config{Decoys: decoys})
	l.RunOnce(context.Background())

	if len(decoys.autoDeployed) != 1 || decoys.autoDeployed[0].Port != 8080 {
		t.Fatalf("expected AutoDeploy to receive the discovered 8080 service, got %+v", decoys.autoDeployed)
	}
}

type fakeHAClient struct {
	devices []device.HADevice
	areas   []device.HAArea
	err     error
}

func (f *fakeHAClient) GetDevices(context.Context) ([]device.HADevice, error) { return f.devices, f.err }
func (f *fakeHAClient) GetAreas(context.Context) ([]device.HAArea, error)     { return f.areas, f.err }

func TestRunOnce_Phase3UsesHAWhenConfigLive(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"}}

	ha := &fakeHAClient{
		devices: []device.HADevice{{MAC: "aa:bb:cc:dd:ee:01", Name: "Living Room Plug"}},
	}
	cfg := Config{
		HAClientFactory: func(HAConfig) HAClient { return ha },
		HAConfigSource:  func() HAConfig { return HAConfig{Enabled: true, URL: "http://ha.local", Token: "tok"} },
	}
	l, m := newTestLoop(t, o, cfg)
	l.RunOnce(context.Background())

	d, ok := m.DeviceByIP("192.168.1.10")
	if !ok {
		t.Fatal("device should be tracked")
	}
	if d.Hostname != "Living Room Plug" {
		t.Errorf("Hostname = %q, want HA-enriched name", d.Hostname)
	}
}

type fakeDiscovery struct {
	mdns []DiscoveryHit
	ssdp []DiscoveryHit
}

func (f *fakeDiscovery) MDNSBrowse(context.Context) ([]DiscoveryHit, error) { return f.mdns, nil }
func (f *fakeDiscovery) SSDPScan(context.Context) ([]DiscoveryHit, error)   { return f.ssdp, nil }

func TestRunOnce_Phase3FallsBackToDiscoveryWhenHANotConfigured(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"}}

	disc := &fakeDiscovery{
		mdns: []DiscoveryHit{{IP: "192.168.1.10", MDNSHostname: "kitchen-speaker.local"}},
	}
	l, m := newTestLoop(t, o, Config{Discovery: disc})
	l.RunOnce(context.Background())

	d, ok := m.DeviceByIP("192.168.1.10")
	if !ok {
		t.Fatal("device should be tracked")
	}
	if d.Hostname != "kitchen-speaker.local" {
		t.Errorf("Hostname = %q, want mdns-discovered hostname", d.Hostname)
	}
}

func TestRunOnce_Phase3FallsBackToDiscoveryWhenHAFails(t *testing.T) {
	o := ops.NewFake()
	o.ARPResult = []ops.HostMAC{{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"}}

	ha := &fakeHAClient{err: errFakeHA{}}
	disc := &fakeDiscovery{
		ssdp: []DiscoveryHit{{IP: "192.168.1.10", UPnPFriendlyName: "Fallback Name"}},
	}
	cfg := Config{
		HAClientFactory: func(HAConfig) HAClient { return ha },
		HAConfigSource:  func() HAConfig { return HAConfig{Enabled: true, URL: "http://ha.local", Token: "tok"} },
		Discovery:       disc,
	}
	l, m := newTestLoop(t, o, cfg)
	l.RunOnce(context.Background())

	d, ok := m.DeviceByIP("192.168.1.10")
	if !ok {
		t.Fatal("device should be tracked")
	}
	if d.Hostname != "Fallback Name" {
		t.Errorf("Hostname = %q, want discovery fallback name after HA failure", d.Hostname)
	}
}

type errFakeHA struct{}

func (errFakeHA) Error() string { return "ha unreachable" }
