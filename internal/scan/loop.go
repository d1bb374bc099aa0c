// Package scan implements the sensor's three-phase scan loop: ARP
// discovery, port scan with auto-deploy and security analysis, and
// conditional Home Assistant or mDNS/SSDP enrichment.
//
// The phase structure and "phase 2/3 failures never block phase 1"
// invariant are new to this sensor. The Phase 2 port sweep itself is
// handed to ops.ServiceScan, and the overall Start/Stop/interval-loop
// shape follows the teacher's internal/recon/scheduler.go.
package scan

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/squirrelops/homesensor/internal/device"
	"github.com/squirrelops/homesensor/internal/metrics"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FixedPorts is the 24-port list scanned in every Phase 2 cycle, per
// spec.md 4.4.
var FixedPorts = []int{
	22, 53, 80, 443, 445, 548, 554, 631, 993, 995, 3000, 3001,
	3389, 5000, 5173, 5353, 5900, 8000, 8080, 8123, 8443, 8888, 9090, 49152,
}

// DecoyOrchestrator is the subset of the Decoy Orchestrator the scan loop
// depends on. Wired optionally; Phase 2 skips auto-deploy if nil.
type DecoyOrchestrator interface {
	AutoDeploy(ctx context.Context, discoveredServices []DiscoveredService) error
	HasDecoys(ctx context.Context) (bool, error)
}

// DiscoveredService is one open port discovered during Phase 2, passed to
// DecoyOrchestrator.AutoDeploy as a candidate for decoy placement.
type DiscoveredService struct {
	IP   string
	Port int
}

// SecurityAnalyzer is the subset of the (out-of-repo) Security Analyzer the
// scan loop depends on. Wired optionally; Phase 2 skips analysis if nil.
type SecurityAnalyzer interface {
	AnalyzeDevices(ctx context.Context, devices []models.Device) error
}

// HAClient is the Home Assistant HTTP client surface Phase 3 depends on.
type HAClient interface {
	GetDevices(ctx context.Context) ([]device.HADevice, error)
	GetAreas(ctx context.Context) ([]device.HAArea, error)
}

// HAClientFactory builds (or rebuilds) an HAClient from live config. Called
// when the HA url or token differs from the previous cycle's, or when HA is
// live and no client is held, so the loop can react to HA config changes
// without a restart, per spec.md 4.4's "HA client liveness" rule.
type HAClientFactory func(cfg HAConfig) HAClient

// HAConfig is the live (hot-reloadable) subset of Home Assistant config
// the loop re-reads before every Phase 3.
type HAConfig struct {
	Enabled bool
	URL     string
	Token   string
}

func (c HAConfig) live() bool {
	return c.Enabled && c.URL != "" && c.Token != ""
}

func (c HAConfig) changedFrom(other HAConfig) bool {
	return c.URL != other.URL || c.Token != other.Token
}

// Discovery is the mDNS/SSDP Phase-3 fallback surface.
type Discovery interface {
	MDNSBrowse(ctx context.Context) ([]DiscoveryHit, error)
	SSDPScan(ctx context.Context) ([]DiscoveryHit, error)
}

// DiscoveryHit is one IP's discovery-layer metadata from mDNS or SSDP.
type DiscoveryHit struct {
	IP               string
	MDNSHostname     string
	UPnPFriendlyName string
	UPnPManufacturer string
	UPnPModelName    string
}

// Loop drives the recurring three-phase scan cycle.
type Loop struct {
	ops     ops.Ops
	manager *device.Manager
	bus     plugin.EventBus
	logger  *zap.Logger

	subnet   *net.IPNet
	interval time.Duration
	limiter  *rate.Limiter

	decoys     DecoyOrchestrator
	security   SecurityAnalyzer
	haFactory  HAClientFactory
	haConfigFn func() HAConfig
	discovery  Discovery

	mu        sync.Mutex
	lastHACfg HAConfig
	haClient  HAClient

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config controls Loop construction.
type Config struct {
	Subnet            *net.IPNet
	Interval          time.Duration
	PortScanRateLimit rate.Limit // rate of the limiter each Phase-2 sweep takes one token from
	PortScanBurst     int
	Decoys            DecoyOrchestrator
	Security          SecurityAnalyzer
	HAClientFactory   HAClientFactory
	HAConfigSource    func() HAConfig
	Discovery         Discovery
}

// New builds a Loop. ops/manager/bus/logger are required; the rest are
// optional collaborators wired per spec.md 4.4's "if wired" language.
func New(o ops.Ops, manager *device.Manager, bus plugin.EventBus, logger *zap.Logger, cfg Config) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	limit := cfg.PortScanRateLimit
	if limit <= 0 {
		limit = rate.Limit(200) // sweeps/sec
	}
	burst := cfg.PortScanBurst
	if burst <= 0 {
		burst = 50
	}

	return &Loop{
		ops:        o,
		manager:    manager,
		bus:        bus,
		logger:     logger,
		subnet:     cfg.Subnet,
		interval:   cfg.Interval,
		limiter:    rate.NewLimiter(limit, burst),
		decoys:     cfg.Decoys,
		security:   cfg.Security,
		haFactory:  cfg.HAClientFactory,
		haConfigFn: cfg.HAConfigSource,
		discovery:  cfg.Discovery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (l *Loop) Name() string { return "scan" }

// Start runs the cycle loop in a background goroutine until Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	go l.run(ctx)
	return nil
}

func (l *Loop) Stop(ctx context.Context) error {
	close(l.stopCh)
	select {
	case <-l.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)
	for {
		l.RunOnce(ctx)
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

// RunOnce executes a single scan cycle, synchronously. Exported so tests
// and an on-demand "scan now" admin action can drive a cycle directly.
func (l *Loop) RunOnce(ctx context.Context) {
	start := time.Now()

	ips, err := l.phase1(ctx)
	if err != nil {
		l.logger.Error("phase 1 arp discovery failed", zap.Error(err))
		l.publishScanComplete(ctx, 0, time.Since(start), 0)
		return
	}

	l.phase2(ctx, ips)
	l.phase3(ctx)

	l.publishScanComplete(ctx, len(l.manager.Devices()), time.Since(start), len(ips))
}

func (l *Loop) phase1(ctx context.Context) ([]string, error) {
	hosts, err := l.ops.ArpScan(ctx, l.subnet)
	if err != nil {
		return nil, err
	}

	ips := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if err := l.manager.Process(ctx, device.ScanResult{IP: h.IP, MAC: h.MAC}); err != nil {
			l.logger.Warn("device manager processing failed",
				zap.String("ip", h.IP), zap.Error(err))
			continue
		}
		ips = append(ips, h.IP)
	}
	return ips, nil
}

func (l *Loop) phase2(ctx context.Context, ips []string) {
	results := l.scanPorts(ctx, ips)

	var discovered []DiscoveredService
	for ip, ports := range results {
		portResults := make([]device.PortResult, len(ports))
		for i, b := range ports {
			portResults[i] = device.PortResult{Port: b.Port, Banner: b.Banner}
			discovered = append(discovered, DiscoveredService{IP: ip, Port: b.Port})
		}
		if err := l.manager.EnrichPorts(ctx, ip, portResults); err != nil {
			l.logger.Warn("enrich_device_ports failed", zap.String("ip", ip), zap.Error(err))
		}
	}

	if l.decoys != nil {
		has, err := l.decoys.HasDecoys(ctx)
		if err != nil {
			l.logger.Warn("decoy existence check failed", zap.Error(err))
		} else if !has {
			if err := l.decoys.AutoDeploy(ctx, discovered); err != nil {
				l.logger.Warn("decoy auto-deploy failed", zap.Error(err))
			}
		}
	}

	if l.security != nil {
		devicesWithPorts := l.manager.Devices()
		if err := l.security.AnalyzeDevices(ctx, devicesWithPorts); err != nil {
			l.logger.Warn("security analysis failed", zap.Error(err))
		}
	}
}

// scanPorts takes one token from the limiter, then hands every host and
// the fixed port list to ops.ServiceScan in a single call and groups the
// banners by IP. The limiter paces whole sweeps, not single connections;
// how many connections a sweep opens at once is up to the Ops backend.
func (l *Loop) scanPorts(ctx context.Context, ips []string) map[string][]ops.ServiceBanner {
	out := make(map[string][]ops.ServiceBanner)
	if len(ips) == 0 {
		return out
	}

	if err := l.limiter.WaitN(ctx, 1); err != nil {
		return out
	}

	banners, err := l.ops.ServiceScan(ctx, ips, FixedPorts)
	if err != nil {
		l.logger.Warn("phase 2 service scan failed", zap.Error(err))
		return out
	}

	for _, b := range banners {
		out[b.IP] = append(out[b.IP], b)
	}
	for ip := range out {
		sort.Slice(out[ip], func(i, j int) bool { return out[ip][i].Port < out[ip][j].Port })
	}
	return out
}

func (l *Loop) phase3(ctx context.Context) {
	cfg := HAConfig{}
	if l.haConfigFn != nil {
		cfg = l.haConfigFn()
	}

	l.mu.Lock()
	if cfg.changedFrom(l.lastHACfg) || (!cfg.live() && l.haClient != nil) || (cfg.live() && l.haClient == nil) {
		if cfg.live() && l.haFactory != nil {
			l.haClient = l.haFactory(cfg)
		} else {
			l.haClient = nil
		}
	}
	l.lastHACfg = cfg
	client := l.haClient
	l.mu.Unlock()

	if cfg.live() && client != nil {
		if l.phase3HA(ctx, client) {
			return
		}
		l.logger.Warn("ha enrichment failed, falling back to mdns/ssdp")
	}

	l.phase3Discovery(ctx)
}

func (l *Loop) phase3HA(ctx context.Context, client HAClient) bool {
	var (
		wg                    sync.WaitGroup
		devices               []device.HADevice
		areas                 []device.HAArea
		devicesErr, areasErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		devices, devicesErr = client.GetDevices(ctx)
	}()
	go func() {
		defer wg.Done()
		areas, areasErr = client.GetAreas(ctx)
	}()
	wg.Wait()

	if err := errors.Join(devicesErr, areasErr); err != nil {
		l.logger.Warn("ha client call failed", zap.Error(err))
		return false
	}

	if err := l.manager.EnrichHA(ctx, devices, areas); err != nil {
		l.logger.Warn("enrich_device_ha failed", zap.Error(err))
		return false
	}
	return true
}

func (l *Loop) phase3Discovery(ctx context.Context) {
	if l.discovery == nil {
		return
	}

	var (
		wg                 sync.WaitGroup
		mdnsHits, ssdpHits []DiscoveryHit
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		hits, err := l.discovery.MDNSBrowse(ctx)
		if err != nil {
			l.logger.Warn("mdns browse failed", zap.Error(err))
			return
		}
		mdnsHits = hits
	}()
	go func() {
		defer wg.Done()
		hits, err := l.discovery.SSDPScan(ctx)
		if err != nil {
			l.logger.Warn("ssdp scan failed", zap.Error(err))
			return
		}
		ssdpHits = hits
	}()
	wg.Wait()

	merged := make(map[string]DiscoveryHit)
	for _, h := range mdnsHits {
		merged[h.IP] = mergeHit(merged[h.IP], h)
	}
	for _, h := range ssdpHits {
		merged[h.IP] = mergeHit(merged[h.IP], h)
	}

	for ip, hit := range merged {
		info := device.DiscoveryInfo{
			MDNSHostname:     hit.MDNSHostname,
			UPnPFriendlyName: hit.UPnPFriendlyName,
			UPnPManufacturer: hit.UPnPManufacturer,
			UPnPModelName:    hit.UPnPModelName,
		}
		if err := l.manager.EnrichDiscovery(ctx, ip, info); err != nil {
			l.logger.Warn("enrich_device_discovery failed", zap.String("ip", ip), zap.Error(err))
		}
	}
}

func mergeHit(existing, incoming DiscoveryHit) DiscoveryHit {
	existing.IP = incoming.IP
	if incoming.MDNSHostname != "" {
		existing.MDNSHostname = incoming.MDNSHostname
	}
	if incoming.UPnPFriendlyName != "" {
		existing.UPnPFriendlyName = incoming.UPnPFriendlyName
	}
	if incoming.UPnPManufacturer != "" {
		existing.UPnPManufacturer = incoming.UPnPManufacturer
	}
	if incoming.UPnPModelName != "" {
		existing.UPnPModelName = incoming.UPnPModelName
	}
	return existing
}

func (l *Loop) publishScanComplete(ctx context.Context, deviceCount int, dur time.Duration, hostsDiscovered int) {
	metrics.Get().ScanCyclesTotal.Inc()
	metrics.Get().ScanDurationSec.Observe(dur.Seconds())
	metrics.Get().HostsDiscovered.Set(float64(hostsDiscovered))

	if l.bus == nil {
		return
	}
	_, err := l.bus.Publish(ctx, plugin.Event{
		Topic:  models.TopicSystemScanComplete,
		Source: "scan",
		Payload: models.ScanCompletePayload{
			DeviceCount:     deviceCount,
			ScanDurationMS:  dur.Milliseconds(),
			HostsDiscovered: hostsDiscovered,
		},
	})
	if err != nil {
		l.logger.Warn("publish scan_complete failed", zap.Error(err))
	}
}

var _ plugin.Component = (*Loop)(nil)
