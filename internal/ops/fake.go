package ops

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Fake is an in-memory Ops implementation for tests and local development.
// It never touches the real network or OS; callers seed its behavior
// directly. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	ARPResult     []HostMAC
	ARPErr        error
	BannerResult  []ServiceBanner
	BannerErr     error
	dnsQueries    []DNSQuery
	sniffStarted  bool
	aliases       map[string]bool // "ip@iface" -> aliased
	forwardRules  []ForwardRule
	forwardsSetUp bool
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{aliases: make(map[string]bool)}
}

func (f *Fake) ArpScan(_ context.Context, _ *net.IPNet) ([]HostMAC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ARPErr != nil {
		return nil, f.ARPErr
	}
	out := make([]HostMAC, len(f.ARPResult))
	copy(out, f.ARPResult)
	return out, nil
}

func (f *Fake) ServiceScan(_ context.Context, _ []string, _ []int) ([]ServiceBanner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BannerErr != nil {
		return nil, f.BannerErr
	}
	out := make([]ServiceBanner, len(f.BannerResult))
	copy(out, f.BannerResult)
	return out, nil
}

func (f *Fake) BindListener(_ context.Context, address string, port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
}

func (f *Fake) StartDNSSniff(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sniffStarted = true
	return nil
}

func (f *Fake) StopDNSSniff(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sniffStarted = false
	return nil
}

func (f *Fake) GetDNSQueries(_ context.Context, since time.Time) ([]DNSQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []DNSQuery
	for _, q := range f.dnsQueries {
		if q.Timestamp.After(since) {
			out = append(out, q)
		}
	}
	return out, nil
}

// InjectDNSQuery lets a test simulate the privileged helper observing a
// DNS query, as if wired into a real capture backend.
func (f *Fake) InjectDNSQuery(q DNSQuery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dnsQueries = append(f.dnsQueries, q)
}

func (f *Fake) AddIPAlias(_ context.Context, ip, iface, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[ip+"@"+iface] = true
	return true, nil
}

func (f *Fake) RemoveIPAlias(_ context.Context, ip, iface string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aliases, ip+"@"+iface)
	return true, nil
}

// HasAlias reports whether ip is currently aliased on iface.
func (f *Fake) HasAlias(ip, iface string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliases[ip+"@"+iface]
}

func (f *Fake) SetupPortForwards(_ context.Context, rules []ForwardRule, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardRules = append(f.forwardRules, rules...)
	f.forwardsSetUp = true
	return true, nil
}

func (f *Fake) ClearPortForwards(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardRules = nil
	f.forwardsSetUp = false
	return true, nil
}

var _ Ops = (*Fake)(nil)
