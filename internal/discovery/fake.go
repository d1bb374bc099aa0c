// Package discovery provides the mDNS/SSDP Phase-3 fallback collaborator
// scan.Loop uses when Home Assistant is not configured (spec.md 4.4).
//
// Like internal/ops, the real backend is multicast-listener code that is
// inherently environment-dependent -- it needs a live network interface
// joined to the right multicast groups -- so it is reached entirely
// through scan.Discovery. Fake, seeded directly by callers, is the only
// implementation carried in this repository.
package discovery

import (
	"context"
	"sync"

	"github.com/squirrelops/homesensor/internal/scan"
)

// Fake is an in-memory scan.Discovery implementation for tests and
// local/dev wiring. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	MDNSResult []scan.DiscoveryHit
	MDNSErr    error
	SSDPResult []scan.DiscoveryHit
	SSDPErr    error

	mdnsCalls int
	ssdpCalls int
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) MDNSBrowse(_ context.Context) ([]scan.DiscoveryHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mdnsCalls++
	if f.MDNSErr != nil {
		return nil, f.MDNSErr
	}
	out := make([]scan.DiscoveryHit, len(f.MDNSResult))
	copy(out, f.MDNSResult)
	return out, nil
}

func (f *Fake) SSDPScan(_ context.Context) ([]scan.DiscoveryHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssdpCalls++
	if f.SSDPErr != nil {
		return nil, f.SSDPErr
	}
	out := make([]scan.DiscoveryHit, len(f.SSDPResult))
	copy(out, f.SSDPResult)
	return out, nil
}

// MDNSCalls reports how many times MDNSBrowse has been invoked.
func (f *Fake) MDNSCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mdnsCalls
}

// SSDPCalls reports how many times SSDPScan has been invoked.
func (f *Fake) SSDPCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ssdpCalls
}

var _ scan.Discovery = (*Fake)(nil)
