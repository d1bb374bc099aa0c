package mimic

import (
	"context"
	"sync"
)

// Advertiser is the abstract mDNS advertisement surface the Mimic
// Orchestrator uses to register and withdraw a mimic's hostname.
//
// Like ops.Ops and scan.Discovery, the real implementation needs a live
// multicast-capable network interface and is out of scope here; every
// orchestrator method that touches mDNS only ever depends on this
// interface. FakeAdvertiser, seeded directly by callers, is the only
// implementation carried in this repository.
type Advertiser interface {
	// Register advertises hostname (e.g. "ipcam-a1b2c3d4.local") as
	// serviceType (e.g. "_http._tcp") at ip:port.
	Register(ctx context.Context, hostname, serviceType, ip string, port int) error
	// Unregister withdraws a previously registered hostname. Unregistering
	// a hostname that was never registered is a no-op.
	Unregister(ctx context.Context, hostname string) error
}

// FakeAdvertiser is an in-memory Advertiser for tests and local/dev
// wiring. Safe for concurrent use.
type FakeAdvertiser struct {
	mu sync.Mutex

	RegisterErr   error
	registrations map[string]fakeMDNSRegistration
}

type fakeMDNSRegistration struct {
	ServiceType string
	IP          string
	Port        int
}

// NewFakeAdvertiser creates an empty FakeAdvertiser.
func NewFakeAdvertiser() *FakeAdvertiser {
	return &FakeAdvertiser{registrations: make(map[string]fakeMDNSRegistration)}
}

func (f *FakeAdvertiser) Register(_ context.Context, hostname, serviceType, ip string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.registrations[hostname] = fakeMDNSRegistration{ServiceType: serviceType, IP: ip, Port: port}
	return nil
}

func (f *FakeAdvertiser) Unregister(_ context.Context, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registrations, hostname)
	return nil
}

// Registered reports whether hostname currently has an active registration,
// for test assertions.
func (f *FakeAdvertiser) Registered(hostname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registrations[hostname]
	return ok
}

var _ Advertiser = (*FakeAdvertiser)(nil)
