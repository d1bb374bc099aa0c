// Package ops defines the abstract Privileged Operations interface the
// rest of the sensor talks to for anything that needs elevated OS
// privileges: raw ARP sweeps, service banner scanning, binding listeners
// on privileged ports, DNS query sniffing, IP aliasing, and port-forward
// rule management.
//
// The real implementation is a separate, platform-specific privileged
// helper process and is explicitly out of scope for this module -- every
// other component here only ever depends on the Ops interface, never on
// a concrete backend. Fake, used by tests and local/dev wiring, is the
// only implementation that lives in this repository.
package ops

import (
	"context"
	"net"
	"time"
)

// HostMAC is one ARP resolution.
type HostMAC struct {
	IP  string
	MAC string
}

// ServiceBanner is one banner capture from a targeted service scan.
type ServiceBanner struct {
	IP     string
	Port   int
	Banner string
}

// ForwardRule is one DNAT rule: traffic to FromIP:FromPort is redirected
// to ToIP:ToPort. The iptables/pfctl chain name is a fixed literal owned
// entirely by the privileged helper; callers never see or choose it.
type ForwardRule struct {
	FromIP   string
	FromPort int
	ToIP     string
	ToPort   int
}

// DNSQuery is one observed DNS query name, as reported by the privileged
// helper's sniffer.
type DNSQuery struct {
	QueryName string
	SourceIP  string
	Timestamp time.Time
}

// Ops is the Privileged Operations interface consumed by the scan loop,
// decoy orchestrator, mimic orchestrator, and DNS canary monitor. Every
// method is a suspension point (RPC over a Unix socket in the real
// backend) with a default timeout of 30s unless noted otherwise.
type Ops interface {
	// ArpScan resolves IP->MAC bindings for every host that answers on
	// subnet. Returns an empty slice (never an error the caller must
	// special-case) when the sweep finds nothing.
	ArpScan(ctx context.Context, subnet *net.IPNet) ([]HostMAC, error)

	// ServiceScan captures banners for the given targets and ports.
	// Per-port timeout is 2s; unreachable ports are simply absent from
	// the result, not errors.
	ServiceScan(ctx context.Context, targets []string, ports []int) ([]ServiceBanner, error)

	// BindListener opens a listening socket on address:port. Every decoy
	// and mimic listener is opened through it, whatever the port; ports
	// below 1024 are the ones an unprivileged process cannot bind directly.
	BindListener(ctx context.Context, address string, port int) (net.Listener, error)

	// StartDNSSniff / StopDNSSniff / GetDNSQueries manage the DNS query
	// capture buffer the canary monitor polls. GetDNSQueries returns
	// queries observed strictly after since.
	StartDNSSniff(ctx context.Context, iface string) error
	StopDNSSniff(ctx context.Context) error
	GetDNSQueries(ctx context.Context, since time.Time) ([]DNSQuery, error)

	// AddIPAlias / RemoveIPAlias manage secondary IPs on an interface.
	// The mimic Orchestrator, which also drives the virtual IP pool in
	// mimic.Store, is the only caller in this module.
	AddIPAlias(ctx context.Context, ip, iface, mask string) (bool, error)
	RemoveIPAlias(ctx context.Context, ip, iface string) (bool, error)

	// SetupPortForwards / ClearPortForwards manage the sensor's single
	// dedicated DNAT chain. ClearPortForwards flushes that chain only.
	SetupPortForwards(ctx context.Context, rules []ForwardRule, iface string) (bool, error)
	ClearPortForwards(ctx context.Context) (bool, error)
}
