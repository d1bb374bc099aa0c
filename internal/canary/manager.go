// Package canary implements the DNS Canary Monitor: a CanaryManager
// mapping canary hostnames to the credentials they were planted with,
// and a Monitor that polls the privileged DNS sniff buffer for queries
// against that hostname set (spec.md 4.10).
package canary

import (
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Registration is one planted credential's canary hostname entry.
type Registration struct {
	CanaryHostname string
	CredentialID   string
	DecoyID        string
}

// Manager is the source of truth for {hostname -> credential_id},
// updated whenever credentials are planted or removed. Lookups are
// case-insensitive and tolerate a trailing dot, matching how resolvers
// present query names.
type Manager struct {
	mu         sync.RWMutex
	byHostname map[string]Registration
}

// NewManager creates an empty CanaryManager.
func NewManager() *Manager {
	return &Manager{byHostname: make(map[string]Registration)}
}

// Register adds or replaces a canary hostname's credential mapping.
func (m *Manager) Register(r Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHostname[canonicalize(r.CanaryHostname)] = r
}

// Unregister removes a canary hostname, e.g. when its decoy is torn down.
func (m *Manager) Unregister(hostname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHostname, canonicalize(hostname))
}

// Match looks up an observed query name, returning its registration if
// it corresponds to a planted canary.
func (m *Manager) Match(queryName string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byHostname[canonicalize(queryName)]
	return r, ok
}

// Len reports how many canary hostnames are currently registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHostname)
}

// canonicalize lowercases and strips the trailing dot DNS query names
// carry: miekg/dns's CanonicalName lowercases and fully qualifies the
// name, and the trailing dot is then trimmed.
func canonicalize(hostname string) string {
	return strings.TrimSuffix(dns.CanonicalName(hostname), ".")
}
