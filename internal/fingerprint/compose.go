// Package fingerprint composes composite device fingerprints from raw scan
// signals and matches a candidate fingerprint against known devices.
//
// Composition follows the appliance's classifier style of deriving a
// stable hash from normalized inputs (see oui_classifier.go's pattern of
// normalizing before comparing); matching is new logic grounded on the
// same package's preference for small, pure, well-tested functions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/squirrelops/homesensor/pkg/models"
	"go.uber.org/zap"
)

// Compose builds a CompositeFingerprint from raw scan signals. Hash fields
// are stable hashes of normalized inputs: sorted int list for ports,
// sorted "ip:port" for connections, the raw DHCP option tuple as given.
func Compose(raw models.RawSignals, logger *zap.Logger) models.CompositeFingerprint {
	fp := models.CompositeFingerprint{
		MAC: normalizeMAC(raw.MAC),
	}

	if raw.MDNSHostname != "" {
		fp.MDNSHostname = NormalizeMDNSHostname(raw.MDNSHostname)
	}

	if len(raw.DHCPOptions) > 0 {
		fp.DHCPFingerprintHash = hashInts(raw.DHCPOptions)
		if logger != nil {
			logger.Debug("composed dhcp fingerprint signal",
				zap.Strings("options", dhcpOptionNames(raw.DHCPOptions)),
				zap.String("hash", fp.DHCPFingerprintHash),
			)
		}
	}

	if len(raw.Connections) > 0 {
		sorted := append([]string(nil), raw.Connections...)
		sort.Strings(sorted)
		fp.ConnectionPatternHash = hashStrings(sorted)
	}

	if len(raw.OpenPorts) > 0 {
		sorted := append([]int(nil), raw.OpenPorts...)
		sort.Ints(sorted)
		fp.OpenPortsHash = hashInts(sorted)
	}

	fp.SignalCount = countSignals(fp)
	fp.CompositeHash = compositeHash(fp)
	return fp
}

// NormalizeMDNSHostname lowercases a discovered mDNS hostname and strips a
// trailing dot and ".local" suffix, so "MacBook-Pro.local." and
// "macbook-pro.local" compare equal.
func NormalizeMDNSHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimSuffix(h, ".local")
	return h
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

func countSignals(fp models.CompositeFingerprint) int {
	n := 0
	if fp.MAC != "" {
		n++
	}
	if fp.MDNSHostname != "" {
		n++
	}
	if fp.DHCPFingerprintHash != "" {
		n++
	}
	if fp.ConnectionPatternHash != "" {
		n++
	}
	if fp.OpenPortsHash != "" {
		n++
	}
	return n
}

// compositeHash hashes the ordered tuple of signal fields, so two
// fingerprints with identical signals in the same field order always hash
// equal regardless of insertion order of the raw inputs.
func compositeHash(fp models.CompositeFingerprint) string {
	tuple := strings.Join([]string{
		fp.MAC,
		fp.MDNSHostname,
		fp.DHCPFingerprintHash,
		fp.ConnectionPatternHash,
		fp.OpenPortsHash,
	}, "|")
	return hashString(tuple)
}

func hashInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return hashStrings(parts)
}

func hashStrings(v []string) string {
	return hashString(strings.Join(v, ","))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// dhcpOptionNames renders numeric DHCP option codes by name for structured
// logging only -- the hash itself is always computed over the raw numeric
// tuple, never over these names, so renaming or reordering here can never
// change a composite hash.
func dhcpOptionNames(codes []int) []string {
	names := make([]string, len(codes))
	for i, c := range codes {
		if c < 0 || c > 255 {
			names[i] = fmt.Sprintf("option(%d)", c)
			continue
		}
		names[i] = dhcpv4.GenericOptionCode(c).String()
	}
	return names
}
