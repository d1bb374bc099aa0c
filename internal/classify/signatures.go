// Package classify maps a composite fingerprint to a manufacturer and device
// type, local-first with an optional LLM fallback for unrecognized
// manufacturers. The local table is an immutable in-process asset loaded
// once at startup, following the teacher's NewOUITable/ouiClassificationRules
// pattern in internal/recon/oui_classifier.go.
package classify

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/squirrelops/homesensor/pkg/models"
)

//go:embed signatures.json
var signaturesFS embed.FS

// Source identifies which path produced a classification result.
type Source string

const (
	SourceLocal   Source = "local"
	SourceLLM     Source = "llm"
	SourceUnknown Source = "unknown"
)

// Result is the classifier's verdict for one fingerprint.
type Result struct {
	Manufacturer string
	DeviceType   string
	Model        string
	Confidence   float64
	Source       Source
}

type deviceTypePattern struct {
	DeviceType string   `json:"device_type"`
	Patterns   []string `json:"patterns"`
}

type signatureTable struct {
	OUIPrefixes        map[string]string   `json:"oui_prefixes"`
	DeviceTypePatterns []deviceTypePattern `json:"device_type_patterns"`
}

// Table is the loaded, immutable signature database.
type Table struct {
	ouiPrefixes map[string]string
	patterns    []deviceTypePattern
}

// Load parses the packaged signatures.json asset. It is called once at
// startup; the returned Table is safe for concurrent read-only use.
func Load() (*Table, error) {
	raw, err := signaturesFS.ReadFile("signatures.json")
	if err != nil {
		return nil, fmt.Errorf("classify: read embedded signatures: %w", err)
	}

	var st signatureTable
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("classify: parse embedded signatures: %w", err)
	}

	normalized := make(map[string]string, len(st.OUIPrefixes))
	for prefix, vendor := range st.OUIPrefixes {
		normalized[strings.ToLower(prefix)] = vendor
	}

	return &Table{
		ouiPrefixes: normalized,
		patterns:    st.DeviceTypePatterns,
	}, nil
}

// ManufacturerForMAC returns the vendor name for a MAC's OUI prefix (first
// three octets), or "" if unrecognized.
func (t *Table) ManufacturerForMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	parts := strings.Split(mac, ":")
	if len(parts) < 3 {
		return ""
	}
	prefix := strings.Join(parts[:3], ":")
	return t.ouiPrefixes[prefix]
}

// DeviceTypeForManufacturer returns a device type hint based on manufacturer
// name patterns, matched case-insensitively via substring search. Rules are
// evaluated in declaration order so more specific patterns must be listed
// before broader ones in signatures.json. Returns models.DeviceTypeUnknown
// if nothing matches.
func (t *Table) DeviceTypeForManufacturer(manufacturer string) string {
	if manufacturer == "" {
		return models.DeviceTypeUnknown
	}
	lower := strings.ToLower(manufacturer)
	for _, rule := range t.patterns {
		for _, pattern := range rule.Patterns {
			if strings.Contains(lower, pattern) {
				return rule.DeviceType
			}
		}
	}
	return models.DeviceTypeUnknown
}
