package models

import "time"

// ServiceProfile is the scout's observation of one (device, port, protocol)
// endpoint. Fields are nullable in storage terms: a later scout pass may
// fill in a field a previous pass could not reach, but must never blank
// out a previously-observed value (COALESCE semantics on upsert).
type ServiceProfile struct {
	ID            int64      `json:"id,omitempty"`
	DeviceID      string     `json:"device_id"`
	Port          int        `json:"port"`
	Protocol      string     `json:"protocol"` // "http", "tls", "banner"
	HTTPStatus    *int       `json:"http_status,omitempty"`
	HTTPHeaders   string     `json:"http_headers,omitempty"` // JSON-encoded
	BodySnippet   string     `json:"body_snippet,omitempty"`
	ServerHeader  string     `json:"server_header,omitempty"`
	FaviconMD5    string     `json:"favicon_md5,omitempty"`
	TLSCommonName string     `json:"tls_common_name,omitempty"`
	TLSIssuerOrg  string     `json:"tls_issuer_org,omitempty"`
	TLSNotAfter   *time.Time `json:"tls_not_after,omitempty"`
	Banner        string     `json:"banner,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MimicTemplate is derived from a set of ServiceProfiles for one source
// device: everything the Mimic Orchestrator needs to clone its observable
// behavior onto a virtual IP.
type MimicTemplate struct {
	ID              string            `json:"id"`
	SourceDeviceID  string            `json:"source_device_id"`
	Routes          map[int]RouteSpec `json:"routes"` // port -> route spec
	ServerHeader    string            `json:"server_header,omitempty"`
	CredentialTypes []CredentialType  `json:"credential_types"`
	MDNSServiceType string            `json:"mdns_service_type,omitempty"`
	MDNSName        string            `json:"mdns_name,omitempty"`
	DeviceCategory  string            `json:"device_category"`
}

// RouteSpec is one HTTP route a mimic serves, captured from a scout probe.
type RouteSpec struct {
	Path        string `json:"path"`
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
}

// VirtualIPState is the lifecycle of one pool entry.
type VirtualIPState string

const (
	VIPFree      VirtualIPState = "free"
	VIPAllocated VirtualIPState = "allocated"
	VIPAliased   VirtualIPState = "aliased"
)

// VirtualIP is a sensor-owned, sensor-attached address used to host one
// mimic. Pool is a bounded range on the sensor's subnet.
type VirtualIP struct {
	IP        string         `json:"ip"`
	Interface string         `json:"interface"`
	DecoyID   string         `json:"decoy_id,omitempty"`
	State     VirtualIPState `json:"state"`
}

// DeviceCategoryRank orders mimic candidate selection: smart_home, camera,
// media, printer, then other.
func DeviceCategoryRank(category string) int {
	switch category {
	case DeviceTypeSmartHome:
		return 0
	case DeviceTypeCamera:
		return 1
	case DeviceTypeMedia:
		return 2
	case DeviceTypePrinter:
		return 3
	default:
		return 4
	}
}
