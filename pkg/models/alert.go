package models

import "time"

// Severity is ordered low < medium < high < critical. Incident severity
// never de-escalates: it always holds max(severity) of its alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal rank of a severity, low=0..critical=3. Unknown
// values rank below low so they never win a max() comparison.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// MaxSeverity returns whichever of a, b ranks higher.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Alert is a single observation worth surfacing to the homeowner. Every
// alert with a non-null SourceIP is assigned to exactly one incident
// within its lifetime.
type Alert struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id,omitempty"`
	AlertType   string     `json:"alert_type"`
	Severity    Severity   `json:"severity"`
	Title       string     `json:"title"`
	Detail      string     `json:"detail"`
	SourceIP    string     `json:"source_ip,omitempty"`
	SourceMAC   string     `json:"source_mac,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	DecoyID     string     `json:"decoy_id,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ActionedAt  *time.Time `json:"actioned_at,omitempty"`
	ActionNote  string     `json:"action_note,omitempty"`
	EventSeq    int64      `json:"event_seq,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IncidentStatus is either active or closed. Closed incidents are immutable.
type IncidentStatus string

const (
	IncidentActive IncidentStatus = "active"
	IncidentClosed IncidentStatus = "closed"
)

// Incident groups alerts from one source within a sliding time window.
type Incident struct {
	ID           string         `json:"id"`
	SourceIP     string         `json:"source_ip"`
	SourceMAC    string         `json:"source_mac,omitempty"`
	Status       IncidentStatus `json:"status"`
	Severity     Severity       `json:"severity"`
	AlertCount   int            `json:"alert_count"`
	FirstAlertAt time.Time      `json:"first_alert_at"`
	LastAlertAt  time.Time      `json:"last_alert_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	Summary      string         `json:"summary"`

	// AlertTypes is the chronological sequence of alert types attached to
	// this incident, kept in memory to regenerate Summary without a
	// round trip to the store on every attach.
	AlertTypes []string `json:"-"`
}
