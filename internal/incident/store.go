// Package incident implements the Incident Grouper: it turns raw
// security-relevant events (decoy trips, credential reuse, device MAC
// changes, verification prompts) into persisted Alerts, groups Alerts
// from the same source_ip within a sliding time window into Incidents
// with severity escalation, and periodically closes incidents that have
// gone quiet.
//
// The "group by correlation key within a time window" shape is grounded
// on the teacher's internal/insight/correlation/correlator.go, adapted
// from a batch union-find over a device topology graph to an online,
// one-alert-at-a-time grouping keyed on source_ip with no topology
// input.
package incident

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
)

// Store persists alerts and incidents.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create alerts and incidents tables",
			Up: `
				CREATE TABLE IF NOT EXISTS incidents (
					id             TEXT PRIMARY KEY,
					source_ip      TEXT NOT NULL,
					source_mac     TEXT,
					status         TEXT NOT NULL DEFAULT 'active',
					severity       TEXT NOT NULL,
					alert_count    INTEGER NOT NULL DEFAULT 0,
					first_alert_at DATETIME NOT NULL,
					last_alert_at  DATETIME NOT NULL,
					closed_at      DATETIME,
					summary        TEXT NOT NULL DEFAULT '',
					alert_types    TEXT NOT NULL DEFAULT '[]'
				);
				CREATE INDEX IF NOT EXISTS idx_incidents_source_status ON incidents(source_ip, status);

				CREATE TABLE IF NOT EXISTS alerts (
					id          TEXT PRIMARY KEY,
					incident_id TEXT REFERENCES incidents(id),
					alert_type  TEXT NOT NULL,
					severity    TEXT NOT NULL,
					title       TEXT NOT NULL,
					detail      TEXT NOT NULL DEFAULT '',
					source_ip   TEXT,
					source_mac  TEXT,
					device_id   TEXT,
					decoy_id    TEXT,
					read_at     DATETIME,
					actioned_at DATETIME,
					action_note TEXT,
					event_seq   INTEGER,
					created_at  DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_alerts_incident ON alerts(incident_id);
			`,
		},
	}
}

func (s *Store) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, incident_id, alert_type, severity, title, detail, source_ip, source_mac, device_id, decoy_id, event_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullableStr(a.IncidentID), a.AlertType, string(a.Severity), a.Title, a.Detail,
		nullableStr(a.SourceIP), nullableStr(a.SourceMAC), nullableStr(a.DeviceID), nullableStr(a.DecoyID), a.EventSeq, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) AttachAlertToIncident(ctx context.Context, alertID, incidentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET incident_id = ? WHERE id = ?`, incidentID, alertID)
	return err
}

// FindJoinableIncident finds the most-recent active incident for
// sourceIP whose last_alert_at is within window of asOf, per spec.md
// 4.11 step 1.
func (s *Store) FindJoinableIncident(ctx context.Context, sourceIP string, asOf time.Time, window time.Duration) (models.Incident, bool, error) {
	cutoff := asOf.Add(-window)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_ip, source_mac, status, severity, alert_count, first_alert_at, last_alert_at, closed_at, summary, alert_types
		FROM incidents
		WHERE source_ip = ? AND status = 'active' AND last_alert_at >= ?
		ORDER BY last_alert_at DESC LIMIT 1`,
		sourceIP, cutoff,
	)
	inc, err := scanIncident(row.Scan)
	if err == sql.ErrNoRows {
		return models.Incident{}, false, nil
	}
	if err != nil {
		return models.Incident{}, false, fmt.Errorf("find joinable incident: %w", err)
	}
	return inc, true, nil
}

func (s *Store) InsertIncident(ctx context.Context, inc models.Incident) error {
	typesJSON, err := marshalAlertTypes(inc.AlertTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, source_ip, source_mac, status, severity, alert_count, first_alert_at, last_alert_at, summary, alert_types)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.SourceIP, nullableStr(inc.SourceMAC), string(inc.Status), string(inc.Severity),
		inc.AlertCount, inc.FirstAlertAt, inc.LastAlertAt, inc.Summary, typesJSON,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s *Store) UpdateIncident(ctx context.Context, inc models.Incident) error {
	typesJSON, err := marshalAlertTypes(inc.AlertTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE incidents SET severity = ?, alert_count = ?, last_alert_at = ?, summary = ?, alert_types = ?, status = ?, closed_at = ?
		WHERE id = ?`,
		string(inc.Severity), inc.AlertCount, inc.LastAlertAt, inc.Summary, typesJSON, string(inc.Status), inc.ClosedAt, inc.ID,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	return nil
}

// StaleActiveIncidents returns every active incident whose last_alert_at
// is older than cutoff, for the closure job.
func (s *Store) StaleActiveIncidents(ctx context.Context, cutoff time.Time) ([]models.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_ip, source_mac, status, severity, alert_count, first_alert_at, last_alert_at, closed_at, summary, alert_types
		FROM incidents WHERE status = 'active' AND last_alert_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(scan func(dest ...any) error) (models.Incident, error) {
	var (
		inc           models.Incident
		sourceMAC     sql.NullString
		closedAt      sql.NullTime
		alertTypesRaw string
	)
	if err := scan(&inc.ID, &inc.SourceIP, &sourceMAC, &inc.Status, &inc.Severity, &inc.AlertCount,
		&inc.FirstAlertAt, &inc.LastAlertAt, &closedAt, &inc.Summary, &alertTypesRaw); err != nil {
		return models.Incident{}, err
	}
	inc.SourceMAC = sourceMAC.String
	if closedAt.Valid {
		t := closedAt.Time
		inc.ClosedAt = &t
	}
	inc.AlertTypes = unmarshalAlertTypes(alertTypesRaw)
	return inc, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
