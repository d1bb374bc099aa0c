// Package device implements the Device Manager: the pipeline that turns a
// scan result into a durable device identity (compose fingerprint, match,
// classify, persist, publish) plus the enrichment operations that flesh out
// a device from later scan phases.
//
// The persistence shape follows the teacher's internal/recon/store.go
// (plain *sql.DB behind a small typed store, JSON-marshaled composite
// fields where SQLite has no native array/set type).
package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
)

// Store persists devices and their append-only fingerprint history.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB already migrated via Migrations().
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrations returns this component's schema migrations.
func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create devices and fingerprints tables",
			Up: `
				CREATE TABLE IF NOT EXISTS devices (
					id          TEXT PRIMARY KEY,
					ip          TEXT NOT NULL,
					mac         TEXT,
					hostname    TEXT,
					vendor      TEXT,
					device_type TEXT NOT NULL DEFAULT 'unknown',
					model       TEXT,
					area        TEXT,
					custom_name TEXT,
					trust       TEXT NOT NULL DEFAULT 'unknown',
					first_seen  DATETIME NOT NULL,
					last_seen   DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_devices_ip ON devices(ip);
				CREATE INDEX IF NOT EXISTS idx_devices_mac ON devices(mac);

				CREATE TABLE IF NOT EXISTS fingerprints (
					id                       INTEGER PRIMARY KEY AUTOINCREMENT,
					device_id                TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
					mac                      TEXT,
					mdns_hostname            TEXT,
					dhcp_fingerprint_hash    TEXT,
					connection_pattern_hash  TEXT,
					open_ports_hash          TEXT,
					composite_hash           TEXT NOT NULL,
					signal_count             INTEGER NOT NULL,
					open_ports_json          TEXT NOT NULL DEFAULT '[]',
					connections_json         TEXT NOT NULL DEFAULT '[]',
					created_at               DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_fingerprints_device ON fingerprints(device_id, id DESC);

				CREATE TABLE IF NOT EXISTS device_ports (
					device_id    TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
					port         INTEGER NOT NULL,
					service_name TEXT,
					banner       TEXT,
					updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (device_id, port)
				);
			`,
		},
	}
}

// deviceRow mirrors the devices table for scanning; nullable columns are
// scanned into sql.Null* and toDevice reads a NULL back as "", so callers
// see no difference between the two.
type deviceRow struct {
	ID         string
	IP         string
	MAC        sql.NullString
	Hostname   sql.NullString
	Vendor     sql.NullString
	DeviceType string
	Model      sql.NullString
	Area       sql.NullString
	CustomName sql.NullString
	Trust      string
	FirstSeen  time.Time
	LastSeen   time.Time
}

func (r deviceRow) toDevice() models.Device {
	return models.Device{
		ID:         r.ID,
		IP:         r.IP,
		MAC:        r.MAC.String,
		Hostname:   r.Hostname.String,
		Vendor:     r.Vendor.String,
		DeviceType: r.DeviceType,
		Model:      r.Model.String,
		Area:       r.Area.String,
		CustomName: r.CustomName.String,
		Trust:      models.TrustStatus(r.Trust),
		FirstSeen:  r.FirstSeen,
		LastSeen:   r.LastSeen,
	}
}

// InsertDevice persists a newly matched device.
func (s *Store) InsertDevice(ctx context.Context, d models.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, ip, mac, hostname, vendor, device_type, model, area, custom_name, trust, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.IP, nullable(d.MAC), nullable(d.Hostname), nullable(d.Vendor), d.DeviceType,
		nullable(d.Model), nullable(d.Area), nullable(d.CustomName), string(d.Trust), d.FirstSeen, d.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDevice overwrites the mutable fields of an existing device row.
// custom_name is not among the columns it writes: it is user-owned, and
// no call through this method can change it.
func (s *Store) UpdateDevice(ctx context.Context, d models.Device) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET ip = ?, mac = ?, hostname = ?, vendor = ?, device_type = ?, model = ?, area = ?, last_seen = ?
		WHERE id = ?`,
		d.IP, nullable(d.MAC), nullable(d.Hostname), nullable(d.Vendor), d.DeviceType,
		nullable(d.Model), nullable(d.Area), d.LastSeen, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// AllDevices loads every device row, for startup reconciliation.
func (s *Store) AllDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip, mac, hostname, vendor, device_type, model, area, custom_name, trust, first_seen, last_seen
		FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var r deviceRow
		if err := rows.Scan(&r.ID, &r.IP, &r.MAC, &r.Hostname, &r.Vendor, &r.DeviceType,
			&r.Model, &r.Area, &r.CustomName, &r.Trust, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, r.toDevice())
	}
	return out, rows.Err()
}

// DeviceByID loads a single device, or sql.ErrNoRows if absent.
func (s *Store) DeviceByID(ctx context.Context, id string) (models.Device, error) {
	var r deviceRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ip, mac, hostname, vendor, device_type, model, area, custom_name, trust, first_seen, last_seen
		FROM devices WHERE id = ?`, id,
	).Scan(&r.ID, &r.IP, &r.MAC, &r.Hostname, &r.Vendor, &r.DeviceType,
		&r.Model, &r.Area, &r.CustomName, &r.Trust, &r.FirstSeen, &r.LastSeen)
	if err != nil {
		return models.Device{}, err
	}
	return r.toDevice(), nil
}

// InsertFingerprint appends a new fingerprint row for a device, along with
// the raw open-ports/connections sets the matcher needs for Jaccard
// similarity on the next cycle (hashes alone can't reconstruct these).
func (s *Store) InsertFingerprint(ctx context.Context, deviceID string, fp models.CompositeFingerprint, openPorts []int, connections []string) error {
	openPortsJSON, err := marshalInts(openPorts)
	if err != nil {
		return err
	}
	connsJSON, err := marshalStrings(connections)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (device_id, mac, mdns_hostname, dhcp_fingerprint_hash, connection_pattern_hash, open_ports_hash, composite_hash, signal_count, open_ports_json, connections_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID, nullable(fp.MAC), nullable(fp.MDNSHostname), nullable(fp.DHCPFingerprintHash),
		nullable(fp.ConnectionPatternHash), nullable(fp.OpenPortsHash), fp.CompositeHash, fp.SignalCount,
		openPortsJSON, connsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

// UpsertPorts persists a device's newly observed open ports. banner is
// preserved across rescans via COALESCE when the new scan has no banner for
// a port that previously had one.
func (s *Store) UpsertPorts(ctx context.Context, deviceID string, port int, serviceName, banner string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_ports (device_id, port, service_name, banner, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (device_id, port) DO UPDATE SET
			service_name = excluded.service_name,
			banner       = COALESCE(excluded.banner, device_ports.banner),
			updated_at   = CURRENT_TIMESTAMP`,
		deviceID, port, nullable(serviceName), nullable(banner),
	)
	if err != nil {
		return fmt.Errorf("upsert device port: %w", err)
	}
	return nil
}

// LatestFingerprints returns, for every device, its most recently inserted
// fingerprint row plus the raw sets backing it. Used to rebuild the
// in-memory matcher candidate pool at startup.
func (s *Store) LatestFingerprints(ctx context.Context) (map[string]fingerprintRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.device_id, f.mac, f.mdns_hostname, f.dhcp_fingerprint_hash, f.connection_pattern_hash,
		       f.open_ports_hash, f.composite_hash, f.signal_count, f.open_ports_json, f.connections_json
		FROM fingerprints f
		INNER JOIN (
			SELECT device_id, MAX(id) AS max_id FROM fingerprints GROUP BY device_id
		) latest ON latest.device_id = f.device_id AND latest.max_id = f.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]fingerprintRow)
	for rows.Next() {
		var (
			deviceID                                                string
			mac, mdns, dhcpHash, connHash, portsHash, compositeHash sql.NullString
			signalCount                                             int
			openPortsJSON, connsJSON                                string
		)
		if err := rows.Scan(&deviceID, &mac, &mdns, &dhcpHash, &connHash, &portsHash, &compositeHash,
			&signalCount, &openPortsJSON, &connsJSON); err != nil {
			return nil, fmt.Errorf("scan fingerprint row: %w", err)
		}
		ports, err := unmarshalInts(openPortsJSON)
		if err != nil {
			return nil, err
		}
		conns, err := unmarshalStrings(connsJSON)
		if err != nil {
			return nil, err
		}
		out[deviceID] = fingerprintRow{
			Fingerprint: models.CompositeFingerprint{
				DeviceID:              deviceID,
				MAC:                   mac.String,
				MDNSHostname:          mdns.String,
				DHCPFingerprintHash:   dhcpHash.String,
				ConnectionPatternHash: connHash.String,
				OpenPortsHash:         portsHash.String,
				CompositeHash:         compositeHash.String,
				SignalCount:           signalCount,
			},
			OpenPorts:   ports,
			Connections: conns,
		}
	}
	return out, rows.Err()
}

type fingerprintRow struct {
	Fingerprint models.CompositeFingerprint
	OpenPorts   []int
	Connections []string
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
