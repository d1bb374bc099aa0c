// Package mimic implements the Mimic Orchestrator: cloning a real
// device's scouted service profiles onto a virtual IP as a second,
// higher-fidelity decoy pipeline (spec.md 4.9).
package mimic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
)

// Store persists mimic_templates and the virtual_ips pool.
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
			Description: "create mimic_templates and virtual_ips tables",
			Up: `
				CREATE TABLE IF NOT EXISTS mimic_templates (
					id                TEXT PRIMARY KEY,
					source_device_id  TEXT NOT NULL,
					decoy_id          TEXT,
					routes_json       TEXT NOT NULL,
					server_header     TEXT,
					credential_types  TEXT NOT NULL DEFAULT '[]',
					mdns_service_type TEXT,
					mdns_name         TEXT,
					device_category   TEXT NOT NULL
				);

				CREATE TABLE IF NOT EXISTS virtual_ips (
					ip        TEXT PRIMARY KEY,
					interface TEXT NOT NULL,
					decoy_id  TEXT,
					state     TEXT NOT NULL DEFAULT 'free'
				);
			`,
		},
	}
}

// SeedPool inserts any addresses in ips that are not already present in
// the virtual_ips table, as free entries. Safe to call repeatedly.
func (s *Store) SeedPool(ctx context.Context, ips []string, iface string) error {
	for _, ip := range ips {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO virtual_ips (ip, interface, state) VALUES (?, ?, 'free')
			ON CONFLICT(ip) DO NOTHING`, ip, iface); err != nil {
			return fmt.Errorf("seed virtual ip %s: %w", ip, err)
		}
	}
	return nil
}

// AllocateFree claims the first free virtual IP for decoyID, returning
// models.VirtualIP{} and false if the pool is exhausted.
func (s *Store) AllocateFree(ctx context.Context, decoyID string) (models.VirtualIP, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ip, interface FROM virtual_ips WHERE state = 'free' ORDER BY ip LIMIT 1`)
	var ip, iface string
	if err := row.Scan(&ip, &iface); err != nil {
		if err == sql.ErrNoRows {
			return models.VirtualIP{}, false, nil
		}
		return models.VirtualIP{}, false, fmt.Errorf("allocate virtual ip: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE virtual_ips SET state = 'allocated', decoy_id = ? WHERE ip = ?`, decoyID, ip); err != nil {
		return models.VirtualIP{}, false, fmt.Errorf("claim virtual ip: %w", err)
	}
	return models.VirtualIP{IP: ip, Interface: iface, DecoyID: decoyID, State: models.VIPAllocated}, true, nil
}

func (s *Store) SetAliased(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE virtual_ips SET state = 'aliased' WHERE ip = ?`, ip)
	return err
}

// Release frees a virtual IP back to the pool, detaching its decoy.
func (s *Store) Release(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE virtual_ips SET state = 'free', decoy_id = NULL WHERE ip = ?`, ip)
	return err
}

func (s *Store) VirtualIPForDecoy(ctx context.Context, decoyID string) (models.VirtualIP, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ip, interface, state FROM virtual_ips WHERE decoy_id = ?`, decoyID)
	var vip models.VirtualIP
	var state string
	if err := row.Scan(&vip.IP, &vip.Interface, &state); err != nil {
		if err == sql.ErrNoRows {
			return models.VirtualIP{}, false, nil
		}
		return models.VirtualIP{}, false, fmt.Errorf("virtual ip for decoy: %w", err)
	}
	vip.DecoyID = decoyID
	vip.State = models.VirtualIPState(state)
	return vip, true, nil
}

// ByIP looks up the virtual IP pool entry at ip. The bool reports whether
// ip is in the pool at all; State tells whether it is currently aliased to
// a mimic -- used to detect a real device appearing at an address this
// sensor has claimed.
func (s *Store) ByIP(ctx context.Context, ip string) (models.VirtualIP, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ip, interface, COALESCE(decoy_id, ''), state FROM virtual_ips WHERE ip = ?`, ip)
	var vip models.VirtualIP
	var state string
	if err := row.Scan(&vip.IP, &vip.Interface, &vip.DecoyID, &state); err != nil {
		if err == sql.ErrNoRows {
			return models.VirtualIP{}, false, nil
		}
		return models.VirtualIP{}, false, fmt.Errorf("virtual ip by ip: %w", err)
	}
	vip.State = models.VirtualIPState(state)
	return vip, true, nil
}

func (s *Store) InsertTemplate(ctx context.Context, t models.MimicTemplate, decoyID string) error {
	routesJSON, err := json.Marshal(t.Routes)
	if err != nil {
		return fmt.Errorf("marshal routes: %w", err)
	}
	credsJSON, err := json.Marshal(t.CredentialTypes)
	if err != nil {
		return fmt.Errorf("marshal credential types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mimic_templates (id, source_device_id, decoy_id, routes_json, server_header, credential_types, mdns_service_type, mdns_name, device_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SourceDeviceID, decoyID, string(routesJSON), t.ServerHeader, string(credsJSON), t.MDNSServiceType, t.MDNSName, t.DeviceCategory,
	)
	if err != nil {
		return fmt.Errorf("insert mimic template: %w", err)
	}
	return nil
}

// SetMDNSName backfills mdns_name for templates deployed before mDNS
// support existed, per spec.md 4.9's restart/resume note.
func (s *Store) SetMDNSName(ctx context.Context, templateID, mdnsName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mimic_templates SET mdns_name = ? WHERE id = ?`, mdnsName, templateID)
	return err
}

func (s *Store) TemplateForDecoy(ctx context.Context, decoyID string) (models.MimicTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_device_id, routes_json, server_header, credential_types, mdns_service_type, mdns_name, device_category
		FROM mimic_templates WHERE decoy_id = ?`, decoyID)

	var (
		t               models.MimicTemplate
		routesJSON      string
		credsJSON       string
		serverHeader    sql.NullString
		mdnsServiceType sql.NullString
		mdnsName        sql.NullString
	)
	if err := row.Scan(&t.ID, &t.SourceDeviceID, &routesJSON, &serverHeader, &credsJSON, &mdnsServiceType, &mdnsName, &t.DeviceCategory); err != nil {
		return models.MimicTemplate{}, fmt.Errorf("template for decoy: %w", err)
	}
	t.ServerHeader = serverHeader.String
	t.MDNSServiceType = mdnsServiceType.String
	t.MDNSName = mdnsName.String
	if err := json.Unmarshal([]byte(routesJSON), &t.Routes); err != nil {
		return models.MimicTemplate{}, fmt.Errorf("unmarshal routes: %w", err)
	}
	if err := json.Unmarshal([]byte(credsJSON), &t.CredentialTypes); err != nil {
		return models.MimicTemplate{}, fmt.Errorf("unmarshal credential types: %w", err)
	}
	return t, nil
}

// AllTemplateDecoyIDs returns every decoy_id with a persisted template,
// for ResumeActive.
func (s *Store) AllTemplateDecoyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT decoy_id FROM mimic_templates WHERE decoy_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("all template decoy ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
