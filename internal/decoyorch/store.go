// Package decoyorch implements the Decoy Orchestrator: candidate
// selection, auto-deploy after Phase 2, the per-decoy health state
// machine, startup resume, and connection-trip event publication.
//
// Persistence follows the same plain *sql.DB-behind-a-typed-store shape
// as internal/device/store.go.
package decoyorch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
)

// Store persists decoys and their planted credentials.
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
			Description: "create decoys and planted_credentials tables",
			Up: `
				CREATE TABLE IF NOT EXISTS decoys (
					id                    TEXT PRIMARY KEY,
					name                  TEXT NOT NULL,
					decoy_type            TEXT NOT NULL,
					bind_address          TEXT NOT NULL,
					port                  INTEGER NOT NULL,
					status                TEXT NOT NULL DEFAULT 'stopped',
					config_json           TEXT NOT NULL DEFAULT '{}',
					connection_count      INTEGER NOT NULL DEFAULT 0,
					credential_trip_count INTEGER NOT NULL DEFAULT 0,
					failure_count         INTEGER NOT NULL DEFAULT 0,
					last_failure_at       DATETIME,
					created_at            DATETIME NOT NULL,
					updated_at            DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS planted_credentials (
					id                TEXT PRIMARY KEY,
					decoy_id          TEXT NOT NULL REFERENCES decoys(id) ON DELETE CASCADE,
					credential_type   TEXT NOT NULL,
					credential_value  TEXT NOT NULL,
					planted_location  TEXT NOT NULL,
					canary_hostname   TEXT,
					tripped           INTEGER NOT NULL DEFAULT 0,
					first_tripped_at  DATETIME,
					created_at        DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_planted_credentials_decoy ON planted_credentials(decoy_id);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_planted_credentials_value ON planted_credentials(credential_value);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_planted_credentials_canary ON planted_credentials(canary_hostname) WHERE canary_hostname IS NOT NULL;
			`,
		},
	}
}

func (s *Store) InsertDecoy(ctx context.Context, d models.Decoy, configJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decoys (id, name, decoy_type, bind_address, port, status, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, string(d.DecoyType), d.BindAddress, d.Port, string(d.Status), configJSON, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decoy: %w", err)
	}
	return nil
}

// DeleteDecoy removes a decoy and, via ON DELETE CASCADE, its planted
// credentials. Used by the Mimic Orchestrator when evacuating a mimic
// whose virtual IP has been reclaimed by a real device.
func (s *Store) DeleteDecoy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decoys WHERE id = ?`, id)
	return err
}

func (s *Store) UpdateDecoyPort(ctx context.Context, id string, port int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decoys SET port = ?, updated_at = ? WHERE id = ?`, port, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdateDecoyStatus(ctx context.Context, id string, status models.DecoyStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decoys SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	return err
}

func (s *Store) IncrementConnectionCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decoys SET connection_count = connection_count + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) IncrementCredentialTripCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decoys SET credential_trip_count = credential_trip_count + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) RecordFailure(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE decoys SET failure_count = failure_count + 1, last_failure_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id)
	return err
}

func (s *Store) ResetFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decoys SET failure_count = 0, last_failure_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) CountDecoys(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decoys`).Scan(&n)
	return n, err
}

type decoyRow struct {
	ID, Name, DecoyType, BindAddress, Status, ConfigJSON     string
	Port, ConnectionCount, CredentialTripCount, FailureCount int
	LastFailureAt                                            sql.NullTime
	CreatedAt, UpdatedAt                                     time.Time
}

func (r decoyRow) toDecoy() models.Decoy {
	d := models.Decoy{
		ID:                  r.ID,
		Name:                r.Name,
		DecoyType:           models.DecoyType(r.DecoyType),
		BindAddress:         r.BindAddress,
		Port:                r.Port,
		Status:              models.DecoyStatus(r.Status),
		ConnectionCount:     r.ConnectionCount,
		CredentialTripCount: r.CredentialTripCount,
		FailureCount:        r.FailureCount,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.LastFailureAt.Valid {
		t := r.LastFailureAt.Time
		d.LastFailureAt = &t
	}
	return d
}

const decoyColumns = `id, name, decoy_type, bind_address, port, status, config_json, connection_count, credential_trip_count, failure_count, last_failure_at, created_at, updated_at`

func scanDecoyRow(scan func(dest ...any) error) (models.Decoy, string, error) {
	var r decoyRow
	if err := scan(&r.ID, &r.Name, &r.DecoyType, &r.BindAddress, &r.Port, &r.Status, &r.ConfigJSON,
		&r.ConnectionCount, &r.CredentialTripCount, &r.FailureCount, &r.LastFailureAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Decoy{}, "", err
	}
	return r.toDecoy(), r.ConfigJSON, nil
}

func (s *Store) AllDecoys(ctx context.Context) ([]models.Decoy, map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+decoyColumns+` FROM decoys`)
	if err != nil {
		return nil, nil, fmt.Errorf("query decoys: %w", err)
	}
	defer rows.Close()

	var out []models.Decoy
	configs := make(map[string]string)
	for rows.Next() {
		d, cfg, err := scanDecoyRow(rows.Scan)
		if err != nil {
			return nil, nil, fmt.Errorf("scan decoy: %w", err)
		}
		out = append(out, d)
		configs[d.ID] = cfg
	}
	return out, configs, rows.Err()
}

func (s *Store) InsertCredential(ctx context.Context, decoyID string, c models.PlantedCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO planted_credentials (id, decoy_id, credential_type, credential_value, planted_location, canary_hostname, tripped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		c.ID, decoyID, string(c.CredentialType), c.CredentialValue, c.PlantedLocation, nullable(c.CanaryHostname), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert planted credential: %w", err)
	}
	return nil
}

func (s *Store) CredentialsForDecoy(ctx context.Context, decoyID string) ([]models.PlantedCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credential_type, credential_value, planted_location, canary_hostname, tripped, first_tripped_at, created_at
		FROM planted_credentials WHERE decoy_id = ?`, decoyID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []models.PlantedCredential
	for rows.Next() {
		var (
			c                     models.PlantedCredential
			credType              string
			canaryHostname        sql.NullString
			tripped               int
			firstTrippedAt        sql.NullTime
		)
		if err := rows.Scan(&c.ID, &credType, &c.CredentialValue, &c.PlantedLocation, &canaryHostname, &tripped, &firstTrippedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.CredentialType = models.CredentialType(credType)
		c.CanaryHostname = canaryHostname.String
		c.Tripped = tripped != 0
		if firstTrippedAt.Valid {
			t := firstTrippedAt.Time
			c.FirstTrippedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MarkCredentialTripped(ctx context.Context, credentialID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE planted_credentials SET tripped = 1, first_tripped_at = COALESCE(first_tripped_at, ?) WHERE id = ?`,
		at, credentialID)
	return err
}

// AllCredentials returns every planted credential across every decoy, for
// the DNS Canary Monitor's hostname->credential_id index.
func (s *Store) AllCredentials(ctx context.Context) ([]models.PlantedCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credential_type, credential_value, planted_location, canary_hostname, decoy_id, tripped, first_tripped_at, created_at
		FROM planted_credentials`)
	if err != nil {
		return nil, fmt.Errorf("query all credentials: %w", err)
	}
	defer rows.Close()

	var out []models.PlantedCredential
	for rows.Next() {
		var (
			c              models.PlantedCredential
			credType       string
			canaryHostname sql.NullString
			decoyID        sql.NullString
			tripped        int
			firstTrippedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &credType, &c.CredentialValue, &c.PlantedLocation, &canaryHostname, &decoyID, &tripped, &firstTrippedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.CredentialType = models.CredentialType(credType)
		c.CanaryHostname = canaryHostname.String
		c.DecoyID = decoyID.String
		c.Tripped = tripped != 0
		if firstTrippedAt.Valid {
			t := firstTrippedAt.Time
			c.FirstTrippedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
