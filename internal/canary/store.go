package canary

import (
	"context"
	"database/sql"
	"time"

	"github.com/squirrelops/homesensor/pkg/plugin"
)

// Store persists canary_observations, the retention-eligible audit trail
// of every DNS query that matched a registered canary hostname.
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
			Description: "create canary_observations table",
			Up: `
				CREATE TABLE IF NOT EXISTS canary_observations (
					id              TEXT PRIMARY KEY,
					canary_hostname TEXT NOT NULL,
					credential_id   TEXT NOT NULL,
					queried_by_ip   TEXT,
					observed_at     DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_canary_observations_observed_at ON canary_observations(observed_at);
			`,
		},
	}
}

// Observation is one recorded canary hostname resolution.
type Observation struct {
	ID             string
	CanaryHostname string
	CredentialID   string
	QueriedByIP    string
	ObservedAt     time.Time
}

func (s *Store) InsertObservation(ctx context.Context, o Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canary_observations (id, canary_hostname, credential_id, queried_by_ip, observed_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.CanaryHostname, o.CredentialID, o.QueriedByIP, o.ObservedAt,
	)
	return err
}

// PurgeOlderThan deletes observations recorded before cutoff, part of the
// retention job spec.md 3 describes (default 90-day window).
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM canary_observations WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
