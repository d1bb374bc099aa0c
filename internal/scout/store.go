package scout

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
)

// SQLStore persists ServiceProfiles, upserting on (device_id, port,
// protocol) with COALESCE so a later partial probe never blanks a field
// a previous probe already captured.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create service_profiles table",
			Up: `
				CREATE TABLE IF NOT EXISTS service_profiles (
					id              INTEGER PRIMARY KEY AUTOINCREMENT,
					device_id       TEXT NOT NULL,
					port            INTEGER NOT NULL,
					protocol        TEXT NOT NULL,
					http_status     INTEGER,
					http_headers    TEXT,
					body_snippet    TEXT,
					server_header   TEXT,
					favicon_md5     TEXT,
					tls_common_name TEXT,
					tls_issuer_org  TEXT,
					tls_not_after   DATETIME,
					banner          TEXT,
					updated_at      DATETIME NOT NULL,
					UNIQUE(device_id, port, protocol)
				);
			`,
		},
	}
}

func (s *SQLStore) UpsertProfile(ctx context.Context, p models.ServiceProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_profiles (
			device_id, port, protocol, http_status, http_headers, body_snippet,
			server_header, favicon_md5, tls_common_name, tls_issuer_org, tls_not_after, banner, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, port, protocol) DO UPDATE SET
			http_status     = COALESCE(excluded.http_status, service_profiles.http_status),
			http_headers    = COALESCE(NULLIF(excluded.http_headers, ''), service_profiles.http_headers),
			body_snippet    = COALESCE(NULLIF(excluded.body_snippet, ''), service_profiles.body_snippet),
			server_header   = COALESCE(NULLIF(excluded.server_header, ''), service_profiles.server_header),
			favicon_md5     = COALESCE(NULLIF(excluded.favicon_md5, ''), service_profiles.favicon_md5),
			tls_common_name = COALESCE(NULLIF(excluded.tls_common_name, ''), service_profiles.tls_common_name),
			tls_issuer_org  = COALESCE(NULLIF(excluded.tls_issuer_org, ''), service_profiles.tls_issuer_org),
			tls_not_after   = COALESCE(excluded.tls_not_after, service_profiles.tls_not_after),
			banner          = COALESCE(NULLIF(excluded.banner, ''), service_profiles.banner),
			updated_at      = excluded.updated_at`,
		p.DeviceID, p.Port, p.Protocol, p.HTTPStatus, nullableStr(p.HTTPHeaders), nullableStr(p.BodySnippet),
		nullableStr(p.ServerHeader), nullableStr(p.FaviconMD5), nullableStr(p.TLSCommonName), nullableStr(p.TLSIssuerOrg),
		p.TLSNotAfter, nullableStr(p.Banner), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert service profile: %w", err)
	}
	return nil
}

const profileColumns = `id, device_id, port, protocol, http_status, http_headers, body_snippet, server_header, favicon_md5, tls_common_name, tls_issuer_org, tls_not_after, banner, updated_at`

func scanProfile(scan func(dest ...any) error) (models.ServiceProfile, error) {
	var (
		p             models.ServiceProfile
		httpStatus    sql.NullInt64
		httpHeaders   sql.NullString
		bodySnippet   sql.NullString
		serverHeader  sql.NullString
		faviconMD5    sql.NullString
		tlsCommonName sql.NullString
		tlsIssuerOrg  sql.NullString
		tlsNotAfter   sql.NullTime
		banner        sql.NullString
	)
	if err := scan(&p.ID, &p.DeviceID, &p.Port, &p.Protocol, &httpStatus, &httpHeaders, &bodySnippet,
		&serverHeader, &faviconMD5, &tlsCommonName, &tlsIssuerOrg, &tlsNotAfter, &banner, &p.UpdatedAt); err != nil {
		return models.ServiceProfile{}, err
	}
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		p.HTTPStatus = &v
	}
	p.HTTPHeaders = httpHeaders.String
	p.BodySnippet = bodySnippet.String
	p.ServerHeader = serverHeader.String
	p.FaviconMD5 = faviconMD5.String
	p.TLSCommonName = tlsCommonName.String
	p.TLSIssuerOrg = tlsIssuerOrg.String
	if tlsNotAfter.Valid {
		t := tlsNotAfter.Time
		p.TLSNotAfter = &t
	}
	p.Banner = banner.String
	return p, nil
}

func (s *SQLStore) ProfilesForDevice(ctx context.Context, deviceID string) ([]models.ServiceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM service_profiles WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query profiles for device: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceProfile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan service profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) AllProfiles(ctx context.Context) ([]models.ServiceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM service_profiles`)
	if err != nil {
		return nil, fmt.Errorf("query all profiles: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceProfile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan service profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLStore)(nil)
