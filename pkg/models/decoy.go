package models

import "time"

// DecoyType is a closed tagged variant with four tags.
type DecoyType string

const (
	DecoyFileShare     DecoyType = "file_share"
	DecoyDevServer     DecoyType = "dev_server"
	DecoyHomeAssistant DecoyType = "home_assistant"
	DecoyMimic         DecoyType = "mimic"
)

// DecoyStatus tracks whether the listener is currently bound.
type DecoyStatus string

const (
	DecoyStatusActive   DecoyStatus = "active"
	DecoyStatusDegraded DecoyStatus = "degraded"
	DecoyStatusStopped  DecoyStatus = "stopped"
)

// Decoy is a fake service exposing plausible content to detect
// unauthorized interaction. A decoy owns its PlantedCredentials (cascade
// on delete).
type Decoy struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	DecoyType           DecoyType         `json:"decoy_type"`
	BindAddress         string            `json:"bind_address"`
	Port                int               `json:"port"`
	Status              DecoyStatus       `json:"status"`
	Config              map[string]string `json:"config,omitempty"`
	ConnectionCount     int               `json:"connection_count"`
	CredentialTripCount int               `json:"credential_trip_count"`
	FailureCount        int               `json:"failure_count"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// CredentialType is a tagged variant with seven tags.
type CredentialType string

const (
	CredPassword     CredentialType = "password"
	CredAWSKey       CredentialType = "aws_key"
	CredDBConnection CredentialType = "db_connection"
	CredSSHKey       CredentialType = "ssh_key"
	CredHAToken      CredentialType = "ha_token"
	CredEnvFile      CredentialType = "env_file"
	CredGitHubPAT    CredentialType = "github_pat"
)

// PlantedCredential is one generated piece of bait, optionally paired with
// a DNS canary hostname.
type PlantedCredential struct {
	ID              string         `json:"id"`
	CredentialType  CredentialType `json:"credential_type"`
	CredentialValue string         `json:"credential_value"`
	PlantedLocation string         `json:"planted_location"`
	CanaryHostname  string         `json:"canary_hostname,omitempty"`
	DecoyID         string         `json:"decoy_id,omitempty"`
	Tripped         bool           `json:"tripped"`
	FirstTrippedAt  *time.Time     `json:"first_tripped_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DecoyConnectionEvent is what a decoy reports to its orchestrator on
// every inbound connection.
type DecoyConnectionEvent struct {
	SourceIP       string
	SourcePort     int
	DestPort       int
	Protocol       string
	Timestamp      time.Time
	RequestPath    string
	CredentialUsed string
}
