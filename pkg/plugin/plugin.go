// Package plugin provides the shared component contract used across the
// home sensor: a component (device manager, scan loop, decoy orchestrator,
// incident grouper, ...) gets a logger, a scoped config section, an event
// bus, and a store, and exposes Start/Stop for the supervisor to drive.
//
// This mirrors the way SquirrelOps' appliance predecessor structured its
// discovery/notification modules, trimmed to what a single always-on
// sensor process needs: there is no multi-plugin registry here, just the
// dependency-injection shape that made each module independently testable.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Component is the lifecycle contract every long-running subsystem
// implements: the scan loop, the decoy orchestrator, the mimic
// orchestrator, the canary monitor, the incident grouper's closure job,
// and the alert dispatcher all satisfy this.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Dependencies provides controlled access to shared services, injected at
// construction time.
type Dependencies struct {
	Config Config
	Logger *zap.Logger
	Bus    EventBus
	Store  Store
}

// Route represents an HTTP route a component would expose through the
// (externally owned) API surface. Components only describe routes; they
// never bind a listener themselves for the admin API.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HealthStatus reports a component's health for the admin surface.
type HealthStatus struct {
	Status  string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Config abstracts configuration access. No implementation of it is in
// this repository: cmd/homesensor configures components from flags and
// environment variables and passes each its own Config struct.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) (seq int64, err error)
}

// Subscriber receives events from the bus.
type Subscriber interface {
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
}

// EventBus provides publish/subscribe plus durable replay for reconnecting
// clients. Publish is durable: the event is persisted before any handler
// runs, and the assigned seq is always returned even if every handler
// subsequently panics.
type EventBus interface {
	Publisher
	Subscriber
	SubscribeAll(handler EventHandler) (unsubscribe func())
	Replay(ctx context.Context, sinceSeq int64) ([]Event, error)
}

// Event represents a durable message on the event bus. Payload is opaque
// JSON; consumers must tolerate additional fields being present.
type Event struct {
	Seq       int64
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler processes events from the bus. Handlers that panic are
// recovered and logged by the bus; a panicking handler never blocks
// delivery to other subscribers or unwinds the publisher.
type EventHandler func(ctx context.Context, event Event)

// Migration describes one forward-only schema change owned by a component.
type Migration struct {
	Version     int
	Description string
	Up          string // raw SQL, run inside a transaction
}

// Store abstracts the persistent row-store. Any ACID store with
// autoincrement columns satisfies the event-log ordering guarantee this
// interface depends on; the shipped implementation is SQLite.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, component string, migrations []Migration) error
	Close() error
}
