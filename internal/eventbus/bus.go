// Package eventbus implements the sensor's single authoritative event
// sequence: publish persists durably before any handler runs, replay
// serves reconnecting clients, and PurgeBefore deletes old rows without
// ever reusing a sequence number. Nothing in this package runs
// PurgeBefore on a schedule.
//
// The in-process fan-out (panic-safe subscriber dispatch, wildcard
// subscriptions) follows the appliance's in-memory bus; durability is new
// here since the appliance's bus never had to survive a restart with
// replay semantics.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/squirrelops/homesensor/internal/metrics"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

// Bus implements plugin.EventBus backed by a durable SQLite-resident
// sequence and an in-memory subscriber fan-out.
type Bus struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	allSubs  []handlerEntry
	nextID   uint64
}

type handlerEntry struct {
	id      uint64
	handler plugin.EventHandler
}

// New creates a Bus against an already-migrated database (see Migrations).
func New(db *sql.DB, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		db:       db,
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}
}

// Migrations returns the event log's own schema migration. The event log
// is the single authoritative sequence counter, so it owns the events
// table: other components' tables may reference events.seq (alerts.event_seq
// does) but never create it.
func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create events table",
			Up: `
				CREATE TABLE IF NOT EXISTS events (
					seq        INTEGER PRIMARY KEY AUTOINCREMENT,
					event_type TEXT    NOT NULL,
					payload    TEXT    NOT NULL,
					source_id  TEXT,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
				CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
			`,
		},
	}
}

// Publish assigns a monotonic seq via the events table's autoincrement
// column, inserts the row, then invokes in order all subscribers
// registered for event.Topic or for "*". The insert happens before any
// handler runs and always succeeds or returns an error -- handlers never
// affect whether the event is considered published.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) (int64, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO events (event_type, payload, source_id, created_at) VALUES (?, ?, ?, ?)`,
		event.Topic, string(payload), nullableString(event.Source), event.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted seq: %w", err)
	}
	event.Seq = seq
	metrics.Get().EventBusPublishes.WithLabelValues(event.Topic).Inc()

	b.dispatch(ctx, event)
	return seq, nil
}

func (b *Bus) dispatch(ctx context.Context, event plugin.Event) {
	b.mu.RLock()
	topicHandlers := append([]handlerEntry(nil), b.handlers[event.Topic]...)
	allHandlers := append([]handlerEntry(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, h := range topicHandlers {
		b.safeCall(ctx, h.handler, event)
	}
	for _, h := range allHandlers {
		b.safeCall(ctx, h.handler, event)
	}
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.Int64("seq", event.Seq),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a handler for a specific topic.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.allSubs {
			if e.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Replay returns every event with seq > sinceSeq, in seq order. Used by
// reconnecting clients to catch up. Events purged since they last
// connected are not returned; because purge never reuses sequence
// numbers, the gap is always detectable.
func (b *Bus) Replay(ctx context.Context, sinceSeq int64) ([]plugin.Event, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, event_type, payload, COALESCE(source_id, ''), created_at
		 FROM events WHERE seq > ? ORDER BY seq ASC`,
		sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query replay: %w", err)
	}
	defer rows.Close()

	var out []plugin.Event
	for rows.Next() {
		var e plugin.Event
		var payloadRaw string
		if err := rows.Scan(&e.Seq, &e.Topic, &payloadRaw, &e.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan replay row: %w", err)
		}
		var payload any
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal replayed payload (seq=%d): %w", e.Seq, err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeBefore deletes event rows older than cutoff. Sequence numbers are
// never reused: a subsequently inserted event always gets a seq larger
// than any ever assigned, purged or not, since AUTOINCREMENT never reuses
// freed ids.
func (b *Bus) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ plugin.EventBus = (*Bus)(nil)
