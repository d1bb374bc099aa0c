package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/squirrelops/homesensor/internal/store"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*Bus, *store.SQLiteStore) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := db.Migrate(context.Background(), "eventbus", Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db.DB(), zap.NewNop()), db
}

func TestPublish_AssignsMonotonicSeq(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := bus.Publish(ctx, plugin.Event{Topic: "device.new", Payload: map[string]int{"i": i}})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq not strictly increasing: %v", seqs)
		}
	}
}

func TestSubscribe_ReceivesInOrder(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var got []int64
	unsub := bus.Subscribe("device.new", func(_ context.Context, e plugin.Event) {
		got = append(got, e.Seq)
	})
	defer unsub()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, plugin.Event{Topic: "device.new"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("handler saw out-of-order seqs: %v", got)
		}
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	called := false
	bus.Subscribe("device.new", func(_ context.Context, _ plugin.Event) {
		panic("boom")
	})
	bus.Subscribe("device.new", func(_ context.Context, _ plugin.Event) {
		called = true
	})

	seq, err := bus.Publish(ctx, plugin.Event{Topic: "device.new"})
	if err != nil {
		t.Fatalf("publish should still succeed despite panicking handler: %v", err)
	}
	if seq == 0 {
		t.Fatal("expected non-zero seq")
	}
	if !called {
		t.Fatal("second handler should still run after first panics")
	}
}

func TestReplay_ReturnsOnlyNewerEvents(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq, _ := bus.Publish(ctx, plugin.Event{Topic: "device.new", Payload: i})
		last = seq
	}

	replayed, err := bus.Replay(ctx, last-2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(replayed))
	}
	for _, e := range replayed {
		if e.Seq <= last-2 {
			t.Fatalf("replay returned event at or before sinceSeq: %d", e.Seq)
		}
	}
}

func TestPurge_NeverReusesSeq(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, plugin.Event{Topic: "device.new"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// Purge everything (cutoff in the far future).
	if _, err := bus.PurgeBefore(ctx, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}

	seq, err := bus.Publish(ctx, plugin.Event{Topic: "device.new"})
	if err != nil {
		t.Fatalf("publish after purge: %v", err)
	}
	if seq <= 3 {
		t.Fatalf("expected seq > 3 after purge (no reuse), got %d", seq)
	}
}
