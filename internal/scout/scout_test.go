package scout

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/squirrelops/homesensor/internal/device"
	"github.com/squirrelops/homesensor/internal/store"
	"github.com/squirrelops/homesensor/pkg/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := db.Migrate(context.Background(), "scout", Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db.DB())
}

func TestProbeHTTP_CapturesStatusAndServerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "lighttpd/1.4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>hub</html>"))
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	s := New(newTestStore(t), nil, 4)

	profile, err := s.probeHTTP(context.Background(), host, port)
	if err != nil {
		t.Fatalf("probeHTTP: %v", err)
	}
	if profile.HTTPStatus == nil || *profile.HTTPStatus != http.StatusOK {
		t.Errorf("HTTPStatus = %v, want 200", profile.HTTPStatus)
	}
	if profile.ServerHeader != "lighttpd/1.4" {
		t.Errorf("ServerHeader = %q, want lighttpd/1.4", profile.ServerHeader)
	}
}

func TestProfileDevices_PersistsOneRowPerOpenPort(t *testing.T) {
	s := New(newTestStore(t), nil, 4)
	target := device.DeviceTarget{
		Device:    models.Device{ID: "dev-1", IP: "127.0.0.1"},
		OpenPorts: []int{1}, // nothing listens on port 1 -- exercises the failure path
	}

	s.ProfileDevices(context.Background(), []device.DeviceTarget{target})

	profiles, err := s.store.ProfilesForDevice(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("ProfilesForDevice: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile row persisted even on probe failure, got %d", len(profiles))
	}
}

func TestUpsertProfile_COALESCEDoesNotBlankPriorValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	status := 200

	if err := s.UpsertProfile(ctx, models.ServiceProfile{
		DeviceID: "dev-1", Port: 80, Protocol: "http", HTTPStatus: &status, ServerHeader: "nginx",
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertProfile(ctx, models.ServiceProfile{
		DeviceID: "dev-1", Port: 80, Protocol: "http", BodySnippet: "<html></html>",
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	profiles, err := s.ProfilesForDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ProfilesForDevice: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile row, got %d", len(profiles))
	}
	p := profiles[0]
	if p.ServerHeader != "nginx" {
		t.Errorf("ServerHeader = %q, want nginx to survive the second upsert", p.ServerHeader)
	}
	if p.BodySnippet != "<html></html>" {
		t.Errorf("BodySnippet = %q, want the second upsert's value", p.BodySnippet)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi: %v", err)
	}
	return host, port
}
