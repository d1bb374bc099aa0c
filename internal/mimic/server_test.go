package mimic

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/pkg/models"
)

type fakeMatcher struct {
	known map[string]string
}

func (m *fakeMatcher) MatchCredential(candidate string) string {
	return m.known[candidate]
}

func TestServer_DeployServesTemplatedRouteContent(t *testing.T) {
	o := ops.NewFake()
	template := models.MimicTemplate{
		ID: "tmpl-1", SourceDeviceID: "dev-1",
		Routes: map[int]models.RouteSpec{
			8080: {Path: "/", Status: 200, Body: "<html>printer</html>", ContentType: "text/html"},
		},
		ServerHeader: "TestPrintSrv/1.0",
	}
	s := NewServer(o, nil, "127.0.0.1", template, nil)

	if _, err := s.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	resp, err := http.Get("http://127.0.0.1:8080/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got != "TestPrintSrv/1.0" {
		t.Errorf("Server header = %q, want TestPrintSrv/1.0", got)
	}
}

func TestServer_PrivilegedPortBindsAtRemappedOffset(t *testing.T) {
	o := ops.NewFake()
	template := models.MimicTemplate{
		Routes: map[int]models.RouteSpec{80: {Status: 200, Body: "hi"}},
	}
	s := NewServer(o, nil, "127.0.0.1", template, nil)

	if _, err := s.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", bindPortFor(80)))
	if err != nil {
		t.Fatalf("GET remapped port: %v", err)
	}
	resp.Body.Close()
}

func TestServer_ReportsAdvertisedPortNotBindPortOnConnection(t *testing.T) {
	o := ops.NewFake()
	matcher := &fakeMatcher{known: map[string]string{"tok123": "cred-9"}}
	template := models.MimicTemplate{
		Routes: map[int]models.RouteSpec{80: {Status: 200, Body: "hi"}},
	}
	s := NewServer(o, nil, "127.0.0.1", template, matcher)
	if _, err := s.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	var got models.DecoyConnectionEvent
	done := make(chan struct{})
	s.SetOnConnection(func(e models.DecoyConnectionEvent) {
		got = e
		close(done)
	})

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", bindPortFor(80)), nil)
	req.Header.Set("Authorization", "Bearer tok123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection report")
	}

	if got.DestPort != 80 {
		t.Errorf("DestPort = %d, want 80 (advertised, not bind port)", got.DestPort)
	}
	if got.CredentialUsed != "cred-9" {
		t.Errorf("CredentialUsed = %q, want cred-9", got.CredentialUsed)
	}
}

func TestServer_HealthCheckFailsBeforeDeploy(t *testing.T) {
	o := ops.NewFake()
	s := NewServer(o, nil, "127.0.0.1", models.MimicTemplate{}, nil)
	if s.HealthCheck(context.Background()) {
		t.Error("HealthCheck should be false before Deploy")
	}
}
