package alertdispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/squirrelops/homesensor/pkg/models"
)

func TestDispatch_SkipsChannelsBelowMinSeverity(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(nil, nil, []ChannelConfig{
		{Name: "push", Kind: ChannelPush, MinSeverity: models.SeverityHigh, PushURL: srv.URL, BearerToken: "tok"},
	})

	d.Dispatch(context.Background(), models.Alert{ID: "a1", Severity: models.SeverityLow, Title: "low severity"})

	if called {
		t.Error("channel should not receive an alert below its min_severity")
	}
}

func TestDispatch_EmptyChannelListIsNoop(t *testing.T) {
	d := New(nil, nil, nil)
	d.Dispatch(context.Background(), models.Alert{ID: "a1", Severity: models.SeverityCritical})
}

func TestDispatch_SlackChannelRendersBlockKit(t *testing.T) {
	var mu sync.Mutex
	var received slackPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(nil, nil, []ChannelConfig{
		{Name: "slack", Kind: ChannelSlack, MinSeverity: models.SeverityLow, WebhookURL: srv.URL},
	})

	d.Dispatch(context.Background(), models.Alert{
		ID: "a1", Severity: models.SeverityCritical, Title: "Credential reuse detected",
		SourceIP: "10.0.0.9", CreatedAt: time.Now(),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3 (header, fields, context)", len(received.Blocks))
	}
}

func TestDispatch_PushChannelSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(nil, nil, []ChannelConfig{
		{Name: "push", Kind: ChannelPush, MinSeverity: models.SeverityLow, PushURL: srv.URL, BearerToken: "s3cr3t"},
	})
	d.Dispatch(context.Background(), models.Alert{ID: "a1", Severity: models.SeverityHigh, Title: "t", Detail: "d"})

	if gotAuth != "Bearer s3cr3t" {
		t.Errorf("Authorization = %q, want Bearer s3cr3t", gotAuth)
	}
}

func TestDispatch_OneChannelFailureDoesNotBlockOthers(t *testing.T) {
	var secondCalled bool
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	d := New(nil, nil, []ChannelConfig{
		{Name: "broken-slack", Kind: ChannelSlack, MinSeverity: models.SeverityLow, WebhookURL: bad.URL},
		{Name: "working-push", Kind: ChannelPush, MinSeverity: models.SeverityLow, PushURL: good.URL},
	})

	d.Dispatch(context.Background(), models.Alert{ID: "a1", Severity: models.SeverityCritical, Title: "t"})

	if !secondCalled {
		t.Error("second channel should still be attempted after the first fails")
	}
}

func TestDispatch_LogChannelNeverErrors(t *testing.T) {
	d := New(nil, nil, []ChannelConfig{
		{Name: "audit-log", Kind: ChannelLog, MinSeverity: models.SeverityLow},
	})
	d.Dispatch(context.Background(), models.Alert{ID: "a1", Severity: models.SeverityMedium, Title: "t", Detail: "d"})
}
