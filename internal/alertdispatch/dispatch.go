// Package alertdispatch fans out alerts to configured delivery channels
// with per-channel severity thresholds: a Slack webhook rendering Block
// Kit, a structured JSON log line, and a bearer-authenticated push
// relay. Delivery is best-effort -- one channel's failure is logged and
// never blocks the rest, per spec.md 4.12.
//
// The best-effort HTTP-POST-per-event shape is grounded on
// internal/webhook/webhook.go's EventSubscriber pattern, generalized
// from one channel kind to three, each carrying its own min_severity
// gate instead of the teacher's single always-on URL.
package alertdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/squirrelops/homesensor/internal/metrics"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

// ChannelKind selects a delivery channel's wire format.
type ChannelKind string

const (
	ChannelSlack ChannelKind = "slack"
	ChannelLog   ChannelKind = "log"
	ChannelPush  ChannelKind = "push"
)

// ChannelConfig describes one configured delivery destination.
type ChannelConfig struct {
	Name        string
	Kind        ChannelKind
	MinSeverity models.Severity
	WebhookURL  string // slack
	PushURL     string // push
	BearerToken string // push
}

const defaultTimeout = 10 * time.Second

// Dispatcher subscribes to alert.new and fans each alert out to every
// configured channel whose min_severity the alert meets, in order.
type Dispatcher struct {
	bus      plugin.EventBus
	logger   *zap.Logger
	channels []ChannelConfig
	client   *http.Client

	unsubscribe func()
}

func New(bus plugin.EventBus, logger *zap.Logger, channels []ChannelConfig) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:      bus,
		logger:   logger,
		channels: channels,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

func (d *Dispatcher) Name() string { return "alert-dispatcher" }

func (d *Dispatcher) Start(ctx context.Context) error {
	d.unsubscribe = d.bus.Subscribe(models.TopicAlertNew, d.handleAlertNew)
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	return nil
}

func (d *Dispatcher) handleAlertNew(ctx context.Context, e plugin.Event) {
	payload, ok := e.Payload.(models.AlertNewPayload)
	if !ok {
		return
	}
	d.Dispatch(ctx, payload.Alert)
}

// Dispatch iterates the configured channels in order, sending alert to
// each channel whose MinSeverity it meets; with no channels configured it
// does nothing. Each channel's failure is logged and never blocks the
// others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.Alert) {
	for _, ch := range d.channels {
		if alert.Severity.Rank() < ch.MinSeverity.Rank() {
			continue
		}
		if err := d.send(ctx, ch, alert); err != nil {
			d.logger.Warn("alert channel delivery failed",
				zap.String("channel", ch.Name), zap.String("kind", string(ch.Kind)), zap.Error(err))
			metrics.Get().AlertsDispatched.WithLabelValues(ch.Name, "error").Inc()
			continue
		}
		metrics.Get().AlertsDispatched.WithLabelValues(ch.Name, "ok").Inc()
	}
}

func (d *Dispatcher) send(ctx context.Context, ch ChannelConfig, alert models.Alert) error {
	switch ch.Kind {
	case ChannelSlack:
		return d.sendSlack(ctx, ch, alert)
	case ChannelLog:
		d.sendLog(alert)
		return nil
	case ChannelPush:
		return d.sendPush(ctx, ch, alert)
	default:
		return fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
}

func (d *Dispatcher) sendLog(alert models.Alert) {
	d.logger.Info("alert",
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", alert.AlertType),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
		zap.String("detail", alert.Detail),
		zap.String("source_ip", alert.SourceIP),
		zap.String("source_mac", alert.SourceMAC),
		zap.String("device_id", alert.DeviceID),
		zap.String("decoy_id", alert.DecoyID),
		zap.Time("created_at", alert.CreatedAt),
	)
}

func (d *Dispatcher) sendSlack(ctx context.Context, ch ChannelConfig, alert models.Alert) error {
	body, err := json.Marshal(buildSlackBlocks(alert))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return d.postJSON(ctx, ch.WebhookURL, body, nil)
}

func (d *Dispatcher) sendPush(ctx context.Context, ch ChannelConfig, alert models.Alert) error {
	body, err := json.Marshal(pushPayload{
		Title: alert.Title,
		Body:  alert.Detail,
		Data: map[string]string{
			"alert_id":   alert.ID,
			"alert_type": alert.AlertType,
			"severity":   string(alert.Severity),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + ch.BearerToken}
	return d.postJSON(ctx, ch.PushURL, body, headers)
}

func (d *Dispatcher) postJSON(ctx context.Context, url string, body []byte, headers map[string]string) error {
	if url == "" {
		return fmt.Errorf("channel has no destination URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

type pushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

var _ plugin.Component = (*Dispatcher)(nil)
