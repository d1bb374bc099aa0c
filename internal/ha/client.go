// Package ha implements a client for Home Assistant's HTTP status
// endpoint and WebSocket API, used by the scan loop's Phase 3 device
// registry enrichment (spec.md 4.4, 6).
//
// The WebSocket transport is the teacher's own outbound dependency,
// github.com/coder/websocket, here driving a client connection to Home
// Assistant rather than serving the appliance's own (excluded) API
// surface.
package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/squirrelops/homesensor/internal/device"
	"go.uber.org/zap"
)

const (
	httpTimeout = 5 * time.Second
	wsTimeout   = 10 * time.Second
)

// Client talks to one Home Assistant instance over HTTP (liveness) and
// WebSocket (device/area registry reads).
type Client struct {
	baseURL string
	token   string
	logger  *zap.Logger
	http    *http.Client
}

func New(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
		http:    &http.Client{Timeout: httpTimeout},
	}
}

// CheckConnectivity performs the HTTP liveness check: GET {url}/api/
// must return {"message":"API running."}.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/", nil)
	if err != nil {
		return fmt.Errorf("build connectivity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ha connectivity check: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode connectivity response: %w", err)
	}
	if body.Message != "API running." {
		return fmt.Errorf("unexpected ha api message: %q", body.Message)
	}
	return nil
}

// GetDevices returns Home Assistant's device registry, mapped to the
// fields device.EnrichHA consumes.
func (c *Client) GetDevices(ctx context.Context) ([]device.HADevice, error) {
	var entries []deviceRegistryEntry
	if err := c.call(ctx, "config/device_registry/list", &entries); err != nil {
		return nil, fmt.Errorf("device registry list: %w", err)
	}

	out := make([]device.HADevice, 0, len(entries))
	for _, e := range entries {
		out = append(out, device.HADevice{
			MAC:    macFromConnections(e.Connections),
			Name:   firstNonEmpty(e.NameByUser, e.Name),
			Model:  e.Model,
			AreaID: e.AreaID,
		})
	}
	return out, nil
}

// GetAreas returns Home Assistant's area registry.
func (c *Client) GetAreas(ctx context.Context) ([]device.HAArea, error) {
	var entries []areaRegistryEntry
	if err := c.call(ctx, "config/area_registry/list", &entries); err != nil {
		return nil, fmt.Errorf("area registry list: %w", err)
	}

	out := make([]device.HAArea, 0, len(entries))
	for _, e := range entries {
		out = append(out, device.HAArea{ID: e.AreaID, Name: e.Name})
	}
	return out, nil
}

type deviceRegistryEntry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	NameByUser  string     `json:"name_by_user"`
	Model       string     `json:"model"`
	AreaID      string     `json:"area_id"`
	Connections [][]string `json:"connections"`
}

type areaRegistryEntry struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// macFromConnections finds the first "mac" entry in HA's
// connections:[[type,value],...] structure, lowercased.
func macFromConnections(conns [][]string) string {
	for _, c := range conns {
		if len(c) == 2 && strings.EqualFold(c[0], "mac") {
			return strings.ToLower(c[1])
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// wsFrame is the envelope for every message exchanged over the Home
// Assistant WebSocket API.
type wsFrame struct {
	ID      int    `json:"id,omitempty"`
	Type    string `json:"type"`
	Success *bool  `json:"success,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// call opens a short-lived WebSocket connection, authenticates, sends a
// single command, and decodes its result into out. A fresh connection
// per call keeps concurrent GetDevices/GetAreas calls (the scan loop
// issues both at once) independent without needing request multiplexing
// over one shared socket.
func (c *Client) call(ctx context.Context, commandType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, wsTimeout)
	defer cancel()

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/websocket"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial ha websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"id": 1, "type": commandType}); err != nil {
		return fmt.Errorf("send command %s: %w", commandType, err)
	}

	var resp struct {
		ID      int             `json:"id"`
		Type    string          `json:"type"`
		Success bool            `json:"success"`
		Error   *wsError        `json:"error"`
		Result  json.RawMessage `json:"result"`
	}
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return fmt.Errorf("read command result: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("ha command %s failed: %v", commandType, resp.Error)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// authenticate consumes the auth_required frame Home Assistant sends on
// connect, replies with the access token, and waits for auth_ok.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	var hello wsFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected first frame type %q", hello.Type)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResult wsFrame
	if err := wsjson.Read(ctx, conn, &authResult); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if authResult.Type != "auth_ok" {
		return fmt.Errorf("ha authentication failed: %s", authResult.Type)
	}
	return nil
}
