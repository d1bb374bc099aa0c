package ha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const testToken = "s3cr3t-token"

func newTestHAServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"API running."}`))
	})

	mux.HandleFunc("/api/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if err := wsjson.Write(ctx, conn, wsFrame{Type: "auth_required"}); err != nil {
			return
		}

		var auth struct {
			Type        string `json:"type"`
			AccessToken string `json:"access_token"`
		}
		if err := wsjson.Read(ctx, conn, &auth); err != nil {
			return
		}
		if auth.AccessToken != testToken {
			wsjson.Write(ctx, conn, wsFrame{Type: "auth_invalid"})
			return
		}
		if err := wsjson.Write(ctx, conn, wsFrame{Type: "auth_ok"}); err != nil {
			return
		}

		var cmd struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}

		switch cmd.Type {
		case "config/device_registry/list":
			wsjson.Write(ctx, conn, map[string]any{
				"id": cmd.ID, "type": "result", "success": true,
				"result": []deviceRegistryEntry{
					{ID: "dev1", Name: "Living Room Hub", Model: "hub-v2", AreaID: "living_room",
						Connections: [][]string{{"mac", "AA:BB:CC:DD:EE:FF"}}},
				},
			})
		case "config/area_registry/list":
			wsjson.Write(ctx, conn, map[string]any{
				"id": cmd.ID, "type": "result", "success": true,
				"result": []areaRegistryEntry{{AreaID: "living_room", Name: "Living Room"}},
			})
		}
	})

	return httptest.NewServer(mux)
}

func TestCheckConnectivity_Succeeds(t *testing.T) {
	srv := newTestHAServer(t)
	defer srv.Close()

	c := New(srv.URL, testToken, nil)
	if err := c.CheckConnectivity(context.Background()); err != nil {
		t.Fatalf("CheckConnectivity: %v", err)
	}
}

func TestGetDevices_ParsesMACFromConnections(t *testing.T) {
	srv := newTestHAServer(t)
	defer srv.Close()
	c := New(srv.URL, testToken, nil)

	devices, err := c.GetDevices(context.Background())
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(devices))
	}
	if devices[0].MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("MAC = %q, want lowercased aa:bb:cc:dd:ee:ff", devices[0].MAC)
	}
	if devices[0].Name != "Living Room Hub" {
		t.Errorf("Name = %q, want Living Room Hub", devices[0].Name)
	}
}

func TestGetAreas_ReturnsAreaRegistry(t *testing.T) {
	srv := newTestHAServer(t)
	defer srv.Close()
	c := New(srv.URL, testToken, nil)

	areas, err := c.GetAreas(context.Background())
	if err != nil {
		t.Fatalf("GetAreas: %v", err)
	}
	if len(areas) != 1 || areas[0].Name != "Living Room" {
		t.Fatalf("areas = %+v, want one Living Room area", areas)
	}
}

func TestCall_RejectsBadToken(t *testing.T) {
	srv := newTestHAServer(t)
	defer srv.Close()
	c := New(srv.URL, "wrong-token", nil)

	if _, err := c.GetAreas(context.Background()); err == nil {
		t.Fatal("expected an error for a bad auth token")
	}
}
