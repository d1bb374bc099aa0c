package decoy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/squirrelops/homesensor/internal/ops"
	"go.uber.org/zap"
)

// HomeAssistant mimics a Home Assistant instance's public API surface,
// per spec.md's home_assistant decoy type. The real /api/ handshake is
// reproduced so an intruder's first probe looks legitimate; the bait is
// a long-lived access token accepted as a bearer credential.
type HomeAssistant struct {
	base
	haToken string
}

// NewHomeAssistant builds a home_assistant decoy. haToken is the
// rendered content of the planted credential (models.CredHAToken's
// value), served as plain text at /local/onboarding_token.
func NewHomeAssistant(o ops.Ops, logger *zap.Logger, bindAddress string, port int, haToken string, matcher CredentialMatcher) *HomeAssistant {
	return &HomeAssistant{
		base:    newBase(o, logger, bindAddress, port, matcher),
		haToken: haToken,
	}
}

func (h *HomeAssistant) Deploy(ctx context.Context) (int, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "API running."})
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"location_name": "Home",
			"version":       "2024.3.1",
			"components":    []string{"mqtt", "zha", "frontend"},
		})
	})
	mux.HandleFunc("/local/onboarding_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(h.haToken))
	})
	return h.deployHTTP(ctx, mux, "http")
}

func (h *HomeAssistant) Stop(ctx context.Context) error       { return h.stop(ctx) }
func (h *HomeAssistant) HealthCheck(ctx context.Context) bool { return h.healthCheck(ctx) }

var _ Decoy = (*HomeAssistant)(nil)
