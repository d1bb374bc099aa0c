package decoy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/squirrelops/homesensor/internal/ops"
	"go.uber.org/zap"
)

// DevServer mimics a developer's local server left reachable on the LAN
// (webpack-dev-server / vite / a framework's debug endpoint), per
// spec.md's dev_server decoy type. Serves an env-file-shaped debug
// endpoint as bait, since that's the realistic leak vector for this
// decoy class.
type DevServer struct {
	base
	envFile string
}

// NewDevServer builds a dev_server decoy. envFile is the rendered
// content of the planted credential (models.CredEnvFile's value).
func NewDevServer(o ops.Ops, logger *zap.Logger, bindAddress string, port int, envFile string, matcher CredentialMatcher) *DevServer {
	return &DevServer{
		base:    newBase(o, logger, bindAddress, port, matcher),
		envFile: envFile,
	}
}

func (d *DevServer) Deploy(ctx context.Context) (int, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><h1>Cannot GET /</h1></body></html>"))
	})
	mux.HandleFunc("/.env", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(d.envFile))
	})
	mux.HandleFunc("/api/debug", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"node_env": "development",
			"debug":    true,
		})
	})
	return d.deployHTTP(ctx, mux, "http")
}

func (d *DevServer) Stop(ctx context.Context) error       { return d.stop(ctx) }
func (d *DevServer) HealthCheck(ctx context.Context) bool { return d.healthCheck(ctx) }

var _ Decoy = (*DevServer)(nil)
