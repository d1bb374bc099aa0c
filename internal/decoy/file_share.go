package decoy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/squirrelops/homesensor/internal/ops"
	"go.uber.org/zap"
)

// fileShareListing is the plausible directory listing served at "/".
const fileShareListing = `<!DOCTYPE html>
<html><head><title>Index of /shared</title></head>
<body>
<h1>Index of /shared</h1>
<ul>
<li><a href="backup/">backup/</a></li>
<li><a href="Photos/">Photos/</a></li>
<li><a href="passwords.txt">passwords.txt</a></li>
<li><a href="家庭账单.xlsx">家庭账单.xlsx</a></li>
</ul>
</body></html>
`

// FileShare mimics an exposed SMB/AFP-style web file share, per
// spec.md's file_share decoy type. Credentials are planted as the
// contents of a fake passwords.txt.
type FileShare struct {
	base
	passwordsFile string
}

// NewFileShare builds a file_share decoy. passwordsFile is the rendered
// content of the planted credential (models.CredPassword's value).
func NewFileShare(o ops.Ops, logger *zap.Logger, bindAddress string, port int, passwordsFile string, matcher CredentialMatcher) *FileShare {
	return &FileShare{
		base:          newBase(o, logger, bindAddress, port, matcher),
		passwordsFile: passwordsFile,
	}
}

func (f *FileShare) Deploy(ctx context.Context) (int, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "Apache/2.4.41 (Ubuntu)")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, fileShareListing)
	})
	mux.HandleFunc("/passwords.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, f.passwordsFile)
	})
	return f.deployHTTP(ctx, mux, "http")
}

func (f *FileShare) Stop(ctx context.Context) error       { return f.stop(ctx) }
func (f *FileShare) HealthCheck(ctx context.Context) bool { return f.healthCheck(ctx) }

var _ Decoy = (*FileShare)(nil)
