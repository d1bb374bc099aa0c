// Package decoy implements the fake services the orchestrator deploys:
// file_share, dev_server, and home_assistant. Each type binds a listener
// through the privileged Ops interface, serves plausible static content,
// and inspects every inbound request for planted credential reuse before
// reporting the connection to its orchestrator.
//
// The listener lifecycle (bind, serve in a goroutine, graceful shutdown)
// follows the teacher's internal/server/server.go http.Server pattern,
// generalized from one shared admin server to many independently
// start/stoppable decoy listeners.
package decoy

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/pkg/models"
	"go.uber.org/zap"
)

// ConnectionHandler is invoked, fire-and-forget, for every inbound
// connection a decoy observes. Registered by the orchestrator per
// spec.md 4.6.
type ConnectionHandler func(models.DecoyConnectionEvent)

// Decoy is the contract every concrete decoy type implements.
type Decoy interface {
	// Deploy binds the listener and starts serving. Returns the
	// OS-assigned port when the configured port is 0.
	Deploy(ctx context.Context) (boundPort int, err error)
	// Stop gracefully shuts the listener down.
	Stop(ctx context.Context) error
	// HealthCheck reports whether the decoy is still accepting
	// connections.
	HealthCheck(ctx context.Context) bool
	// SetOnConnection registers the orchestrator's trip callback.
	SetOnConnection(handler ConnectionHandler)
}

// CredentialMatcher checks inbound request material against every
// planted credential value for this decoy, returning the credential id
// used, or "" if none matched.
type CredentialMatcher interface {
	MatchCredential(candidate string) (credentialID string)
}

// base is embedded by every concrete decoy type: it owns the listener
// lifecycle and the credential-match/connection-report plumbing so each
// type only needs to provide its content.
type base struct {
	ops         ops.Ops
	logger      *zap.Logger
	bindAddress string
	port        int

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	onConn   ConnectionHandler
	matcher  CredentialMatcher
}

func newBase(o ops.Ops, logger *zap.Logger, bindAddress string, port int, matcher CredentialMatcher) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{ops: o, logger: logger, bindAddress: bindAddress, port: port, matcher: matcher}
}

func (b *base) SetOnConnection(handler ConnectionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConn = handler
}

// deployHTTP binds a listener through Ops and starts mux behind an
// access-logging wrapper that inspects requests for credential reuse
// before handing off.
func (b *base) deployHTTP(ctx context.Context, mux http.Handler, protocol string) (int, error) {
	l, err := b.ops.BindListener(ctx, b.bindAddress, b.port)
	if err != nil {
		return 0, err
	}

	boundPort := l.Addr().(*net.TCPAddr).Port

	b.mu.Lock()
	b.listener = l
	b.port = boundPort
	b.server = &http.Server{
		Handler:           b.wrap(mux, protocol),
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := b.server
	b.mu.Unlock()

	go func() {
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			b.logger.Warn("decoy listener exited", zap.Error(err))
		}
	}()

	return boundPort, nil
}

func (b *base) wrap(next http.Handler, protocol string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credentialUsed := b.inspectRequest(r)
		b.report(r, protocol, credentialUsed)
		next.ServeHTTP(w, r)
	})
}

// inspectRequest checks the Authorization header, Basic auth, and any
// form-encoded body for planted credential reuse.
func (b *base) inspectRequest(r *http.Request) string {
	if b.matcher == nil {
		return ""
	}

	candidates := []string{r.Header.Get("Authorization")}
	if user, pass, ok := r.BasicAuth(); ok {
		candidates = append(candidates, user, pass)
	}
	if err := r.ParseForm(); err == nil {
		for _, vals := range r.Form {
			candidates = append(candidates, vals...)
		}
	}

	for _, c := range candidates {
		c = strings.TrimSpace(strings.TrimPrefix(c, "Bearer "))
		if c == "" {
			continue
		}
		if id := b.matcher.MatchCredential(c); id != "" {
			return id
		}
	}
	return ""
}

func (b *base) report(r *http.Request, protocol, credentialUsed string) {
	b.mu.Lock()
	handler := b.onConn
	b.mu.Unlock()
	if handler == nil {
		return
	}

	host, portStr, _ := net.SplitHostPort(r.RemoteAddr)
	sourcePort := 0
	if p, err := strconv.Atoi(portStr); err == nil {
		sourcePort = p
	}

	handler(models.DecoyConnectionEvent{
		SourceIP:       host,
		SourcePort:     sourcePort,
		DestPort:       b.port,
		Protocol:       protocol,
		Timestamp:      time.Now().UTC(),
		RequestPath:    r.URL.Path,
		CredentialUsed: credentialUsed,
	})
}

func (b *base) stop(ctx context.Context) error {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (b *base) healthCheck(ctx context.Context) bool {
	b.mu.Lock()
	addr := b.bindAddress
	port := b.port
	b.mu.Unlock()
	if port == 0 {
		return false
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
