package mimic

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/squirrelops/homesensor/internal/decoy"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/pkg/models"
	"go.uber.org/zap"
)

// privilegedPortOffset is added to any advertised port below 1024 to
// compute the port the mimic server actually binds; a DNAT rule
// installed through ops bridges the advertised port to it, per spec.md
// 4.9's privileged port remap step.
const privilegedPortOffset = 10000

// bindPortFor computes the port a mimic listener binds for an
// advertised port, applying the privileged remap when needed.
func bindPortFor(advertisedPort int) int {
	if advertisedPort < 1024 {
		return advertisedPort + privilegedPortOffset
	}
	return advertisedPort
}

// listenerSet is one running HTTP listener for one advertised port.
type listenerSet struct {
	advertisedPort int
	listener       net.Listener
	server         *http.Server
}

// Server is a MimicDecoy: one listener per route in a MimicTemplate,
// each serving its captured RouteSpec content and reporting the
// advertised port (not the bind port) on every connection, matching
// decoy.base's credential-match-then-report request pipeline.
type Server struct {
	ops         ops.Ops
	logger      *zap.Logger
	bindAddress string
	template    models.MimicTemplate
	matcher     decoy.CredentialMatcher

	mu        sync.Mutex
	listeners []*listenerSet
	onConn    decoy.ConnectionHandler
}

func NewServer(o ops.Ops, logger *zap.Logger, bindAddress string, template models.MimicTemplate, matcher decoy.CredentialMatcher) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ops: o, logger: logger, bindAddress: bindAddress, template: template, matcher: matcher}
}

func (s *Server) SetOnConnection(handler decoy.ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = handler
}

// Deploy binds one listener per templated route and returns the advertised
// port of the first route it bound. Routes is a map, so which route that is
// is not defined. Deploy installs no port-forward rules; the Orchestrator's
// setupPortForwards does that for the privileged ports.
func (s *Server) Deploy(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := 0
	for port, route := range s.template.Routes {
		bindPort := bindPortFor(port)
		l, err := s.ops.BindListener(ctx, s.bindAddress, bindPort)
		if err != nil {
			s.closeAllLocked(ctx)
			return 0, err
		}

		ls := &listenerSet{advertisedPort: port}
		ls.listener = l
		ls.server = &http.Server{
			Handler:           s.wrap(s.routeHandler(route), port),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.listeners = append(s.listeners, ls)

		go func(ls *listenerSet) {
			if err := ls.server.Serve(ls.listener); err != nil && err != http.ErrServerClosed {
				s.logger.Warn("mimic listener exited", zap.Int("port", ls.advertisedPort), zap.Error(err))
			}
		}(ls)

		if first == 0 {
			first = port
		}
	}
	return first, nil
}

func (s *Server) routeHandler(route models.RouteSpec) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route.ContentType != "" {
			w.Header().Set("Content-Type", route.ContentType)
		}
		if s.template.ServerHeader != "" {
			w.Header().Set("Server", s.template.ServerHeader)
		}
		status := route.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write([]byte(route.Body))
	})
}

func (s *Server) wrap(next http.Handler, advertisedPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credentialUsed := s.inspectRequest(r)
		s.report(r, advertisedPort, credentialUsed)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inspectRequest(r *http.Request) string {
	if s.matcher == nil {
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
		if id := s.matcher.MatchCredential(c); id != "" {
			return id
		}
	}
	return ""
}

func (s *Server) report(r *http.Request, advertisedPort int, credentialUsed string) {
	s.mu.Lock()
	handler := s.onConn
	s.mu.Unlock()
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
		DestPort:       advertisedPort,
		Protocol:       "http",
		Timestamp:      time.Now().UTC(),
		RequestPath:    r.URL.Path,
		CredentialUsed: credentialUsed,
	})
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeAllLocked(ctx)
}

func (s *Server) closeAllLocked(ctx context.Context) error {
	var firstErr error
	for _, ls := range s.listeners {
		if err := ls.server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.listeners = nil
	return firstErr
}

func (s *Server) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	listeners := append([]*listenerSet(nil), s.listeners...)
	addr := s.bindAddress
	s.mu.Unlock()

	if len(listeners) == 0 {
		return false
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	for _, ls := range listeners {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(bindPortFor(ls.advertisedPort))))
		if err != nil {
			return false
		}
		conn.Close()
	}
	return true
}

var _ decoy.Decoy = (*Server)(nil)
