// Package scout implements deep per-service profiling of already-known
// devices: HTTP GET probes, TLS certificate inspection, and line-banner
// reads, dispatched with bounded concurrency across a device's open
// ports. Profiles feed the Mimic Orchestrator's template selection.
//
// The bounded-concurrency dispatch follows
// internal/recon/port_scanner.go's semaphore-plus-waitgroup shape,
// generalized from a single boolean-open check to three distinct probe
// kinds keyed by port classification.
package scout

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/squirrelops/homesensor/internal/device"
	"github.com/squirrelops/homesensor/pkg/models"
	"go.uber.org/zap"
)

// Port classifications per spec.md 4.9.
var (
	HTTPPorts = []int{80, 443, 3000, 3001, 5000, 5173, 8000, 8008, 8080, 8081, 8083, 8086, 8088, 8123, 8200, 8443, 8444, 8500, 8888, 9000, 9090}
	TLSPorts  = []int{443, 8443, 993, 995, 8883}
	LinePorts = []int{22, 21, 25, 587, 110, 143}
)

const (
	probeTimeout    = 3 * time.Second
	bodySnippetSize = 2048
	bannerSize      = 512
	bannerLineSize  = 256
	userAgent       = "Mozilla/5.0 (compatible; HomeSensorScout/1.0)"
)

func isIn(ports []int, p int) bool {
	for _, x := range ports {
		if x == p {
			return true
		}
	}
	return false
}

// Store is the persistence seam: upsert-by-(device_id, port, protocol)
// with COALESCE semantics so a later partial probe never blanks a
// previously-observed field.
type Store interface {
	UpsertProfile(ctx context.Context, p models.ServiceProfile) error
	ProfilesForDevice(ctx context.Context, deviceID string) ([]models.ServiceProfile, error)
	AllProfiles(ctx context.Context) ([]models.ServiceProfile, error)
}

// Scout dispatches bounded-concurrency probes against known devices'
// open ports and persists the results.
type Scout struct {
	store       Store
	logger      *zap.Logger
	concurrency int
	client      *http.Client
}

func New(store Store, logger *zap.Logger, concurrency int) *Scout {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Scout{
		store:       store,
		logger:      logger,
		concurrency: concurrency,
		client: &http.Client{
			Timeout: probeTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ProfileDevices probes every target's open ports and persists whatever
// partial data each probe yields. Probe failures are logged at debug and
// otherwise ignored, per spec.md 4.9 -- a partial profile is acceptable.
func (s *Scout) ProfileDevices(ctx context.Context, targets []device.DeviceTarget) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, target := range targets {
		for _, port := range target.OpenPorts {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(deviceID, ip string, port int) {
				defer wg.Done()
				defer func() { <-sem }()
				s.probeOne(ctx, deviceID, ip, port)
			}(target.Device.ID, target.Device.IP, port)
		}
	}
	wg.Wait()
}

func (s *Scout) probeOne(ctx context.Context, deviceID, ip string, port int) {
	var (
		profile models.ServiceProfile
		err     error
	)
	switch {
	case isIn(HTTPPorts, port):
		profile, err = s.probeHTTP(ctx, ip, port)
	case isIn(TLSPorts, port):
		profile, err = s.probeTLS(ctx, ip, port)
	case isIn(LinePorts, port):
		profile, err = s.probeLineBanner(ctx, ip, port)
	default:
		profile, err = s.probeGenericBanner(ctx, ip, port)
	}
	if err != nil {
		s.logger.Debug("scout probe failed", zap.String("ip", ip), zap.Int("port", port), zap.Error(err))
	}

	profile.DeviceID = deviceID
	profile.Port = port
	profile.UpdatedAt = time.Now().UTC()
	if uErr := s.store.UpsertProfile(ctx, profile); uErr != nil {
		s.logger.Warn("upsert service profile failed", zap.String("ip", ip), zap.Int("port", port), zap.Error(uErr))
	}
}

func (s *Scout) probeHTTP(ctx context.Context, ip string, port int) (models.ServiceProfile, error) {
	p := models.ServiceProfile{Protocol: "http"}
	scheme := "http"
	if isIn(TLSPorts, port) {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(ip, strconv.Itoa(port)))

	status, headers, body, err := s.getOnce(ctx, base+"/")
	if err != nil {
		return p, err
	}
	p.HTTPStatus = &status
	if hj, mErr := json.Marshal(headers); mErr == nil {
		p.HTTPHeaders = string(hj)
	}
	p.ServerHeader = headers.Get("Server")
	if len(body) > bodySnippetSize {
		body = body[:bodySnippetSize]
	}
	p.BodySnippet = string(body)

	if _, _, favicon, fErr := s.getOnce(ctx, base+"/favicon.ico"); fErr == nil && len(favicon) > 0 {
		sum := md5.Sum(favicon)
		p.FaviconMD5 = hex.EncodeToString(sum[:])
	}

	return p, nil
}

func (s *Scout) getOnce(ctx context.Context, url string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodySnippetSize))
	if err != nil && len(body) == 0 {
		return resp.StatusCode, resp.Header, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (s *Scout) probeTLS(ctx context.Context, ip string, port int) (models.ServiceProfile, error) {
	p := models.ServiceProfile{Protocol: "tls"}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return p, err
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: ip})
	tlsConn.SetDeadline(time.Now().Add(probeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return p, err
	}
	defer tlsConn.Close()

	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return p, fmt.Errorf("no peer certificates presented")
	}
	cert := certs[0]
	p.TLSCommonName = cert.Subject.CommonName
	if len(cert.Issuer.Organization) > 0 {
		p.TLSIssuerOrg = cert.Issuer.Organization[0]
	}
	notAfter := cert.NotAfter
	p.TLSNotAfter = &notAfter
	return p, nil
}

func (s *Scout) probeLineBanner(ctx context.Context, ip string, port int) (models.ServiceProfile, error) {
	p := models.ServiceProfile{Protocol: "banner"}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return p, err
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(probeTimeout))

	reader := bufio.NewReaderSize(conn, bannerSize)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return p, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) > bannerLineSize {
		line = line[:bannerLineSize]
	}
	p.Banner = line
	return p, nil
}

func (s *Scout) probeGenericBanner(ctx context.Context, ip string, port int) (models.ServiceProfile, error) {
	return s.probeLineBanner(ctx, ip, port)
}
