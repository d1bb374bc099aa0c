// Command homesensor is the always-on sensor process: it wires every
// component together and runs until a shutdown signal arrives.
//
// Per spec.md's own scope, YAML config loading, the HTTP/WebSocket API
// surface, and the platform-specific privileged helper are external
// collaborators -- this binary configures itself from flags/environment
// with sane defaults (the way the teacher's own cmd/scout/main.go does
// for its secondary binary) and talks to the privileged helper only
// through the abstract ops.Ops interface, backed here by ops.NewFake
// until a real helper is wired in deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/squirrelops/homesensor/internal/alertdispatch"
	"github.com/squirrelops/homesensor/internal/canary"
	"github.com/squirrelops/homesensor/internal/classify"
	"github.com/squirrelops/homesensor/internal/credential"
	"github.com/squirrelops/homesensor/internal/decoyorch"
	"github.com/squirrelops/homesensor/internal/device"
	"github.com/squirrelops/homesensor/internal/discovery"
	"github.com/squirrelops/homesensor/internal/eventbus"
	"github.com/squirrelops/homesensor/internal/ha"
	"github.com/squirrelops/homesensor/internal/incident"
	"github.com/squirrelops/homesensor/internal/mimic"
	"github.com/squirrelops/homesensor/internal/ops"
	"github.com/squirrelops/homesensor/internal/scan"
	"github.com/squirrelops/homesensor/internal/scout"
	"github.com/squirrelops/homesensor/internal/store"
	"github.com/squirrelops/homesensor/pkg/models"
	"github.com/squirrelops/homesensor/pkg/plugin"
	"go.uber.org/zap"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dbPath := flag.String("db", getenv("HOMESENSOR_DB", "homesensor.db"), "path to the sqlite database file")
	subnetFlag := flag.String("subnet", getenv("HOMESENSOR_SUBNET", "192.168.1.0/24"), "CIDR of the LAN to scan")
	scanInterval := flag.Duration("scan-interval", 5*time.Minute, "interval between scan loop cycles")
	bindAddress := flag.String("bind-address", getenv("HOMESENSOR_BIND_ADDR", "0.0.0.0"), "address decoys and mimics bind listeners on")
	mimicApex := flag.String("mimic-apex", getenv("HOMESENSOR_MIMIC_APEX", "sensor.home.arpa"), "DNS apex used for generated canary hostnames")
	mimicPoolCIDR := flag.String("mimic-pool", getenv("HOMESENSOR_MIMIC_POOL", ""), "CIDR of free addresses reserved for mimic virtual IPs (optional)")
	haURL := flag.String("ha-url", getenv("HOMESENSOR_HA_URL", ""), "Home Assistant base URL (optional)")
	haToken := flag.String("ha-token", getenv("HOMESENSOR_HA_TOKEN", ""), "Home Assistant long-lived access token (optional)")
	slackWebhook := flag.String("slack-webhook", getenv("HOMESENSOR_SLACK_WEBHOOK", ""), "Slack incoming webhook URL for alert delivery (optional)")
	llmEndpoint := flag.String("llm-endpoint", getenv("HOMESENSOR_LLM_ENDPOINT", ""), "OpenAI-compatible chat completion base URL for classifier fallback (optional)")
	llmModel := flag.String("llm-model", getenv("HOMESENSOR_LLM_MODEL", ""), "model name for the classifier LLM fallback")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	_, subnet, err := net.ParseCIDR(*subnetFlag)
	if err != nil {
		logger.Fatal("invalid -subnet", zap.String("subnet", *subnetFlag), zap.Error(err))
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", *dbPath), zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, migrations := range map[string][]plugin.Migration{
		"eventbus":  eventbus.Migrations(),
		"device":    device.Migrations(),
		"scout":     scout.Migrations(),
		"decoyorch": decoyorch.Migrations(),
		"mimic":     mimic.Migrations(),
		"canary":    canary.Migrations(),
		"incident":  incident.Migrations(),
	} {
		if err := db.Migrate(ctx, name, migrations); err != nil {
			logger.Fatal("migration failed", zap.String("component", name), zap.Error(err))
		}
	}

	bus := eventbus.New(db.DB(), logger.Named("eventbus"))

	signatures, err := classify.Load()
	if err != nil {
		logger.Fatal("failed to load classifier signature table", zap.Error(err))
	}
	var llmClient classify.LLMClient
	if *llmEndpoint != "" {
		llmClient = classify.NewHTTPClient(*llmEndpoint, *llmModel, "", 15*time.Second)
	}
	classifier := classify.New(signatures, llmClient, logger.Named("classify"))

	deviceStore := device.NewStore(db.DB())
	deviceManager := device.New(deviceStore, bus, classifier, logger.Named("device"))
	if err := deviceManager.LoadKnownDevices(ctx); err != nil {
		logger.Fatal("failed to load known devices", zap.Error(err))
	}

	o := ops.NewFake()
	logger.Warn("using the in-memory fake operations backend; wire a real privileged helper before deploying")

	generator := credential.NewGenerator(*mimicApex)

	decoyStore := decoyorch.NewStore(db.DB())
	decoyOrch := decoyorch.New(decoyStore, o, bus, generator, logger.Named("decoyorch"), decoyorch.Config{
		BindAddress: *bindAddress,
	})

	var haFactory scan.HAClientFactory
	if *haURL != "" && *haToken != "" {
		haFactory = func(cfg scan.HAConfig) scan.HAClient {
			return ha.New(cfg.URL, cfg.Token, logger.Named("ha"))
		}
	}

	scanLoop := scan.New(o, deviceManager, bus, logger.Named("scan"), scan.Config{
		Subnet:          subnet,
		Interval:        *scanInterval,
		Decoys:          decoyOrch,
		HAClientFactory: haFactory,
		HAConfigSource: func() scan.HAConfig {
			return scan.HAConfig{Enabled: *haURL != "" && *haToken != "", URL: *haURL, Token: *haToken}
		},
		Discovery: discovery.NewFake(),
	})

	scoutStore := scout.NewSQLStore(db.DB())
	scoutSvc := scout.New(scoutStore, logger.Named("scout"), 8)

	mimicStore := mimic.NewStore(db.DB())
	if *mimicPoolCIDR != "" {
		pool, err := expandPool(*mimicPoolCIDR)
		if err != nil {
			logger.Fatal("invalid -mimic-pool", zap.String("cidr", *mimicPoolCIDR), zap.Error(err))
		}
		if err := mimicStore.SeedPool(ctx, pool, "eth0"); err != nil {
			logger.Fatal("failed to seed mimic virtual ip pool", zap.Error(err))
		}
	}
	advertiser := mimic.NewFakeAdvertiser()
	logger.Warn("using the in-memory fake mDNS advertiser; wire a real multicast-capable backend before deploying")
	mimicOrch := mimic.New(mimicStore, scoutStore, decoyStore, deviceManager, generator, o, advertiser, bus, logger.Named("mimic"), mimic.Config{})

	canaryMonitor := canary.New(canary.NewStore(db.DB()), decoyStore, o, canary.NewManager(), bus, logger.Named("canary"), 0)

	incidentGrouper := incident.New(incident.NewStore(db.DB()), bus, logger.Named("incident"), incident.Config{})

	var channels []alertdispatch.ChannelConfig
	channels = append(channels, alertdispatch.ChannelConfig{Name: "log", Kind: alertdispatch.ChannelLog, MinSeverity: models.SeverityLow})
	if *slackWebhook != "" {
		channels = append(channels, alertdispatch.ChannelConfig{
			Name: "slack", Kind: alertdispatch.ChannelSlack, MinSeverity: models.SeverityMedium, WebhookURL: *slackWebhook,
		})
	}
	dispatcher := alertdispatch.New(bus, logger.Named("alertdispatch"), channels)

	// Scout profiling and mimic deployment both act on devices this scan
	// cycle discovered; run them after each scan_complete event rather
	// than on their own schedule.
	unsubscribeScan := bus.SubscribeAll(func(ctx context.Context, e plugin.Event) {
		if e.Topic != models.TopicSystemScanComplete {
			return
		}
		scoutSvc.ProfileDevices(ctx, deviceManager.DevicesWithPorts())
		if err := mimicOrch.DeployAll(ctx); err != nil {
			logger.Warn("mimic deploy pass failed", zap.Error(err))
		}
	})
	defer unsubscribeScan()

	components := []plugin.Component{decoyOrch, scanLoop, mimicOrch, canaryMonitor, incidentGrouper, dispatcher}
	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			logger.Fatal("component start failed", zap.String("component", c.Name()), zap.Error(err))
		}
		logger.Info("component started", zap.String("component", c.Name()))
	}

	logger.Info("homesensor ready", zap.String("subnet", subnet.String()), zap.Duration("scan_interval", *scanInterval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(shutdownCtx); err != nil {
			logger.Warn("component stop failed", zap.String("component", components[i].Name()), zap.Error(err))
		}
	}
	logger.Info("homesensor stopped")
}

// expandPool enumerates every host address in cidr for the mimic virtual
// IP pool. Small reserved ranges only; not meant for anything near a /16.
func expandPool(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	var out []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); incIP(cur) {
		out = append(out, cur.String())
	}
	return out, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
