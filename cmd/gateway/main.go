// Package main implements the Plumise inference gateway, which accepts
// OpenAI-compatible chat-completion requests and routes them across a pool
// of inference nodes and NAT-behind workers.
//
// The gateway is the single entrypoint tying together:
//   - Node Registry   - tracked node health, cooldowns, circuit breakers
//   - Oracle Client   - periodic discovery of nodes and pipeline topology
//   - Health Prober   - periodic /health checks of registered nodes
//   - Worker Relay    - inbound websocket back-channel for NAT workers
//   - Retry Coordinator - candidate selection, retry, and stream stitching
//   - Usage Tracker   - per-wallet usage aggregation and Oracle reporting
//   - HTTP API        - /v1/chat/completions, OpenAI wire format
//
// Configuration:
//   - GATEWAY_ADDR: listen address (default ":8080")
//   - ORACLE_URL / STATIC_NODE_URLS: node sources, at least one required
//   - GATEWAY_OPERATOR_PRIVATE_KEY: signs outbound usage reports
//   - GATEWAY_CONFIG_FILE: optional YAML overlay, hot-reloaded
//
// See internal/config for the full environment variable surface.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mikusnuz/plumise-inference-api/internal/config"
	"github.com/mikusnuz/plumise-inference-api/internal/forwarder"
	"github.com/mikusnuz/plumise-inference-api/internal/health"
	"github.com/mikusnuz/plumise-inference-api/internal/httpapi"
	"github.com/mikusnuz/plumise-inference-api/internal/logging"
	"github.com/mikusnuz/plumise-inference-api/internal/metrics"
	"github.com/mikusnuz/plumise-inference-api/internal/oracle"
	"github.com/mikusnuz/plumise-inference-api/internal/registry"
	"github.com/mikusnuz/plumise-inference-api/internal/relay"
	"github.com/mikusnuz/plumise-inference-api/internal/retry"
	"github.com/mikusnuz/plumise-inference-api/internal/signing"
	"github.com/mikusnuz/plumise-inference-api/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(logging.Config{
		Level:      logging.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := logging.Logger

	watcher := config.NewWatcher(logger, cfg)
	if err := watcher.Start(); err != nil {
		logger.Warn().Err(err).Msg("config file watcher failed to start, continuing with static config")
	}
	defer watcher.Stop()

	reg := registry.New(registry.Options{
		CooldownDuration: registry.DefaultCooldownDuration,
		AllowPrivateIPs:  cfg.AllowPrivateIPs,
	})

	seedStaticNodes(reg, logger, cfg.StaticNodeURLs)

	prober := health.New(reg, logger, health.Options{ProbeTimeout: cfg.Timeouts.Health})

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	prober.Start(rootCtx)
	defer prober.Stop()

	go watchStaticNodeReloads(rootCtx, watcher, reg, logger)

	var oracleClient *oracle.Client
	if cfg.OracleURL != "" {
		oracleClient = oracle.New(cfg.OracleURL, reg, logger, oracle.Options{
			Model: cfg.DefaultModel,
			OnNewNode: func(nodeURL string) {
				logger.Info().Str("node_url", nodeURL).Msg("oracle discovered new node")
				prober.TriggerProbe(rootCtx, nodeURL)
			},
		})
		oracleClient.Start(rootCtx, cfg.Timeouts.OraclePoll)
		defer oracleClient.Stop()
	}

	rel := relay.New(logger, relay.Options{
		AuthTimeout:  cfg.Timeouts.AuthHandshake,
		PingInterval: cfg.Timeouts.WorkerPing,
	})
	defer rel.Shutdown()

	var signer *signing.Signer
	if cfg.OperatorPrivateKey != "" {
		signer, err = signing.NewSigner(cfg.OperatorPrivateKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid GATEWAY_OPERATOR_PRIVATE_KEY")
		}
	}

	tracker := usage.New(logger, usage.Options{
		OracleURL:      cfg.OracleURL,
		ReportInterval: cfg.Timeouts.UsageReport,
		StaleThreshold: cfg.Timeouts.StaleAggregate,
		Signer:         signer,
	})
	tracker.Start(rootCtx)
	defer tracker.Stop()

	fwd := forwarder.New(rel)

	var topology retry.TopologyProvider
	if oracleClient != nil {
		topology = oracleClient
	}
	coordinator := retry.New(reg, rel, fwd, topology, logger)

	api := httpapi.New(coordinator, tracker, logger)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/ws/agent-relay", rel)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	logger.Info().Msg("gateway stopped")
}

// seedStaticNodes upserts every statically configured node URL into reg at
// startup, before the Health Prober's first pass.
func seedStaticNodes(reg *registry.Registry, logger zerolog.Logger, urls []string) {
	for _, url := range urls {
		if _, err := reg.Upsert(url, registry.Seed{Type: registry.TypeOpenAI}); err != nil {
			logger.Warn().Err(err).Str("node_url", url).Msg("failed to seed static node")
		}
	}
}

// watchStaticNodeReloads periodically re-applies watcher's current static
// node list to reg, so a GATEWAY_CONFIG_FILE edit that adds nodes takes
// effect without a restart. A URL dropped from the file is left registered;
// the registry never deletes a node out from under an in-flight request, so
// removal instead relies on the Health Prober marking it offline.
func watchStaticNodeReloads(ctx context.Context, watcher *config.Watcher, reg *registry.Registry, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seedStaticNodes(reg, logger, watcher.Current().StaticNodeURLs)
		}
	}
}
