// Command coordinator runs the edgecoder Coordinator Service (spec.md
// §4.6): the HTTP/WebSocket surface workers, the portal, and peer
// coordinators all talk to. Bootstrap follows
// services/orchestrator/main.go's shape: signal-driven context, slog
// init, OTel tracer+meter init, one mux, graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/edgecoder/swarm/internal/ble"
	"github.com/edgecoder/swarm/internal/config"
	"github.com/edgecoder/swarm/internal/coordinator"
	"github.com/edgecoder/swarm/internal/escalation"
	"github.com/edgecoder/swarm/internal/gossip"
	"github.com/edgecoder/swarm/internal/ledger"
	"github.com/edgecoder/swarm/internal/logging"
	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/provider"
	"github.com/edgecoder/swarm/internal/queue"
	"github.com/edgecoder/swarm/internal/router"
	"github.com/edgecoder/swarm/internal/signing"
	"github.com/edgecoder/swarm/internal/telemetry"
)

const exitConfigError = 1

func main() {
	os.Exit(run())
}

func run() int {
	service := "coordinator"
	log := logging.Init(service)

	cfg := config.Load()
	if cfg.MeshAuthToken == "" {
		log.Error("MESH_AUTH_TOKEN is required")
		return exitConfigError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	providers, err := telemetry.Init(ctx, service, cfg.OTLPEndpoint)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		return exitConfigError
	}
	defer providers.Flush(context.Background())

	dataDir := os.Getenv("EDGECODER_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("create data dir failed", "error", err)
		return exitConfigError
	}

	ledgerKeys, err := loadOrGenerateKeys(filepath.Join(dataDir, "ledger.key"), signing.PurposeLedger)
	if err != nil {
		log.Error("ledger key init failed", "error", err)
		return exitConfigError
	}
	peerKeys, err := loadOrGenerateKeys(filepath.Join(dataDir, "peer.key"), signing.PurposePeer)
	if err != nil {
		log.Error("peer key init failed", "error", err)
		return exitConfigError
	}

	ledgerStore, err := ledger.Open(filepath.Join(dataDir, "ledger"), ledgerKeys)
	if err != nil {
		log.Error("ledger open failed", "error", err)
		return exitConfigError
	}
	defer ledgerStore.Close()

	nonces, err := coordinator.OpenNonceCache(filepath.Join(dataDir, "nonces.db"))
	if err != nil {
		log.Error("nonce cache open failed", "error", err)
		return exitConfigError
	}
	defer nonces.Close()

	settled, err := coordinator.OpenSettledStore(filepath.Join(dataDir, "ble_settled.db"))
	if err != nil {
		log.Error("ble settled-tx store open failed", "error", err)
		return exitConfigError
	}
	defer settled.Close()

	policy, err := coordinator.NewPowerPolicy(ctx)
	if err != nil {
		log.Error("power policy init failed", "error", err)
		return exitConfigError
	}

	registry := coordinator.NewRegistry()
	sink := coordinator.NewLedgerSink(ledgerStore)
	q := queue.New(cfg.ClaimTimeout(), sink, nil)

	providerRegistry := provider.NewRegistry()
	providerRegistry.Register(provider.NewStubProvider())
	providerRegistry.Use(provider.KindStub)

	backends := buildEscalationBackends(cfg, providerRegistry.Active())
	resolver := escalation.New(backends, sink)

	rt := router.New(cfg.ConcurrencyCap, cfg.LatencyThreshold())

	selfID := os.Getenv("EDGECODER_COORDINATOR_ID")
	if selfID == "" {
		selfID = uuid.NewString()
	}
	mesh := gossip.New(selfID, peerKeys, gossip.NewWSHTTPSender(), nil)

	mesh.OnMessage(gossip.MessagePeerExchange, func(ctx context.Context, from gossip.PeerInfo, body json.RawMessage) error {
		var exchange gossip.PeerExchangeBody
		if err := json.Unmarshal(body, &exchange); err != nil {
			return err
		}
		for _, p := range exchange.Peers {
			mesh.MergePeer(p.ID, p.URL, p.PublicKey)
		}
		return nil
	})
	mesh.OnMessage(gossip.MessageCapabilityAnnounce, func(ctx context.Context, from gossip.PeerInfo, body json.RawMessage) error {
		var announce gossip.CapabilityAnnounceBody
		if err := json.Unmarshal(body, &announce); err != nil {
			return err
		}
		mesh.UpdatePeerCapability(from.ID, announce.ActiveModel, announce.ActiveModelParamSize)
		return nil
	})
	mesh.OnMessage(gossip.MessageBlacklistPropagate, func(ctx context.Context, from gossip.PeerInfo, body json.RawMessage) error {
		var blacklist gossip.BlacklistPropagateBody
		if err := json.Unmarshal(body, &blacklist); err != nil {
			return err
		}
		if err := registry.SetApproval(blacklist.AgentID, model.ApprovalBlacklisted); err != nil && err != coordinator.ErrAgentNotFound {
			return err
		}
		return nil
	})
	mesh.OnMessage(gossip.MessageTaskForward, func(ctx context.Context, from gossip.PeerInfo, body json.RawMessage) error {
		payload, _ := json.Marshal(map[string]string{"fromPeer": from.ID})
		ledgerStore.Append(model.EventCheckpoint, from.ID, "", "", payload)
		return nil
	})
	mesh.OnMessage(gossip.MessageResultForward, func(ctx context.Context, from gossip.PeerInfo, body json.RawMessage) error {
		payload, _ := json.Marshal(map[string]string{"fromPeer": from.ID})
		ledgerStore.Append(model.EventCheckpoint, from.ID, "", "", payload)
		return nil
	})

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		fanout, err := gossip.NewNATSFanout(natsURL, "edgecoder.gossip")
		if err != nil {
			log.Warn("nats fanout disabled", "error", err)
		} else {
			defer fanout.Close()
			if _, err := fanout.Subscribe(mesh.Ingest); err != nil {
				log.Warn("nats fanout subscribe failed", "error", err)
			}
			mesh.SetFanout(fanout)
		}
	}

	bleTable := ble.NewTable()
	bleLedger := ble.NewLedger()

	srv := coordinator.NewServer(coordinator.Deps{
		MeshToken:      cfg.MeshAuthToken,
		Registry:       registry,
		Queue:          q,
		Ledger:         ledgerStore,
		Escalation:     resolver,
		Router:         rt,
		Mesh:           mesh,
		BLETable:       bleTable,
		BLELedger:      bleLedger,
		BLESettled:     settled,
		Nonces:         nonces,
		Policy:         policy,
		ClaimTimeoutMs: cfg.ClaimTimeoutMs,
		Log:            log,
	})

	sched := cron.New(cron.WithSeconds())
	sched.AddFunc("*/15 * * * * *", func() {
		reclaimed := q.ReclaimExpired(time.Now())
		if reclaimed > 0 {
			log.Info("reclaimed expired claims", "count", reclaimed)
		}
	})
	sched.AddFunc("0 0 * * * *", func() {
		if err := nonces.Sweep(time.Now()); err != nil {
			log.Warn("nonce sweep failed", "error", err)
		}
	})
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Routes()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("coordinator started", "addr", cfg.ListenAddr)
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return 0
}

func buildEscalationBackends(cfg config.Config, activeProvider provider.Provider) []escalation.BackendConfig {
	var backends []escalation.BackendConfig
	for _, name := range cfg.EscalationBackendOrder {
		switch name {
		case "parent-coordinator":
			if parentURL := os.Getenv("PARENT_COORDINATOR_URL"); parentURL != "" {
				backends = append(backends, escalation.BackendConfig{
					Backend:        escalation.NewParentCoordinatorBackend(parentURL, cfg.MeshAuthToken),
					TimeoutMs:      10_000,
					MaxRetries:     2,
					InitialBackoff: 500 * time.Millisecond,
				})
			}
		case "cloud-inference":
			backends = append(backends, escalation.BackendConfig{
				Backend:        escalation.NewCloudInferenceBackend(activeProvider),
				TimeoutMs:      30_000,
				MaxRetries:     1,
				InitialBackoff: time.Second,
			})
		case "human-queue":
			backends = append(backends, escalation.BackendConfig{
				Backend: escalation.NewHumanQueueBackend(func(req escalation.Request) {
					slog.Warn("escalation reached human queue", "escalationId", req.EscalationID)
				}),
				TimeoutMs:      1_000,
				MaxRetries:     1,
				InitialBackoff: time.Millisecond,
			})
		}
	}
	return backends
}

// loadOrGenerateKeys persists a generated Ed25519 seed to disk so a
// coordinator's mesh/ledger identity survives restarts.
func loadOrGenerateKeys(path string, purpose signing.Purpose) (*signing.KeyPair, error) {
	if seed, err := os.ReadFile(path); err == nil {
		return signing.FromSeed(purpose, seed)
	}
	keys, err := signing.Generate(purpose)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, keys.PrivateKey.Seed(), 0o600); err != nil {
		return nil, err
	}
	return keys, nil
}
