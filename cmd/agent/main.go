// Command agent runs an edgecoder worker: registers with a coordinator,
// heartbeats its power/load state, pulls subtasks, drives them through
// the Agent Retry Loop, and reports signed results back. Bootstrap
// follows the same explicit-construction, single-loop shape as
// cmd/coordinator, grounded in haricheung-agentic-shell's executor
// bootstrap.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/swarm/internal/agentloop"
	"github.com/edgecoder/swarm/internal/ble"
	"github.com/edgecoder/swarm/internal/config"
	"github.com/edgecoder/swarm/internal/logging"
	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/provider"
	"github.com/edgecoder/swarm/internal/router"
	"github.com/edgecoder/swarm/internal/sandbox"
	"github.com/edgecoder/swarm/internal/signing"
	"github.com/edgecoder/swarm/internal/telemetry"
	"github.com/edgecoder/swarm/internal/transport"
)

const exitConfigError = 1

func main() {
	os.Exit(run())
}

func run() int {
	service := "agent"
	log := logging.Init(service)
	cfg := config.Load()

	coordinatorURL := strings.TrimRight(os.Getenv("COORDINATOR_URL"), "/")
	if coordinatorURL == "" {
		log.Error("COORDINATOR_URL is required")
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
		dataDir = "./agent-data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("create data dir failed", "error", err)
		return exitConfigError
	}

	keys, err := loadOrGenerateKeys(filepath.Join(dataDir, "agent.key"))
	if err != nil {
		log.Error("agent key init failed", "error", err)
		return exitConfigError
	}

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = uuid.NewString()
	}
	activeModel := getEnv("ACTIVE_MODEL", "qwen2.5-coder-1.5b")
	activeModelParamSize := getEnvFloat("ACTIVE_MODEL_PARAM_SIZE_B", 1.5)
	deviceType := getEnv("DEVICE_TYPE", "laptop")
	memoryMB := getEnvInt("MEMORY_MB", 8192)
	concurrencyCap := cfg.ConcurrencyCap

	client := transport.NewHTTPClient(30 * time.Second)

	caps := model.Capabilities{
		ActiveModel:          activeModel,
		ActiveModelParamSize: activeModelParamSize,
		MemoryMB:             memoryMB,
		DeviceType:           deviceType,
		Languages:            []model.Language{model.LangPython, model.LangJavascript},
		ResourceClass:        model.ResourceCPU,
		ConcurrencyCap:       concurrencyCap,
	}

	if err := registerAgent(ctx, client, coordinatorURL, agentID, keys.PublicKeyBase64(), caps, os.Getenv("APPROVAL_TOKEN")); err != nil {
		log.Error("register failed", "error", err)
		return exitConfigError
	}
	log.Info("agent registered", "agentId", agentID)

	providerRegistry := buildProviderRegistry(cfg, activeModel)

	dockerRunner := sandbox.NewDockerRunner()
	processRunner := sandbox.NewProcessRunner()
	mode := sandbox.ModeProcess
	if getEnv("SANDBOX_MODE", "docker") == "docker" {
		mode = sandbox.ModeDocker
	}
	executor := sandbox.NewExecutor(mode, cfg.SandboxRequired, dockerRunner, processRunner)

	loop := agentloop.New(providerRegistry, executor, agentloop.DefaultPrompts{}, cfg.MaxIterationsWorker)

	rt := router.New(cfg.ConcurrencyCap, cfg.LatencyThreshold())
	rt.Register(router.TierOllamaLocal, router.NewLocalHandler(providerRegistry, rt, activeModel, cfg.LatencyThresholdMs))
	rt.Register(router.TierSwarm, router.NewSwarmHandler(os.Getenv("SWARM_TIER_ENABLED") == "true", cfg.MeshAuthToken, providerRegistry))
	rt.Register(router.TierStub, router.NewStubHandler(providerRegistry.Active()))

	localAddr := getEnv("LOCAL_CHAT_ADDR", ":8787")
	go serveLocalChat(ctx, log, localAddr, rt)

	bleLedger := ble.NewLedger()
	bleSyncer := ble.NewSyncer(bleLedger)
	heartbeatMonitor := ble.NewHeartbeatMonitor()

	go heartbeatLoop(ctx, log, client, coordinatorURL, agentID, activeModel, activeModelParamSize, heartbeatMonitor, bleSyncer)

	log.Info("agent started", "coordinator", coordinatorURL)
	pullLoop(ctx, log, client, coordinatorURL, agentID, keys, loop)
	log.Info("agent shutdown complete")
	return 0
}

// serveLocalChat exposes the Intelligent Router over a local HTTP
// endpoint (spec §4.4) so an IDE or CLI on the same machine gets the
// ollama-local → swarm → stub waterfall without talking to the
// coordinator directly. No bluetooth-local handler is registered in this
// process, so that tier is always skipped here.
func serveLocalChat(ctx context.Context, log *slog.Logger, addr string, rt *router.Router) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var chatReq struct {
			Messages       []router.Message `json:"messages"`
			Stream         bool              `json:"stream"`
			Temperature    float64           `json:"temperature"`
			MaxTokens      int               `json:"max_tokens"`
			RequestedModel string            `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result, err := rt.Route(r.Context(), router.ChatRequest{
			Messages:       chatReq.Messages,
			Stream:         chatReq.Stream,
			Temperature:    chatReq.Temperature,
			MaxTokens:      chatReq.MaxTokens,
			RequestedModel: chatReq.RequestedModel,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if chatReq.Stream {
			streamChatResult(r.Context(), log, w, result)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("local chat server stopped", "error", err)
	}
}

// streamChunkSize is the size, in runes, of each content-delta frame. The
// router hands back an already-complete ChatResult (no tier speaks
// token-by-token yet), so streaming re-chunks the finished text; this
// keeps the wire contract (routeMeta frame, content deltas, terminal
// frame) stable for callers even before a tier streams natively.
const streamChunkSize = 24

// streamChatResult emits an SSE-style frame sequence for a completed
// ChatResult (spec §4.4/§6): a first frame carrying routeMeta, content
// delta frames chunking the result text, and a terminal frame. If ctx is
// cancelled mid-stream, whatever deltas were already flushed stand as
// the preserved partial output and no terminal frame is sent.
func streamChatResult(ctx context.Context, log *slog.Logger, w http.ResponseWriter, result router.ChatResult) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	if err := sendSSEEvent(w, flusher, "route_meta", result.RouteMeta); err != nil {
		log.Warn("sse route_meta write failed", "error", err)
		return
	}

	runes := []rune(result.Text)
	for start := 0; start < len(runes); start += streamChunkSize {
		select {
		case <-ctx.Done():
			return // caller cancelled: partial deltas already flushed stand as-is
		default:
		}
		end := start + streamChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		delta := map[string]string{"delta": string(runes[start:end])}
		if err := sendSSEEvent(w, flusher, "content_delta", delta); err != nil {
			log.Warn("sse content_delta write failed", "error", err)
			return
		}
	}

	if err := sendSSEEvent(w, flusher, "done", map[string]any{
		"latencyMs":    result.LatencyMs,
		"creditsSpent": result.CreditsSpent,
	}); err != nil {
		log.Warn("sse done write failed", "error", err)
	}
}

// sendSSEEvent writes one "event: <type>\ndata: <json>\n\n" frame and
// flushes it immediately.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func buildProviderRegistry(cfg config.Config, activeModel string) *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.NewStubProvider())
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		reg.Register(provider.NewHTTPProvider(provider.KindLocalLLM, baseURL, "", activeModel))
		reg.Use(provider.KindLocalLLM)
		return reg
	}
	reg.Use(provider.KindStub)
	return reg
}

func registerAgent(ctx context.Context, client *transport.HTTPClient, coordinatorURL, agentID, publicKey string, caps model.Capabilities, approvalToken string) error {
	body, err := json.Marshal(map[string]any{
		"agentId":       agentID,
		"publicKey":     publicKey,
		"capabilities":  caps,
		"approvalToken": approvalToken,
	})
	if err != nil {
		return fmt.Errorf("agent: marshal register request: %w", err)
	}
	resp, err := client.Do(ctx, http.MethodPost, coordinatorURL+"/register", meshHeaders(), body)
	if err != nil {
		return fmt.Errorf("agent: register call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: coordinator rejected registration: http %d", resp.StatusCode)
	}
	return nil
}

func heartbeatLoop(ctx context.Context, log *slog.Logger, client *transport.HTTPClient, coordinatorURL, agentID, activeModel string, activeModelParamSize float64, monitor *ble.HeartbeatMonitor, syncer *ble.Syncer) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			power := readPowerState()
			body, _ := json.Marshal(map[string]any{
				"agentId":              agentID,
				"currentLoad":          0,
				"powerState":           power,
				"activeModel":          activeModel,
				"activeModelParamSize": activeModelParamSize,
			})
			resp, err := client.Do(ctx, http.MethodPost, coordinatorURL+"/heartbeat", meshHeaders(), body)
			if err != nil || resp.StatusCode != http.StatusOK {
				wasOffline := monitor.Offline()
				monitor.RecordFailure(time.Now())
				if !wasOffline && monitor.Offline() {
					log.Warn("coordinator unreachable, entering offline mode")
				}
				continue
			}
			wasOffline := monitor.Offline()
			monitor.RecordSuccess()
			if wasOffline {
				log.Info("coordinator reachable again, syncing accrued BLE credits")
				if err := syncer.SyncOnReconnect(ctx, coordinatorURL); err != nil {
					log.Warn("ble credit sync failed", "error", err)
				}
			}
		}
	}
}

func pullLoop(ctx context.Context, log *slog.Logger, client *transport.HTTPClient, coordinatorURL, agentID string, keys *signing.KeyPair, loop *agentloop.Loop) {
	idle := 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		subtask, ok, err := pull(ctx, client, coordinatorURL, agentID)
		if err != nil {
			log.Warn("pull failed", "error", err)
			sleepOrDone(ctx, idle)
			continue
		}
		if !ok {
			sleepOrDone(ctx, idle)
			continue
		}

		log.Info("claimed subtask", "subtaskId", subtask.SubtaskID, "taskId", subtask.TaskID)
		exec := loop.Run(ctx, subtask.Input, subtask.Language, subtask.TimeoutMs)

		if err := submitResult(ctx, client, coordinatorURL, agentID, keys, subtask.SubtaskID, exec); err != nil {
			log.Warn("submit result failed", "subtaskId", subtask.SubtaskID, "error", err)
		}
	}
}

func pull(ctx context.Context, client *transport.HTTPClient, coordinatorURL, agentID string) (model.Subtask, bool, error) {
	body, _ := json.Marshal(map[string]string{"agentId": agentID})
	resp, err := client.Do(ctx, http.MethodPost, coordinatorURL+"/pull", meshHeaders(), body)
	if err != nil {
		return model.Subtask{}, false, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return model.Subtask{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return model.Subtask{}, false, fmt.Errorf("agent: pull returned http %d", resp.StatusCode)
	}
	var st model.Subtask
	if err := transport.DecodeJSON(resp, &st); err != nil {
		return model.Subtask{}, false, err
	}
	return st, true, nil
}

func submitResult(ctx context.Context, client *transport.HTTPClient, coordinatorURL, agentID string, keys *signing.KeyPair, subtaskID string, exec model.AgentExecution) error {
	payload := map[string]any{
		"subtaskId":  subtaskID,
		"agentId":    agentID,
		"ok":         exec.RunResult.OK && !exec.Escalated,
		"output":     exec.RunResult.Stdout,
		"error":      exec.RunResult.Stderr,
		"durationMs": exec.RunResult.DurationMs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agent: marshal result: %w", err)
	}

	headers := signedHeaders(agentID, keys, body)
	resp, err := client.Do(ctx, http.MethodPost, coordinatorURL+"/result", headers, body)
	if err != nil {
		return fmt.Errorf("agent: submit result: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: coordinator rejected result: http %d", resp.StatusCode)
	}
	return nil
}

// signedHeaders builds the x-agent-id/x-timestamp/x-nonce/x-signature
// headers the coordinator's verifySigned expects, matching the
// agentId|timestampMs|nonce|hex(sha256(body)) message it reconstructs.
func signedHeaders(agentID string, keys *signing.KeyPair, body []byte) map[string]string {
	timestamp := time.Now().UnixMilli()
	nonce := uuid.NewString()
	bodyHash := sha256.Sum256(body)
	message := fmt.Sprintf("%s|%d|%s|%s", agentID, timestamp, nonce, hex.EncodeToString(bodyHash[:]))

	headers := meshHeaders()
	headers["x-agent-id"] = agentID
	headers["x-timestamp"] = strconv.FormatInt(timestamp, 10)
	headers["x-nonce"] = nonce
	headers["x-signature"] = keys.SignBase64([]byte(message))
	return headers
}

func meshHeaders() map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if token := os.Getenv("MESH_AUTH_TOKEN"); token != "" {
		headers["x-mesh-token"] = token
	}
	return headers
}

func readPowerState() model.PowerState {
	return model.PowerState{
		OnAC:         os.Getenv("POWER_ON_AC") != "false",
		BatteryPct:   getEnvInt("POWER_BATTERY_PCT", 100),
		Thermal:      getEnv("POWER_THERMAL", "nominal"),
		LowPowerMode: os.Getenv("POWER_LOW_POWER_MODE") == "true",
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func loadOrGenerateKeys(path string) (*signing.KeyPair, error) {
	if seed, err := os.ReadFile(path); err == nil {
		return signing.FromSeed(signing.PurposeAgent, seed)
	}
	keys, err := signing.Generate(signing.PurposeAgent)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, keys.PrivateKey.Seed(), 0o600); err != nil {
		return nil, err
	}
	return keys, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}
