// Package coordinator implements the Coordinator Service (spec.md §4.6):
// the HTTP surface workers, the portal, and peer coordinators all talk
// to. Grounded on services/orchestrator/main.go's stdlib-ServeMux +
// slog + OTel metrics shape.
package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/edgecoder/swarm/internal/ble"
	"github.com/edgecoder/swarm/internal/escalation"
	"github.com/edgecoder/swarm/internal/gossip"
	"github.com/edgecoder/swarm/internal/ledger"
	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/queue"
	"github.com/edgecoder/swarm/internal/router"
)

// Server wires every coordinator-facing component behind one HTTP
// surface. Construction is explicit (spec §9 design note: "explicit
// values passed through construction... single bootstrap sequence") —
// no hidden globals beyond the OTel providers.
type Server struct {
	meshToken string

	registry   *Registry
	queue      *queue.Queue
	ledger     *ledger.Store
	escalation *escalation.Resolver
	router     *router.Router
	mesh       *gossip.Mesh
	bleTable   *ble.Table
	bleLedger  *ble.Ledger
	bleSettled *SettledStore
	nonces     *NonceCache
	policy     *PowerPolicy

	claimTimeoutMs int64

	log *slog.Logger

	pullCounter    metric.Int64Counter
	submitCounter  metric.Int64Counter
	resultCounter  metric.Int64Counter
}

// Deps bundles every component NewServer wires together.
type Deps struct {
	MeshToken      string
	Registry       *Registry
	Queue          *queue.Queue
	Ledger         *ledger.Store
	Escalation     *escalation.Resolver
	Router         *router.Router
	Mesh           *gossip.Mesh
	BLETable       *ble.Table
	BLELedger      *ble.Ledger
	BLESettled     *SettledStore
	Nonces         *NonceCache
	Policy         *PowerPolicy
	ClaimTimeoutMs int64
	Log            *slog.Logger
}

func NewServer(d Deps) *Server {
	meter := otel.GetMeterProvider().Meter("edgecoder")
	pullCounter, _ := meter.Int64Counter("edgecoder_coordinator_pull_total")
	submitCounter, _ := meter.Int64Counter("edgecoder_coordinator_submit_total")
	resultCounter, _ := meter.Int64Counter("edgecoder_coordinator_result_total")

	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		meshToken:      d.MeshToken,
		registry:       d.Registry,
		queue:          d.Queue,
		ledger:         d.Ledger,
		escalation:     d.Escalation,
		router:         d.Router,
		mesh:           d.Mesh,
		bleTable:       d.BLETable,
		bleLedger:      d.BLELedger,
		bleSettled:     d.BLESettled,
		nonces:         d.Nonces,
		policy:         d.Policy,
		claimTimeoutMs: d.ClaimTimeoutMs,
		log:            log,
		pullCounter:    pullCounter,
		submitCounter:  submitCounter,
		resultCounter:  resultCounter,
	}
}

// Routes builds the mux for the full §6 external interface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/register", s.requireMeshToken(s.handleRegister))
	mux.HandleFunc("/heartbeat", s.requireMeshToken(s.handleHeartbeat))
	mux.HandleFunc("/submit", s.requireMeshToken(s.handleSubmit))
	mux.HandleFunc("/pull", s.requireMeshToken(s.handlePull))
	mux.HandleFunc("/result", s.requireMeshToken(s.handleResult))
	mux.HandleFunc("/escalate", s.requireMeshToken(s.handleEscalate))
	mux.HandleFunc("/escalate/", s.requireMeshToken(s.handleGetEscalation))
	mux.HandleFunc("/models/available", s.requireMeshToken(s.handleModelsAvailable))
	mux.HandleFunc("/status", s.requireMeshToken(s.handleStatus))

	mux.HandleFunc("/mesh/register-peer", s.requireMeshToken(s.handleMeshRegisterPeer))
	mux.HandleFunc("/mesh/ingest", s.requireMeshToken(s.handleMeshIngest))
	mux.HandleFunc("/mesh/peers", s.requireMeshToken(s.handleMeshPeers))
	mux.HandleFunc("/mesh/ws", s.requireMeshToken(s.handleMeshWS))

	mux.HandleFunc("/credits/ble-sync", s.requireMeshToken(s.handleBLESync))
	mux.HandleFunc("/ble/sync", s.requireMeshToken(s.handleBLESync))

	mux.HandleFunc("/ledger/snapshot", s.requireMeshToken(s.handleLedgerSnapshot))
	mux.HandleFunc("/ledger/verify", s.requireMeshToken(s.handleLedgerVerify))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// --- register / heartbeat -------------------------------------------------

type registerRequest struct {
	AgentID       string             `json:"agentId"`
	PublicKey     string             `json:"publicKey"`
	Capabilities  model.Capabilities `json:"capabilities"`
	ApprovalToken string             `json:"approvalToken"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.PublicKey == "" {
		http.Error(w, "agentId and publicKey are required", http.StatusBadRequest)
		return
	}

	agent := s.registry.Register(req.AgentID, req.PublicKey, req.Capabilities)
	if s.ledger != nil {
		payload, _ := json.Marshal(map[string]string{"agentId": req.AgentID})
		s.ledger.Append(model.EventAgentRegistered, req.AgentID, "", "", payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": agent.ApprovalStatus})
}

type heartbeatRequest struct {
	AgentID              string           `json:"agentId"`
	CurrentLoad          int              `json:"currentLoad"`
	PowerState           model.PowerState `json:"powerState"`
	ActiveModel          string           `json:"activeModel"`
	ActiveModelParamSize float64          `json:"activeModelParamSize"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	agent, err := s.registry.Heartbeat(req.AgentID, req.CurrentLoad, req.PowerState, req.ActiveModel, time.Now().UnixMilli())
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_ = agent
	// The response always carries an empty directWorkOffers list; the BLE
	// peer table is not consulted here.
	writeJSON(w, http.StatusOK, map[string]any{"directWorkOffers": []any{}})
}

// --- submit / pull / result -----------------------------------------------

type submitRequest struct {
	TaskID              string             `json:"taskId"`
	SubmitterAccountID  string             `json:"submitterAccountId"`
	Subtasks            []model.Subtask    `json:"subtasks"`
	RequestedModel      string             `json:"requestedModel,omitempty"`
	ProjectID           string             `json:"projectId"`
	Priority            int                `json:"priority"`
	ResourceClass       model.ResourceClass `json:"resourceClass"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || len(req.Subtasks) == 0 {
		http.Error(w, "taskId and at least one subtask are required", http.StatusBadRequest)
		return
	}

	for _, st := range req.Subtasks {
		st.TaskID = req.TaskID
		if st.RequestedModel == "" {
			st.RequestedModel = req.RequestedModel
		}
		st.ProjectMeta = model.ProjectMeta{ProjectID: req.ProjectID, ResourceClass: req.ResourceClass, Priority: req.Priority}
		s.queue.Enqueue(st)
	}

	if s.ledger != nil {
		payload, _ := json.Marshal(req)
		s.ledger.Append(model.EventTaskSubmitted, req.SubmitterAccountID, req.TaskID, "", payload)
	}
	s.submitCounter.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]any{"taskId": req.TaskID, "ok": true})
}

type pullRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	agent, err := s.registry.AuthorizeForWork(req.AgentID)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.policy != nil {
		decision, err := s.policy.Decide(r.Context(), agent.PowerState, agent.Capabilities.DeviceType)
		if err == nil && decision == DecisionNoWork {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err == nil && decision == DecisionSmallOnly {
			r = r.WithContext(context.WithValue(r.Context(), ctxKeySmallOnly{}, true))
		}
	}

	smallOnly, _ := r.Context().Value(ctxKeySmallOnly{}).(bool)

	st, ok := s.queue.Claim(req.AgentID, agent.Capabilities.ActiveModel, time.Now())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if smallOnly && st.ProjectMeta.ResourceClass != "" && st.ProjectMeta.ResourceClass != model.ResourceCPU {
		// Desktop on low battery: only small/cpu subtasks are handed out, so
		// this pull is declined. The claim is not released here: the subtask
		// stays claimed by this agent until ReclaimExpired returns it to the
		// queue after the claim timeout.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// task_assigned is emitted by the Queue's LedgerSink adapter at the
	// point of claim, keeping the ledger the single source of truth for
	// subtask lifecycle events (spec §5 single-appender invariant).
	s.pullCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("agent", req.AgentID)))
	writeJSON(w, http.StatusOK, st)
}

type ctxKeySmallOnly struct{}

type resultRequest struct {
	SubtaskID  string `json:"subtaskId"`
	AgentID    string `json:"agentId"`
	OK         bool   `json:"ok"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if _, err := s.verifySigned(r, body, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req resultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.queue.SubmitResult(req.SubtaskID, req.AgentID, req.OK, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	// task_completed / task_failed is emitted by the Queue's LedgerSink
	// adapter inside SubmitResult.
	s.resultCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.Bool("ok", req.OK)))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- escalation ------------------------------------------------------------

type escalateRequest struct {
	TaskID               string   `json:"taskId"`
	AgentID              string   `json:"agentId"`
	Task                 string   `json:"task"`
	FailedCode           string   `json:"failedCode"`
	ErrorHistory         []string `json:"errorHistory"`
	Language             model.Language `json:"language"`
	IterationsAttempted  int      `json:"iterationsAttempted"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result := s.escalation.Dispatch(r.Context(), escalation.Request{
		EscalationID: req.TaskID,
		Task:         req.Task,
		FailedCode:   req.FailedCode,
		ErrorHistory: req.ErrorHistory,
		Language:     req.Language,
	})
	writeJSON(w, http.StatusOK, map[string]any{"taskId": req.TaskID, "status": result.Status})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Path[len("/escalate/"):]
	result, ok := s.escalation.GetEscalation(taskID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- status / models ---------------------------------------------------

func (s *Server) handleModelsAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ModelsAvailable(2*time.Minute, time.Now()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{}
	if s.router != nil {
		status["activeConcurrent"] = s.router.ActiveConcurrent()
		status["concurrencyCap"] = s.router.ConcurrencyCap()
		status["localLatencyP95Ms"] = s.router.LatencyP95().Milliseconds()
	}
	writeJSON(w, http.StatusOK, status)
}

// --- mesh gossip -------------------------------------------------------

type registerPeerRequest struct {
	PeerID    string `json:"peerId"`
	URL       string `json:"url"`
	PublicKey string `json:"publicKey"`
}

func (s *Server) handleMeshRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req registerPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mesh.Seed(req.PeerID, req.URL, req.PublicKey)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMeshIngest(w http.ResponseWriter, r *http.Request) {
	var msg gossip.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.mesh.Ingest(r.Context(), msg); err != nil {
		s.log.Warn("gossip ingest failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMeshPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mesh.Peers())
}

// --- BLE credit sync -----------------------------------------------------

type bleSyncRequest struct {
	Transactions []ble.CreditTransaction `json:"transactions"`
}

func (s *Server) handleBLESync(w http.ResponseWriter, r *http.Request) {
	var req bleSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	lookup := func(accountID string) string {
		agent, _ := s.registry.Get(accountID)
		return agent.PublicKey
	}

	alreadyApplied, err := s.bleSettled.Applied()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	applied, rejected := ble.Settle(req.Transactions, lookup, lookup, alreadyApplied)

	var accepted []string
	for _, tx := range applied {
		accepted = append(accepted, tx.TxID)
		if s.ledger != nil {
			payload, _ := json.Marshal(tx)
			s.ledger.Append(model.EventCheckpoint, tx.ProviderID, "", "", payload)
		}
	}
	if err := s.bleSettled.MarkApplied(accepted); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted, "rejected": rejected})
}

// --- ledger --------------------------------------------------------------

func (s *Server) handleLedgerSnapshot(w http.ResponseWriter, r *http.Request) {
	from := s.ledger.LatestSeq()
	if from > 100 {
		from -= 100
	} else {
		from = 1
	}
	recs, err := s.ledger.Range(from, s.ledger.LatestSeq())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	ok, firstBad, err := s.ledger.Verify(1, s.ledger.LatestSeq())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "firstBadSeq": firstBad})
}
