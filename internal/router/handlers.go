package router

import (
	"context"
	"time"

	"github.com/edgecoder/swarm/internal/provider"
)

// LocalHandler wraps the Model Provider Registry's active local provider,
// participating per spec §4.4's local-tier rule.
type LocalHandler struct {
	providers          *provider.Registry
	router             *Router
	activeModel        string
	latencyThresholdMs int64
}

// NewLocalHandler builds a handler for the ollama-local tier.
func NewLocalHandler(providers *provider.Registry, r *Router, activeModel string, latencyThresholdMs int64) *LocalHandler {
	return &LocalHandler{providers: providers, router: r, activeModel: activeModel, latencyThresholdMs: latencyThresholdMs}
}

func (h *LocalHandler) Model() string { return h.activeModel }

func (h *LocalHandler) Participates(req ChatRequest) bool {
	if h.router.ActiveConcurrent() >= h.router.ConcurrencyCap() {
		return false
	}
	if h.router.LatencyP95() >= time.Duration(h.latencyThresholdMs)*time.Millisecond && h.router.LatencyP95() > 0 {
		return false
	}
	if req.RequestedModel != "" && req.RequestedModel != h.activeModel {
		return false
	}
	return true
}

func (h *LocalHandler) Execute(ctx context.Context, req ChatRequest) (ChatResult, error) {
	prompt := flatten(req.Messages)
	resp := h.providers.Generate(ctx, prompt, provider.GenerateOptions{MaxTokens: req.MaxTokens, Temperature: req.Temperature})
	if resp.Err != nil {
		return ChatResult{}, resp.Err
	}
	return ChatResult{Text: resp.Text, Model: h.activeModel}, nil
}

func flatten(msgs []Message) string {
	out := ""
	for _, m := range msgs {
		out += m.Role + ": " + m.Content + "\n"
	}
	return out
}

// Peer is the subset of BLE peer-table fields the router's bluetooth tier
// needs to decide participation and cost comparison (spec §4.4,
// populated from internal/ble's peer table).
type Peer struct {
	AgentID      string
	ActiveModel  string
	Blacklisted  bool
	StaleHeartbeat bool
	Cost         float64
}

// PeerSource supplies the current best Bluetooth peer for a request.
type PeerSource interface {
	BestPeer(requestedModel string) (Peer, bool)
}

// PeerCaller dispatches the actual chat call to a chosen peer.
type PeerCaller interface {
	Call(ctx context.Context, peer Peer, req ChatRequest) (string, error)
}

// BluetoothHandler implements the bluetooth-local tier.
type BluetoothHandler struct {
	peers     PeerSource
	caller    PeerCaller
	localCost float64
	margin    float64
}

// NewBluetoothHandler builds a handler for the bluetooth-local tier.
// localCost+margin bounds which peer costs are worth using over local
// execution (spec §4.4: "peer cost < local cost+margin").
func NewBluetoothHandler(peers PeerSource, caller PeerCaller, localCost, margin float64) *BluetoothHandler {
	return &BluetoothHandler{peers: peers, caller: caller, localCost: localCost, margin: margin}
}

func (h *BluetoothHandler) Model() string { return "" }

func (h *BluetoothHandler) Participates(req ChatRequest) bool {
	peer, ok := h.peers.BestPeer(req.RequestedModel)
	if !ok {
		return false
	}
	if peer.Blacklisted || peer.StaleHeartbeat {
		return false
	}
	return peer.Cost < h.localCost+h.margin
}

func (h *BluetoothHandler) Execute(ctx context.Context, req ChatRequest) (ChatResult, error) {
	peer, ok := h.peers.BestPeer(req.RequestedModel)
	if !ok {
		return ChatResult{}, ErrAllTiersFailed
	}
	text, err := h.caller.Call(ctx, peer, req)
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Text: text, Model: peer.ActiveModel}, nil
}

// SwarmHandler is the catch-all tier when enabled and a mesh token is
// configured (spec §4.4).
type SwarmHandler struct {
	enabled    bool
	meshToken  string
	providers  *provider.Registry
}

// NewSwarmHandler builds a handler for the swarm tier.
func NewSwarmHandler(enabled bool, meshToken string, providers *provider.Registry) *SwarmHandler {
	return &SwarmHandler{enabled: enabled, meshToken: meshToken, providers: providers}
}

func (h *SwarmHandler) Model() string { return "" }

func (h *SwarmHandler) Participates(req ChatRequest) bool {
	return h.enabled && h.meshToken != ""
}

func (h *SwarmHandler) Execute(ctx context.Context, req ChatRequest) (ChatResult, error) {
	prompt := flatten(req.Messages)
	resp := h.providers.Generate(ctx, prompt, provider.GenerateOptions{MaxTokens: req.MaxTokens, Temperature: req.Temperature})
	if resp.Err != nil {
		return ChatResult{}, resp.Err
	}
	return ChatResult{Text: resp.Text}, nil
}

// StubHandler always participates and always succeeds — the unconditional
// floor of the waterfall (spec §4.4, §8 "Router fallback").
type StubHandler struct {
	stub provider.Provider
}

// NewStubHandler wraps a stub provider as the terminal tier handler.
func NewStubHandler(stub provider.Provider) *StubHandler {
	return &StubHandler{stub: stub}
}

func (h *StubHandler) Model() string { return "stub" }

func (h *StubHandler) Participates(req ChatRequest) bool { return true }

func (h *StubHandler) Execute(ctx context.Context, req ChatRequest) (ChatResult, error) {
	resp := h.stub.Generate(ctx, flatten(req.Messages), provider.GenerateOptions{})
	return ChatResult{Text: resp.Text, Model: "stub"}, nil
}
