// Package provider implements the Model Provider Registry (spec.md §4.2):
// a uniform "complete this prompt" interface over tiered backends, with
// health probing and hot-swap. Grounded in the teacher's tiered LLM client
// (haricheung-agentic-shell/internal/llm/client.go) and the
// ModelInferencePlugin's external-HTTP-call shape
// (services/orchestrator/plugins.go).
package provider

import (
	"context"
	"errors"
)

// Kind identifies a provider implementation.
type Kind string

const (
	KindStub              Kind = "stub"
	KindLocalLLM           Kind = "local-llm"
	KindPeerLLMEdge        Kind = "peer-llm-edge"
	KindPeerLLMCoordinator Kind = "peer-llm-coordinator"
)

// GenerateOptions parameterises a single completion request.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// GenerateResult is a provider's response. Err is set, not returned, when
// generation fails — spec §4.2: "a provider never throws from generate".
type GenerateResult struct {
	Text         string
	ProviderKind Kind
	Err          error
}

// Provider is implemented by every backend the registry can hold.
type Provider interface {
	Kind() Kind
	Generate(ctx context.Context, prompt string, opts GenerateOptions) GenerateResult
	Health(ctx context.Context) bool
}

// ModelTier classifies a provider by the parameter-size band it targets
// (spec §4.2 "edge tier targets sub-2B-param models, coordinator tier
// targets 7B+"). Routing elsewhere uses activeModel string equality, not
// tier — Tier exists only to describe a provider, never to select one.
type ModelTier string

const (
	TierEdge        ModelTier = "edge"
	TierCoordinator ModelTier = "coordinator"
)

// Registry holds one active provider at a time per spec §4.2's "use(kind)"
// selection model.
type Registry struct {
	providers map[Kind]Provider
	active    Kind
}

// NewRegistry builds an empty registry. Register each backend, then call
// Use to select the active one.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Kind]Provider)}
}

// Register adds (or replaces) a provider implementation under its kind.
func (r *Registry) Register(p Provider) {
	r.providers[p.Kind()] = p
}

// Use selects the active provider. Missing kinds are silently ignored
// (spec §4.2: "Missing kinds are silently ignored (no-op)").
func (r *Registry) Use(kind Kind) {
	if _, ok := r.providers[kind]; !ok {
		return
	}
	r.active = kind
}

// Active returns the currently selected provider, or nil if none selected
// or the selected kind was never registered.
func (r *Registry) Active() Provider {
	return r.providers[r.active]
}

// AvailableProviders returns the current registered kind set.
func (r *Registry) AvailableProviders() []Kind {
	out := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	return out
}

// Generate delegates to the active provider; if none is active, it
// returns an error-marked response rather than panicking, preserving the
// "provider never throws" contract at the registry boundary too.
func (r *Registry) Generate(ctx context.Context, prompt string, opts GenerateOptions) GenerateResult {
	active := r.Active()
	if active == nil {
		return GenerateResult{Err: errNoActiveProvider}
	}
	return active.Generate(ctx, prompt, opts)
}

var errNoActiveProvider = errors.New("provider: no active provider selected")
