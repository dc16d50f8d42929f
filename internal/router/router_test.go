package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgecoder/swarm/internal/provider"
)

type failingHandler struct{}

func (failingHandler) Model() string                  { return "x" }
func (failingHandler) Participates(req ChatRequest) bool { return true }
func (failingHandler) Execute(ctx context.Context, req ChatRequest) (ChatResult, error) {
	return ChatResult{}, errors.New("boom")
}

func TestRouterFallsBackToStub(t *testing.T) {
	r := New(4, 2*time.Second)
	r.Register(TierOllamaLocal, failingHandler{})
	r.Register(TierStub, NewStubHandler(provider.NewStubProvider()))

	res, err := r.Route(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected stub fallback, got error: %v", err)
	}
	if res.Route != TierStub {
		t.Fatalf("expected route=stub, got %s", res.Route)
	}
}

func TestRouterLatencyP95Empty(t *testing.T) {
	r := New(4, time.Second)
	if r.LatencyP95() != 0 {
		t.Fatalf("expected zero p95 with no samples")
	}
}
