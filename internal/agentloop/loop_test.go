package agentloop

import (
	"context"
	"testing"

	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/provider"
)

type fakeRunner struct {
	results []model.RunResult
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, lang model.Language, code string, timeoutMs int64) (model.RunResult, error) {
	r := f.results[f.calls]
	f.calls++
	return r, nil
}

func newRegistryWithStub() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.NewStubProvider())
	reg.Use(provider.KindStub)
	return reg
}

func TestLoopSucceedsFirstIteration(t *testing.T) {
	runner := &fakeRunner{results: []model.RunResult{{OK: true, ExitCode: 0, Stdout: "42\n"}}}
	loop := New(newRegistryWithStub(), runner, DefaultPrompts{}, 3)

	exec := loop.Run(context.Background(), "double a number", model.LangPython, 5000)
	if !exec.RunResult.OK {
		t.Fatalf("expected ok result")
	}
	if exec.Escalated {
		t.Fatalf("expected not escalated")
	}
	if exec.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", exec.Iterations)
	}
	if len(exec.History) != 1 {
		t.Fatalf("expected history length 1, got %d", len(exec.History))
	}
}

func TestLoopEscalatesOnSubsetViolation(t *testing.T) {
	runner := &fakeRunner{results: []model.RunResult{
		{OK: false, QueueForCloud: true, QueueReason: "outside_subset"},
	}}
	loop := New(newRegistryWithStub(), runner, DefaultPrompts{}, 3)

	exec := loop.Run(context.Background(), "open the file", model.LangPython, 5000)
	if !exec.Escalated {
		t.Fatalf("expected escalation")
	}
	if exec.EscalationReason != "outside_subset" {
		t.Fatalf("expected outside_subset reason, got %q", exec.EscalationReason)
	}
	if exec.Iterations != 1 {
		t.Fatalf("expected exactly 1 iteration on subset violation, got %d", exec.Iterations)
	}
}

func TestLoopExhaustsIterations(t *testing.T) {
	runner := &fakeRunner{results: []model.RunResult{
		{OK: false, Stderr: "boom 1"},
		{OK: false, Stderr: "boom 2"},
	}}
	loop := New(newRegistryWithStub(), runner, DefaultPrompts{}, 2)

	exec := loop.Run(context.Background(), "buggy task", model.LangPython, 5000)
	if !exec.Escalated {
		t.Fatalf("expected escalation after exhaustion")
	}
	if exec.EscalationReason != "max_iterations_exhausted" {
		t.Fatalf("expected max_iterations_exhausted, got %q", exec.EscalationReason)
	}
	if exec.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", exec.Iterations)
	}
	if len(exec.History) != 2 {
		t.Fatalf("expected history length 2, got %d", len(exec.History))
	}
}
