package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/edgecoder/swarm/internal/model"
)

type fakeBackend struct {
	name    string
	outcome Outcome
	resp    Response
}

func (f fakeBackend) Name() string { return f.name }
func (f fakeBackend) Try(ctx context.Context, req Request) (Response, Outcome, error) {
	if f.outcome == OutcomeSuccess {
		return f.resp, OutcomeSuccess, nil
	}
	return Response{}, f.outcome, nil
}

type fakeLedgerSink struct {
	failed []string
}

func (f *fakeLedgerSink) EmitTaskFailed(subtaskID string) {
	f.failed = append(f.failed, subtaskID)
}

func TestDispatchWaterfallTerminatesHumanPending(t *testing.T) {
	var enqueued []Request
	backends := []BackendConfig{
		{Backend: fakeBackend{name: "parent-coordinator", outcome: OutcomeTimeout}, TimeoutMs: 100, MaxRetries: 1, InitialBackoff: time.Millisecond},
		{Backend: fakeBackend{name: "cloud-inference", outcome: OutcomeError}, TimeoutMs: 100, MaxRetries: 1, InitialBackoff: time.Millisecond},
		{Backend: NewHumanQueueBackend(func(r Request) { enqueued = append(enqueued, r) }), TimeoutMs: 100, MaxRetries: 1, InitialBackoff: time.Millisecond},
	}
	ledger := &fakeLedgerSink{}
	r := New(backends, ledger)

	result := r.Dispatch(context.Background(), Request{EscalationID: "e1", Task: "t", Language: model.LangPython})
	if result.Status != StatusHumanPending {
		t.Fatalf("expected human_pending, got %s", result.Status)
	}
	if len(enqueued) != 1 {
		t.Fatalf("expected human queue to receive the escalation once, got %d", len(enqueued))
	}
	if len(ledger.failed) != 2 {
		t.Fatalf("expected one task_failed record per failing backend, got %v", ledger.failed)
	}
	if ledger.failed[0] != "e1:parent-coordinator" || ledger.failed[1] != "e1:cloud-inference" {
		t.Fatalf("expected failures keyed by escalationId:backend, got %v", ledger.failed)
	}
}

func TestDispatchSucceedsAtSecondHop(t *testing.T) {
	backends := []BackendConfig{
		{Backend: fakeBackend{name: "parent-coordinator", outcome: OutcomeTimeout}, TimeoutMs: 100, MaxRetries: 1, InitialBackoff: time.Millisecond},
		{Backend: fakeBackend{name: "cloud-inference", outcome: OutcomeSuccess, resp: Response{ImprovedCode: "fixed()"}}, TimeoutMs: 100, MaxRetries: 1, InitialBackoff: time.Millisecond},
	}
	r := New(backends, nil)

	result := r.Dispatch(context.Background(), Request{EscalationID: "e2"})
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.ResolvedBy != "cloud-inference" {
		t.Fatalf("expected resolvedBy=cloud-inference, got %s", result.ResolvedBy)
	}
}

func TestSanitiseRedactsSecrets(t *testing.T) {
	req := Request{Task: "my password=hunter2 leaked"}
	got := sanitise(req)
	if got.Task == req.Task {
		t.Fatalf("expected redaction to modify task text")
	}
}

func TestGetEscalationAndClear(t *testing.T) {
	r := New(nil, nil)
	r.Dispatch(context.Background(), Request{EscalationID: "e3"})
	if _, ok := r.GetEscalation("e3"); !ok {
		t.Fatalf("expected cached result")
	}
	r.Clear("e3")
	if _, ok := r.GetEscalation("e3"); ok {
		t.Fatalf("expected result to be cleared")
	}
}
