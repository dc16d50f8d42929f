package queue

import (
	"testing"
	"time"

	"github.com/edgecoder/swarm/internal/model"
)

func mkSubtask(id, project, requestedModel string, priority int) model.Subtask {
	return model.Subtask{
		SubtaskID:      id,
		TaskID:         "t-" + id,
		Kind:           model.KindSingleStep,
		Language:       model.LangPython,
		RequestedModel: requestedModel,
		ProjectMeta:    model.ProjectMeta{ProjectID: project, Priority: priority},
	}
}

func TestClaimModelAffinity(t *testing.T) {
	q := New(time.Minute, nil, nil)
	q.Enqueue(mkSubtask("S1", "p1", "qwen:7b", 1))
	q.Enqueue(mkSubtask("S2", "p1", "", 1))

	now := time.Now()
	got, ok := q.Claim("A", "qwen:7b", now)
	if !ok || got.SubtaskID != "S1" {
		t.Fatalf("expected S1 for matching model, got %+v ok=%v", got, ok)
	}

	got2, ok := q.Claim("B", "llama:3b", now)
	if !ok || got2.SubtaskID != "S2" {
		t.Fatalf("expected S2 for non-matching model agent, got %+v ok=%v", got2, ok)
	}
}

func TestClaimFairShare(t *testing.T) {
	q := New(time.Minute, nil, nil)
	q.Enqueue(mkSubtask("S1", "busy", "", 1))
	q.Enqueue(mkSubtask("S2", "quiet", "", 1))

	now := time.Now()
	// Simulate "busy" project already having completions.
	q.projectCompletedCount["busy"] = 5

	got, ok := q.Claim("A", "", now)
	if !ok || got.SubtaskID != "S2" {
		t.Fatalf("expected S2 (quieter project), got %+v", got)
	}
}

func TestClaimExclusiveAndResultDiscardsStale(t *testing.T) {
	q := New(time.Minute, nil, nil)
	q.Enqueue(mkSubtask("S1", "p1", "", 1))
	now := time.Now()

	got, ok := q.Claim("A", "", now)
	if !ok {
		t.Fatalf("expected claim to succeed")
	}

	if _, ok := q.Claim("B", "", now); ok {
		t.Fatalf("expected no further claimable subtasks; S1 already claimed")
	}

	if err := q.SubmitResult(got.SubtaskID, "B", true, now); err != ErrNotClaimedByAgent {
		t.Fatalf("expected claim_stale error for wrong agent, got %v", err)
	}

	if err := q.SubmitResult(got.SubtaskID, "A", true, now); err != nil {
		t.Fatalf("expected success for correct claimant: %v", err)
	}

	if _, ok := q.Claim("C", "", now); ok {
		t.Fatalf("completed subtask should never be claimable again")
	}
}

func TestReclaimExpired(t *testing.T) {
	q := New(10*time.Millisecond, nil, nil)
	q.Enqueue(mkSubtask("S1", "p1", "", 1))
	now := time.Now()
	if _, ok := q.Claim("A", "", now); !ok {
		t.Fatalf("expected claim to succeed")
	}

	later := now.Add(time.Second)
	n := q.ReclaimExpired(later)
	if n != 1 {
		t.Fatalf("expected 1 reclaimed subtask, got %d", n)
	}

	if _, ok := q.Claim("B", "", later); !ok {
		t.Fatalf("expected reclaimed subtask to be claimable again")
	}
}

func TestSubmitResultFailureSetsBackoff(t *testing.T) {
	q := New(time.Minute, nil, nil)
	q.Enqueue(mkSubtask("S1", "p1", "", 1))
	now := time.Now()
	got, _ := q.Claim("A", "", now)

	if err := q.SubmitResult(got.SubtaskID, "A", false, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := q.Claim("B", "", now); ok {
		t.Fatalf("expected subtask not claimable immediately after backoff applied")
	}

	later := now.Add(2 * time.Second)
	if _, ok := q.Claim("B", "", later); !ok {
		t.Fatalf("expected subtask claimable again after backoff elapses")
	}
}
