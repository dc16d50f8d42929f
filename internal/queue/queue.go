// Package queue implements the Swarm Queue (spec.md §4.5): an in-memory
// priority queue of Subtasks with model-affinity claim matching, fair-share
// scheduling across projects, and timeout reclamation. Grounded in the
// teacher's orchestrator/dag_engine.go (worker-pool/ready-queue,
// per-task retry bookkeeping). State lives in memory only; the queue has
// no persistence hook and nothing survives a coordinator restart.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/edgecoder/swarm/internal/model"
)

// ReclaimListener is notified when a subtask is reclaimed, to let the
// coordinator decrement the failing agent's reliability score (spec
// §4.5 "Reclaim").
type ReclaimListener interface {
	OnReclaimed(subtaskID, previousAgentID string)
}

// LedgerSink receives lifecycle events for ledger recording. The queue
// itself never writes the ledger directly — spec §5 keeps the Ledger a
// single-appender component owned by the coordinator.
type LedgerSink interface {
	EmitTaskAssigned(subtaskID, agentID string)
	EmitTaskCompleted(subtaskID string)
	EmitTaskFailed(subtaskID string)
}

// Queue is a single-writer priority queue of Subtasks (spec §5: "claim is
// serialised (single-writer); submitResult verifies claim ownership under
// the same lock").
type Queue struct {
	mu sync.Mutex

	subtasks map[string]*model.Subtask
	order    []string // insertion order, for tie-breaking

	projectCompletedCount map[string]int
	nextInsertionSeq       uint64

	reclaimListener ReclaimListener
	ledger          LedgerSink

	claimTimeout time.Duration
}

// New builds an empty Queue.
func New(claimTimeout time.Duration, ledger LedgerSink, reclaimListener ReclaimListener) *Queue {
	return &Queue{
		subtasks:               make(map[string]*model.Subtask),
		projectCompletedCount:   make(map[string]int),
		claimTimeout:            claimTimeout,
		ledger:                  ledger,
		reclaimListener:         reclaimListener,
	}
}

// Enqueue adds a subtask in the queued state.
func (q *Queue) Enqueue(s model.Subtask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s.Status = model.StatusQueued
	s.InsertionSeq = q.nextInsertionSeq
	q.nextInsertionSeq++

	cp := s
	q.subtasks[s.SubtaskID] = &cp
	q.order = append(q.order, s.SubtaskID)
}

// Claim runs the four-step claim algorithm (spec §4.5):
// filter claimable, partition by model-affinity, pick fair-share winner,
// mark claimed.
func (q *Queue) Claim(agentID string, agentActiveModel string, now time.Time) (*model.Subtask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*model.Subtask
	for _, id := range q.order {
		s := q.subtasks[id]
		if s == nil || s.Status != model.StatusQueued {
			continue
		}
		if s.ClaimableAfterMs > 0 && now.UnixMilli() < s.ClaimableAfterMs {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	pool := candidates
	if agentActiveModel != "" {
		var matching []*model.Subtask
		for _, s := range candidates {
			if s.RequestedModel == agentActiveModel {
				matching = append(matching, s)
			}
		}
		if len(matching) > 0 {
			pool = matching
		}
	}

	winner := q.pickFairShare(pool)
	winner.Status = model.StatusClaimed
	winner.ClaimedBy = agentID
	winner.ClaimedAt = now

	if q.ledger != nil {
		q.ledger.EmitTaskAssigned(winner.SubtaskID, agentID)
	}

	out := *winner
	return &out, true
}

// pickFairShare selects the candidate whose project has the smallest
// projectCompletedCount, ties broken by priority (desc) then insertion
// order (asc) — spec §4.5 step 3, §8 "Fair-share monotonicity".
func (q *Queue) pickFairShare(pool []*model.Subtask) *model.Subtask {
	best := pool[0]
	for _, s := range pool[1:] {
		if q.betterCandidate(s, best) {
			best = s
		}
	}
	return best
}

func (q *Queue) betterCandidate(a, b *model.Subtask) bool {
	ca := q.projectCompletedCount[a.ProjectMeta.ProjectID]
	cb := q.projectCompletedCount[b.ProjectMeta.ProjectID]
	if ca != cb {
		return ca < cb
	}
	if a.ProjectMeta.Priority != b.ProjectMeta.Priority {
		return a.ProjectMeta.Priority > b.ProjectMeta.Priority
	}
	return a.InsertionSeq < b.InsertionSeq
}

// RetryBackoff computes the back-off duration for an attempt number,
// doubling from 1s and capping at 60s — the same exponential shape as
// internal/resilience.Retry, applied here to subtask reclaimability.
func RetryBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < 60*time.Second; i++ {
		d *= 2
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// ErrNotClaimedByAgent is returned when a result is submitted by an agent
// that does not currently hold the claim (spec §4.5, §7 claim_stale).
var ErrNotClaimedByAgent = errors.New("queue: claim_stale")

// SubmitResult ingests a result for subtaskID from agentID (spec §4.5
// "Result ingestion"). Returns ErrNotClaimedByAgent if stale.
func (q *Queue) SubmitResult(subtaskID, agentID string, ok bool, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, exists := q.subtasks[subtaskID]
	if !exists || s.Status != model.StatusClaimed || s.ClaimedBy != agentID {
		return ErrNotClaimedByAgent
	}

	if ok {
		s.Status = model.StatusCompleted
		q.projectCompletedCount[s.ProjectMeta.ProjectID]++
		if q.ledger != nil {
			q.ledger.EmitTaskCompleted(subtaskID)
		}
		return nil
	}

	s.Status = model.StatusQueued
	s.Attempt++
	s.ClaimableAfterMs = now.Add(RetryBackoff(s.Attempt)).UnixMilli()
	s.ClaimedBy = ""
	if q.ledger != nil {
		q.ledger.EmitTaskFailed(subtaskID)
	}
	return nil
}

// ReclaimExpired sweeps claimed subtasks whose claim has outlived the
// configured timeout, returning them to the queue (spec §4.5 "Reclaim").
// Idempotent: calling it repeatedly with no expired claims is a no-op.
func (q *Queue) ReclaimExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, s := range q.subtasks {
		if s.Status != model.StatusClaimed {
			continue
		}
		if now.Sub(s.ClaimedAt) <= q.claimTimeout {
			continue
		}
		previousAgent := s.ClaimedBy
		s.Status = model.StatusQueued
		s.ClaimedBy = ""
		count++
		if q.reclaimListener != nil {
			q.reclaimListener.OnReclaimed(s.SubtaskID, previousAgent)
		}
	}
	return count
}

// Get returns a copy of the current state of a subtask, for inspection.
func (q *Queue) Get(subtaskID string) (model.Subtask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.subtasks[subtaskID]
	if !ok {
		return model.Subtask{}, false
	}
	return *s, true
}

// InFlightCount returns the number of subtasks currently claimed — used to
// check the invariant "sum over agents of in-flight-claims ≤ count of
// claimed subtasks" in tests.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.subtasks {
		if s.Status == model.StatusClaimed {
			n++
		}
	}
	return n
}
