// Package escalation implements the Escalation Resolver (spec.md §4.7):
// a bounded waterfall — parent-coordinator → cloud-inference → human-queue
// — with per-hop timeout and retry. Grounded in
// libs/go/core/resilience/retry.go (per-hop exponential backoff) and the
// plugin-dispatch-by-kind shape of services/orchestrator/plugins.go.
package escalation

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/resilience"
)

// Outcome is one of the four shapes a backend's try() can return (spec
// §4.7: "The resolver is ignorant of the backend's internals — it only
// sees these four outcomes").
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDecline
	OutcomeTimeout
	OutcomeError
)

// Request is the sanitised escalation request passed to each backend.
type Request struct {
	EscalationID  string
	Task          string
	FailedCode    string
	ErrorHistory  []string
	Language      model.Language
}

// Response is a backend's successful result.
type Response struct {
	ImprovedCode string
	Explanation  string
}

// Backend is one hop of the waterfall.
type Backend interface {
	Name() string
	Try(ctx context.Context, req Request) (Response, Outcome, error)
}

// LedgerSink receives lifecycle events for ledger recording. Mirrors
// queue.LedgerSink's shape so the Resolver stays as ignorant of ledger
// internals as the Queue is (spec §5: "Ledger: single appender per
// coordinator").
type LedgerSink interface {
	EmitTaskFailed(subtaskID string)
}

// BackendConfig bounds retries and timeout for one backend (spec §9 open
// question: "maxRetries per backend", resolved as explicit-per-backend).
type BackendConfig struct {
	Backend     Backend
	TimeoutMs   int64
	MaxRetries  int
	InitialBackoff time.Duration
}

// Status is the escalation's polling state (spec §4.7 "getEscalation").
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusHumanPending Status = "human_pending"
)

// Result is the cached outcome of one escalation attempt.
type Result struct {
	Status       Status
	ImprovedCode string
	Explanation  string
	ResolvedBy   string
}

var redactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)password\s*=\s*\S+`),
	regexp.MustCompile(`(?i)api_key\s*=\s*\S+`),
}

// sanitise applies the redaction patterns to every text field (spec §4.7
// step 1).
func sanitise(req Request) Request {
	req.Task = redact(req.Task)
	req.FailedCode = redact(req.FailedCode)
	for i, e := range req.ErrorHistory {
		req.ErrorHistory[i] = redact(e)
	}
	return req
}

func redact(s string) string {
	for _, p := range redactionPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Resolver walks the configured backend waterfall and caches terminal
// results for polling.
type Resolver struct {
	backends []BackendConfig
	ledger   LedgerSink

	mu      sync.Mutex
	results map[string]Result
}

// New builds a Resolver over backends in waterfall order. ledger may be
// nil, in which case per-backend failures go unrecorded.
func New(backends []BackendConfig, ledger LedgerSink) *Resolver {
	return &Resolver{backends: backends, ledger: ledger, results: make(map[string]Result)}
}

// Dispatch runs the waterfall for one escalation (spec §4.7 "dispatch").
func (r *Resolver) Dispatch(ctx context.Context, req Request) Result {
	req = sanitise(req)

	r.mu.Lock()
	r.results[req.EscalationID] = Result{Status: StatusProcessing}
	r.mu.Unlock()

	for _, bc := range r.backends {
		timeout := time.Duration(bc.TimeoutMs) * time.Millisecond
		resp, err := resilience.Retry(ctx, bc.MaxRetries, bc.InitialBackoff, func() (Response, error) {
			hopCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			resp, outcome, err := bc.Backend.Try(hopCtx, req)
			if outcome == OutcomeSuccess {
				return resp, nil
			}
			if err != nil {
				return Response{}, err
			}
			return Response{}, errOutcomeNotSuccess(outcome)
		})

		if err == nil {
			result := Result{Status: StatusCompleted, ImprovedCode: resp.ImprovedCode, Explanation: resp.Explanation, ResolvedBy: bc.Backend.Name()}
			r.mu.Lock()
			r.results[req.EscalationID] = result
			r.mu.Unlock()
			return result
		}
		// This backend exhausted its retries; fall through to the next hop.
		// The human queue only hands the escalation off for manual review,
		// so its decline is not recorded as a failed backend.
		if _, human := bc.Backend.(*HumanQueueBackend); r.ledger != nil && !human {
			r.ledger.EmitTaskFailed(req.EscalationID + ":" + bc.Backend.Name())
		}
	}

	result := Result{Status: StatusHumanPending}
	r.mu.Lock()
	r.results[req.EscalationID] = result
	r.mu.Unlock()
	return result
}

// GetEscalation polls the cached result for an escalation (spec §4.7).
func (r *Resolver) GetEscalation(escalationID string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[escalationID]
	return res, ok
}

// Clear removes a cached result explicitly (spec §4.7: "cached until
// explicitly cleared").
func (r *Resolver) Clear(escalationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.results, escalationID)
}

type outcomeError struct{ outcome Outcome }

func (e outcomeError) Error() string {
	switch e.outcome {
	case OutcomeDecline:
		return "escalation: backend declined"
	case OutcomeTimeout:
		return "escalation: backend timeout"
	default:
		return "escalation: backend error"
	}
}

func errOutcomeNotSuccess(o Outcome) error { return outcomeError{outcome: o} }
