// Package router implements the Intelligent Router (spec.md §4.4): a
// waterfall selector over bluetooth-local → ollama-local → swarm → stub
// tiers with p95 latency tracking, a concurrency semaphore, and
// circuit-breaker-backed tier cool-down. Grounded in the teacher's
// api-gateway circuit breaker (per-tier health) and the orchestrator's
// HTTP-bootstrap conventions for the surrounding service.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/edgecoder/swarm/internal/resilience"
)

// Tier identifies one rung of the waterfall, in priority order.
type Tier string

const (
	TierBluetoothLocal Tier = "bluetooth-local"
	TierOllamaLocal    Tier = "ollama-local"
	TierSwarm          Tier = "swarm"
	TierStub           Tier = "stub"
)

var waterfallOrder = []Tier{TierBluetoothLocal, TierOllamaLocal, TierSwarm, TierStub}

// ChatRequest is one inbound completion request.
type ChatRequest struct {
	Messages       []Message
	Stream         bool
	Temperature    float64
	MaxTokens      int
	RequestedModel string
}

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// RouteMeta is the first-frame metadata for a streaming response.
type RouteMeta struct {
	Route      Tier
	RouteLabel string
	Model      string
	P95Ms      int64
	Concurrent int
}

// ChatResult is the non-streaming (or fully-drained streaming) response.
type ChatResult struct {
	Route        Tier
	RouteLabel   string
	Model        string
	Text         string
	LatencyMs    int64
	CreditsSpent *float64
	RouteMeta    RouteMeta
}

// TierHandler executes a request against one concrete tier.
type TierHandler interface {
	// Participates reports whether this tier can currently serve req.
	Participates(req ChatRequest) bool
	// Execute runs the request; err triggers demotion to the next tier.
	Execute(ctx context.Context, req ChatRequest) (ChatResult, error)
	Model() string
}

// ErrAllTiersFailed is returned only if even the stub tier errors, which
// should never happen in a well-formed router (spec §8 "Router fallback").
var ErrAllTiersFailed = errors.New("router: all tiers failed, including stub")

// Router selects a tier for each chat request.
type Router struct {
	mu             sync.Mutex
	handlers       map[Tier]TierHandler
	breakers       *resilience.Pool
	sem            chan struct{}
	concurrencyCap int
	latencyWindow  []int64 // rolling window of local-tier latencies, ms
	windowSize     int
	latencyThreshold time.Duration
}

// New builds a Router with the given concurrency cap (local-tier
// semaphore size) and local latency-threshold for tier inclusion.
func New(concurrencyCap int, latencyThreshold time.Duration) *Router {
	return &Router{
		handlers:         make(map[Tier]TierHandler),
		breakers:         resilience.NewPool(resilience.PoolConfig{MaxFailures: 3, Timeout: 10 * time.Second, Cooldown: 30 * time.Second}),
		sem:              make(chan struct{}, concurrencyCap),
		concurrencyCap:   concurrencyCap,
		windowSize:       100,
		latencyThreshold: latencyThreshold,
	}
}

// Register installs the handler for a tier.
func (r *Router) Register(tier Tier, h TierHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tier] = h
}

// ActiveConcurrent reports the number of in-flight local inferences.
func (r *Router) ActiveConcurrent() int {
	return len(r.sem)
}

// ConcurrencyCap returns the configured semaphore size.
func (r *Router) ConcurrencyCap() int {
	return r.concurrencyCap
}

// LatencyP95 returns the p95 over the rolling local-latency window.
func (r *Router) LatencyP95() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p95(r.latencyWindow)
}

func p95(samples []int64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx]) * time.Millisecond
}

func (r *Router) recordLocalLatency(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencyWindow = append(r.latencyWindow, ms)
	if len(r.latencyWindow) > r.windowSize {
		r.latencyWindow = r.latencyWindow[len(r.latencyWindow)-r.windowSize:]
	}
}

// Route runs the waterfall selection for req, demoting through tiers on
// any failure (timeout, error, or unhealthy breaker) until one succeeds.
// The stub tier always succeeds, so Route only fails if the stub handler
// itself is unregistered or misbehaves (spec §8 "Router fallback").
func (r *Router) Route(ctx context.Context, req ChatRequest) (ChatResult, error) {
	for _, tier := range waterfallOrder {
		r.mu.Lock()
		h, ok := r.handlers[tier]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if !h.Participates(req) {
			continue
		}

		breaker := r.breakers.Get(string(tier))
		if !breaker.Healthy() {
			continue
		}

		if tier == TierOllamaLocal {
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return ChatResult{}, ctx.Err()
			}
		}

		start := time.Now()
		var result ChatResult
		execErr := breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			result, err = h.Execute(ctx, req)
			return err
		})
		latency := time.Since(start)

		if tier == TierOllamaLocal {
			<-r.sem
			r.recordLocalLatency(latency.Milliseconds())
		}

		if execErr != nil {
			continue // demote to next tier
		}

		result.Route = tier
		result.RouteLabel = string(tier)
		result.LatencyMs = latency.Milliseconds()
		result.RouteMeta = RouteMeta{
			Route:      tier,
			RouteLabel: string(tier),
			Model:      h.Model(),
			P95Ms:      r.LatencyP95().Milliseconds(),
			Concurrent: r.ActiveConcurrent(),
		}
		return result, nil
	}
	return ChatResult{}, ErrAllTiersFailed
}
