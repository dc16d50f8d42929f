package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/edgecoder/swarm/internal/model"
)

var (
	ErrAgentNotFound       = errors.New("coordinator: agent not found")
	ErrAgentNotApproved    = errors.New("coordinator: agent not approved")
	ErrAgentBlacklisted    = errors.New("coordinator: agent blacklisted")
)

// Registry is the agent catalog: identities, capabilities, approval
// status, and the most recent heartbeat (spec §4.6 register/heartbeat).
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*model.Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*model.Agent)}
}

// Register adds a new agent as ApprovalPending (spec §4.6: "an agent's
// first register is pending"), or returns the existing record if
// already known (register is idempotent by agentId).
func (r *Registry) Register(agentID, publicKey string, caps model.Capabilities) *model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[agentID]; ok {
		existing.Capabilities = caps
		return existing
	}

	agent := &model.Agent{
		AgentID:        agentID,
		PublicKey:      publicKey,
		Capabilities:   caps,
		ApprovalStatus: model.ApprovalPending,
		ReliabilityScore: 1.0,
	}
	r.agents[agentID] = agent
	return agent
}

// Heartbeat updates load/power-state/activeModel and lastSeenMs (spec
// §4.6 heartbeat effect).
func (r *Registry) Heartbeat(agentID string, load int, power model.PowerState, activeModel string, nowMs int64) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	agent.CurrentLoad = load
	agent.PowerState = power
	agent.Capabilities.ActiveModel = activeModel
	agent.LastHeartbeatMs = nowMs
	return agent, nil
}

// Get returns a copy of an agent's current record.
func (r *Registry) Get(agentID string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, false
	}
	return *a, true
}

// SetApproval flips an agent's gate (portal action).
func (r *Registry) SetApproval(agentID string, status model.ApprovalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	a.ApprovalStatus = status
	return nil
}

// AuthorizeForWork enforces approval gating (spec §4.6: "the coordinator
// refuses to hand it tasks until portal approval flips the status to
// approved. Blacklisted agents are refused").
func (r *Registry) AuthorizeForWork(agentID string) (model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, ErrAgentNotFound
	}
	switch a.ApprovalStatus {
	case model.ApprovalBlacklisted:
		return model.Agent{}, ErrAgentBlacklisted
	case model.ApprovalApproved:
		return *a, nil
	default:
		return model.Agent{}, ErrAgentNotApproved
	}
}

// ModelAvailability is one row of GET /models/available.
type ModelAvailability struct {
	Model      string  `json:"model"`
	ParamSize  float64 `json:"paramSize"`
	AgentCount int     `json:"agentCount"`
	AvgLoad    float64 `json:"avgLoad"`
}

// ModelsAvailable aggregates live agent capabilities by active model
// (spec §4.6 "models/available").
func (r *Registry) ModelsAvailable(staleAfter time.Duration, now time.Time) []ModelAvailability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type agg struct {
		paramSize float64
		count     int
		loadSum   int
	}
	byModel := make(map[string]*agg)
	for _, a := range r.agents {
		if a.ApprovalStatus != model.ApprovalApproved {
			continue
		}
		if now.Sub(time.UnixMilli(a.LastHeartbeatMs)) > staleAfter {
			continue
		}
		m := a.Capabilities.ActiveModel
		if m == "" {
			continue
		}
		e, ok := byModel[m]
		if !ok {
			e = &agg{paramSize: a.Capabilities.ActiveModelParamSize}
			byModel[m] = e
		}
		e.count++
		e.loadSum += a.CurrentLoad
	}

	out := make([]ModelAvailability, 0, len(byModel))
	for m, e := range byModel {
		out = append(out, ModelAvailability{
			Model:      m,
			ParamSize:  e.paramSize,
			AgentCount: e.count,
			AvgLoad:    float64(e.loadSum) / float64(e.count),
		})
	}
	return out
}
