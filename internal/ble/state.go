package ble

import (
	"sync"
	"time"
)

// State is one node of the BLE routing state machine (spec §4.9):
// idle → scanning → peer_discovered → evaluating_cost → routing_decision
// → {local_execute | ble_send_task → awaiting_response →
// response_received → credit_transaction → done} | queued.
type State string

const (
	StateIdle             State = "idle"
	StateScanning         State = "scanning"
	StatePeerDiscovered   State = "peer_discovered"
	StateEvaluatingCost   State = "evaluating_cost"
	StateRoutingDecision  State = "routing_decision"
	StateLocalExecute     State = "local_execute"
	StateBLESendTask      State = "ble_send_task"
	StateAwaitingResponse State = "awaiting_response"
	StateResponseReceived State = "response_received"
	StateCreditTransaction State = "credit_transaction"
	StateDone             State = "done"
	StateQueued           State = "queued"
)

const (
	offlineFailureThreshold = 3
	offlineWindow           = 45 * time.Second
)

// HeartbeatMonitor tracks consecutive coordinator heartbeat failures and
// derives offline mode (spec §4.9: "Offline mode triggers after 3
// consecutive failed coordinator heartbeats (45s)").
type HeartbeatMonitor struct {
	mu                  sync.Mutex
	consecutiveFailures int
	firstFailureAt      time.Time
	offline             bool
}

func NewHeartbeatMonitor() *HeartbeatMonitor { return &HeartbeatMonitor{} }

// RecordFailure registers a failed heartbeat at now, returning whether
// the monitor is (now) in offline mode.
func (h *HeartbeatMonitor) RecordFailure(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consecutiveFailures == 0 {
		h.firstFailureAt = now
	}
	h.consecutiveFailures++

	if h.consecutiveFailures >= offlineFailureThreshold && now.Sub(h.firstFailureAt) <= offlineWindow {
		h.offline = true
	} else if h.consecutiveFailures >= offlineFailureThreshold {
		// Threshold reached but outside the window: restart the count from
		// this failure so a slow trickle of failures doesn't latch offline.
		h.consecutiveFailures = 1
		h.firstFailureAt = now
	}
	return h.offline
}

// RecordSuccess clears the failure streak; a single success returns the
// node online (spec §4.9).
func (h *HeartbeatMonitor) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.offline = false
}

func (h *HeartbeatMonitor) Offline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offline
}

// Machine drives one task's BLE routing state transitions. It does not
// perform network I/O itself — callers step it as local/BLE execution
// and credit settlement complete, keeping I/O at the edges per the
// suspension-point model used throughout this module.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine { return &Machine{state: StateIdle} }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

var validTransitions = map[State][]State{
	StateIdle:             {StateScanning},
	StateScanning:         {StatePeerDiscovered, StateQueued},
	StatePeerDiscovered:   {StateEvaluatingCost},
	StateEvaluatingCost:   {StateRoutingDecision},
	StateRoutingDecision:  {StateLocalExecute, StateBLESendTask, StateQueued},
	StateBLESendTask:      {StateAwaitingResponse},
	StateAwaitingResponse: {StateResponseReceived, StateQueued},
	StateResponseReceived: {StateCreditTransaction},
	StateCreditTransaction: {StateDone},
	StateLocalExecute:     {StateDone},
}

// Transition moves to next if it is a legal successor of the current
// state, reporting false (and leaving state unchanged) otherwise.
func (m *Machine) Transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range validTransitions[m.state] {
		if allowed == next {
			m.state = next
			return true
		}
	}
	return false
}

// Reset returns the machine to idle for the next task.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}
