// Package model holds the data types shared across edgecoder's components
// (spec.md §3).
package model

import "time"

// ResourceClass is the hardware class a Task/Subtask requires.
type ResourceClass string

const (
	ResourceCPU ResourceClass = "cpu"
	ResourceGPU ResourceClass = "gpu"
)

// Language is a subtask's source language.
type Language string

const (
	LangPython     Language = "python"
	LangJavascript Language = "javascript"
)

// SubtaskKind distinguishes a single execution step from a micro-loop.
type SubtaskKind string

const (
	KindSingleStep SubtaskKind = "single_step"
	KindMicroLoop  SubtaskKind = "micro_loop"
)

// SubtaskStatus is the subtask lifecycle state.
type SubtaskStatus string

const (
	StatusQueued    SubtaskStatus = "queued"
	StatusClaimed   SubtaskStatus = "claimed"
	StatusCompleted SubtaskStatus = "completed"
	StatusFailed    SubtaskStatus = "failed"
	StatusReclaimed SubtaskStatus = "reclaimed"
)

// ApprovalStatus is an agent's registration gate.
type ApprovalStatus string

const (
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalBlacklisted ApprovalStatus = "blacklisted"
)

// ProjectMeta is the fair-share/priority context carried by a Subtask.
type ProjectMeta struct {
	ProjectID     string `json:"projectId"`
	ResourceClass ResourceClass `json:"resourceClass"`
	Priority      int    `json:"priority"`
}

// Task is a user-submitted unit of work, parent of one or more Subtasks.
type Task struct {
	TaskID             string        `json:"taskId"`
	SubmitterAccountID string        `json:"submitterAccountId"`
	ProjectID          string        `json:"projectId"`
	ResourceClass      ResourceClass `json:"resourceClass"`
	Priority           int           `json:"priority"`
	RequestedModel     string        `json:"requestedModel,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// Subtask is an atomic executable fragment of a Task.
type Subtask struct {
	SubtaskID      string        `json:"subtaskId"`
	TaskID         string        `json:"taskId"`
	Kind           SubtaskKind   `json:"kind"`
	Language       Language      `json:"language"`
	Input          string        `json:"input"`
	TimeoutMs      int64         `json:"timeoutMs"`
	SnapshotRef    string        `json:"snapshotRef"`
	ProjectMeta    ProjectMeta   `json:"projectMeta"`
	RequestedModel string        `json:"requestedModel,omitempty"`

	Status           SubtaskStatus `json:"status"`
	ClaimedBy        string        `json:"claimedBy,omitempty"`
	ClaimedAt        time.Time     `json:"claimedAt,omitempty"`
	ClaimableAfterMs int64         `json:"claimableAfterMs,omitempty"`
	InsertionSeq      uint64       `json:"insertionSeq"`
	Attempt           int          `json:"attempt"`
}

// Capabilities describes what an Agent can do.
type Capabilities struct {
	ActiveModel          string        `json:"activeModel"`
	ActiveModelParamSize float64       `json:"activeModelParamSize"`
	MemoryMB             int           `json:"memoryMB"`
	DeviceType           string        `json:"deviceType"`
	Languages            []Language    `json:"languages"`
	ResourceClass        ResourceClass `json:"resourceClass"`
	ConcurrencyCap       int           `json:"concurrencyCap"`
}

// PowerState describes an Agent's current power envelope.
type PowerState struct {
	OnAC          bool   `json:"onAC"`
	BatteryPct    int    `json:"batteryPct"`
	Thermal       string `json:"thermal"` // "nominal" | "critical"
	LowPowerMode  bool   `json:"lowPowerMode"`
}

// Agent is a worker identity.
type Agent struct {
	AgentID         string         `json:"agentId"`
	PublicKey       string         `json:"publicKey"` // base64 Ed25519
	Capabilities    Capabilities   `json:"capabilities"`
	CurrentLoad     int            `json:"currentLoad"`
	LastHeartbeatMs int64          `json:"lastHeartbeatMs"`
	PowerState      PowerState     `json:"powerState"`
	ApprovalStatus  ApprovalStatus `json:"approvalStatus"`
	ReliabilityScore float64       `json:"reliabilityScore"`
}

// RunResult is the outcome of sandboxed execution.
type RunResult struct {
	Language     Language `json:"language"`
	OK           bool     `json:"ok"`
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	ExitCode     int      `json:"exitCode"`
	DurationMs   int64    `json:"durationMs"`
	QueueForCloud bool    `json:"queueForCloud"`
	QueueReason   string  `json:"queueReason,omitempty"`
}

// IterationRecord is one pass of the Agent Retry Loop.
type IterationRecord struct {
	Iteration int       `json:"iteration"`
	Plan      string    `json:"plan"`
	Code      string    `json:"code"`
	RunResult RunResult `json:"runResult"`
}

// AgentExecution is the outcome of a full retry loop run.
type AgentExecution struct {
	Plan             string            `json:"plan"`
	GeneratedCode    string            `json:"generatedCode"`
	RunResult        RunResult         `json:"runResult"`
	Iterations       int               `json:"iterations"`
	History          []IterationRecord `json:"history"`
	Escalated        bool              `json:"escalated"`
	EscalationReason string            `json:"escalationReason,omitempty"`
}

// EventType enumerates Ordering Ledger event kinds.
type EventType string

const (
	EventTaskSubmitted  EventType = "task_submitted"
	EventTaskAssigned   EventType = "task_assigned"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventAgentRegistered EventType = "agent_registered"
	EventBlacklist      EventType = "blacklist"
	EventCheckpoint     EventType = "checkpoint"
)

// OrderingRecord is one ledger entry (spec.md §3, §4.10).
type OrderingRecord struct {
	Seq         uint64    `json:"seq"`
	EventType   EventType `json:"eventType"`
	TaskID      string    `json:"taskId,omitempty"`
	SubtaskID   string    `json:"subtaskId,omitempty"`
	ActorID     string    `json:"actorId"`
	Timestamp   int64     `json:"timestamp"`
	PrevHash    string    `json:"prevHash"`
	PayloadHash string    `json:"payloadHash"`
	Payload     []byte    `json:"payload"`
	Signature   string    `json:"signature"`
}

// GossipMessage is a peer-to-peer gossip envelope (spec.md §3, §4.8).
type GossipMessage struct {
	Type         string `json:"type"`
	OriginPeerID string `json:"originPeerId"`
	SequenceNo   uint64 `json:"sequenceNo"`
	Body         []byte `json:"body"`
	Signature    string `json:"signature"`
	TTL          int64  `json:"ttl"` // milliseconds
	SentAtMs     int64  `json:"sentAtMs"`
}
