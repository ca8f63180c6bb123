package domain

import "encoding/json"

// Priority tiers. Tier1 outranks Tier2 everywhere ordering matters.
const (
	Tier1 = "tier_1"
	Tier2 = "tier_2"
)

// Task complexity classes, derived from estimated tokens when not supplied.
const (
	ComplexitySimple      = "simple"       // < 1k tokens
	ComplexityComplex     = "complex"      // 1k-5k tokens
	ComplexityVeryComplex = "very_complex" // > 5k tokens
)

// Checkpoint states. Only the coordinator transitions these.
const (
	CheckpointNone      = "none"
	CheckpointRequested = "requested"
	CheckpointSaved     = "saved"
	CheckpointFailed    = "failed"
)

// Task run states.
const (
	TaskRegistered = "registered"
	TaskRunning    = "running"
	TaskPaused     = "paused"
	TaskResuming   = "resuming"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Pause reasons.
const (
	PauseBudgetExhausted   = "budget_exhausted"
	PauseCheckpointPending = "checkpoint_pending"
	PauseRateLimited       = "rate_limited"
)

// Agent lifecycle states.
const (
	AgentInitializing = "initializing"
	AgentOnline       = "online"
	AgentBusy         = "busy"
	AgentOffline      = "offline"
	AgentError        = "error"
)

// Message statuses.
const (
	MessagePending    = "pending"
	MessageProcessing = "processing"
	MessageDelivered  = "delivered"
	MessageFailed     = "failed"
	MessageExpired    = "expired"
)

// Error categories.
const (
	CategoryAPIError           = "api_error"
	CategoryAgentFailure       = "agent_failure"
	CategoryResourceExhaustion = "resource_exhaustion"
	CategoryCommunicationError = "communication_error"
	CategorySystemError        = "system_error"
)

// Error severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Error resolution statuses.
const (
	ResolutionOpen          = "open"
	ResolutionInvestigating = "investigating"
	ResolutionResolved      = "resolved"
	ResolutionIgnored       = "ignored"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TokenBudget int64  `json:"token_budget"`
	Tier        string `json:"tier" enum:"tier_1,tier_2"`
	Owner       string `json:"owner"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at,omitempty" format:"date-time"`
}

// Agent is ephemeral: created when an external executor picks up work,
// marked offline by the reap pass once its heartbeat goes stale.
type Agent struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Type          string  `json:"type"`
	Status        string  `json:"status" enum:"initializing,online,busy,offline,error"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	TokenBudget   int64   `json:"token_budget"`
	TokensUsed    int64   `json:"tokens_used"`
	LastHeartbeat string  `json:"last_heartbeat" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	ProjectID       string   `json:"project_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Complexity      string   `json:"complexity" enum:"simple,complex,very_complex"`
	EstimatedTokens int64    `json:"estimated_tokens"`
	ConsumedTokens  int64    `json:"consumed_tokens"`
	SubtaskIDs      []string `json:"subtask_ids,omitempty"`
	CheckpointState string   `json:"checkpoint_state" enum:"none,requested,saved,failed"`
	CheckpointURI   *string  `json:"checkpoint_uri,omitempty"`
	// CheckpointGen increments on every new request or invalidation; a
	// confirm carrying an older generation is stale and discarded.
	CheckpointGen int     `json:"checkpoint_gen"`
	Status        string  `json:"status" enum:"registered,running,paused,resuming,completed,failed"`
	PauseReason   *string `json:"pause_reason,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	PausedAt      *string `json:"paused_at,omitempty" format:"date-time"`
}

// Package groups tasks sharing a timeline and an aggregate estimate.
// Its tier is the maximum tier across the contained tasks.
type Package struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	TaskIDs         []string `json:"task_ids"`
	EstimatedTokens int64    `json:"estimated_tokens"`
	Tier            string   `json:"tier" enum:"tier_1,tier_2"`
	Timeline        string   `json:"timeline,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// BudgetRecord is one immutable usage_ledger row. Running totals are a
// fold over these records; the rollup table is a cache, never the truth.
type BudgetRecord struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	TaskID        string  `json:"task_id"`
	AgentID       *string `json:"agent_id,omitempty"`
	Tokens        int64   `json:"tokens"`
	OperationType string  `json:"operation_type"`
	Success       bool    `json:"success"`
	ContextJSON   string  `json:"context_json,omitempty"`
	TS            string  `json:"ts" format:"date-time"`
}

type Message struct {
	ID            string  `json:"id"`
	Channel       string  `json:"channel"`
	SenderID      string  `json:"sender_id"`
	ReceiverID    *string `json:"receiver_id,omitempty"` // nil = broadcast
	Type          string  `json:"type"`
	PayloadJSON   string  `json:"payload_json,omitempty"`
	Priority      int     `json:"priority" minimum:"1" maximum:"5"`
	Status        string  `json:"status" enum:"pending,processing,delivered,failed,expired"`
	RetryCount    int     `json:"retry_count"`
	MaxRetries    int     `json:"max_retries"`
	NextAttemptAt string  `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ExpiresAt     string  `json:"expires_at" format:"date-time"`
	DeliveredAt   *string `json:"delivered_at,omitempty" format:"date-time"`
}

type ErrorRecord struct {
	ID         string  `json:"id"`
	AgentID    *string `json:"agent_id,omitempty"`
	Category   string  `json:"category" enum:"api_error,agent_failure,resource_exhaustion,communication_error,system_error"`
	Severity   string  `json:"severity" enum:"low,medium,high,critical"`
	Message    string  `json:"message"`
	Resolution string  `json:"resolution" enum:"open,investigating,resolved,ignored"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// UsageContext is the closed variant carried with a usage report. Unknown
// reporter-specific fields survive round trips in Extra.
type UsageContext struct {
	Operation string          `json:"operation,omitempty"`
	Model     string          `json:"model,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// CheckpointPayload is the body of a checkpoint.request bus message.
type CheckpointPayload struct {
	TaskID          string   `json:"task_id"`
	Generation      int      `json:"generation"`
	EstimatedTokens int64    `json:"estimated_tokens"`
	ConsumedTokens  int64    `json:"consumed_tokens"`
	Utilization     float64  `json:"utilization"`
	SubtaskIDs      []string `json:"subtask_ids,omitempty"`
}

// ComplexityFor classifies an estimate using the 1k / 5k boundaries.
func ComplexityFor(estimatedTokens int64) string {
	switch {
	case estimatedTokens < 1000:
		return ComplexitySimple
	case estimatedTokens <= 5000:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

// TierRank orders tiers for scheduling; lower is more urgent.
func TierRank(tier string) int {
	if tier == Tier1 {
		return 0
	}
	return 1
}
