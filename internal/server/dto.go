package server

import (
	"tokengovernor/internal/domain"
	"tokengovernor/internal/engine"
)

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	TokenBudget int64  `json:"token_budget,omitempty"`
	Tier        string `json:"tier,omitempty" enum:"tier_1,tier_2"`
	Owner       string `json:"owner"`
}

type AdjustBudgetRequest struct {
	TokenBudget int64 `json:"token_budget"`
}

type CreateAgentRequest struct {
	ID          string `json:"id,omitempty"`
	ProjectID   string `json:"project_id"`
	Type        string `json:"type,omitempty"`
	TokenBudget int64  `json:"token_budget,omitempty"`
}

type HeartbeatRequest struct {
	Status        string  `json:"status,omitempty" enum:"initializing,online,busy,offline,error"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
}

type CreateTaskRequest struct {
	ID              string   `json:"id,omitempty"`
	AgentID         string   `json:"agent_id"`
	ProjectID       string   `json:"project_id"`
	Name            string   `json:"name,omitempty"`
	Description     string   `json:"description,omitempty"`
	Complexity      string   `json:"complexity,omitempty" enum:"simple,complex,very_complex"`
	EstimatedTokens int64    `json:"estimated_tokens"`
	SubtaskIDs      []string `json:"subtask_ids,omitempty"`
}

type FailTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PauseTaskRequest struct {
	Reason string `json:"reason" enum:"budget_exhausted,checkpoint_pending,rate_limited"`
}

type CreatePackageRequest struct {
	ID          string   `json:"id,omitempty"`
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	TaskIDs     []string `json:"task_ids"`
	Timeline    string   `json:"timeline,omitempty"`
}

type ReportUsageRequest struct {
	TaskID        string               `json:"task_id"`
	AgentID       string               `json:"agent_id,omitempty"`
	Tokens        int64                `json:"tokens"`
	OperationType string               `json:"operation_type,omitempty"`
	Success       *bool                `json:"success,omitempty"`
	Context       *domain.UsageContext `json:"context,omitempty"`
}

type ReportUsageResponse struct {
	RecordID            string  `json:"record_id"`
	ConsumedTokens      int64   `json:"consumed_tokens"`
	Utilization         float64 `json:"utilization"`
	Threshold           float64 `json:"threshold"`
	CheckpointRequested bool    `json:"checkpoint_requested"`
	Paused              bool    `json:"paused"`
	PauseReason         string  `json:"pause_reason,omitempty"`
}

type BudgetStatusResponse struct {
	ProjectID  string  `json:"project_id"`
	Total      int64   `json:"total"`
	Used       int64   `json:"used"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
	AlertLevel string  `json:"alert_level" enum:"ok,warning,critical"`
}

type ConfirmCheckpointRequest struct {
	StorageRef string `json:"storage_ref"`
	Generation *int   `json:"generation,omitempty"`
}

type FailCheckpointRequest struct {
	Reason     string `json:"reason,omitempty"`
	Generation *int   `json:"generation,omitempty"`
}

type EnqueueMessageRequest struct {
	Channel     string `json:"channel"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	Type        string `json:"type,omitempty"`
	PayloadJSON string `json:"payload_json,omitempty"`
	Priority    int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty" format:"date-time"`
}

type DispatchResponse struct {
	Message *domain.Message `json:"message,omitempty"`
}

type SweepResponse struct {
	Expired int64 `json:"expired"`
}

type QueueEntryResponse struct {
	Task     domain.Task `json:"task"`
	Tier     string      `json:"tier" enum:"tier_1,tier_2"`
	Eligible bool        `json:"eligible"`
}

type QueueResponse struct {
	Allowance int                  `json:"allowance"`
	Queue     []QueueEntryResponse `json:"queue,omitempty"`
}

type TickResponse struct {
	Admitted  []string `json:"admitted,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	Allowance int      `json:"allowance"`
}

type ReapResponse struct {
	Reaped []string `json:"reaped,omitempty"`
}

type RecordErrorRequest struct {
	AgentID  *string `json:"agent_id,omitempty"`
	Category string  `json:"category" enum:"api_error,agent_failure,resource_exhaustion,communication_error,system_error"`
	Severity string  `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Message  string  `json:"message"`
}

type ResolveErrorRequest struct {
	Resolution string `json:"resolution" enum:"investigating,resolved,ignored"`
}

type ProjectStatusResponse struct {
	Project      domain.Project       `json:"project"`
	Budget       BudgetStatusResponse `json:"budget"`
	AgentCount   int                  `json:"agent_count"`
	AgentsOnline int                  `json:"agents_online"`
	TasksByState map[string]int       `json:"tasks_by_state"`
	OpenErrors   int                  `json:"open_errors"`
}

type AgentStatusResponse struct {
	Agent       domain.Agent  `json:"agent"`
	Tasks       []domain.Task `json:"tasks,omitempty"`
	ErrorCount  int           `json:"error_count"`
	Utilization float64       `json:"utilization"`
}

type TaskStatusResponse struct {
	Task        domain.Task `json:"task"`
	Utilization float64     `json:"utilization"`
	Threshold   float64     `json:"threshold"`
	Efficiency  float64     `json:"efficiency,omitempty"`
}

type PackageStatusResponse struct {
	Package      domain.Package `json:"package"`
	TasksByState map[string]int `json:"tasks_by_state"`
	Consumed     int64          `json:"consumed"`
	Complete     bool           `json:"complete"`
}

type SystemStatusResponse struct {
	Projects        int `json:"projects"`
	AgentsOnline    int `json:"agents_online"`
	AgentsTotal     int `json:"agents_total"`
	TasksRunning    int `json:"tasks_running"`
	TasksPaused     int `json:"tasks_paused"`
	PendingMessages int `json:"pending_messages"`
	OpenErrors      int `json:"open_errors"`
}

func budgetResponse(st engine.BudgetStatus) BudgetStatusResponse {
	return BudgetStatusResponse{
		ProjectID:  st.ProjectID,
		Total:      st.Total,
		Used:       st.Used,
		Remaining:  st.Remaining,
		Percentage: st.Percentage,
		AlertLevel: st.AlertLevel,
	}
}
