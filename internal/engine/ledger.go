package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
	"tokengovernor/internal/repo"
)

// UsageReport is one consumption sample from an agent.
type UsageReport struct {
	TaskID        string
	AgentID       string
	Tokens        int64
	OperationType string
	Success       *bool
	Context       *domain.UsageContext
	ActorID       string
}

// UsageResult is returned to the reporter so it can act on threshold
// crossings without a second round trip.
type UsageResult struct {
	Record              domain.BudgetRecord
	ConsumedTokens      int64
	Utilization         float64
	Threshold           float64
	CheckpointRequested bool
	Paused              bool
	PauseReason         string
}

// RecordUsage appends a usage record and folds it into the task rollup
// in one transaction. Threshold evaluation runs after commit on the
// reporting goroutine, so the side effects are visible to the caller.
func (e *Engine) RecordUsage(ctx context.Context, rep UsageReport) (UsageResult, error) {
	if rep.Tokens < 0 {
		return UsageResult{}, fmt.Errorf("%w: tokens must be >= 0", ErrInvalidAmount)
	}
	unlock := e.tasks.Lock(rep.TaskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, rep.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return UsageResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, rep.TaskID)
		}
		return UsageResult{}, err
	}
	success := true
	if rep.Success != nil {
		success = *rep.Success
	}
	op := rep.OperationType
	if op == "" {
		op = "api_call"
	}
	ctxJSON := "{}"
	if rep.Context != nil {
		raw, err := json.Marshal(rep.Context)
		if err != nil {
			return UsageResult{}, fmt.Errorf("marshal usage context: %w", err)
		}
		ctxJSON = string(raw)
	}
	rec := domain.BudgetRecord{
		ID:            uuid.New().String(),
		ProjectID:     t.ProjectID,
		TaskID:        t.ID,
		Tokens:        rep.Tokens,
		OperationType: op,
		Success:       success,
		ContextJSON:   ctxJSON,
		TS:            e.nowRFC3339(),
	}
	if rep.AgentID != "" {
		rec.AgentID = &rep.AgentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UsageResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AppendUsage(ctx, tx, rec); err != nil {
		return UsageResult{}, fmt.Errorf("append usage: %w", err)
	}
	consumed, err := e.Repo.TaskConsumedTx(ctx, tx, rep.TaskID)
	if err != nil {
		return UsageResult{}, err
	}
	if rec.AgentID != nil {
		if err := e.Repo.AddAgentUsage(ctx, tx, *rec.AgentID, rep.Tokens); err != nil {
			return UsageResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "usage.recorded", t.ProjectID, "task", t.ID, rep.ActorID, events.EventPayload{
		"tokens":    rep.Tokens,
		"operation": op,
	}); err != nil {
		return UsageResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UsageResult{}, err
	}

	t.ConsumedTokens = consumed
	res := UsageResult{
		Record:         rec,
		ConsumedTokens: consumed,
		Utilization:    utilization(consumed, t.EstimatedTokens),
	}
	outcome, err := e.evaluateThreshold(ctx, t)
	if err != nil {
		return res, err
	}
	res.Threshold = outcome.threshold
	res.CheckpointRequested = outcome.requested
	res.Paused = outcome.paused
	res.PauseReason = outcome.pauseReason
	return res, nil
}

// utilization is consumed over estimated; a zero estimate reports zero
// rather than dividing.
func utilization(consumed, estimated int64) float64 {
	if estimated <= 0 {
		return 0
	}
	return float64(consumed) / float64(estimated) * 100
}

// TaskUtilization reports current consumption against the estimate.
func (e *Engine) TaskUtilization(ctx context.Context, taskID string) (consumed int64, pct float64, err error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, 0, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return 0, 0, err
	}
	return t.ConsumedTokens, utilization(t.ConsumedTokens, t.EstimatedTokens), nil
}

// UsageHistory lists ledger records for a task, newest first.
func (e *Engine) UsageHistory(ctx context.Context, taskID string, limit int) ([]domain.BudgetRecord, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return nil, err
	}
	return e.Repo.UsageHistory(ctx, taskID, limit)
}

// BudgetStatus summarizes a project's budget position.
type BudgetStatus struct {
	ProjectID  string
	Total      int64
	Used       int64
	Remaining  int64
	Percentage float64
	AlertLevel string
}

// ProjectBudget computes the live budget status for a project.
func (e *Engine) ProjectBudget(ctx context.Context, projectID string) (BudgetStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return BudgetStatus{}, err
	}
	used, err := e.Repo.ProjectConsumed(ctx, projectID)
	if err != nil {
		return BudgetStatus{}, err
	}
	st := BudgetStatus{
		ProjectID:  projectID,
		Total:      p.TokenBudget,
		Used:       used,
		Remaining:  p.TokenBudget - used,
		Percentage: utilization(used, p.TokenBudget),
	}
	switch {
	case st.Percentage >= 100:
		st.AlertLevel = "critical"
	case st.Percentage >= e.Config.ThresholdFor(projectID):
		st.AlertLevel = "warning"
	default:
		st.AlertLevel = "ok"
	}
	return st, nil
}

// RecomputeTaskRollup rebuilds a task rollup from the ledger. Rollups
// are caches; the ledger is the source of truth.
func (e *Engine) RecomputeTaskRollup(ctx context.Context, taskID string) (int64, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	total, err := e.Repo.RecomputeRollup(ctx, tx, taskID, e.nowRFC3339())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
