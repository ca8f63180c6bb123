package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
	"tokengovernor/internal/repo"
)

// RequestCheckpoint asks a task's agent to persist resumable state. The
// generation counter increments on every request so stale confirmations
// are detectable.
func (e *Engine) RequestCheckpoint(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	unlock := e.tasks.Lock(taskID)
	defer unlock()
	if err := e.requestCheckpointLocked(ctx, taskID, actorID); err != nil {
		return domain.Task{}, err
	}
	e.monitor.mu.Lock()
	e.monitor.outstanding[taskID] = true
	e.monitor.mu.Unlock()
	return e.Repo.GetTask(ctx, taskID)
}

// requestCheckpointLocked does the request under an already-held task
// lock.
func (e *Engine) requestCheckpointLocked(ctx context.Context, taskID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, attempts, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return err
	}
	switch t.Status {
	case domain.TaskRunning, domain.TaskPaused, domain.TaskResuming:
	default:
		return fmt.Errorf("%w: task %s is %s", ErrNoActiveTask, taskID, t.Status)
	}
	switch t.CheckpointState {
	case domain.CheckpointNone, domain.CheckpointSaved, domain.CheckpointFailed:
	default:
		return fmt.Errorf("%w: checkpoint %s -> %s", ErrInvalidTransition, t.CheckpointState, domain.CheckpointRequested)
	}
	consumed, err := e.Repo.TaskConsumedTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	gen := t.CheckpointGen + 1
	if err := e.Repo.UpdateCheckpoint(ctx, tx, taskID, domain.CheckpointRequested, t.CheckpointURI, gen, attempts, now); err != nil {
		return err
	}
	payload, err := json.Marshal(domain.CheckpointPayload{
		TaskID:          taskID,
		Generation:      gen,
		EstimatedTokens: t.EstimatedTokens,
		ConsumedTokens:  consumed,
		Utilization:     utilization(consumed, t.EstimatedTokens),
		SubtaskIDs:      t.SubtaskIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	if _, err := e.enqueueMessageTx(ctx, tx, domain.Message{
		Channel:     "agent:" + t.AgentID,
		SenderID:    "governor",
		ReceiverID:  &t.AgentID,
		Type:        "checkpoint_request",
		PayloadJSON: string(payload),
		Priority:    5,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.requested", t.ProjectID, "task", taskID, actorID, events.EventPayload{
		"generation": gen,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmCheckpoint records a saved checkpoint. A nil generation means
// the caller trusts the server's current request; a mismatched one is a
// stale confirmation and is rejected.
func (e *Engine) ConfirmCheckpoint(ctx context.Context, taskID, storageRef string, generation *int, actorID string) (domain.Task, error) {
	if storageRef == "" {
		return domain.Task{}, errors.New("storage ref is required")
	}
	unlock := e.tasks.Lock(taskID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, _, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return t, err
	}
	if t.CheckpointState != domain.CheckpointRequested {
		return t, fmt.Errorf("%w: no outstanding checkpoint request for task %s", ErrStaleRequest, taskID)
	}
	if generation != nil && *generation != t.CheckpointGen {
		return t, fmt.Errorf("%w: generation %d, current %d", ErrStaleRequest, *generation, t.CheckpointGen)
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateCheckpoint(ctx, tx, taskID, domain.CheckpointSaved, &storageRef, t.CheckpointGen, 0, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.saved", t.ProjectID, "task", taskID, actorID, events.EventPayload{
		"generation":  t.CheckpointGen,
		"storage_ref": storageRef,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.monitor.clear(taskID)
	t.CheckpointState = domain.CheckpointSaved
	t.CheckpointURI = &storageRef
	t.UpdatedAt = now
	return t, nil
}

// FailCheckpoint records a failed save attempt. The request is retried
// with a fresh generation until the configured attempt limit, after
// which the task is paused and a critical error is raised.
func (e *Engine) FailCheckpoint(ctx context.Context, taskID, reason string, generation *int, actorID string) (domain.Task, error) {
	unlock := e.tasks.Lock(taskID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, attempts, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return t, err
	}
	if t.CheckpointState != domain.CheckpointRequested {
		return t, fmt.Errorf("%w: no outstanding checkpoint request for task %s", ErrStaleRequest, taskID)
	}
	if generation != nil && *generation != t.CheckpointGen {
		return t, fmt.Errorf("%w: generation %d, current %d", ErrStaleRequest, *generation, t.CheckpointGen)
	}
	attempts++
	now := e.nowRFC3339()
	if err := e.Repo.UpdateCheckpoint(ctx, tx, taskID, domain.CheckpointFailed, t.CheckpointURI, t.CheckpointGen, attempts, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.failed", t.ProjectID, "task", taskID, actorID, events.EventPayload{
		"generation": t.CheckpointGen,
		"attempt":    attempts,
		"reason":     reason,
	}); err != nil {
		return t, err
	}
	exhausted := attempts >= e.Config.Checkpoints.MaxAttempts
	if exhausted {
		if err := e.recordErrorTxSeverity(ctx, tx, &t.AgentID, domain.CategorySystemError, domain.SeverityCritical,
			fmt.Sprintf("checkpoint for task %s failed %d times: %s", taskID, attempts, reason)); err != nil {
			return t, err
		}
		if t.Status == domain.TaskRunning {
			pause := domain.PauseCheckpointPending
			if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskPaused, &pause, &now, now); err != nil {
				return t, err
			}
			if err := e.Events.Append(ctx, tx, "task.paused", t.ProjectID, "task", taskID, actorID, events.EventPayload{
				"reason": pause,
			}); err != nil {
				return t, err
			}
		}
	} else {
		if err := e.recordErrorTx(ctx, tx, &t.AgentID, domain.CategorySystemError,
			fmt.Sprintf("checkpoint for task %s failed (attempt %d): %s", taskID, attempts, reason)); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	if exhausted {
		e.monitor.clear(taskID)
	} else {
		// Re-request with a fresh generation.
		if err := e.requestCheckpointLocked(ctx, taskID, actorID); err != nil {
			e.monitor.clear(taskID)
			return t, err
		}
	}
	return e.Repo.GetTask(ctx, taskID)
}
