package engine

import (
	"context"
	"sync"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
)

// monitorState tracks tasks with an outstanding checkpoint request so a
// threshold crossing fires at most once until the request settles.
type monitorState struct {
	mu          sync.Mutex
	outstanding map[string]bool
}

func (m *monitorState) tryAcquire(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding[taskID] {
		return false
	}
	m.outstanding[taskID] = true
	return true
}

func (m *monitorState) clear(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outstanding, taskID)
}

type thresholdOutcome struct {
	threshold   float64
	requested   bool
	paused      bool
	pauseReason string
}

// evaluateThreshold runs after a usage commit, with the per-task lock
// still held by the caller.
func (e *Engine) evaluateThreshold(ctx context.Context, t domain.Task) (thresholdOutcome, error) {
	out := thresholdOutcome{}
	th, err := e.taskThreshold(ctx, t)
	if err != nil {
		return out, err
	}
	out.threshold = th
	if t.EstimatedTokens <= 0 {
		return out, nil
	}
	util := utilization(t.ConsumedTokens, t.EstimatedTokens)
	if util >= 100 {
		paused, err := e.exhaustBudget(ctx, t)
		if err != nil {
			return out, err
		}
		out.paused = paused
		if paused {
			out.pauseReason = domain.PauseBudgetExhausted
		}
		return out, nil
	}
	if util < th {
		return out, nil
	}
	// A saved checkpoint goes stale as consumption continues, so the
	// monitor requests a fresh one once the previous cycle resolved.
	switch t.CheckpointState {
	case domain.CheckpointNone, domain.CheckpointSaved:
	default:
		return out, nil
	}
	if !e.monitor.tryAcquire(t.ID) {
		return out, nil
	}
	if err := e.requestCheckpointLocked(ctx, t.ID, "monitor"); err != nil {
		e.monitor.clear(t.ID)
		return out, err
	}
	out.requested = true
	return out, nil
}

// exhaustBudget force-pauses a running task at full utilization. Work
// without a saved checkpoint is unrecoverable, which is worth an error
// record on its own.
func (e *Engine) exhaustBudget(ctx context.Context, t domain.Task) (bool, error) {
	if t.Status != domain.TaskRunning {
		return false, nil
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	reason := domain.PauseBudgetExhausted
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.TaskPaused, &reason, &now, now); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "task.paused", t.ProjectID, "task", t.ID, "monitor", events.EventPayload{
		"reason":   reason,
		"consumed": t.ConsumedTokens,
		"estimate": t.EstimatedTokens,
	}); err != nil {
		return false, err
	}
	if t.CheckpointState != domain.CheckpointSaved {
		if err := e.recordErrorTx(ctx, tx, &t.AgentID, domain.CategoryResourceExhaustion,
			"task "+t.ID+" exhausted its budget with no saved checkpoint"); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	// A checkpoint may still land while the task sits paused.
	if t.CheckpointState == domain.CheckpointNone && e.monitor.tryAcquire(t.ID) {
		if err := e.requestCheckpointLocked(ctx, t.ID, "monitor"); err != nil {
			e.monitor.clear(t.ID)
			return true, err
		}
	}
	return true, nil
}

// taskThreshold resolves the checkpoint threshold for a task: a
// per-project override wins, otherwise the complexity-adjusted static
// value, adapted from the project's completed-task history when
// adaptive mode is on.
func (e *Engine) taskThreshold(ctx context.Context, t domain.Task) (float64, error) {
	cfg := e.Config.Thresholds
	if v, ok := cfg.PerProject[t.ProjectID]; ok {
		return clampThreshold(v, cfg.MinPercent, cfg.MaxPercent), nil
	}
	base := initialThreshold(t.Complexity, cfg.StaticPercent, cfg.MinPercent, cfg.MaxPercent)
	if !cfg.Adaptive {
		return base, nil
	}
	peaks, err := e.Repo.ProjectPeakUtilizations(ctx, t.ProjectID, 50)
	if err != nil {
		return base, err
	}
	return adaptiveThreshold(base, peaks, cfg.MinPercent, cfg.MaxPercent), nil
}

// initialThreshold biases the static threshold by complexity: complex
// work checkpoints earlier, trivial work later.
func initialThreshold(complexity string, static, min, max float64) float64 {
	switch complexity {
	case domain.ComplexitySimple:
		return clampThreshold(static+5, min, max)
	case domain.ComplexityVeryComplex:
		return clampThreshold(static-20, min, max)
	default:
		return clampThreshold(static, min, max)
	}
}

// adaptiveThreshold tunes the base threshold from observed peak
// utilizations of finished tasks. Frequent overruns lower it; steady
// headroom raises it. Fewer than five samples keep the base.
func adaptiveThreshold(base float64, peaks []float64, min, max float64) float64 {
	if len(peaks) < 5 {
		return clampThreshold(base, min, max)
	}
	overruns := 0
	var sum float64
	for _, p := range peaks {
		if p >= 100 {
			overruns++
		}
		sum += p
	}
	mean := sum / float64(len(peaks))
	rate := float64(overruns) / float64(len(peaks))
	adjusted := base
	switch {
	case rate > 0.2:
		adjusted = base - 10
	case rate > 0.1:
		adjusted = base - 5
	case mean < 70:
		adjusted = base + 5
	}
	return clampThreshold(adjusted, min, max)
}

func clampThreshold(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
