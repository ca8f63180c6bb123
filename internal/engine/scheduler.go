package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
	"tokengovernor/internal/repo"
)

// tokenBucket rate-limits resume admissions. Refill is driven by the
// engine clock, not a background timer, so ticks are deterministic in
// tests.
type tokenBucket struct {
	capacity   float64
	ratePerMin float64
	tokens     float64
	last       time.Time
}

func newTokenBucket(capacity, perMinute int) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(capacity),
		ratePerMin: float64(perMinute),
		tokens:     float64(capacity),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	if b.last.IsZero() {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Minutes()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerMin
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

func (b *tokenBucket) available() int { return int(b.tokens) }

func (b *tokenBucket) take(n int) bool {
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// schedulerState serializes ticks; concurrent Tick calls queue rather
// than double-admit.
type schedulerState struct {
	mu     sync.Mutex
	bucket *tokenBucket
}

func validPauseReason(reason string) bool {
	switch reason {
	case domain.PauseBudgetExhausted, domain.PauseCheckpointPending, domain.PauseRateLimited:
		return true
	}
	return false
}

// PauseTask suspends a running task with an explicit reason.
func (e *Engine) PauseTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	if !validPauseReason(reason) {
		return domain.Task{}, fmt.Errorf("unknown pause reason %s", reason)
	}
	unlock := e.tasks.Lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return t, err
	}
	if err := ensureRunTransition(t.Status, domain.TaskPaused); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskPaused, &reason, &now, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.paused", t.ProjectID, "task", taskID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskPaused
	t.PauseReason = &reason
	t.PausedAt = &now
	t.UpdatedAt = now
	return t, nil
}

// ResumeTask admits a single paused task immediately, bypassing the
// admission rate limit but not the eligibility rules.
func (e *Engine) ResumeTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	unlock := e.tasks.Lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return t, err
	}
	if err := ensureRunTransition(t.Status, domain.TaskResuming); err != nil {
		return t, err
	}
	if err := e.resumable(ctx, t); err != nil {
		return t, err
	}
	if err := e.admitLocked(ctx, t, actorID); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// resumable checks whether a paused task may be admitted. Tasks paused
// purely for rate limiting resume as-is; anything else needs a saved
// checkpoint, and budget-exhausted tasks also need project headroom.
func (e *Engine) resumable(ctx context.Context, t domain.Task) error {
	reason := ""
	if t.PauseReason != nil {
		reason = *t.PauseReason
	}
	if reason == domain.PauseRateLimited {
		return nil
	}
	if t.CheckpointState != domain.CheckpointSaved {
		return fmt.Errorf("%w: task %s has no saved checkpoint", ErrInvalidTransition, t.ID)
	}
	if reason == domain.PauseBudgetExhausted {
		st, err := e.ProjectBudget(ctx, t.ProjectID)
		if err != nil {
			return err
		}
		if st.Remaining <= 0 {
			return fmt.Errorf("%w: project %s has no remaining budget", ErrInvalidTransition, t.ProjectID)
		}
	}
	return nil
}

// admitLocked moves a paused task to resuming and emits the resume
// message. Caller holds the task lock.
func (e *Engine) admitLocked(ctx context.Context, t domain.Task, actorID string) error {
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.TaskResuming, nil, nil, now); err != nil {
		return err
	}
	payload := "{}"
	if t.CheckpointURI != nil {
		payload = fmt.Sprintf(`{"task_id":%q,"storage_ref":%q}`, t.ID, *t.CheckpointURI)
	} else {
		payload = fmt.Sprintf(`{"task_id":%q}`, t.ID)
	}
	if _, err := e.enqueueMessageTx(ctx, tx, domain.Message{
		Channel:     "agent:" + t.AgentID,
		SenderID:    "governor",
		ReceiverID:  &t.AgentID,
		Type:        "resume",
		PayloadJSON: payload,
		Priority:    4,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.resuming", t.ProjectID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// TickResult reports what one scheduler pass did.
type TickResult struct {
	Admitted  []string
	Skipped   []string
	Allowance int
}

// Tick runs one scheduling pass: refill the admission bucket, walk
// paused tasks tier-first then longest-paused, and admit while tokens
// remain. Tasks in a package are admitted together or not at all.
func (e *Engine) Tick(ctx context.Context, actorID string) (TickResult, error) {
	e.sched.mu.Lock()
	defer e.sched.mu.Unlock()

	e.sched.bucket.refill(e.now().UTC())
	res := TickResult{Allowance: e.sched.bucket.available()}

	paused, err := e.Repo.PausedTasks(ctx)
	if err != nil {
		return res, err
	}
	if len(paused) == 0 {
		return res, nil
	}
	packages, err := e.Repo.ListPackages(ctx, "")
	if err != nil {
		return res, err
	}
	taskPkg := map[string]domain.Package{}
	for _, p := range packages {
		for _, id := range p.TaskIDs {
			taskPkg[id] = p
		}
	}
	pausedSet := map[string]bool{}
	for _, pt := range paused {
		pausedSet[pt.Task.ID] = true
	}

	handled := map[string]bool{}
	for _, pt := range paused {
		t := pt.Task
		if handled[t.ID] {
			continue
		}
		group := []domain.Task{t}
		if pkg, ok := taskPkg[t.ID]; ok {
			group = group[:0]
			for _, id := range pkg.TaskIDs {
				if !pausedSet[id] {
					continue
				}
				member, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return res, err
				}
				group = append(group, member)
			}
		}
		for _, member := range group {
			handled[member.ID] = true
		}
		eligible := true
		for _, member := range group {
			if err := e.resumable(ctx, member); err != nil {
				eligible = false
				break
			}
		}
		if !eligible || !e.sched.bucket.take(len(group)) {
			for _, member := range group {
				res.Skipped = append(res.Skipped, member.ID)
			}
			continue
		}
		for _, member := range group {
			unlock := e.tasks.Lock(member.ID)
			err := e.admitLocked(ctx, member, actorID)
			unlock()
			if err != nil {
				return res, err
			}
			res.Admitted = append(res.Admitted, member.ID)
		}
	}
	return res, nil
}

// QueueEntry is one paused task waiting for admission.
type QueueEntry struct {
	Task     domain.Task
	Tier     string
	Eligible bool
}

// QueueStatus is a read-only snapshot of the admission queue.
type QueueStatus struct {
	Allowance int
	Queue     []QueueEntry
}

// SchedulerQueue reports the paused tasks in admission order and the
// current bucket allowance, without admitting anything.
func (e *Engine) SchedulerQueue(ctx context.Context) (QueueStatus, error) {
	e.sched.mu.Lock()
	e.sched.bucket.refill(e.now().UTC())
	st := QueueStatus{Allowance: e.sched.bucket.available()}
	e.sched.mu.Unlock()

	paused, err := e.Repo.PausedTasks(ctx)
	if err != nil {
		return st, err
	}
	for _, pt := range paused {
		st.Queue = append(st.Queue, QueueEntry{
			Task:     pt.Task,
			Tier:     pt.Tier,
			Eligible: e.resumable(ctx, pt.Task) == nil,
		})
	}
	return st, nil
}

// RunScheduler ticks on an interval until the context is cancelled.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Tick(ctx, "scheduler"); err != nil {
				return err
			}
		}
	}
}
