package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
	"tokengovernor/internal/repo"
)

// ProjectCreateOptions are parameters for registering a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	TokenBudget int64
	Tier        string
	Owner       string
	ActorID     string
}

func (e *Engine) RegisterProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.TokenBudget < 0 {
		return domain.Project{}, fmt.Errorf("%w: token budget must be >= 0", ErrInvalidBudget)
	}
	if opts.TokenBudget == 0 {
		opts.TokenBudget = e.Config.Project.DefaultBudget
	}
	if opts.Tier == "" {
		opts.Tier = domain.Tier2
	}
	if opts.Tier != domain.Tier1 && opts.Tier != domain.Tier2 {
		return domain.Project{}, fmt.Errorf("%w: unknown tier %s", ErrInvalidTransition, opts.Tier)
	}
	if opts.Owner == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if opts.Name == "" {
		opts.Name = id
	}
	if _, err := e.Repo.GetProject(ctx, id); err == nil {
		return domain.Project{}, fmt.Errorf("%w: project %s", ErrDuplicateID, id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          id,
		Name:        opts.Name,
		Description: opts.Description,
		TokenBudget: opts.TokenBudget,
		Tier:        opts.Tier,
		Owner:       opts.Owner,
		Status:      "active",
		CreatedAt:   e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.registered", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"budget": p.TokenBudget,
		"tier":   p.Tier,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	// Snapshot the config the project was registered against.
	if err := e.Repo.UpsertGovernorConfig(ctx, p.ID, e.Config); err != nil {
		return p, err
	}
	return p, nil
}

// AdjustProjectBudget is the only permitted project mutation besides
// archiving.
func (e *Engine) AdjustProjectBudget(ctx context.Context, projectID string, budget int64, actorID string) (domain.Project, error) {
	if budget < 0 {
		return domain.Project{}, fmt.Errorf("%w: token budget must be >= 0", ErrInvalidBudget)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	if err := e.Repo.UpdateProjectBudget(ctx, tx, projectID, budget, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.budget.adjusted", projectID, "project", projectID, actorID, events.EventPayload{
		"old_budget": p.TokenBudget,
		"new_budget": budget,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.TokenBudget = budget
	p.UpdatedAt = now
	return p, nil
}

// ArchiveProject retires a project. Projects are never deleted.
func (e *Engine) ArchiveProject(ctx context.Context, projectID, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, "archived", e.nowRFC3339()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.archived", projectID, "project", projectID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// AgentCreateOptions are parameters for registering an ephemeral agent.
type AgentCreateOptions struct {
	ID          string
	ProjectID   string
	Type        string
	TokenBudget int64
	ActorID     string
}

func (e *Engine) RegisterAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if opts.ProjectID == "" {
		return domain.Agent{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Agent{}, fmt.Errorf("%w: project %s", ErrUnknownParent, opts.ProjectID)
		}
		return domain.Agent{}, err
	}
	if opts.Type == "" {
		opts.Type = "worker"
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowRFC3339()
	a := domain.Agent{
		ID:            id,
		ProjectID:     opts.ProjectID,
		Type:          opts.Type,
		Status:        domain.AgentInitializing,
		TokenBudget:   opts.TokenBudget,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", a.ProjectID, "agent", a.ID, opts.ActorID, events.EventPayload{"type": a.Type}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func validAgentStatus(s string) bool {
	switch s {
	case domain.AgentInitializing, domain.AgentOnline, domain.AgentBusy, domain.AgentOffline, domain.AgentError:
		return true
	}
	return false
}

// AgentHeartbeat refreshes liveness and optionally the agent's current
// task and status.
func (e *Engine) AgentHeartbeat(ctx context.Context, agentID, status string, currentTaskID *string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return a, err
	}
	if status == "" {
		status = a.Status
		if status == domain.AgentInitializing || status == domain.AgentOffline {
			status = domain.AgentOnline
		}
	}
	if !validAgentStatus(status) {
		return a, fmt.Errorf("unknown agent status %s", status)
	}
	if currentTaskID == nil {
		currentTaskID = a.CurrentTaskID
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgentHeartbeat(ctx, tx, agentID, status, now, currentTaskID); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = status
	a.LastHeartbeat = now
	a.CurrentTaskID = currentTaskID
	return a, nil
}

// ReapStaleAgents marks agents offline whose heartbeat is older than the
// configured staleness window. Explicit reaping keeps the agent table
// bounded without implicit lifetimes.
func (e *Engine) ReapStaleAgents(ctx context.Context, actorID string) ([]string, error) {
	window := time.Duration(e.Config.Agents.HeartbeatStaleSeconds) * time.Second
	cutoff := e.now().UTC().Add(-window).Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ids, err := e.Repo.MarkAgentsOffline(ctx, tx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := e.Events.Append(ctx, tx, "agent.reaped", "", "agent", id, actorID, events.EventPayload{"cutoff": cutoff}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// TaskCreateOptions are parameters for registering a task.
type TaskCreateOptions struct {
	ID              string
	AgentID         string
	ProjectID       string
	Name            string
	Description     string
	Complexity      string
	EstimatedTokens int64
	SubtaskIDs      []string
	ActorID         string
}

func (e *Engine) RegisterTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.EstimatedTokens < 0 {
		return domain.Task{}, fmt.Errorf("%w: estimate must be >= 0", ErrInvalidEstimate)
	}
	if opts.AgentID == "" || opts.ProjectID == "" {
		return domain.Task{}, errors.New("agent and project are required")
	}
	agent, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("%w: agent %s", ErrUnknownParent, opts.AgentID)
		}
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("%w: project %s", ErrUnknownParent, opts.ProjectID)
		}
		return domain.Task{}, err
	}
	if agent.ProjectID != opts.ProjectID {
		return domain.Task{}, fmt.Errorf("agent %s not in project %s", opts.AgentID, opts.ProjectID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := e.Repo.GetTask(ctx, id); err == nil {
		return domain.Task{}, fmt.Errorf("%w: task %s", ErrDuplicateID, id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	if opts.Name == "" {
		opts.Name = id
	}
	complexity := opts.Complexity
	if complexity == "" {
		complexity = domain.ComplexityFor(opts.EstimatedTokens)
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:              id,
		AgentID:         opts.AgentID,
		ProjectID:       opts.ProjectID,
		Name:            opts.Name,
		Description:     opts.Description,
		Complexity:      complexity,
		EstimatedTokens: opts.EstimatedTokens,
		SubtaskIDs:      opts.SubtaskIDs,
		CheckpointState: domain.CheckpointNone,
		Status:          domain.TaskRegistered,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t, 0); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.registered", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
		"complexity": t.Complexity,
		"estimate":   t.EstimatedTokens,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ensureRunTransition guards the task run-state machine.
func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskRegistered:
		if newStatus == domain.TaskRunning || newStatus == domain.TaskFailed {
			return nil
		}
	case domain.TaskRunning:
		if newStatus == domain.TaskPaused || newStatus == domain.TaskCompleted || newStatus == domain.TaskFailed {
			return nil
		}
	case domain.TaskPaused:
		if newStatus == domain.TaskResuming || newStatus == domain.TaskFailed {
			return nil
		}
	case domain.TaskResuming:
		if newStatus == domain.TaskRunning || newStatus == domain.TaskPaused || newStatus == domain.TaskFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// StartTask moves a registered or resuming task into running.
func (e *Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	unlock := e.tasks.Lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return t, err
	}
	if err := ensureRunTransition(t.Status, domain.TaskRunning); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	t.Status = domain.TaskRunning
	t.PauseReason = nil
	t.PausedAt = nil
	t.UpdatedAt = now
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskLifecycle(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.started", t.ProjectID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteTask finishes a task. Any outstanding checkpoint request is
// invalidated; a late confirm will be rejected as stale.
func (e *Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.finishTask(ctx, taskID, domain.TaskCompleted, "", actorID)
}

// FailTask marks a task failed and records an agent_failure error.
func (e *Engine) FailTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	return e.finishTask(ctx, taskID, domain.TaskFailed, reason, actorID)
}

func (e *Engine) finishTask(ctx context.Context, taskID, terminal, reason, actorID string) (domain.Task, error) {
	unlock := e.tasks.Lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return t, err
	}
	if err := ensureRunTransition(t.Status, terminal); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	t.Status = terminal
	t.UpdatedAt = now
	t.PauseReason = nil
	t.PausedAt = nil
	if terminal == domain.TaskCompleted {
		t.CompletedAt = &now
	}
	if reason != "" {
		t.ErrorMessage = &reason
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskLifecycle(ctx, tx, t); err != nil {
		return t, err
	}
	// Cancel any in-flight checkpoint request: bump the generation so a
	// late confirm no longer matches.
	if t.CheckpointState == domain.CheckpointRequested || t.CheckpointState == domain.CheckpointFailed {
		t.CheckpointGen++
		t.CheckpointState = domain.CheckpointNone
		if err := e.Repo.UpdateCheckpoint(ctx, tx, t.ID, t.CheckpointState, t.CheckpointURI, t.CheckpointGen, 0, now); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task."+terminal, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return t, err
	}
	if terminal == domain.TaskFailed {
		if err := e.recordErrorTx(ctx, tx, &t.AgentID, domain.CategoryAgentFailure, fmt.Sprintf("task %s failed: %s", t.ID, reason)); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.monitor.clear(taskID)
	return t, nil
}

// PackageCreateOptions are parameters for grouping tasks.
type PackageCreateOptions struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	TaskIDs     []string
	Timeline    string
	ActorID     string
}

// CreatePackage groups tasks; tier and estimate are derived from the
// contained tasks.
func (e *Engine) CreatePackage(ctx context.Context, opts PackageCreateOptions) (domain.Package, error) {
	if len(opts.TaskIDs) == 0 {
		return domain.Package{}, errors.New("at least one task is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Package{}, fmt.Errorf("%w: project %s", ErrUnknownParent, opts.ProjectID)
		}
		return domain.Package{}, err
	}
	tier := domain.Tier2
	var estimate int64
	for _, taskID := range opts.TaskIDs {
		t, err := e.Repo.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Package{}, fmt.Errorf("%w: task %s", ErrUnknownTask, taskID)
			}
			return domain.Package{}, err
		}
		p, err := e.Repo.GetProject(ctx, t.ProjectID)
		if err != nil {
			return domain.Package{}, err
		}
		if domain.TierRank(p.Tier) < domain.TierRank(tier) {
			tier = p.Tier
		}
		estimate += t.EstimatedTokens
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if opts.Name == "" {
		opts.Name = id
	}
	pkg := domain.Package{
		ID:              id,
		ProjectID:       opts.ProjectID,
		Name:            opts.Name,
		Description:     opts.Description,
		TaskIDs:         opts.TaskIDs,
		EstimatedTokens: estimate,
		Tier:            tier,
		Timeline:        opts.Timeline,
		CreatedAt:       e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return pkg, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPackage(ctx, tx, pkg); err != nil {
		return pkg, fmt.Errorf("insert package: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "package.created", pkg.ProjectID, "package", pkg.ID, opts.ActorID, events.EventPayload{
		"tasks": len(pkg.TaskIDs),
		"tier":  pkg.Tier,
	}); err != nil {
		return pkg, err
	}
	if err := tx.Commit(); err != nil {
		return pkg, err
	}
	return pkg, nil
}
