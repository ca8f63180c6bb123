package engine

import (
	"context"
	"errors"
	"fmt"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/repo"
)

// ProjectStatus is the roll-up view of one project.
type ProjectStatus struct {
	Project      domain.Project
	Budget       BudgetStatus
	AgentCount   int
	AgentsOnline int
	TasksByState map[string]int
	OpenErrors   int
}

// AgentStatus is the roll-up view of one agent.
type AgentStatus struct {
	Agent       domain.Agent
	Tasks       []domain.Task
	ErrorCount  int
	Utilization float64
}

// TaskStatus is the detail view of one task. Efficiency is
// estimated/consumed, reported for completed tasks only.
type TaskStatus struct {
	Task        domain.Task
	Utilization float64
	Threshold   float64
	Efficiency  float64
}

// PackageStatus is the roll-up view of one package.
type PackageStatus struct {
	Package      domain.Package
	TasksByState map[string]int
	Consumed     int64
	Complete     bool
}

// SystemStatus summarizes the whole governor.
type SystemStatus struct {
	Projects        int
	AgentsOnline    int
	AgentsTotal     int
	TasksRunning    int
	TasksPaused     int
	PendingMessages int
	OpenErrors      int
}

func (e *Engine) StatusProject(ctx context.Context, projectID string) (ProjectStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	budget, err := e.ProjectBudget(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: projectID})
	if err != nil {
		return ProjectStatus{}, err
	}
	online := 0
	for _, a := range agents {
		if a.Status == domain.AgentOnline || a.Status == domain.AgentBusy {
			online++
		}
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return ProjectStatus{}, err
	}
	byState := map[string]int{}
	for _, t := range tasks {
		byState[t.Status]++
	}
	openErrs, err := e.Repo.CountOpenErrorsByProject(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	return ProjectStatus{
		Project:      p,
		Budget:       budget,
		AgentCount:   len(agents),
		AgentsOnline: online,
		TasksByState: byState,
		OpenErrors:   openErrs,
	}, nil
}

func (e *Engine) StatusAgent(ctx context.Context, agentID string) (AgentStatus, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{AgentID: agentID})
	if err != nil {
		return AgentStatus{}, err
	}
	errCount, err := e.Repo.CountErrorsByAgent(ctx, agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	return AgentStatus{
		Agent:       a,
		Tasks:       tasks,
		ErrorCount:  errCount,
		Utilization: utilization(a.TokensUsed, a.TokenBudget),
	}, nil
}

func (e *Engine) StatusTask(ctx context.Context, taskID string) (TaskStatus, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TaskStatus{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return TaskStatus{}, err
	}
	th, err := e.taskThreshold(ctx, t)
	if err != nil {
		return TaskStatus{}, err
	}
	st := TaskStatus{
		Task:        t,
		Utilization: utilization(t.ConsumedTokens, t.EstimatedTokens),
		Threshold:   th,
	}
	if t.Status == domain.TaskCompleted && t.ConsumedTokens > 0 {
		st.Efficiency = float64(t.EstimatedTokens) / float64(t.ConsumedTokens)
	}
	return st, nil
}

func (e *Engine) StatusPackage(ctx context.Context, packageID string) (PackageStatus, error) {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return PackageStatus{}, err
	}
	byState := map[string]int{}
	var consumed int64
	complete := true
	for _, id := range pkg.TaskIDs {
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return PackageStatus{}, err
		}
		byState[t.Status]++
		consumed += t.ConsumedTokens
		if t.Status != domain.TaskCompleted {
			complete = false
		}
	}
	return PackageStatus{
		Package:      pkg,
		TasksByState: byState,
		Consumed:     consumed,
		Complete:     complete,
	}, nil
}

func (e *Engine) StatusSystem(ctx context.Context) (SystemStatus, error) {
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{})
	if err != nil {
		return SystemStatus{}, err
	}
	online := 0
	for _, a := range agents {
		if a.Status == domain.AgentOnline || a.Status == domain.AgentBusy {
			online++
		}
	}
	running, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskRunning})
	if err != nil {
		return SystemStatus{}, err
	}
	paused, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskPaused})
	if err != nil {
		return SystemStatus{}, err
	}
	pending, err := e.Repo.ListMessages(ctx, repo.MessageFilters{Status: domain.MessagePending})
	if err != nil {
		return SystemStatus{}, err
	}
	openErrs, err := e.Repo.CountOpenErrors(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	return SystemStatus{
		Projects:        len(projects),
		AgentsOnline:    online,
		AgentsTotal:     len(agents),
		TasksRunning:    len(running),
		TasksPaused:     len(paused),
		PendingMessages: len(pending),
		OpenErrors:      openErrs,
	}, nil
}
