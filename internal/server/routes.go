package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/engine"
	"tokengovernor/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Register project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RegisterProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			TokenBudget: input.Body.TokenBudget,
			Tier:        input.Body.Tier,
			Owner:       input.Body.Owner,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		list, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-project-budget",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/budget",
		Summary:     "Adjust project budget",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AdjustBudgetRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AdjustProjectBudget(ctx, input.ProjectID, input.Body.TokenBudget, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ArchiveProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "archived"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-budget",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/budget",
		Summary:     "Project budget status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body BudgetStatusResponse `json:"body"`
	}, error) {
		st, err := e.ProjectBudget(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BudgetStatusResponse `json:"body"`
		}{Body: budgetResponse(st)}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterAgent(ctx, engine.AgentCreateOptions{
			ID:          input.Body.ID,
			ProjectID:   input.Body.ProjectID,
			Type:        input.Body.Type,
			TokenBudget: input.Body.TokenBudget,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		list, err := e.Repo.ListAgents(ctx, repo.AgentFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/heartbeat",
		Summary:     "Agent heartbeat",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string           `path:"agent_id"`
		Body    HeartbeatRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.AgentHeartbeat(ctx, input.AgentID, input.Body.Status, input.Body.CurrentTaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reap-agents",
		Method:      http.MethodPost,
		Path:        "/agents/reap",
		Summary:     "Mark stale agents offline",
		Errors:      writeErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReapResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ids, err := e.ReapStaleAgents(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReapResponse `json:"body"`
		}{Body: ReapResponse{Reaped: ids}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Register task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RegisterTask(ctx, engine.TaskCreateOptions{
			ID:              input.Body.ID,
			AgentID:         input.Body.AgentID,
			ProjectID:       input.Body.ProjectID,
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			Complexity:      input.Body.Complexity,
			EstimatedTokens: input.Body.EstimatedTokens,
			SubtaskIDs:      input.Body.SubtaskIDs,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		AgentID     string `query:"agent_id"`
		Status      string `query:"status"`
		PauseReason string `query:"pause_reason"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		list, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:   input.ProjectID,
			AgentID:     input.AgentID,
			Status:      input.Status,
			PauseReason: input.PauseReason,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	type taskPath struct {
		TaskID string `path:"task_id"`
	}
	lifecycle := func(opID, pathSuffix, summary string, do func(ctx context.Context, taskID, actor string) (domain.Task, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *taskPath) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := do(ctx, input.TaskID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: t}, nil
		})
	}
	lifecycle("start-task", "start", "Start task", e.StartTask)
	lifecycle("complete-task", "complete", "Complete task", e.CompleteTask)
	lifecycle("resume-task", "resume", "Resume task", e.ResumeTask)

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/fail",
		Summary:     "Fail task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   FailTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.FailTask(ctx, input.TaskID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/pause",
		Summary:     "Pause task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   PauseTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.PauseTask(ctx, input.TaskID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerPackages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-package",
		Method:        http.MethodPost,
		Path:          "/packages",
		Summary:       "Create work package",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePackageRequest `json:"body"`
	}) (*struct {
		Body domain.Package `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pkg, err := e.CreatePackage(ctx, engine.PackageCreateOptions{
			ID:          input.Body.ID,
			ProjectID:   input.Body.ProjectID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			TaskIDs:     input.Body.TaskIDs,
			Timeline:    input.Body.Timeline,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Package `json:"body"`
		}{Body: pkg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List packages",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []domain.Package `json:"body"`
	}, error) {
		list, err := e.Repo.ListPackages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Package `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-package",
		Method:      http.MethodGet,
		Path:        "/packages/{package_id}",
		Summary:     "Get package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct {
		Body domain.Package `json:"body"`
	}, error) {
		pkg, err := e.Repo.GetPackage(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Package `json:"body"`
		}{Body: pkg}, nil
	})
}

func registerUsage(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-usage",
		Method:        http.MethodPost,
		Path:          "/usage",
		Summary:       "Report token usage",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body ReportUsageRequest `json:"body"`
	}) (*struct {
		Body ReportUsageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordUsage(ctx, engine.UsageReport{
			TaskID:        input.Body.TaskID,
			AgentID:       input.Body.AgentID,
			Tokens:        input.Body.Tokens,
			OperationType: input.Body.OperationType,
			Success:       input.Body.Success,
			Context:       input.Body.Context,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportUsageResponse `json:"body"`
		}{Body: ReportUsageResponse{
			RecordID:            res.Record.ID,
			ConsumedTokens:      res.ConsumedTokens,
			Utilization:         res.Utilization,
			Threshold:           res.Threshold,
			CheckpointRequested: res.CheckpointRequested,
			Paused:              res.Paused,
			PauseReason:         res.PauseReason,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-usage",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/usage",
		Summary:     "Task usage history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.BudgetRecord `json:"body"`
	}, error) {
		list, err := e.UsageHistory(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BudgetRecord `json:"body"`
		}{Body: list}, nil
	})
}

func registerCheckpoints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-checkpoint",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/checkpoint/request",
		Summary:     "Request a checkpoint",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RequestCheckpoint(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-checkpoint",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/checkpoint/confirm",
		Summary:     "Confirm a saved checkpoint",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                   `path:"task_id"`
		Body   ConfirmCheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ConfirmCheckpoint(ctx, input.TaskID, input.Body.StorageRef, input.Body.Generation, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-checkpoint",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/checkpoint/fail",
		Summary:     "Report a failed checkpoint attempt",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   FailCheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.FailCheckpoint(ctx, input.TaskID, input.Body.Reason, input.Body.Generation, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerMessages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Enqueue message",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body EnqueueMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.EnqueueMessage(ctx, engine.MessageCreateOptions{
			Channel:     input.Body.Channel,
			SenderID:    actorID,
			ReceiverID:  input.Body.ReceiverID,
			Type:        input.Body.Type,
			PayloadJSON: input.Body.PayloadJSON,
			Priority:    input.Body.Priority,
			MaxRetries:  input.Body.MaxRetries,
			ExpiresAt:   input.Body.ExpiresAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List messages",
	}, func(ctx context.Context, input *struct {
		Channel  string `query:"channel"`
		Status   string `query:"status"`
		Receiver string `query:"receiver"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		list, err := e.Repo.ListMessages(ctx, repo.MessageFilters{
			Channel:  input.Channel,
			Status:   input.Status,
			Receiver: input.Receiver,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: list}, nil
	})

	// Pull-mode consumption: the consumer receives the next message and
	// it is marked delivered in the same call.
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-message",
		Method:      http.MethodPost,
		Path:        "/channels/{channel}/dispatch",
		Summary:     "Deliver next message on a channel",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Channel string `path:"channel"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		m, err := e.DispatchNext(ctx, input.Channel, engine.DelivererFunc(
			func(ctx context.Context, m domain.Message) error { return nil },
		))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{Message: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-messages",
		Method:      http.MethodPost,
		Path:        "/messages/sweep",
		Summary:     "Expire overdue messages",
		Errors:      writeErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		n, err := e.SweepExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: n}}, nil
	})
}

func registerScheduler(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-tick",
		Method:      http.MethodPost,
		Path:        "/scheduler/tick",
		Summary:     "Run one scheduling pass",
		Errors:      writeErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Tick(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: TickResponse{
			Admitted:  res.Admitted,
			Skipped:   res.Skipped,
			Allowance: res.Allowance,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-queue",
		Method:      http.MethodGet,
		Path:        "/scheduler",
		Summary:     "Admission queue snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		st, err := e.SchedulerQueue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := QueueResponse{Allowance: st.Allowance}
		for _, entry := range st.Queue {
			out.Queue = append(out.Queue, QueueEntryResponse{
				Task:     entry.Task,
				Tier:     entry.Tier,
				Eligible: entry.Eligible,
			})
		}
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "system-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "System status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SystemStatusResponse `json:"body"`
	}, error) {
		st, err := e.StatusSystem(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SystemStatusResponse `json:"body"`
		}{Body: SystemStatusResponse{
			Projects:        st.Projects,
			AgentsOnline:    st.AgentsOnline,
			AgentsTotal:     st.AgentsTotal,
			TasksRunning:    st.TasksRunning,
			TasksPaused:     st.TasksPaused,
			PendingMessages: st.PendingMessages,
			OpenErrors:      st.OpenErrors,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/status/project/{project_id}",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		st, err := e.StatusProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: ProjectStatusResponse{
			Project:      st.Project,
			Budget:       budgetResponse(st.Budget),
			AgentCount:   st.AgentCount,
			AgentsOnline: st.AgentsOnline,
			TasksByState: st.TasksByState,
			OpenErrors:   st.OpenErrors,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodGet,
		Path:        "/status/agent/{agent_id}",
		Summary:     "Agent status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentStatusResponse `json:"body"`
	}, error) {
		st, err := e.StatusAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentStatusResponse `json:"body"`
		}{Body: AgentStatusResponse{
			Agent:       st.Agent,
			Tasks:       st.Tasks,
			ErrorCount:  st.ErrorCount,
			Utilization: st.Utilization,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/status/task/{task_id}",
		Summary:     "Task status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskStatusResponse `json:"body"`
	}, error) {
		st, err := e.StatusTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStatusResponse `json:"body"`
		}{Body: TaskStatusResponse{
			Task:        st.Task,
			Utilization: st.Utilization,
			Threshold:   st.Threshold,
			Efficiency:  st.Efficiency,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "package-status",
		Method:      http.MethodGet,
		Path:        "/status/package/{package_id}",
		Summary:     "Package status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct {
		Body PackageStatusResponse `json:"body"`
	}, error) {
		st, err := e.StatusPackage(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackageStatusResponse `json:"body"`
		}{Body: PackageStatusResponse{
			Package:      st.Package,
			TasksByState: st.TasksByState,
			Consumed:     st.Consumed,
			Complete:     st.Complete,
		}}, nil
	})
}

func registerErrors(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-error",
		Method:        http.MethodPost,
		Path:          "/errors",
		Summary:       "Record an error",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RecordErrorRequest `json:"body"`
	}) (*struct {
		Body domain.ErrorRecord `json:"body"`
	}, error) {
		rec, err := e.RecordError(ctx, input.Body.AgentID, input.Body.Category, input.Body.Severity, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ErrorRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-errors",
		Method:      http.MethodGet,
		Path:        "/errors",
		Summary:     "List errors",
	}, func(ctx context.Context, input *struct {
		AgentID    string `query:"agent_id"`
		Category   string `query:"category"`
		Severity   string `query:"severity"`
		Resolution string `query:"resolution"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.ErrorRecord `json:"body"`
	}, error) {
		list, err := e.Repo.ListErrorRecords(ctx, repo.ErrorFilters{
			AgentID:    input.AgentID,
			Category:   input.Category,
			Severity:   input.Severity,
			Resolution: input.Resolution,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ErrorRecord `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-error",
		Method:      http.MethodPost,
		Path:        "/errors/{error_id}/resolve",
		Summary:     "Advance error resolution",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ErrorID string              `path:"error_id"`
		Body    ResolveErrorRequest `json:"body"`
	}) (*struct {
		Body domain.ErrorRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.ResolveError(ctx, input.ErrorID, input.Body.Resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ErrorRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit trail",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		list, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: list}, nil
	})
}
