package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokengovernor/internal/config"
	"tokengovernor/internal/db"
	"tokengovernor/internal/domain"
	"tokengovernor/internal/engine"
	"tokengovernor/internal/migrate"
	"tokengovernor/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	if mutate != nil {
		mutate(cfg)
	}
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

func seedProject(t *testing.T, env testEnv, id, tier string) domain.Project {
	t.Helper()
	p, err := env.Engine.RegisterProject(env.Ctx, engine.ProjectCreateOptions{
		ID:      id,
		Tier:    tier,
		Owner:   "tester",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("register project: %v", err)
	}
	return p
}

func seedAgent(t *testing.T, env testEnv, id, projectID string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentCreateOptions{
		ID:        id,
		ProjectID: projectID,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func seedTask(t *testing.T, env testEnv, id, agentID, projectID string, estimate int64) domain.Task {
	t.Helper()
	task, err := env.Engine.RegisterTask(env.Ctx, engine.TaskCreateOptions{
		ID:              id,
		AgentID:         agentID,
		ProjectID:       projectID,
		EstimatedTokens: estimate,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("register task: %v", err)
	}
	return task
}

func startTask(t *testing.T, env testEnv, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.StartTask(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	return task
}

func report(t *testing.T, env testEnv, taskID, agentID string, tokens int64) engine.UsageResult {
	t.Helper()
	res, err := env.Engine.RecordUsage(env.Ctx, engine.UsageReport{
		TaskID:  taskID,
		AgentID: agentID,
		Tokens:  tokens,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	return res
}

func TestRegisterTaskDerivesComplexity(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")

	cases := []struct {
		estimate int64
		want     string
	}{
		{500, domain.ComplexitySimple},
		{3000, domain.ComplexityComplex},
		{9000, domain.ComplexityVeryComplex},
	}
	for _, tc := range cases {
		task, err := env.Engine.RegisterTask(env.Ctx, engine.TaskCreateOptions{
			AgentID:         "agent-1",
			ProjectID:       "proj-1",
			EstimatedTokens: tc.estimate,
			ActorID:         "tester",
		})
		if err != nil {
			t.Fatalf("register task (%d): %v", tc.estimate, err)
		}
		if task.Complexity != tc.want {
			t.Fatalf("estimate %d: complexity %s, want %s", tc.estimate, task.Complexity, tc.want)
		}
	}
}

func TestRegistrationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)

	if _, err := env.Engine.RegisterProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-1", Owner: "tester"}); !errors.Is(err, engine.ErrDuplicateID) {
		t.Fatalf("duplicate project: %v", err)
	}
	if _, err := env.Engine.RegisterProject(env.Ctx, engine.ProjectCreateOptions{TokenBudget: -1, Owner: "tester"}); !errors.Is(err, engine.ErrInvalidBudget) {
		t.Fatalf("negative budget: %v", err)
	}
	if _, err := env.Engine.RegisterTask(env.Ctx, engine.TaskCreateOptions{AgentID: "nope", ProjectID: "proj-1"}); !errors.Is(err, engine.ErrUnknownParent) {
		t.Fatalf("unknown agent: %v", err)
	}
	if _, err := env.Engine.RegisterTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", ProjectID: "proj-1", EstimatedTokens: -5}); !errors.Is(err, engine.ErrInvalidEstimate) {
		t.Fatalf("negative estimate: %v", err)
	}
	if _, err := env.Engine.RegisterTask(env.Ctx, engine.TaskCreateOptions{ID: "task-1", AgentID: "agent-1", ProjectID: "proj-1"}); !errors.Is(err, engine.ErrDuplicateID) {
		t.Fatalf("duplicate task: %v", err)
	}
	if _, err := env.Engine.RecordUsage(env.Ctx, engine.UsageReport{TaskID: "task-1", Tokens: -1}); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("negative usage: %v", err)
	}
}

func TestThresholdSingleFire(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")

	res := report(t, env, "task-1", "agent-1", 850)
	if res.CheckpointRequested {
		t.Fatalf("85%% should not trigger a checkpoint")
	}
	res = report(t, env, "task-1", "agent-1", 50)
	if !res.CheckpointRequested {
		t.Fatalf("90%% should trigger a checkpoint")
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CheckpointState != domain.CheckpointRequested || task.CheckpointGen != 1 {
		t.Fatalf("checkpoint state %s gen %d", task.CheckpointState, task.CheckpointGen)
	}

	// further reports above threshold must not re-request
	res = report(t, env, "task-1", "agent-1", 20)
	if res.CheckpointRequested {
		t.Fatalf("second crossing fired again")
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{Channel: "agent:agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	requests := 0
	for _, m := range msgs {
		if m.Type == "checkpoint_request" {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("checkpoint_request messages = %d, want 1", requests)
	}
}

func TestConfirmCheckpointRejectsStaleGeneration(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")

	if _, err := env.Engine.RequestCheckpoint(env.Ctx, "task-1", "tester"); err != nil {
		t.Fatalf("request: %v", err)
	}
	stale := 0
	if _, err := env.Engine.ConfirmCheckpoint(env.Ctx, "task-1", "s3://cp/1", &stale, "agent-1"); !errors.Is(err, engine.ErrStaleRequest) {
		t.Fatalf("stale generation accepted: %v", err)
	}
	gen := 1
	task, err := env.Engine.ConfirmCheckpoint(env.Ctx, "task-1", "s3://cp/1", &gen, "agent-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if task.CheckpointState != domain.CheckpointSaved || task.CheckpointURI == nil || *task.CheckpointURI != "s3://cp/1" {
		t.Fatalf("checkpoint not saved: %+v", task)
	}
	// no outstanding request anymore
	if _, err := env.Engine.ConfirmCheckpoint(env.Ctx, "task-1", "s3://cp/2", nil, "agent-1"); !errors.Is(err, engine.ErrStaleRequest) {
		t.Fatalf("double confirm accepted: %v", err)
	}
}

func TestBudgetExhaustionPausesTask(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 100)
	startTask(t, env, "task-1")

	res := report(t, env, "task-1", "agent-1", 100)
	if !res.Paused || res.PauseReason != domain.PauseBudgetExhausted {
		t.Fatalf("full utilization did not pause: %+v", res)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPaused {
		t.Fatalf("status %s, want paused", task.Status)
	}
	errs, err := env.Engine.Repo.ListErrorRecords(env.Ctx, repo.ErrorFilters{Category: domain.CategoryResourceExhaustion})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected one high resource_exhaustion error, got %+v", errs)
	}
	// exhausted without a checkpoint: not resumable
	if _, err := env.Engine.ResumeTask(env.Ctx, "task-1", "tester"); err == nil {
		t.Fatalf("resume without checkpoint should fail")
	}
}

func TestResumeAfterSavedCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")

	report(t, env, "task-1", "agent-1", 900) // fires checkpoint at 90%
	gen := 1
	if _, err := env.Engine.ConfirmCheckpoint(env.Ctx, "task-1", "s3://cp/1", &gen, "agent-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	res := report(t, env, "task-1", "agent-1", 100)
	if !res.Paused {
		t.Fatalf("expected exhaustion pause")
	}
	task, err := env.Engine.ResumeTask(env.Ctx, "task-1", "tester")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if task.Status != domain.TaskResuming {
		t.Fatalf("status %s, want resuming", task.Status)
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{Channel: "agent:agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range msgs {
		if m.Type == "resume" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no resume message enqueued")
	}
	// resuming task restarts cleanly
	task = startTask(t, env, "task-1")
	if task.Status != domain.TaskRunning {
		t.Fatalf("status %s, want running", task.Status)
	}
}

func TestCheckpointFailureRetriesThenPauses(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")

	if _, err := env.Engine.RequestCheckpoint(env.Ctx, "task-1", "tester"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		task, err := env.Engine.FailCheckpoint(env.Ctx, "task-1", "disk full", nil, "agent-1")
		if err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
		if task.CheckpointState != domain.CheckpointRequested {
			t.Fatalf("fail %d: state %s, want re-requested", i+1, task.CheckpointState)
		}
		if task.CheckpointGen != i+2 {
			t.Fatalf("fail %d: gen %d, want %d", i+1, task.CheckpointGen, i+2)
		}
	}
	task, err := env.Engine.FailCheckpoint(env.Ctx, "task-1", "disk full", nil, "agent-1")
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if task.CheckpointState != domain.CheckpointFailed {
		t.Fatalf("state %s, want failed after attempt limit", task.CheckpointState)
	}
	if task.Status != domain.TaskPaused || task.PauseReason == nil || *task.PauseReason != domain.PauseCheckpointPending {
		t.Fatalf("task not force-paused: %+v", task)
	}
	errs, err := env.Engine.Repo.ListErrorRecords(env.Ctx, repo.ErrorFilters{Severity: domain.SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Fatalf("critical errors = %d, want 1", len(errs))
	}
}

func TestCompleteInvalidatesOutstandingCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")

	if _, err := env.Engine.RequestCheckpoint(env.Ctx, "task-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, "task-1", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	gen := 1
	if _, err := env.Engine.ConfirmCheckpoint(env.Ctx, "task-1", "s3://cp/late", &gen, "agent-1"); !errors.Is(err, engine.ErrStaleRequest) {
		t.Fatalf("late confirm accepted: %v", err)
	}
}

func TestConcurrentUsageReports(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 100000)
	startTask(t, env, "task-1")

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := env.Engine.RecordUsage(env.Ctx, engine.UsageReport{
					TaskID: "task-1",
					Tokens: 1,
				})
				if err != nil {
					t.Errorf("record usage: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	consumed, _, err := env.Engine.TaskUtilization(env.Ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 100 {
		t.Fatalf("consumed = %d, want exactly 100", consumed)
	}
	history, err := env.Engine.UsageHistory(env.Ctx, "task-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 100 {
		t.Fatalf("ledger records = %d, want 100", len(history))
	}
}

func TestBusPriorityOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, p := range []int{1, 5, 3} {
		_, err := env.Engine.EnqueueMessage(env.Ctx, engine.MessageCreateOptions{
			Channel:  "coord",
			SenderID: "tester",
			Priority: p,
		})
		if err != nil {
			t.Fatalf("enqueue p%d: %v", p, err)
		}
	}
	ok := engine.DelivererFunc(func(ctx context.Context, m domain.Message) error { return nil })
	var got []int
	for {
		m, err := env.Engine.DispatchNext(env.Ctx, "coord", ok)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			break
		}
		if m.Status != domain.MessageDelivered {
			t.Fatalf("status %s, want delivered", m.Status)
		}
		got = append(got, m.Priority)
	}
	want := []int{5, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestBusRetryBackoffThenFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	retries := 1
	receiver := "agent-x"
	m, err := env.Engine.EnqueueMessage(env.Ctx, engine.MessageCreateOptions{
		Channel:    "coord",
		SenderID:   "tester",
		ReceiverID: receiver,
		MaxRetries: &retries,
	})
	if err != nil {
		t.Fatal(err)
	}
	boom := engine.DelivererFunc(func(ctx context.Context, m domain.Message) error {
		return errors.New("consumer down")
	})

	got, err := env.Engine.DispatchNext(env.Ctx, "coord", boom)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != domain.MessagePending || got.RetryCount != 1 {
		t.Fatalf("first failure: %+v", got)
	}
	// backoff holds the message until its next attempt time
	got, err = env.Engine.DispatchNext(env.Ctx, "coord", boom)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("dispatched before backoff elapsed: %+v", got)
	}
	env.advance(2 * time.Second)
	got, err = env.Engine.DispatchNext(env.Ctx, "coord", boom)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != domain.MessageFailed {
		t.Fatalf("after retries: %+v", got)
	}
	stored, err := env.Engine.Repo.GetMessage(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.MessageFailed {
		t.Fatalf("stored status %s, want failed", stored.Status)
	}
	if stored.RetryCount != retries {
		t.Fatalf("stored retry count %d, want %d", stored.RetryCount, retries)
	}
	errs, err := env.Engine.Repo.ListErrorRecords(env.Ctx, repo.ErrorFilters{Category: domain.CategoryCommunicationError})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Fatalf("communication errors = %d, want 1", len(errs))
	}
}

func TestSweepExpiredMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.EnqueueMessage(env.Ctx, engine.MessageCreateOptions{
		Channel:  "coord",
		SenderID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)
	n, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	ok := engine.DelivererFunc(func(ctx context.Context, m domain.Message) error { return nil })
	m, err := env.Engine.DispatchNext(env.Ctx, "coord", ok)
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatalf("expired message dispatched: %+v", m)
	}
}

func TestSchedulerTierOrderAndRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.AdmissionsPerMinute = 2
		cfg.Scheduler.BucketCapacity = 2
	})
	seedProject(t, env, "back", domain.Tier2)
	seedProject(t, env, "front", domain.Tier1)
	seedAgent(t, env, "agent-b", "back")
	seedAgent(t, env, "agent-f", "front")

	pauseRateLimited := func(taskID string) {
		t.Helper()
		startTask(t, env, taskID)
		if _, err := env.Engine.PauseTask(env.Ctx, taskID, domain.PauseRateLimited, "tester"); err != nil {
			t.Fatalf("pause %s: %v", taskID, err)
		}
	}
	seedTask(t, env, "task-b1", "agent-b", "back", 100)
	pauseRateLimited("task-b1")
	env.advance(time.Second)
	seedTask(t, env, "task-f1", "agent-f", "front", 100)
	pauseRateLimited("task-f1")
	env.advance(time.Second)
	seedTask(t, env, "task-f2", "agent-f", "front", 100)
	pauseRateLimited("task-f2")

	res, err := env.Engine.Tick(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	// tier_1 first even though the tier_2 task paused earlier
	if len(res.Admitted) != 2 || res.Admitted[0] != "task-f1" || res.Admitted[1] != "task-f2" {
		t.Fatalf("admitted %v", res.Admitted)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "task-b1" {
		t.Fatalf("skipped %v", res.Skipped)
	}

	// bucket is empty until time passes
	res, err = env.Engine.Tick(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Admitted) != 0 {
		t.Fatalf("admitted %v with empty bucket", res.Admitted)
	}
	env.advance(time.Minute)
	res, err = env.Engine.Tick(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Admitted) != 1 || res.Admitted[0] != "task-b1" {
		t.Fatalf("admitted %v after refill", res.Admitted)
	}
}

func TestPackageAdmissionAllOrNothing(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.AdmissionsPerMinute = 1
		cfg.Scheduler.BucketCapacity = 1
	})
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 100)
	seedTask(t, env, "task-2", "agent-1", "proj-1", 100)
	if _, err := env.Engine.CreatePackage(env.Ctx, engine.PackageCreateOptions{
		ID:        "pkg-1",
		ProjectID: "proj-1",
		TaskIDs:   []string{"task-1", "task-2"},
		ActorID:   "tester",
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"task-1", "task-2"} {
		startTask(t, env, id)
		if _, err := env.Engine.PauseTask(env.Ctx, id, domain.PauseRateLimited, "tester"); err != nil {
			t.Fatal(err)
		}
	}

	// allowance of 1 cannot admit a package of 2
	res, err := env.Engine.Tick(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Admitted) != 0 || len(res.Skipped) != 2 {
		t.Fatalf("partial package admission: %+v", res)
	}
	env.advance(2 * time.Minute)
	// still capped at bucket capacity 1
	res, err = env.Engine.Tick(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Admitted) != 0 {
		t.Fatalf("partial package admission after refill: %+v", res)
	}
}

func TestPackageAdmittedTogether(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 100)
	seedTask(t, env, "task-2", "agent-1", "proj-1", 100)
	if _, err := env.Engine.CreatePackage(env.Ctx, engine.PackageCreateOptions{
		ID:        "pkg-1",
		ProjectID: "proj-1",
		TaskIDs:   []string{"task-1", "task-2"},
		ActorID:   "tester",
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"task-1", "task-2"} {
		startTask(t, env, id)
		if _, err := env.Engine.PauseTask(env.Ctx, id, domain.PauseRateLimited, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := env.Engine.Tick(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Admitted) != 2 {
		t.Fatalf("admitted %v, want both package members", res.Admitted)
	}
	for _, id := range []string{"task-1", "task-2"} {
		task, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status != domain.TaskResuming {
			t.Fatalf("%s status %s, want resuming", id, task.Status)
		}
	}
}

func TestTaskThresholdByComplexity(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "simple", "agent-1", "proj-1", 500)
	seedTask(t, env, "complex", "agent-1", "proj-1", 3000)
	seedTask(t, env, "very", "agent-1", "proj-1", 9000)

	cases := map[string]float64{"simple": 95, "complex": 90, "very": 70}
	for id, want := range cases {
		st, err := env.Engine.StatusTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if st.Threshold != want {
			t.Fatalf("%s threshold %.0f, want %.0f", id, st.Threshold, want)
		}
	}
}

func TestAdaptiveThresholdLowersAfterOverruns(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Thresholds.Adaptive = true
	})
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")

	// fewer than five finished tasks keeps the base threshold
	seedTask(t, env, "probe", "agent-1", "proj-1", 3000)
	st, err := env.Engine.StatusTask(env.Ctx, "probe")
	if err != nil {
		t.Fatal(err)
	}
	if st.Threshold != 90 {
		t.Fatalf("threshold without history %.0f, want 90", st.Threshold)
	}

	// five overruns push the threshold down by 10
	for i := 0; i < 5; i++ {
		id := "hist-" + string(rune('a'+i))
		seedTask(t, env, id, "agent-1", "proj-1", 100)
		startTask(t, env, id)
		report(t, env, id, "agent-1", 100) // exhausts and pauses
		if _, err := env.Engine.FailTask(env.Ctx, id, "budget overrun", "tester"); err != nil {
			t.Fatalf("fail %s: %v", id, err)
		}
	}
	st, err = env.Engine.StatusTask(env.Ctx, "probe")
	if err != nil {
		t.Fatal(err)
	}
	if st.Threshold != 80 {
		t.Fatalf("threshold after overruns %.0f, want 80", st.Threshold)
	}
}

func TestErrorEscalationOnRecurrence(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	agent := "agent-1"
	var last domain.ErrorRecord
	for i := 0; i < 5; i++ {
		rec, err := env.Engine.RecordError(env.Ctx, &agent, domain.CategoryAPIError, "", "rate limited upstream")
		if err != nil {
			t.Fatal(err)
		}
		last = rec
		if i < 4 && rec.Severity != domain.SeverityMedium {
			t.Fatalf("error %d severity %s, want medium", i+1, rec.Severity)
		}
	}
	if last.Severity != domain.SeverityCritical {
		t.Fatalf("fifth recurrence severity %s, want critical", last.Severity)
	}
}

func TestErrorResolutionWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.Engine.RecordError(env.Ctx, nil, domain.CategorySystemError, "", "migration hiccup")
	if err != nil {
		t.Fatal(err)
	}
	rec, err = env.Engine.ResolveError(env.Ctx, rec.ID, domain.ResolutionInvestigating, "tester")
	if err != nil {
		t.Fatal(err)
	}
	rec, err = env.Engine.ResolveError(env.Ctx, rec.ID, domain.ResolutionResolved, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveError(env.Ctx, rec.ID, domain.ResolutionIgnored, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("terminal resolution mutated: %v", err)
	}
}

func TestHeartbeatAndReap(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedAgent(t, env, "agent-2", "proj-1")

	env.advance(4 * time.Minute)
	if _, err := env.Engine.AgentHeartbeat(env.Ctx, "agent-1", "", nil); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Minute)
	reaped, err := env.Engine.ReapStaleAgents(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0] != "agent-2" {
		t.Fatalf("reaped %v, want [agent-2]", reaped)
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, "agent-2")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentOffline {
		t.Fatalf("status %s, want offline", a.Status)
	}
	a, err = env.Engine.Repo.GetAgent(env.Ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status == domain.AgentOffline {
		t.Fatalf("fresh agent reaped")
	}
}

func TestProjectBudgetStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := env.Engine.RegisterProject(env.Ctx, engine.ProjectCreateOptions{
		ID:          "proj-1",
		TokenBudget: 1000,
		Owner:       "tester",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	seedAgent(t, env, "agent-1", p.ID)
	seedTask(t, env, "task-1", "agent-1", p.ID, 100000)
	startTask(t, env, "task-1")

	st, err := env.Engine.ProjectBudget(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.AlertLevel != "ok" || st.Remaining != 1000 {
		t.Fatalf("fresh project: %+v", st)
	}
	report(t, env, "task-1", "agent-1", 950)
	st, err = env.Engine.ProjectBudget(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.AlertLevel != "warning" {
		t.Fatalf("95%%: %+v", st)
	}
	report(t, env, "task-1", "agent-1", 50)
	st, err = env.Engine.ProjectBudget(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.AlertLevel != "critical" || st.Remaining != 0 {
		t.Fatalf("100%%: %+v", st)
	}
}

func TestUtilizationWithZeroEstimate(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 0)
	startTask(t, env, "task-1")

	res := report(t, env, "task-1", "agent-1", 5000)
	if res.Utilization != 0 || res.Paused || res.CheckpointRequested {
		t.Fatalf("zero estimate must not divide or trigger: %+v", res)
	}
}

func TestRequestCheckpointRequiresActiveTask(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)

	if _, err := env.Engine.RequestCheckpoint(env.Ctx, "task-1", "tester"); !errors.Is(err, engine.ErrNoActiveTask) {
		t.Fatalf("registered task accepted a checkpoint request: %v", err)
	}

	startTask(t, env, "task-1")
	if _, err := env.Engine.CompleteTask(env.Ctx, "task-1", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.RequestCheckpoint(env.Ctx, "task-1", "tester"); !errors.Is(err, engine.ErrNoActiveTask) {
		t.Fatalf("completed task accepted a checkpoint request: %v", err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CheckpointState != domain.CheckpointNone || task.CheckpointGen != 0 {
		t.Fatalf("terminal task mutated: state=%s gen=%d", task.CheckpointState, task.CheckpointGen)
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{Channel: "agent:agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.Type == "checkpoint_request" {
			t.Fatalf("checkpoint request enqueued for inactive task")
		}
	}
}

func TestMonitorRefreshesSavedCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")

	report(t, env, "task-1", "agent-1", 900)
	gen := 1
	if _, err := env.Engine.ConfirmCheckpoint(env.Ctx, "task-1", "s3://cp/1", &gen, "agent-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// consumption past the saved point asks for a fresh checkpoint
	res := report(t, env, "task-1", "agent-1", 50)
	if !res.CheckpointRequested {
		t.Fatalf("no refresh after saved checkpoint: %+v", res)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CheckpointState != domain.CheckpointRequested || task.CheckpointGen != 2 {
		t.Fatalf("state=%s gen=%d, want requested gen 2", task.CheckpointState, task.CheckpointGen)
	}
	// the earlier storage ref survives until the new generation confirms
	if task.CheckpointURI == nil || *task.CheckpointURI != "s3://cp/1" {
		t.Fatalf("storage ref lost: %+v", task.CheckpointURI)
	}
	// the in-flight refresh blocks further requests
	res = report(t, env, "task-1", "agent-1", 10)
	if res.CheckpointRequested {
		t.Fatalf("refresh fired with a request outstanding")
	}
}

func TestProjectStatusScopesOpenErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedProject(t, env, "proj-2", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedAgent(t, env, "agent-2", "proj-2")

	agent1, agent2 := "agent-1", "agent-2"
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.RecordError(env.Ctx, &agent1, domain.CategoryAPIError, "", "bad payload"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.RecordError(env.Ctx, &agent2, domain.CategoryAPIError, "", "bad payload"); err != nil {
		t.Fatal(err)
	}

	st, err := env.Engine.StatusProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.OpenErrors != 2 {
		t.Fatalf("proj-1 open errors = %d, want 2", st.OpenErrors)
	}
	st, err = env.Engine.StatusProject(env.Ctx, "proj-2")
	if err != nil {
		t.Fatal(err)
	}
	if st.OpenErrors != 1 {
		t.Fatalf("proj-2 open errors = %d, want 1", st.OpenErrors)
	}
}

func TestPausedTasksCarryFailureDetail(t *testing.T) {
	env := newTestEnv(t, nil)
	seedProject(t, env, "proj-1", domain.Tier2)
	seedAgent(t, env, "agent-1", "proj-1")
	seedTask(t, env, "task-1", "agent-1", "proj-1", 1000)
	startTask(t, env, "task-1")
	if _, err := env.Engine.PauseTask(env.Ctx, "task-1", domain.PauseCheckpointPending, "tester"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	task, err := env.Engine.Repo.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	detail := "executor crashed mid-save"
	task.ErrorMessage = &detail
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateTaskLifecycle(env.Ctx, tx, task); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	paused, err := env.Engine.Repo.PausedTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 1 {
		t.Fatalf("paused tasks = %d, want 1", len(paused))
	}
	got := paused[0].Task
	if got.ErrorMessage == nil || *got.ErrorMessage != detail {
		t.Fatalf("error message dropped: %+v", got.ErrorMessage)
	}
	if got.StartedAt == nil || got.PausedAt == nil || got.PauseReason == nil {
		t.Fatalf("lifecycle fields dropped: %+v", got)
	}
}
