package engine

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"tokengovernor/internal/config"
	"tokengovernor/internal/events"
	"tokengovernor/internal/repo"
)

// Failure sentinels returned to callers. Validation failures are never
// retried; the server maps each to an HTTP status.
var (
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidBudget     = errors.New("invalid budget")
	ErrInvalidEstimate   = errors.New("invalid estimate")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrUnknownParent     = errors.New("unknown parent")
	ErrUnknownTask       = errors.New("unknown task")
	ErrNoActiveTask      = errors.New("no active task")
	ErrStaleRequest      = errors.New("stale checkpoint request")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Engine wires the governance components around one database. The
// ingestion path (RecordUsage) takes a per-task lock only; the control
// path (checkpoints, pause/resume) takes the same per-task lock so that
// a task never sees two concurrent state transitions.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	tasks    *keyedLocks
	monitor  monitorState
	sched    schedulerState
	channels channelLocks
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		tasks:  newKeyedLocks(),
	}
	e.monitor.outstanding = make(map[string]bool)
	e.channels.locks = make(map[string]*sync.Mutex)
	e.sched.bucket = newTokenBucket(cfg.Scheduler.BucketCapacity, cfg.Scheduler.AdmissionsPerMinute)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}
