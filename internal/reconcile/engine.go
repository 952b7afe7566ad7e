package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/darkhaniop/simple-task-api-htc/internal/archive"
	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
)

var (
	ErrTaskExists      = state.ErrTaskExists
	ErrTaskNotFound    = state.ErrTaskNotFound
	ErrClusterNotFound = state.ErrClusterNotFound
	ErrInvalidRequest  = errors.New("invalid request")
)

const (
	actionCreated        = "created"
	actionSubmitted      = "submitted"
	actionSubmitFailed   = "submit_failed"
	actionCompleted      = "completed"
	actionRequeued       = "requeued"
	actionTimedOut       = "timed_out"
	actionUpdated        = "updated"
	defaultSubmitTimeout = 120 * time.Second
	defaultCacheSize     = 4096
)

type Options struct {
	// SubmitTimeout is how long a SUBMITTED task waits for its cluster to finish.
	SubmitTimeout time.Duration
	// TaskRoot is the parent of the per-task working directories.
	TaskRoot string
	// EventLog overrides the log location reported by the engine client.
	EventLog       string
	DefaultRetries int
	EventCacheSize int
	// Archiver receives terminal clusters. Nil disables archiving.
	Archiver archive.Archiver
	Now      func() time.Time
}

// Engine owns Task and Cluster consistency. Every mutation runs through its
// LockManager.
type Engine struct {
	store          state.Store
	client         schedd.Client
	locks          *LockManager
	submitTimeout  time.Duration
	taskRoot       string
	eventLog       string
	defaultRetries int
	archiver       archive.Archiver
	now            func() time.Time
	applied        *lru.Cache[string, htc.JobEvent]
}

func NewEngine(store state.Store, client schedd.Client, opts Options) *Engine {
	timeout := opts.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	taskRoot := opts.TaskRoot
	if taskRoot == "" {
		taskRoot = "./taskroot"
	}
	eventLog := opts.EventLog
	if eventLog == "" && client != nil {
		eventLog = client.EventLogPath()
	}
	retries := opts.DefaultRetries
	if retries <= 0 {
		retries = 2
	}
	size := opts.EventCacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	applied, err := lru.New[string, htc.JobEvent](size)
	if err != nil {
		log.Printf("reconcile event cache disabled err=%v", err)
	}
	return &Engine{
		store:          store,
		client:         client,
		locks:          NewLockManager(),
		submitTimeout:  timeout,
		taskRoot:       taskRoot,
		eventLog:       eventLog,
		defaultRetries: retries,
		archiver:       opts.Archiver,
		now:            now,
		applied:        applied,
	}
}

// NewInMemoryEngine wires an engine to a memory store and a memory engine client.
func NewInMemoryEngine(opts Options) (*Engine, *schedd.MemoryClient) {
	client := schedd.NewMemoryClient(schedd.MemoryOptions{EventLogPath: opts.EventLog, Now: opts.Now})
	return NewEngine(state.NewMemoryStore(), client, opts), client
}

func (e *Engine) Locks() *LockManager { return e.locks }

// critical runs fn as one transaction inside the consistency region.
func (e *Engine) critical(ctx context.Context, fn func(tx state.Tx) error) error {
	return e.locks.Consistent(func() error {
		return e.locks.Transaction(ctx, e.store, fn)
	})
}

// read runs fn as one transaction without taking the consistency region.
func (e *Engine) read(ctx context.Context, fn func(tx state.Tx) error) error {
	return e.locks.Transaction(ctx, e.store, fn)
}

// recordTransition appends a task log entry and counts the transition.
func (e *Engine) recordTransition(ctx context.Context, tx state.Tx, task htc.Task, from htc.TaskState, action, message string) error {
	entry := htc.LogEntry{
		TaskID:       task.ID,
		ClusterID:    task.ClusterID,
		Action:       action,
		FromState:    from,
		ToState:      task.State,
		Message:      message,
		CreationDate: e.now(),
	}
	if err := tx.AppendLogEntry(ctx, entry); err != nil {
		return err
	}
	if from != task.State {
		observability.Default.IncCounter("task_transitions_total", map[string]string{"from": from.String(), "to": task.State.String()}, 1)
	}
	return nil
}
