package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

// TaskClass selects a group of task states for listing.
type TaskClass string

const (
	ClassAll       TaskClass = "all"
	ClassQueued    TaskClass = "queued"
	ClassSubmitted TaskClass = "submitted"
	ClassCompleted TaskClass = "completed"
)

func ParseTaskClass(raw string) (TaskClass, error) {
	switch c := TaskClass(strings.ToLower(strings.TrimSpace(raw))); c {
	case "":
		return ClassAll, nil
	case ClassAll, ClassQueued, ClassSubmitted, ClassCompleted:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown task class %q", ErrInvalidRequest, raw)
	}
}

func (c TaskClass) filter() state.TaskFilter {
	switch c {
	case ClassQueued:
		return state.TaskFilter{States: []htc.TaskState{htc.TaskQueued}, WithRetries: true}
	case ClassSubmitted:
		return state.TaskFilter{States: []htc.TaskState{htc.TaskSubmitted}}
	case ClassCompleted:
		return state.TaskFilter{States: []htc.TaskState{htc.TaskCompleted, htc.TaskCompletedWithError, htc.TaskTimedOut}}
	default:
		return state.TaskFilter{}
	}
}

type Status struct {
	ResponseDate time.Time
	Counts       map[htc.TaskState]int
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	out := Status{ResponseDate: e.now()}
	err := e.read(ctx, func(tx state.Tx) error {
		var err error
		out.Counts, err = tx.CountTasksByState(ctx)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	for s := htc.TaskIgnored; s <= htc.TaskTimedOut; s++ {
		observability.Default.SetGauge("tasks_by_state", map[string]string{"state": s.String()}, float64(out.Counts[s]))
	}
	return out, nil
}

// ListTasks returns the tasks of class oldest first. A positive limit keeps
// only the first limit tasks.
func (e *Engine) ListTasks(ctx context.Context, class TaskClass, limit int) ([]htc.Task, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	filter := class.filter()
	filter.Limit = limit
	var out []htc.Task
	err := e.read(ctx, func(tx state.Tx) error {
		var err error
		out, err = tx.ListTasks(ctx, filter)
		return err
	})
	return out, err
}

func (e *Engine) GetTask(ctx context.Context, id string) (htc.Task, bool, error) {
	var (
		task htc.Task
		ok   bool
	)
	err := e.read(ctx, func(tx state.Tx) error {
		var err error
		task, ok, err = tx.GetTask(ctx, id)
		return err
	})
	return task, ok, err
}

// CreateTask stores a new task. Missing fields take defaults: a random id,
// QUEUED and the configured retry count.
func (e *Engine) CreateTask(ctx context.Context, req taskapi.CreateTaskRequest) (htc.Task, error) {
	now := e.now()
	task := htc.Task{
		ID:               strings.TrimSpace(req.ID),
		CreationDate:     now,
		State:            htc.TaskQueued,
		StateDate:        now,
		SubmissionParams: map[string]string{},
		RetriesLeft:      e.defaultRetries,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if strings.ContainsAny(task.ID, "/\\") || task.ID == "." || task.ID == ".." {
		return htc.Task{}, fmt.Errorf("%w: task id %q is not a valid directory name", ErrInvalidRequest, task.ID)
	}
	if req.State != nil {
		task.State = htc.TaskState(*req.State)
		if !task.State.Valid() {
			return htc.Task{}, fmt.Errorf("%w: unknown task state %d", ErrInvalidRequest, *req.State)
		}
	}
	if req.RetriesLeft != nil {
		if *req.RetriesLeft < 0 {
			return htc.Task{}, fmt.Errorf("%w: retriesLeft must not be negative", ErrInvalidRequest)
		}
		task.RetriesLeft = *req.RetriesLeft
	}
	for k, v := range req.SubParams {
		task.SubmissionParams[k] = v
	}
	if task.State == htc.TaskSubmitted {
		task.ExpirationDate = null.TimeFrom(now.Add(e.submitTimeout))
	}
	err := e.critical(ctx, func(tx state.Tx) error {
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		return e.recordTransition(ctx, tx, task, task.State, actionCreated, "")
	})
	if err != nil {
		return htc.Task{}, err
	}
	observability.Default.IncCounter("tasks_created_total", nil, 1)
	return task, nil
}

// UpdateTask applies an explicit update request. Fields absent from the
// request keep their value. The result must keep retriesLeft >= 0 and the
// expiration date set exactly while SUBMITTED.
func (e *Engine) UpdateTask(ctx context.Context, id string, req taskapi.UpdateTaskRequest) (htc.Task, error) {
	var out htc.Task
	err := e.critical(ctx, func(tx state.Tx) error {
		task, ok, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		from := task.State
		if req.State != nil {
			next := htc.TaskState(*req.State)
			if !next.Valid() {
				return fmt.Errorf("%w: unknown task state %d", ErrInvalidRequest, *req.State)
			}
			if next != task.State {
				task.State = next
				task.StateDate = e.now()
			}
		}
		if req.RetriesLeft != nil {
			task.RetriesLeft = *req.RetriesLeft
		}
		switch {
		case req.ResetClusterID:
			task.ClusterID = null.Int{}
		case req.ClusterID != nil:
			task.ClusterID = null.IntFrom(*req.ClusterID)
		}
		switch {
		case req.ResetProcID:
			task.ProcID = null.Int{}
		case req.ProcID != nil:
			task.ProcID = null.IntFrom(*req.ProcID)
		}
		switch {
		case req.ResetExpirationDate:
			task.ExpirationDate = null.Time{}
		case req.ExpirationDate != nil:
			task.ExpirationDate = null.TimeFrom(req.ExpirationDate.UTC())
		}
		if task.RetriesLeft < 0 {
			return fmt.Errorf("%w: retriesLeft must not be negative", ErrInvalidRequest)
		}
		if !task.ConsistentExpiration() {
			return fmt.Errorf("%w: expirationDate must be set exactly when the task is SUBMITTED", ErrInvalidRequest)
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		out = task
		return e.recordTransition(ctx, tx, task, from, actionUpdated, "")
	})
	if err != nil {
		return htc.Task{}, err
	}
	return out, nil
}

// DeleteTask removes a task and its log entries. Clusters are kept.
func (e *Engine) DeleteTask(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := e.critical(ctx, func(tx state.Tx) error {
		var err error
		deleted, err = tx.DeleteTask(ctx, id)
		return err
	})
	return deleted, err
}

func (e *Engine) TaskLog(ctx context.Context, id string) ([]htc.LogEntry, error) {
	var out []htc.LogEntry
	err := e.read(ctx, func(tx state.Tx) error {
		_, ok, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		out, err = tx.ListLogEntries(ctx, id)
		return err
	})
	return out, err
}
