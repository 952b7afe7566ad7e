package state

import (
	"context"
	"errors"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

var (
	ErrTaskExists      = errors.New("task already exists")
	ErrTaskNotFound    = errors.New("task not found")
	ErrClusterNotFound = errors.New("cluster not found")
)

// Store runs every read and write of one critical section in a single
// transaction. A non-nil error from fn rolls the transaction back.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	GetTask(ctx context.Context, id string) (htc.Task, bool, error)
	CreateTask(ctx context.Context, task htc.Task) error
	UpdateTask(ctx context.Context, task htc.Task) error
	DeleteTask(ctx context.Context, id string) (bool, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]htc.Task, error)
	CountTasksByState(ctx context.Context) (map[htc.TaskState]int, error)

	GetCluster(ctx context.Context, id int64) (htc.Cluster, bool, error)
	// CreateCluster is idempotent: an existing cluster is returned unchanged with created=false.
	CreateCluster(ctx context.Context, cluster htc.Cluster) (htc.Cluster, bool, error)
	UpdateCluster(ctx context.Context, cluster htc.Cluster) error

	GetJobEvent(ctx context.Context, id string) (htc.JobEvent, bool, error)
	CreateJobEvent(ctx context.Context, event htc.JobEvent) error
	ListJobEvents(ctx context.Context, clusterID int64) ([]htc.JobEvent, error)

	AppendLogEntry(ctx context.Context, entry htc.LogEntry) error
	ListLogEntries(ctx context.Context, taskID string) ([]htc.LogEntry, error)
}

type TaskFilter struct {
	States []htc.TaskState
	// WithRetries keeps only tasks with retriesLeft > 0.
	WithRetries bool
	Limit       int
}

func (f TaskFilter) match(t htc.Task) bool {
	if f.WithRetries && t.RetriesLeft <= 0 {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}
