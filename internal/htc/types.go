package htc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
)

// TaskState is the retryable lifecycle state of a Task.
type TaskState int

const (
	TaskIgnored            TaskState = -1
	TaskQueued             TaskState = 0
	TaskSubmitted          TaskState = 1
	TaskCompleted          TaskState = 2
	TaskCompletedWithError TaskState = 3
	TaskTimedOut           TaskState = 4
)

// ClusterState is shared between cluster-level and proc-level outcomes.
type ClusterState int

const (
	ProcUnknown           ClusterState = -1
	ClusterCreated        ClusterState = 0
	ClusterExecuting      ClusterState = 1
	ClusterCompletedOK    ClusterState = 2
	ClusterCompletedError ClusterState = 3
)

const (
	// UnownedTaskID marks a cluster that was not created by task dispatch.
	UnownedTaskID = "-"

	EventSubmit     = "submit"
	EventExecute    = "execute"
	EventTerminated = "terminated"
)

var validTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskQueued: {
		TaskSubmitted:          true,
		TaskCompletedWithError: true,
	},
	TaskSubmitted: {
		TaskQueued:             true,
		TaskCompleted:          true,
		TaskCompletedWithError: true,
		TaskTimedOut:           true,
	},
}

type Task struct {
	ID               string            `json:"id"`
	CreationDate     time.Time         `json:"creationDate"`
	State            TaskState         `json:"state"`
	StateDate        time.Time         `json:"stateDate"`
	SubmissionParams map[string]string `json:"subParams"`
	RetriesLeft      int               `json:"retriesLeft"`
	ClusterID        null.Int          `json:"clusterId"`
	ProcID           null.Int          `json:"procId"`
	ExpirationDate   null.Time         `json:"expirationDate"`
}

type ProcStatus struct {
	Index    int          `json:"index"`
	State    ClusterState `json:"state"`
	ExitCode null.Int     `json:"exitCode"`
}

type ClusterStatus struct {
	ClusterState ClusterState `json:"clusterState"`
	Procs        []ProcStatus `json:"procs"`
}

type Cluster struct {
	ID               int64             `json:"id"`
	CreationDate     time.Time         `json:"creationDate"`
	TaskID           string            `json:"taskId"`
	SubmissionParams map[string]string `json:"subParams"`
	Descriptor       map[string]any    `json:"clusterAd"`
	FirstProc        int               `json:"firstProc"`
	NumProcs         int               `json:"numProcs"`
	Status           ClusterStatus     `json:"status"`
}

type JobEvent struct {
	ID           string         `json:"id"`
	CreationDate time.Time      `json:"creationDate"`
	ClusterID    int64          `json:"clusterId"`
	ProcID       int            `json:"procId"`
	Timestamp    float64        `json:"timestamp"`
	EventType    string         `json:"eventType"`
	Details      map[string]any `json:"details"`
}

// LogEntry records one task transition. Entries are removed with their task.
type LogEntry struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"taskId"`
	ClusterID    null.Int  `json:"clusterId"`
	Action       string    `json:"action"`
	FromState    TaskState `json:"fromState"`
	ToState      TaskState `json:"toState"`
	Message      string    `json:"message,omitempty"`
	CreationDate time.Time `json:"creationDate"`
}

func (s TaskState) String() string {
	switch s {
	case TaskIgnored:
		return "IGNORED"
	case TaskQueued:
		return "QUEUED"
	case TaskSubmitted:
		return "SUBMITTED"
	case TaskCompleted:
		return "COMPLETED"
	case TaskCompletedWithError:
		return "COMPLETED_WITH_ERROR"
	case TaskTimedOut:
		return "TIMED_OUT"
	default:
		return "TaskState(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s TaskState) Valid() bool {
	return s >= TaskIgnored && s <= TaskTimedOut
}

func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCompletedWithError, TaskTimedOut, TaskIgnored:
		return true
	default:
		return false
	}
}

// ParseTaskState accepts either the numeric value or the name, case-insensitive.
func ParseTaskState(raw string) (TaskState, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		s := TaskState(n)
		if !s.Valid() {
			return 0, fmt.Errorf("unknown task state %d", n)
		}
		return s, nil
	}
	for s := TaskIgnored; s <= TaskTimedOut; s++ {
		if strings.EqualFold(s.String(), raw) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", raw)
}

// CanTransition reports whether the reconciliation subsystem may move a task from one state to another.
func CanTransition(from, to TaskState) bool {
	nexts, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}

func (s ClusterState) String() string {
	switch s {
	case ProcUnknown:
		return "UNKNOWN"
	case ClusterCreated:
		return "CREATED"
	case ClusterExecuting:
		return "EXECUTING"
	case ClusterCompletedOK:
		return "COMPLETED_OK"
	case ClusterCompletedError:
		return "COMPLETED_ERROR"
	default:
		return "ClusterState(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s ClusterState) Terminal() bool {
	return s == ClusterCompletedOK || s == ClusterCompletedError
}

// Owned reports whether the cluster is bound to a task.
func (c Cluster) Owned() bool {
	return c.TaskID != "" && c.TaskID != UnownedTaskID
}

// ProcInRange reports whether procID addresses one of the cluster's procs.
func (c Cluster) ProcInRange(procID int) bool {
	return procID >= c.FirstProc && procID < c.FirstProc+c.NumProcs
}
