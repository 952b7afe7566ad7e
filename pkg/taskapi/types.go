package taskapi

import "time"

const (
	KindTaskList         = "hpctask-list"
	KindServerStatus     = "dtaskapi-htc-server-status"
	KindClusterWithTask  = "htc-cluster-with-task"
	KindJobEventList     = "htc-job-event-list"
	KindLogEntryList     = "task-log-entry-list"
	DefaultTaskRetries   = 2
	UnownedClusterTaskID = "-"
)

type Task struct {
	ID             string            `json:"id"`
	CreationDate   time.Time         `json:"creationDate"`
	SubParams      map[string]string `json:"subParams"`
	State          int               `json:"state"`
	StateName      string            `json:"stateName"`
	StateDate      time.Time         `json:"stateDate"`
	RetriesLeft    int               `json:"retriesLeft"`
	ClusterID      *int64            `json:"clusterId"`
	ProcID         *int64            `json:"procId"`
	ExpirationDate *time.Time        `json:"expirationDate"`
}

// CreateTaskRequest fields left empty take server defaults: a random id,
// state QUEUED and two retries.
type CreateTaskRequest struct {
	ID          string            `json:"id,omitempty"`
	State       *int              `json:"state,omitempty"`
	SubParams   map[string]string `json:"subParams,omitempty"`
	RetriesLeft *int              `json:"retriesLeft,omitempty"`
}

// UpdateTaskRequest changes only the fields that are present. The reset
// flags clear an optional field.
type UpdateTaskRequest struct {
	State               *int       `json:"state,omitempty"`
	RetriesLeft         *int       `json:"retriesLeft,omitempty"`
	ClusterID           *int64     `json:"clusterId,omitempty"`
	ProcID              *int64     `json:"procId,omitempty"`
	ExpirationDate      *time.Time `json:"expirationDate,omitempty"`
	ResetClusterID      bool       `json:"resetClusterId,omitempty"`
	ResetProcID         bool       `json:"resetProcId,omitempty"`
	ResetExpirationDate bool       `json:"resetExpirationDate,omitempty"`
}

type TaskListResponse struct {
	Kind         string    `json:"kind"`
	ResponseDate time.Time `json:"responseDate"`
	Items        []Task    `json:"items"`
}

type DeleteTaskResponse struct {
	Deleted bool `json:"deleted"`
}

type ServerStatus struct {
	Kind                     string    `json:"kind"`
	ResponseDate             time.Time `json:"responseDate"`
	NTasksQueued             int       `json:"nTasksQueued"`
	NTasksSubmitted          int       `json:"nTasksSubmitted"`
	NTasksCompleted          int       `json:"nTasksCompleted"`
	NTasksCompletedWithError int       `json:"nTasksCompletedWithError"`
	NTasksTimedOut           int       `json:"nTasksTimedOut"`
}

type ProcStatus struct {
	Index     int    `json:"index"`
	State     int    `json:"state"`
	StateName string `json:"stateName"`
	ExitCode  *int64 `json:"exitCode"`
}

type ClusterStatus struct {
	ClusterState     int          `json:"clusterState"`
	ClusterStateName string       `json:"clusterStateName"`
	Procs            []ProcStatus `json:"procs"`
}

type Cluster struct {
	ID           int64             `json:"id"`
	CreationDate time.Time         `json:"creationDate"`
	TaskID       string            `json:"taskId"`
	SubParams    map[string]string `json:"subParams"`
	ClusterAd    map[string]any    `json:"clusterAd"`
	FirstProc    int               `json:"firstProc"`
	NumProcs     int               `json:"numProcs"`
	Status       ClusterStatus     `json:"status"`
}

type ProcStatusInput struct {
	Index    int    `json:"index"`
	State    int    `json:"state"`
	ExitCode *int64 `json:"exitCode,omitempty"`
}

type ClusterStatusInput struct {
	ClusterState int               `json:"clusterState"`
	Procs        []ProcStatusInput `json:"procs"`
}

// CreateClusterRequest registers a cluster created outside the dispatch loop.
type CreateClusterRequest struct {
	ID        int64               `json:"id"`
	TaskID    string              `json:"taskId,omitempty"`
	SubParams map[string]string   `json:"subParams,omitempty"`
	ClusterAd map[string]any      `json:"clusterAd,omitempty"`
	FirstProc int                 `json:"firstProc"`
	NumProcs  int                 `json:"numProcs"`
	Status    *ClusterStatusInput `json:"status,omitempty"`
}

type ClusterWithTask struct {
	Kind    string         `json:"kind"`
	Cluster Cluster        `json:"cluster"`
	Task    *Task          `json:"task"`
	Extra   map[string]any `json:"extra"`
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

type PostJobEventRequest struct {
	ClusterID int64          `json:"clusterId"`
	ProcID    int            `json:"procId"`
	Timestamp float64        `json:"timestamp"`
	EventType string         `json:"eventType"`
	Details   map[string]any `json:"details"`
}

type JobEventListResponse struct {
	Kind      string     `json:"kind"`
	ClusterID int64      `json:"clusterId"`
	Items     []JobEvent `json:"items"`
}

type LogEntry struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"taskId"`
	ClusterID    *int64    `json:"clusterId"`
	Action       string    `json:"action"`
	FromState    int       `json:"fromState"`
	ToState      int       `json:"toState"`
	Message      string    `json:"message,omitempty"`
	CreationDate time.Time `json:"creationDate"`
}

type LogEntryListResponse struct {
	Kind   string     `json:"kind"`
	TaskID string     `json:"taskId"`
	Items  []LogEntry `json:"items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
