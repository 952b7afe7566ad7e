package api

import (
	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

func toAPITask(t htc.Task) taskapi.Task {
	params := t.SubmissionParams
	if params == nil {
		params = map[string]string{}
	}
	out := taskapi.Task{
		ID:           t.ID,
		CreationDate: t.CreationDate,
		SubParams:    params,
		State:        int(t.State),
		StateName:    t.State.String(),
		StateDate:    t.StateDate,
		RetriesLeft:  t.RetriesLeft,
		ClusterID:    t.ClusterID.Ptr(),
		ProcID:       t.ProcID.Ptr(),
	}
	if t.ExpirationDate.Valid {
		exp := t.ExpirationDate.Time
		out.ExpirationDate = &exp
	}
	return out
}

func toAPICluster(c htc.Cluster) taskapi.Cluster {
	procs := make([]taskapi.ProcStatus, 0, len(c.Status.Procs))
	for _, p := range c.Status.Procs {
		procs = append(procs, taskapi.ProcStatus{
			Index:     p.Index,
			State:     int(p.State),
			StateName: p.State.String(),
			ExitCode:  p.ExitCode.Ptr(),
		})
	}
	return taskapi.Cluster{
		ID:           c.ID,
		CreationDate: c.CreationDate,
		TaskID:       c.TaskID,
		SubParams:    c.SubmissionParams,
		ClusterAd:    c.Descriptor,
		FirstProc:    c.FirstProc,
		NumProcs:     c.NumProcs,
		Status: taskapi.ClusterStatus{
			ClusterState:     int(c.Status.ClusterState),
			ClusterStateName: c.Status.ClusterState.String(),
			Procs:            procs,
		},
	}
}

func toAPIJobEvent(e htc.JobEvent) taskapi.JobEvent {
	return taskapi.JobEvent{
		ID:           e.ID,
		CreationDate: e.CreationDate,
		ClusterID:    e.ClusterID,
		ProcID:       e.ProcID,
		Timestamp:    e.Timestamp,
		EventType:    e.EventType,
		Details:      e.Details,
	}
}

func toAPILogEntry(e htc.LogEntry) taskapi.LogEntry {
	return taskapi.LogEntry{
		ID:           e.ID,
		TaskID:       e.TaskID,
		ClusterID:    e.ClusterID.Ptr(),
		Action:       e.Action,
		FromState:    int(e.FromState),
		ToState:      int(e.ToState),
		Message:      e.Message,
		CreationDate: e.CreationDate,
	}
}
