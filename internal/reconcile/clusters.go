package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/guregu/null/v6"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

// CreateCluster registers a cluster submitted outside the dispatch loop. It
// is idempotent: an existing id returns the stored cluster unchanged. A
// cluster naming a task is linked to it the same way dispatch links.
func (e *Engine) CreateCluster(ctx context.Context, req taskapi.CreateClusterRequest) (htc.Cluster, error) {
	if req.ID < 0 {
		return htc.Cluster{}, fmt.Errorf("%w: cluster id must not be negative", ErrInvalidRequest)
	}
	if req.NumProcs < 0 || req.FirstProc < 0 {
		return htc.Cluster{}, fmt.Errorf("%w: firstProc and numProcs must not be negative", ErrInvalidRequest)
	}
	c := htc.Cluster{
		ID:               req.ID,
		CreationDate:     e.now(),
		TaskID:           strings.TrimSpace(req.TaskID),
		SubmissionParams: map[string]string{},
		Descriptor:       map[string]any{},
		FirstProc:        req.FirstProc,
		NumProcs:         req.NumProcs,
	}
	if c.TaskID == "" {
		c.TaskID = htc.UnownedTaskID
	}
	for k, v := range req.SubParams {
		c.SubmissionParams[k] = v
	}
	for k, v := range req.ClusterAd {
		c.Descriptor[k] = v
	}
	if req.Status != nil {
		status := htc.ClusterStatus{ClusterState: htc.ClusterState(req.Status.ClusterState)}
		for _, p := range req.Status.Procs {
			ps := htc.ProcStatus{Index: p.Index, State: htc.ClusterState(p.State)}
			if p.ExitCode != nil {
				ps.ExitCode = null.IntFrom(*p.ExitCode)
			}
			status.Procs = append(status.Procs, ps)
		}
		c.Status = status.Normalize(c.FirstProc, c.NumProcs)
	} else {
		c.Status = htc.NewClusterStatus(c.FirstProc, c.NumProcs)
	}

	var (
		out htc.Cluster
		job *archiveJob
	)
	err := e.critical(ctx, func(tx state.Tx) error {
		var err error
		out, job, err = e.registerCluster(ctx, tx, c)
		return err
	})
	if err != nil {
		return htc.Cluster{}, err
	}
	e.archiveAfterCommit(ctx, job)
	return out, nil
}

// GetClusterWithTask returns the cluster and, when it is owned and the task
// still exists, its task.
func (e *Engine) GetClusterWithTask(ctx context.Context, id int64) (htc.Cluster, *htc.Task, error) {
	var (
		cluster htc.Cluster
		task    *htc.Task
	)
	err := e.read(ctx, func(tx state.Tx) error {
		c, ok, err := tx.GetCluster(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrClusterNotFound, id)
		}
		cluster = c
		if !c.Owned() {
			return nil
		}
		t, ok, err := tx.GetTask(ctx, c.TaskID)
		if err != nil {
			return err
		}
		if ok {
			task = &t
		}
		return nil
	})
	if err != nil {
		return htc.Cluster{}, nil, err
	}
	return cluster, task, nil
}

// ListClusterEvents returns the stored events of a cluster. Events that
// arrived before the cluster was recorded are included.
func (e *Engine) ListClusterEvents(ctx context.Context, id int64) ([]htc.JobEvent, error) {
	var out []htc.JobEvent
	err := e.read(ctx, func(tx state.Tx) error {
		var err error
		if out, err = tx.ListJobEvents(ctx, id); err != nil || len(out) > 0 {
			return err
		}
		if _, ok, err := tx.GetCluster(ctx, id); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %d", ErrClusterNotFound, id)
		}
		return nil
	})
	return out, err
}
