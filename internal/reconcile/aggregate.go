package reconcile

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"github.com/darkhaniop/simple-task-api-htc/internal/archive"
	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
)

type archiveJob struct {
	clusterID int64
}

// ApplyEvent ingests one engine event. Replaying an event returns the stored
// copy with created=false and changes nothing.
func (e *Engine) ApplyEvent(ctx context.Context, ev htc.JobEvent) (htc.JobEvent, bool, error) {
	if ev.ClusterID < 0 || ev.ProcID < 0 {
		return htc.JobEvent{}, false, fmt.Errorf("%w: negative cluster or proc id", ErrInvalidRequest)
	}
	ev = ev.Normalize()
	if ev.EventType == "" {
		return htc.JobEvent{}, false, fmt.Errorf("%w: eventType is required", ErrInvalidRequest)
	}
	if cached, ok := e.cachedEvent(ev.ID); ok {
		observability.Default.IncCounter("job_events_duplicate_total", nil, 1)
		return cached, false, nil
	}

	ctx, span := observability.StartSpan(ctx, "reconcile.apply_event",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.EventType),
		attribute.Int64("cluster.id", ev.ClusterID),
	)
	defer span.End()

	var (
		stored  htc.JobEvent
		created bool
		job     *archiveJob
	)
	err := e.critical(ctx, func(tx state.Tx) error {
		existing, ok, err := tx.GetJobEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if ok {
			stored, created = existing, false
			return nil
		}
		ev.CreationDate = e.now()
		if err := tx.CreateJobEvent(ctx, ev); err != nil {
			return err
		}
		stored, created = ev, true
		if ev.EventType != htc.EventTerminated {
			return nil
		}
		job, err = e.applyTerminated(ctx, tx, ev)
		return err
	})
	if err != nil {
		return htc.JobEvent{}, false, err
	}
	if e.applied != nil {
		e.applied.Add(stored.ID, stored)
	}
	if !created {
		observability.Default.IncCounter("job_events_duplicate_total", nil, 1)
		return stored, false, nil
	}
	observability.Default.IncCounter("job_events_ingested_total", map[string]string{"event_type": stored.EventType}, 1)
	e.archiveAfterCommit(ctx, job)
	return stored, true, nil
}

func (e *Engine) cachedEvent(id string) (htc.JobEvent, bool) {
	if e.applied == nil {
		return htc.JobEvent{}, false
	}
	return e.applied.Get(id)
}

// applyTerminated folds one terminated event into its cluster. The cluster is
// created as an unowned placeholder when dispatch has not recorded it yet.
// It returns a non-nil job when the cluster became terminal.
func (e *Engine) applyTerminated(ctx context.Context, tx state.Tx, ev htc.JobEvent) (*archiveJob, error) {
	cluster, ok, err := tx.GetCluster(ctx, ev.ClusterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		placeholder := htc.Cluster{
			ID:               ev.ClusterID,
			CreationDate:     e.now(),
			TaskID:           htc.UnownedTaskID,
			SubmissionParams: map[string]string{},
			Descriptor:       map[string]any{},
			Status:           htc.NewClusterStatus(0, 0),
		}
		if cluster, _, err = tx.CreateCluster(ctx, placeholder); err != nil {
			return nil, err
		}
	}
	if !cluster.ProcInRange(ev.ProcID) {
		observability.Default.IncCounter("job_events_rejected_total", map[string]string{"reason": "proc_out_of_range"}, 1)
		return nil, nil
	}
	if cluster.Status.ClusterState.Terminal() {
		observability.Default.IncCounter("job_events_rejected_total", map[string]string{"reason": "cluster_terminal"}, 1)
		return nil, nil
	}
	outcome, exitCode := htc.ProcOutcome(ev.Details)
	if !cluster.ApplyProc(ev.ProcID, outcome, exitCode) {
		return nil, nil
	}
	done := cluster.Reduce()
	if err := tx.UpdateCluster(ctx, cluster); err != nil {
		return nil, err
	}
	if !done {
		return nil, nil
	}
	observability.Default.IncCounter("clusters_completed_total", map[string]string{"state": cluster.Status.ClusterState.String()}, 1)
	log.Printf("aggregate cluster completed cluster_id=%d state=%s task_id=%s", cluster.ID, cluster.Status.ClusterState, cluster.TaskID)
	if err := e.onClusterCompletion(ctx, tx, cluster); err != nil {
		return nil, err
	}
	return &archiveJob{clusterID: cluster.ID}, nil
}

// onClusterCompletion resolves the owning task. It does nothing when the
// cluster is unowned, the task is gone or already resolved, or the task has
// since been bound to another cluster.
func (e *Engine) onClusterCompletion(ctx context.Context, tx state.Tx, cluster htc.Cluster) error {
	if !cluster.Owned() {
		return nil
	}
	task, ok, err := tx.GetTask(ctx, cluster.TaskID)
	if err != nil || !ok {
		return err
	}
	if task.State != htc.TaskSubmitted {
		return nil
	}
	if !task.ClusterID.Valid || task.ClusterID.Int64 != cluster.ID {
		return nil
	}
	from := task.State
	if !task.Resolve(cluster.Status.ClusterState, e.now()) {
		return nil
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}
	return e.recordTransition(ctx, tx, task, from, actionCompleted, "cluster "+cluster.Status.ClusterState.String())
}

// archiveAfterCommit hands a terminal cluster to the archiver. Failures are
// logged and counted only.
func (e *Engine) archiveAfterCommit(ctx context.Context, job *archiveJob) {
	if job == nil || e.archiver == nil {
		return
	}
	rec := archive.Record{ArchivedAt: e.now()}
	err := e.read(ctx, func(tx state.Tx) error {
		cluster, ok, err := tx.GetCluster(ctx, job.clusterID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrClusterNotFound, job.clusterID)
		}
		rec.Cluster = cluster
		if rec.Events, err = tx.ListJobEvents(ctx, cluster.ID); err != nil {
			return err
		}
		if cluster.Owned() {
			task, ok, err := tx.GetTask(ctx, cluster.TaskID)
			if err != nil {
				return err
			}
			if ok {
				rec.Task = &task
			}
		}
		return nil
	})
	if err == nil {
		err = e.archiver.Archive(ctx, rec)
	}
	if err != nil {
		observability.Default.IncCounter("archive_failures_total", nil, 1)
		log.Printf("archive cluster failed cluster_id=%d err=%v", job.clusterID, err)
	}
}
