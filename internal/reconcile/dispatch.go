package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
)

// DispatchOnce is one tick of the dispatch loop: every QUEUED task with
// retries left is submitted, then the engine event log is drained.
func (e *Engine) DispatchOnce(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "reconcile.dispatch")
	defer span.End()

	var queued []htc.Task
	err := e.read(ctx, func(tx state.Tx) error {
		var err error
		queued, err = tx.ListTasks(ctx, state.TaskFilter{States: []htc.TaskState{htc.TaskQueued}, WithRetries: true})
		return err
	})
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("tasks.queued", len(queued)))
	for _, task := range queued {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.SubmitTask(ctx, task); err != nil {
			return fmt.Errorf("submit task %s: %w", task.ID, err)
		}
	}
	if _, err := e.DrainEvents(ctx); err != nil {
		return fmt.Errorf("drain events: %w", err)
	}
	return nil
}

// SubmitTask submits one task and records the outcome. A rejected submission
// is terminal for the task and is not returned as an error; only store
// failures are.
func (e *Engine) SubmitTask(ctx context.Context, task htc.Task) error {
	ctx, span := observability.StartSpan(ctx, "reconcile.submit_task", attribute.String("task.id", task.ID))
	defer span.End()

	params := htc.MergeSubmissionParams(task.SubmissionParams, e.ownedParams(task.ID))
	res, err := e.client.Submit(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("dispatch submit failed task_id=%s err=%v", task.ID, err)
		observability.Default.IncCounter("task_submit_failures_total", nil, 1)
		return e.critical(ctx, func(tx state.Tx) error {
			return e.failSubmission(ctx, tx, task.ID, err)
		})
	}

	cluster := htc.Cluster{
		ID:               res.ClusterID,
		CreationDate:     e.now(),
		TaskID:           task.ID,
		SubmissionParams: params,
		Descriptor:       res.Descriptor,
		FirstProc:        res.FirstProc,
		NumProcs:         res.NumProcs,
	}
	if cluster.Descriptor == nil {
		cluster.Descriptor = map[string]any{}
	}
	if res.Status != nil {
		cluster.Status = res.Status.Normalize(res.FirstProc, res.NumProcs)
	} else {
		cluster.Status = htc.NewClusterStatus(res.FirstProc, res.NumProcs)
	}

	var completed *archiveJob
	err = e.critical(ctx, func(tx state.Tx) error {
		var err error
		_, completed, err = e.registerCluster(ctx, tx, cluster)
		return err
	})
	if err != nil {
		return err
	}
	observability.Default.IncCounter("tasks_submitted_total", nil, 1)
	log.Printf("dispatch task submitted task_id=%s cluster_id=%d procs=%d", task.ID, res.ClusterID, res.NumProcs)
	e.archiveAfterCommit(ctx, completed)
	return nil
}

// registerCluster stores a submitted cluster and links it to its task. A
// placeholder left by an early event is replaced and its stored terminated
// events are applied again after the link.
func (e *Engine) registerCluster(ctx context.Context, tx state.Tx, cluster htc.Cluster) (htc.Cluster, *archiveJob, error) {
	stored, created, err := tx.CreateCluster(ctx, cluster)
	if err != nil {
		return htc.Cluster{}, nil, err
	}
	adopt := !created && !stored.Owned() && stored.NumProcs == 0 && cluster.NumProcs > 0
	if adopt {
		cluster.CreationDate = stored.CreationDate
		if err := tx.UpdateCluster(ctx, cluster); err != nil {
			return htc.Cluster{}, nil, err
		}
		stored = cluster
	}
	if err := e.linkCluster(ctx, tx, stored.ID); err != nil {
		return htc.Cluster{}, nil, err
	}
	if !adopt {
		return stored, nil, nil
	}
	job, err := e.replayTerminated(ctx, tx, stored.ID)
	if err != nil {
		return htc.Cluster{}, nil, err
	}
	stored, _, err = tx.GetCluster(ctx, stored.ID)
	return stored, job, err
}

func (e *Engine) ownedParams(taskID string) map[string]string {
	owned := make(map[string]string, 2)
	if e.eventLog != "" {
		owned[schedd.ParamLog] = e.eventLog
	}
	dir := filepath.Join(e.taskRoot, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("dispatch task dir unavailable task_id=%s dir=%s err=%v", taskID, dir, err)
		return owned
	}
	owned[schedd.ParamInitialDir] = dir
	return owned
}

func (e *Engine) failSubmission(ctx context.Context, tx state.Tx, taskID string, cause error) error {
	task, ok, err := tx.GetTask(ctx, taskID)
	if err != nil || !ok {
		return err
	}
	if task.State != htc.TaskQueued {
		return nil
	}
	from := task.State
	task.FailSubmission(e.now())
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}
	return e.recordTransition(ctx, tx, task, from, actionSubmitFailed, cause.Error())
}

// linkCluster binds a cluster to the task it names. It is a no-op for
// unowned clusters, missing tasks, tasks already bound to this cluster and
// tasks that left QUEUED while the submission was in flight.
func (e *Engine) linkCluster(ctx context.Context, tx state.Tx, clusterID int64) error {
	cluster, ok, err := tx.GetCluster(ctx, clusterID)
	if err != nil || !ok || !cluster.Owned() {
		return err
	}
	task, ok, err := tx.GetTask(ctx, cluster.TaskID)
	if err != nil || !ok {
		return err
	}
	if task.ClusterID.Valid && task.ClusterID.Int64 == cluster.ID {
		return nil
	}
	if !htc.CanTransition(task.State, htc.TaskSubmitted) {
		log.Printf("dispatch link skipped task_id=%s cluster_id=%d state=%s", task.ID, cluster.ID, task.State)
		return nil
	}
	from := task.State
	if !task.Link(cluster.ID, e.now(), e.submitTimeout) {
		return nil
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}
	return e.recordTransition(ctx, tx, task, from, actionSubmitted, "")
}

// replayTerminated applies the terminated events stored for a cluster that
// the aggregator first saw as a placeholder, before dispatch recorded it.
func (e *Engine) replayTerminated(ctx context.Context, tx state.Tx, clusterID int64) (*archiveJob, error) {
	events, err := tx.ListJobEvents(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	var job *archiveJob
	for _, ev := range events {
		if ev.EventType != htc.EventTerminated {
			continue
		}
		j, err := e.applyTerminated(ctx, tx, ev)
		if err != nil {
			return nil, err
		}
		if j != nil {
			job = j
		}
	}
	return job, nil
}

// DrainEvents applies every pending engine event and acknowledges the batch.
// On failure nothing is acknowledged and the next call replays the batch.
func (e *Engine) DrainEvents(ctx context.Context) (int, error) {
	batch, err := e.client.Events(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch.Events) == 0 && batch.Skipped == 0 {
		return 0, nil
	}
	for _, ev := range batch.Events {
		if _, _, err := e.ApplyEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				log.Printf("dispatch event dropped cluster_id=%d proc_id=%d type=%s err=%v", ev.ClusterID, ev.ProcID, ev.EventType, err)
				continue
			}
			return 0, err
		}
	}
	if err := e.client.Ack(ctx, batch.Cursor); err != nil {
		return 0, fmt.Errorf("ack events: %w", err)
	}
	return len(batch.Events), nil
}
