package reconcile

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
)

type ExpireResult struct {
	Requeued int
	TimedOut int
}

// ExpireOnce is one tick of the expiration loop. Every SUBMITTED task past
// its deadline is requeued while retries remain and timed out otherwise.
// All changes of the tick commit together.
func (e *Engine) ExpireOnce(ctx context.Context) (ExpireResult, error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.expire")
	defer span.End()

	var res ExpireResult
	err := e.critical(ctx, func(tx state.Tx) error {
		res = ExpireResult{}
		submitted, err := tx.ListTasks(ctx, state.TaskFilter{States: []htc.TaskState{htc.TaskSubmitted}})
		if err != nil {
			return err
		}
		now := e.now()
		for _, task := range submitted {
			from := task.State
			clusterID := task.ClusterID
			if !task.Expire(now) {
				continue
			}
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
			action := actionTimedOut
			if task.State == htc.TaskQueued {
				action = actionRequeued
				res.Requeued++
			} else {
				res.TimedOut++
			}
			logged := task
			logged.ClusterID = clusterID
			if err := e.recordTransition(ctx, tx, logged, from, action, "deadline elapsed"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ExpireResult{}, err
	}
	observability.Default.IncCounter("expiration_requeued_total", nil, float64(res.Requeued))
	observability.Default.IncCounter("expiration_timed_out_total", nil, float64(res.TimedOut))
	span.SetAttributes(attribute.Int("tasks.requeued", res.Requeued), attribute.Int("tasks.timed_out", res.TimedOut))
	if res.Requeued+res.TimedOut > 0 {
		log.Printf("expiration tick requeued=%d timed_out=%d", res.Requeued, res.TimedOut)
	}
	return res, nil
}
