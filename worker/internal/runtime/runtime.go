package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/config"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/executor"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/telemetry"
)

// Runtime consumes proc jobs from the asynq queue, runs them and publishes
// their execute and terminated events to the engine event stream.
type Runtime struct {
	cfg  config.Config
	exec *executor.Executor
	rdb  redis.Cmdable
	tel  telemetry.Client
	now  func() time.Time
}

func New(cfg config.Config, exec *executor.Executor, rdb redis.Cmdable, tel telemetry.Client) *Runtime {
	return &Runtime{
		cfg:  cfg,
		exec: exec,
		rdb:  rdb,
		tel:  tel,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run serves the queue until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	concurrency := r.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: r.cfg.RedisAddr, Password: r.cfg.RedisPassword, DB: r.cfg.RedisDB},
		asynq.Config{
			Concurrency:     concurrency,
			Queues:          map[string]int{r.cfg.Queue: 1},
			ShutdownTimeout: r.cfg.ShutdownTimeout,
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(schedd.TaskTypeProc, r.HandleProc)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start executor server: %w", err)
	}
	log.Printf("executor started worker_id=%s queue=%s concurrency=%d", r.cfg.WorkerID, r.cfg.Queue, concurrency)
	<-ctx.Done()
	srv.Shutdown()
	log.Printf("executor stopped worker_id=%s", r.cfg.WorkerID)
	return nil
}

// HandleProc runs one proc job. A proc that cannot be started is reported as
// an abnormal termination so the cluster still resolves. Errors are returned
// only when an event cannot be published.
func (r *Runtime) HandleProc(ctx context.Context, t *asynq.Task) error {
	var payload schedd.ProcPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		r.tel.Incr("executor.proc.bad_payload")
		return fmt.Errorf("decode proc payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := r.publish(ctx, payload, htc.EventExecute, map[string]any{"Worker": r.cfg.WorkerID}); err != nil {
		return err
	}

	res, runErr := r.exec.Run(ctx, executor.Proc{ClusterID: payload.ClusterID, ProcID: payload.ProcID, Params: payload.Params})
	details := map[string]any{htc.DetailTerminatedNormally: res.TerminatedNormally}
	switch {
	case runErr != nil:
		log.Printf("executor proc failed to start cluster_id=%d proc_id=%d err=%v", payload.ClusterID, payload.ProcID, runErr)
		details[htc.DetailTerminatedNormally] = false
		details["Reason"] = runErr.Error()
		r.tel.Incr("executor.proc.start_failed")
	case res.TerminatedNormally:
		details[htc.DetailReturnValue] = res.ReturnValue
		r.tel.Incr("executor.proc.exited")
	default:
		details[htc.DetailTerminatedBySignal] = res.Signal
		r.tel.Incr("executor.proc.signaled")
	}
	if len(res.Outputs) > 0 {
		details["Outputs"] = res.Outputs
	}
	details["RunSeconds"] = res.Duration.Seconds()
	if err := r.publish(ctx, payload, htc.EventTerminated, details); err != nil {
		return err
	}
	log.Printf("executor proc done cluster_id=%d proc_id=%d normal=%v return=%d signal=%d duration=%s",
		payload.ClusterID, payload.ProcID, res.TerminatedNormally, res.ReturnValue, res.Signal, res.Duration.Round(time.Millisecond))
	return nil
}

func (r *Runtime) publish(ctx context.Context, p schedd.ProcPayload, eventType string, details map[string]any) error {
	ev := htc.JobEvent{
		ClusterID: p.ClusterID,
		ProcID:    p.ProcID,
		Timestamp: float64(r.now().UnixNano()) / 1e9,
		EventType: eventType,
		Details:   details,
	}
	if err := schedd.PublishEvent(ctx, r.rdb, r.cfg.Prefix, ev); err != nil {
		r.tel.Incr("executor.publish.failed")
		return err
	}
	return nil
}
