package schedd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the cluster sequence, event stream and cursor keys.
	Prefix       string
	Queue        string
	EventLogPath string
	Timeout      time.Duration
	BatchSize    int64
}

// RedisClient submits procs as asynq tasks and reads job events from a
// Redis stream written by the executors. The read cursor lives in Redis so a
// restarted server resumes where the last one acknowledged.
type RedisClient struct {
	rdb   *redis.Client
	tasks *asynq.Client
	cfg   RedisConfig
	now   func() time.Time
}

func NewRedisClient(cfg RedisConfig) *RedisClient {
	if cfg.Prefix == "" {
		cfg.Prefix = "stapi:htc"
	}
	if cfg.Queue == "" {
		cfg.Queue = "htc"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	tasks := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &RedisClient{rdb: rdb, tasks: tasks, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

func (r *RedisClient) Submit(ctx context.Context, params map[string]string) (SubmitResult, error) {
	ctx, span := observability.StartSpan(ctx, "schedd.submit", attribute.String("engine", "redis"))
	defer span.End()
	numProcs, err := ProcCount(params)
	if err != nil {
		return SubmitResult{}, err
	}
	clusterID, err := r.rdb.Incr(ctx, clusterSeqKey(r.cfg.Prefix)).Result()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("allocate cluster id: %w", err)
	}
	now := r.now()
	ts := float64(now.UnixNano()) / 1e9
	for proc := 0; proc < numProcs; proc++ {
		payload, err := json.Marshal(ProcPayload{ClusterID: clusterID, ProcID: proc, Params: params})
		if err != nil {
			return SubmitResult{}, err
		}
		task := asynq.NewTask(TaskTypeProc, payload)
		if _, err := r.tasks.EnqueueContext(ctx, task,
			asynq.Queue(r.cfg.Queue),
			asynq.TaskID(fmt.Sprintf("%d.%d", clusterID, proc)),
			asynq.MaxRetry(0),
		); err != nil {
			return SubmitResult{}, fmt.Errorf("enqueue proc %d.%d: %w", clusterID, proc, err)
		}
		if err := r.publish(ctx, htc.JobEvent{ClusterID: clusterID, ProcID: proc, Timestamp: ts, EventType: htc.EventSubmit}); err != nil {
			return SubmitResult{}, err
		}
	}
	span.SetAttributes(attribute.Int64("cluster.id", clusterID), attribute.Int("cluster.procs", numProcs))
	return SubmitResult{
		ClusterID:  clusterID,
		Descriptor: clusterDescriptor(clusterID, numProcs, params, now.Unix()),
		FirstProc:  0,
		NumProcs:   numProcs,
	}, nil
}

func (r *RedisClient) publish(ctx context.Context, e htc.JobEvent) error {
	return PublishEvent(ctx, r.rdb, r.cfg.Prefix, e)
}

// PublishEvent appends one event to the stream read by RedisClient.Events.
func PublishEvent(ctx context.Context, rdb redis.Cmdable, prefix string, e htc.JobEvent) error {
	values, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: EventStreamKey(prefix), Values: values}).Err(); err != nil {
		return fmt.Errorf("publish %s event for %d.%d: %w", e.EventType, e.ClusterID, e.ProcID, err)
	}
	return nil
}

func (r *RedisClient) Events(ctx context.Context) (EventBatch, error) {
	ctx, span := observability.StartSpan(ctx, "schedd.events", attribute.String("engine", "redis"))
	defer span.End()
	cursor, err := r.rdb.Get(ctx, eventCursorKey(r.cfg.Prefix)).Result()
	if errors.Is(err, redis.Nil) {
		cursor = ""
	} else if err != nil {
		return EventBatch{}, fmt.Errorf("read event cursor: %w", err)
	}
	start := "-"
	if cursor != "" {
		if start, err = nextStreamID(cursor); err != nil {
			return EventBatch{}, err
		}
	}
	msgs, err := r.rdb.XRangeN(ctx, EventStreamKey(r.cfg.Prefix), start, "+", r.cfg.BatchSize).Result()
	if err != nil {
		return EventBatch{}, fmt.Errorf("read event stream: %w", err)
	}
	batch := EventBatch{Events: make([]htc.JobEvent, 0, len(msgs)), Cursor: cursor}
	for _, msg := range msgs {
		batch.Cursor = msg.ID
		e, err := DecodeEvent(msg.Values)
		if err != nil {
			log.Printf("schedd stream entry skipped id=%s err=%v", msg.ID, err)
			observability.Default.IncCounter("job_events_rejected_total", map[string]string{"reason": "decode"}, 1)
			batch.Skipped++
			continue
		}
		batch.Events = append(batch.Events, e)
	}
	span.SetAttributes(attribute.Int("events", len(batch.Events)), attribute.Int("skipped", batch.Skipped))
	return batch, nil
}

func (r *RedisClient) Ack(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	if _, err := nextStreamID(cursor); err != nil {
		return err
	}
	return r.rdb.Set(ctx, eventCursorKey(r.cfg.Prefix), cursor, 0).Err()
}

func (r *RedisClient) EventLogPath() string {
	if r.cfg.EventLogPath != "" {
		return r.cfg.EventLogPath
	}
	return "redis://" + r.cfg.Addr + "/" + strconv.Itoa(r.cfg.DB) + "/" + EventStreamKey(r.cfg.Prefix)
}

func (r *RedisClient) Close() error {
	err := r.tasks.Close()
	if cerr := r.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
