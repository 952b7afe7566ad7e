package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/config"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/executor"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/telemetry"
)

const testPrefix = "test:htc"

func newTestRuntime(t *testing.T) (*Runtime, *schedd.RedisClient) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{WorkerID: "w-test", Prefix: testPrefix, Queue: "htc", ScratchRoot: t.TempDir()}
	exec, err := executor.New(cfg)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	reader := schedd.NewRedisClient(schedd.RedisConfig{Addr: s.Addr(), Prefix: testPrefix})
	t.Cleanup(func() { _ = reader.Close() })
	return New(cfg, exec, rdb, telemetry.NewNop()), reader
}

func procTask(t *testing.T, clusterID int64, procID int, params map[string]string) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(schedd.ProcPayload{ClusterID: clusterID, ProcID: procID, Params: params})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(schedd.TaskTypeProc, b)
}

func readEvents(t *testing.T, reader *schedd.RedisClient) []htc.JobEvent {
	t.Helper()
	batch, err := reader.Events(context.Background())
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	return batch.Events
}

func TestHandleProcPublishesExecuteAndTerminated(t *testing.T) {
	rt, reader := newTestRuntime(t)
	err := rt.HandleProc(context.Background(), procTask(t, 5, 1, map[string]string{
		"executable": "/bin/sh",
		"arguments":  "-c 'exit 4'",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := readEvents(t, reader)
	if len(events) != 2 {
		t.Fatalf("expected execute and terminated events, got %+v", events)
	}
	if events[0].EventType != htc.EventExecute || events[1].EventType != htc.EventTerminated {
		t.Fatalf("unexpected event order: %s, %s", events[0].EventType, events[1].EventType)
	}
	term := events[1]
	if term.ClusterID != 5 || term.ProcID != 1 {
		t.Fatalf("unexpected ids: %+v", term)
	}
	if !cast.ToBool(term.Details[htc.DetailTerminatedNormally]) || cast.ToInt(term.Details[htc.DetailReturnValue]) != 4 {
		t.Fatalf("unexpected details: %+v", term.Details)
	}
	state, code := htc.ProcOutcome(term.Details)
	if state != htc.ClusterCompletedError || !code.Valid || code.Int64 != 4 {
		t.Fatalf("aggregator would read %s exit=%v", state, code)
	}
}

func TestHandleProcReportsStartFailureAsAbnormal(t *testing.T) {
	rt, reader := newTestRuntime(t)
	err := rt.HandleProc(context.Background(), procTask(t, 6, 0, map[string]string{"executable": "/no/such/binary"}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := readEvents(t, reader)
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	details := events[1].Details
	if cast.ToBool(details[htc.DetailTerminatedNormally]) || details["Reason"] == nil {
		t.Fatalf("expected an abnormal termination with a reason: %+v", details)
	}
	if state, _ := htc.ProcOutcome(details); state != htc.ClusterCompletedError {
		t.Fatalf("expected an error outcome, got %s", state)
	}
}

func TestHandleProcRejectsBadPayload(t *testing.T) {
	rt, reader := newTestRuntime(t)
	err := rt.HandleProc(context.Background(), asynq.NewTask(schedd.TaskTypeProc, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if events := readEvents(t, reader); len(events) != 0 {
		t.Fatalf("no events expected for a bad payload, got %d", len(events))
	}
}
