package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *schedd.MemoryClient, *testClock) {
	t.Helper()
	clock := newTestClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.TaskRoot == "" {
		opts.TaskRoot = t.TempDir()
	}
	if opts.EventLog == "" {
		opts.EventLog = "/var/log/htc/events.log"
	}
	e, client := NewInMemoryEngine(opts)
	return e, client, clock
}

func mustCreateTask(t *testing.T, e *Engine, req taskapi.CreateTaskRequest) htc.Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("create task %q: %v", req.ID, err)
	}
	return task
}

func mustGetTask(t *testing.T, e *Engine, id string) htc.Task {
	t.Helper()
	task, ok, err := e.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %q: %v", id, err)
	}
	if !ok {
		t.Fatalf("task %q not found", id)
	}
	return task
}

func mustCluster(t *testing.T, e *Engine, id int64) htc.Cluster {
	t.Helper()
	c, _, err := e.GetClusterWithTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get cluster %d: %v", id, err)
	}
	return c
}

func terminated(clusterID int64, procID int, ts float64, details map[string]any) htc.JobEvent {
	return htc.JobEvent{ClusterID: clusterID, ProcID: procID, Timestamp: ts, EventType: htc.EventTerminated, Details: details}
}

func exitOK() map[string]any {
	return map[string]any{htc.DetailTerminatedNormally: true, htc.DetailReturnValue: 0}
}

func assertConsistent(t *testing.T, task htc.Task) {
	t.Helper()
	if task.RetriesLeft < 0 {
		t.Fatalf("task %s has negative retries: %d", task.ID, task.RetriesLeft)
	}
	if !task.ConsistentExpiration() {
		t.Fatalf("task %s state=%s expiration valid=%v", task.ID, task.State, task.ExpirationDate.Valid)
	}
}

func TestMixedProcOutcomeCompletesTaskWithError(t *testing.T) {
	ctx := context.Background()
	e, client, clock := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{
		ID:        "t1",
		SubParams: map[string]string{"executable": "/bin/sim", "queue": "2", "log": "/tmp/caller.log"},
	})

	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	task := mustGetTask(t, e, "t1")
	if task.State != htc.TaskSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", task.State)
	}
	if task.RetriesLeft != 1 {
		t.Fatalf("expected retriesLeft=1, got %d", task.RetriesLeft)
	}
	if !task.ExpirationDate.Valid || !task.ExpirationDate.Time.Equal(clock.Now().Add(defaultSubmitTimeout)) {
		t.Fatalf("unexpected expiration: %+v", task.ExpirationDate)
	}
	if !task.ClusterID.Valid {
		t.Fatalf("expected cluster id on submitted task")
	}
	subs := client.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	if subs[0].Params[schedd.ParamLog] != "/var/log/htc/events.log" {
		t.Fatalf("event log param should override the caller's, got %q", subs[0].Params[schedd.ParamLog])
	}
	if subs[0].Params[schedd.ParamInitialDir] == "" {
		t.Fatalf("expected initialdir to be set")
	}

	clusterID := task.ClusterID.Int64
	c := mustCluster(t, e, clusterID)
	if c.NumProcs != 2 || c.FirstProc != 0 || len(c.Status.Procs) != 2 {
		t.Fatalf("unexpected cluster shape: %+v", c)
	}
	if c.Status.ClusterState != htc.ClusterCreated {
		t.Fatalf("expected CREATED cluster, got %s", c.Status.ClusterState)
	}

	if _, created, err := e.ApplyEvent(ctx, terminated(clusterID, 0, 100.5, exitOK())); err != nil || !created {
		t.Fatalf("apply proc 0: created=%v err=%v", created, err)
	}
	c = mustCluster(t, e, clusterID)
	if c.Status.Procs[0].State != htc.ClusterCompletedOK {
		t.Fatalf("expected proc 0 COMPLETED_OK, got %s", c.Status.Procs[0].State)
	}
	if got := mustGetTask(t, e, "t1").State; got != htc.TaskSubmitted {
		t.Fatalf("task should wait for every proc, got %s", got)
	}

	if _, _, err := e.ApplyEvent(ctx, terminated(clusterID, 1, 101.25, map[string]any{htc.DetailTerminatedNormally: false})); err != nil {
		t.Fatalf("apply proc 1: %v", err)
	}
	c = mustCluster(t, e, clusterID)
	if c.Status.ClusterState != htc.ClusterCompletedError {
		t.Fatalf("expected COMPLETED_ERROR cluster, got %s", c.Status.ClusterState)
	}
	task = mustGetTask(t, e, "t1")
	if task.State != htc.TaskCompletedWithError {
		t.Fatalf("expected COMPLETED_WITH_ERROR, got %s", task.State)
	}
	assertConsistent(t, task)

	entries, err := e.TaskLog(ctx, "t1")
	if err != nil {
		t.Fatalf("task log: %v", err)
	}
	var actions []string
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	want := []string{actionCreated, actionSubmitted, actionCompleted}
	if len(actions) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, actions)
		}
	}
}

func TestExpirationRequeuesThenTimesOut(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "t2", SubParams: map[string]string{"executable": "/bin/sim"}})

	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	first := mustGetTask(t, e, "t2")

	clock.Advance(defaultSubmitTimeout - time.Second)
	res, err := e.ExpireOnce(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if res.Requeued+res.TimedOut != 0 {
		t.Fatalf("nothing should expire before the deadline: %+v", res)
	}

	clock.Advance(time.Second)
	res, err = e.ExpireOnce(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if res.Requeued != 1 || res.TimedOut != 0 {
		t.Fatalf("expected one requeue, got %+v", res)
	}
	task := mustGetTask(t, e, "t2")
	if task.State != htc.TaskQueued || task.RetriesLeft != 1 || task.ExpirationDate.Valid {
		t.Fatalf("unexpected requeued task: %+v", task)
	}
	if !task.StateDate.Equal(clock.Now()) {
		t.Fatalf("expected stateDate to be refreshed")
	}
	assertConsistent(t, task)

	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	second := mustGetTask(t, e, "t2")
	if second.RetriesLeft != 0 || second.ClusterID.Int64 == first.ClusterID.Int64 {
		t.Fatalf("expected a new cluster and no retries left: %+v", second)
	}

	clock.Advance(defaultSubmitTimeout)
	res, err = e.ExpireOnce(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if res.TimedOut != 1 {
		t.Fatalf("expected one time out, got %+v", res)
	}
	task = mustGetTask(t, e, "t2")
	if task.State != htc.TaskTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", task.State)
	}
	assertConsistent(t, task)

	// The first cluster finishing late must not touch the task.
	if _, _, err := e.ApplyEvent(ctx, terminated(first.ClusterID.Int64, 0, 500, exitOK())); err != nil {
		t.Fatalf("late event: %v", err)
	}
	if c := mustCluster(t, e, first.ClusterID.Int64); c.Status.ClusterState != htc.ClusterCompletedOK {
		t.Fatalf("expected the stale cluster to complete, got %s", c.Status.ClusterState)
	}
	if got := mustGetTask(t, e, "t2").State; got != htc.TaskTimedOut {
		t.Fatalf("stale cluster changed the task: %s", got)
	}
}

func TestTaskWithoutRetriesIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	e, client, _ := newTestEngine(t, Options{})
	zero := 0
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "idle", RetriesLeft: &zero, SubParams: map[string]string{"executable": "/bin/sim"}})
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := len(client.Submissions()); n != 0 {
		t.Fatalf("expected no submissions, got %d", n)
	}
	if got := mustGetTask(t, e, "idle").State; got != htc.TaskQueued {
		t.Fatalf("expected QUEUED, got %s", got)
	}
}

func TestSubmitFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	e, client, _ := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "t3", SubParams: map[string]string{"executable": "/bin/sim"}})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "t4", SubParams: map[string]string{"arguments": "-v"}})
	client.FailNext(errors.New("schedd unreachable"))

	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch should absorb submit failures: %v", err)
	}
	for _, id := range []string{"t3", "t4"} {
		task := mustGetTask(t, e, id)
		if task.State != htc.TaskCompletedWithError {
			t.Fatalf("%s: expected COMPLETED_WITH_ERROR, got %s", id, task.State)
		}
		if task.RetriesLeft != e.defaultRetries {
			t.Fatalf("%s: retries should be unchanged, got %d", id, task.RetriesLeft)
		}
		if task.ClusterID.Valid {
			t.Fatalf("%s: no cluster expected", id)
		}
		assertConsistent(t, task)
	}
	if n := len(client.Submissions()); n != 0 {
		t.Fatalf("expected no accepted submissions, got %d", n)
	}
	entries, err := e.TaskLog(ctx, "t3")
	if err != nil {
		t.Fatalf("task log: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Action != actionSubmitFailed || last.Message == "" {
		t.Fatalf("unexpected last log entry: %+v", last)
	}
}

func TestDuplicateEventAppliesOnce(t *testing.T) {
	ctx := context.Background()
	e, client, _ := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "dup", SubParams: map[string]string{"executable": "/bin/sim", "queue": "2"}})
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	clusterID := mustGetTask(t, e, "dup").ClusterID.Int64

	ev := terminated(clusterID, 0, 42.5, exitOK())
	first, created, err := e.ApplyEvent(ctx, ev)
	if err != nil || !created {
		t.Fatalf("first apply: created=%v err=%v", created, err)
	}
	ev.EventType = "JOB_TERMINATED"
	ev.Details = map[string]any{htc.DetailTerminatedNormally: false}
	second, created, err := e.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected the stored copy, got created=%v id=%s", created, second.ID)
	}

	// A fresh engine on the same store has an empty cache and must still dedupe.
	other := NewEngine(e.store, client, Options{Now: e.now, TaskRoot: e.taskRoot})
	if _, created, err := other.ApplyEvent(ctx, ev); err != nil || created {
		t.Fatalf("store-level dedupe failed: created=%v err=%v", created, err)
	}

	c := mustCluster(t, e, clusterID)
	if c.Status.Procs[0].State != htc.ClusterCompletedOK {
		t.Fatalf("duplicate changed proc state to %s", c.Status.Procs[0].State)
	}
	events, err := e.ListClusterEvents(ctx, clusterID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var nTerminated int
	for _, stored := range events {
		if stored.EventType == htc.EventTerminated {
			nTerminated++
		}
	}
	if nTerminated != 1 {
		t.Fatalf("expected one stored terminated event, got %d", nTerminated)
	}
}

func TestClusterStateIsMonotonic(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "mono", SubParams: map[string]string{"executable": "/bin/sim"}})
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	clusterID := mustGetTask(t, e, "mono").ClusterID.Int64

	if _, _, err := e.ApplyEvent(ctx, terminated(clusterID, 0, 10, exitOK())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, _, err := e.ApplyEvent(ctx, terminated(clusterID, 0, 11, map[string]any{htc.DetailTerminatedNormally: true, htc.DetailReturnValue: 3})); err != nil {
		t.Fatalf("apply later terminated: %v", err)
	}
	if _, _, err := e.ApplyEvent(ctx, htc.JobEvent{ClusterID: clusterID, ProcID: 0, Timestamp: 12, EventType: "JobEventType.EXECUTE"}); err != nil {
		t.Fatalf("apply execute: %v", err)
	}
	if _, _, err := e.ApplyEvent(ctx, terminated(clusterID, 7, 13, exitOK())); err != nil {
		t.Fatalf("apply out of range: %v", err)
	}
	c := mustCluster(t, e, clusterID)
	if c.Status.ClusterState != htc.ClusterCompletedOK || c.Status.Procs[0].State != htc.ClusterCompletedOK {
		t.Fatalf("terminal state regressed: %+v", c.Status)
	}
	if got := mustGetTask(t, e, "mono").State; got != htc.TaskCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
}

func TestEarlyEventIsAdoptedByDispatch(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})

	// The memory engine hands out cluster 1 to the first submission.
	if _, created, err := e.ApplyEvent(ctx, terminated(1, 0, 5, exitOK())); err != nil || !created {
		t.Fatalf("early event: created=%v err=%v", created, err)
	}
	placeholder, task, err := e.GetClusterWithTask(ctx, 1)
	if err != nil {
		t.Fatalf("get placeholder: %v", err)
	}
	if placeholder.Owned() || placeholder.NumProcs != 0 || task != nil {
		t.Fatalf("expected an unowned placeholder, got %+v task=%v", placeholder, task)
	}

	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "early", SubParams: map[string]string{"executable": "/bin/sim"}})
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	c, owner, err := e.GetClusterWithTask(ctx, 1)
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if c.TaskID != "early" || c.NumProcs != 1 {
		t.Fatalf("placeholder was not adopted: %+v", c)
	}
	if c.Status.ClusterState != htc.ClusterCompletedOK {
		t.Fatalf("stored event was not replayed: %s", c.Status.ClusterState)
	}
	if owner == nil || owner.State != htc.TaskCompleted {
		t.Fatalf("expected the owning task to complete, got %+v", owner)
	}
	assertConsistent(t, *owner)
}

func TestCreateClusterLinksTask(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "ext"})

	req := taskapi.CreateClusterRequest{ID: 900, TaskID: "ext", NumProcs: 1, SubParams: map[string]string{"executable": "/bin/ext"}}
	c, err := e.CreateCluster(ctx, req)
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if c.Status.ClusterState != htc.ClusterCreated || len(c.Status.Procs) != 1 {
		t.Fatalf("expected default status, got %+v", c.Status)
	}
	task := mustGetTask(t, e, "ext")
	if task.State != htc.TaskSubmitted || task.ClusterID.Int64 != 900 {
		t.Fatalf("expected task linked to 900, got %+v", task)
	}
	assertConsistent(t, task)

	clock.Advance(time.Minute)
	again, err := e.CreateCluster(ctx, req)
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if !again.CreationDate.Equal(c.CreationDate) {
		t.Fatalf("repeat create should return the stored cluster")
	}
	entries, err := e.TaskLog(ctx, "ext")
	if err != nil {
		t.Fatalf("task log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected created+submitted entries, got %d", len(entries))
	}

	if _, err := e.CreateCluster(ctx, taskapi.CreateClusterRequest{ID: -1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, _, err := e.GetClusterWithTask(ctx, 12345); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound, got %v", err)
	}
	if _, err := e.ListClusterEvents(ctx, 12345); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound for events, got %v", err)
	}
}

func TestApplyEventRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	cases := []htc.JobEvent{
		{ClusterID: -1, ProcID: 0, EventType: htc.EventTerminated},
		{ClusterID: 1, ProcID: -2, EventType: htc.EventTerminated},
		{ClusterID: 1, ProcID: 0, EventType: "  "},
		{ClusterID: 1, ProcID: 0, EventType: "JobEventType."},
		{ClusterID: 1, ProcID: 0, EventType: "JOB_"},
	}
	for _, ev := range cases {
		if _, _, err := e.ApplyEvent(ctx, ev); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("event %+v: expected ErrInvalidRequest, got %v", ev, err)
		}
	}
	if events, err := e.ListClusterEvents(ctx, 1); err == nil && len(events) != 0 {
		t.Fatalf("rejected events must not be stored, got %+v", events)
	}
}

func TestDrainEventsAcknowledgesBatch(t *testing.T) {
	ctx := context.Background()
	e, client, _ := newTestEngine(t, Options{})
	client.Emit(
		htc.JobEvent{ClusterID: 4, ProcID: 0, Timestamp: 1, EventType: htc.EventSubmit},
		htc.JobEvent{ClusterID: 4, ProcID: -1, Timestamp: 2, EventType: htc.EventExecute},
		terminated(4, 0, 3, exitOK()),
	)
	n, err := e.DrainEvents(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 drained events, got %d", n)
	}
	batch, err := client.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Fatalf("expected the batch to be acknowledged, %d pending", len(batch.Events))
	}
	events, err := e.ListClusterEvents(ctx, 4)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected the invalid event to be dropped, got %d stored", len(events))
	}
}

func TestDrainEventsKeepsBatchOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	e, client, _ := newTestEngine(t, Options{})
	client.Emit(terminated(8, 0, 1, exitOK()))
	if err := e.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	if _, err := e.DrainEvents(ctx); err == nil {
		t.Fatalf("expected drain to fail on a closed store")
	}
	batch, err := client.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("expected the batch to stay pending, got %d", len(batch.Events))
	}
}

func TestConcurrentLoopsKeepTasksConsistent(t *testing.T) {
	ctx := context.Background()
	client := schedd.NewMemoryClient(schedd.MemoryOptions{AutoComplete: true})
	e := NewEngine(state.NewMemoryStore(), client, Options{TaskRoot: t.TempDir()})
	for i := 0; i < 20; i++ {
		mustCreateTask(t, e, taskapi.CreateTaskRequest{SubParams: map[string]string{"executable": "/bin/sim", "queue": "3"}})
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if err := e.DispatchOnce(ctx); err != nil {
					errs <- err
					return
				}
				if _, err := e.ExpireOnce(ctx); err != nil {
					errs <- err
					return
				}
				if _, err := e.ListTasks(ctx, ClassAll, 0); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("loop error: %v", err)
	}
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("final dispatch: %v", err)
	}

	tasks, err := e.ListTasks(ctx, ClassAll, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 20 {
		t.Fatalf("expected 20 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		assertConsistent(t, task)
		if task.State != htc.TaskCompleted {
			t.Fatalf("task %s ended in %s", task.ID, task.State)
		}
	}
}
