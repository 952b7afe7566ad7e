package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/archive"
	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

func intPtr(v int) *int { return &v }

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})

	task := mustCreateTask(t, e, taskapi.CreateTaskRequest{})
	if task.ID == "" || task.State != htc.TaskQueued || task.RetriesLeft != 2 {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if _, err := e.CreateTask(ctx, taskapi.CreateTaskRequest{ID: task.ID}); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	for _, id := range []string{"a/b", `a\b`, ".", ".."} {
		if _, err := e.CreateTask(ctx, taskapi.CreateTaskRequest{ID: id}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("id %q: expected ErrInvalidRequest, got %v", id, err)
		}
	}
	if _, err := e.CreateTask(ctx, taskapi.CreateTaskRequest{ID: "neg", RetriesLeft: intPtr(-1)}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for negative retries, got %v", err)
	}
	if _, err := e.CreateTask(ctx, taskapi.CreateTaskRequest{ID: "bad-state", State: intPtr(9)}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown state, got %v", err)
	}

	submitted := mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "pre", State: intPtr(int(htc.TaskSubmitted))})
	if !submitted.ExpirationDate.Valid || !submitted.ExpirationDate.Time.Equal(clock.Now().Add(defaultSubmitTimeout)) {
		t.Fatalf("a task created SUBMITTED needs a deadline: %+v", submitted.ExpirationDate)
	}
}

func TestUpdateTaskKeepsInvariants(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "u1"})

	if _, err := e.UpdateTask(ctx, "missing", taskapi.UpdateTaskRequest{}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := e.UpdateTask(ctx, "u1", taskapi.UpdateTaskRequest{State: intPtr(int(htc.TaskSubmitted))}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("SUBMITTED without a deadline must be rejected, got %v", err)
	}
	if _, err := e.UpdateTask(ctx, "u1", taskapi.UpdateTaskRequest{RetriesLeft: intPtr(-3)}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("negative retries must be rejected, got %v", err)
	}
	if got := mustGetTask(t, e, "u1"); got.State != htc.TaskQueued || got.RetriesLeft != 2 {
		t.Fatalf("rejected updates changed the task: %+v", got)
	}

	clock.Advance(time.Second)
	deadline := clock.Now().Add(time.Hour)
	cluster := int64(77)
	updated, err := e.UpdateTask(ctx, "u1", taskapi.UpdateTaskRequest{
		State:          intPtr(int(htc.TaskSubmitted)),
		ClusterID:      &cluster,
		ExpirationDate: &deadline,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.State != htc.TaskSubmitted || updated.ClusterID.Int64 != 77 || !updated.StateDate.Equal(clock.Now()) {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	updated, err = e.UpdateTask(ctx, "u1", taskapi.UpdateTaskRequest{
		State:               intPtr(int(htc.TaskQueued)),
		ResetClusterID:      true,
		ResetExpirationDate: true,
	})
	if err != nil {
		t.Fatalf("reset update: %v", err)
	}
	if updated.ClusterID.Valid || updated.ExpirationDate.Valid {
		t.Fatalf("reset flags were ignored: %+v", updated)
	}
	assertConsistent(t, updated)

	entries, err := e.TaskLog(ctx, "u1")
	if err != nil {
		t.Fatalf("task log: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected created plus two updates, got %d entries", len(entries))
	}
}

func TestDeleteTaskRemovesLog(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "gone"})

	deleted, err := e.DeleteTask(ctx, "gone")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := e.TaskLog(ctx, "gone"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound for the log, got %v", err)
	}
	deleted, err = e.DeleteTask(ctx, "gone")
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}
}

func TestListTasksByClassAndStatus(t *testing.T) {
	ctx := context.Background()
	e, client, _ := newTestEngine(t, Options{})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "a", SubParams: map[string]string{"executable": "/bin/sim"}})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "b", SubParams: map[string]string{"executable": "/bin/sim"}})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "c", RetriesLeft: intPtr(0)})
	client.FailNext(errors.New("rejected"))
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	counts := map[TaskClass]int{ClassAll: 3, ClassQueued: 0, ClassSubmitted: 1, ClassCompleted: 1}
	for class, want := range counts {
		tasks, err := e.ListTasks(ctx, class, 0)
		if err != nil {
			t.Fatalf("list %s: %v", class, err)
		}
		if len(tasks) != want {
			t.Fatalf("class %s: expected %d tasks, got %d", class, want, len(tasks))
		}
	}

	status, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Counts[htc.TaskQueued] != 1 || status.Counts[htc.TaskSubmitted] != 1 || status.Counts[htc.TaskCompletedWithError] != 1 {
		t.Fatalf("unexpected counts: %+v", status.Counts)
	}

	if _, err := ParseTaskClass("bogus"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if class, err := ParseTaskClass(" Queued "); err != nil || class != ClassQueued {
		t.Fatalf("parse queued: %v %v", class, err)
	}
}

func TestListTasksLimit(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t, Options{})
	for _, id := range []string{"t1", "t2", "t3"} {
		mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: id})
		clock.Advance(time.Second)
	}
	tasks, err := e.ListTasks(ctx, ClassAll, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" || tasks[1].ID != "t2" {
		t.Fatalf("expected the two oldest tasks, got %+v", tasks)
	}
	if tasks, _ := e.ListTasks(ctx, ClassAll, 10); len(tasks) != 3 {
		t.Fatalf("a limit above the count returns every task, got %d", len(tasks))
	}
	if _, err := e.ListTasks(ctx, ClassAll, -1); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a negative limit, got %v", err)
	}
}

func TestTerminalClusterIsArchived(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archiver, err := archive.NewLocalArchiver(dir)
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	e, _, _ := newTestEngine(t, Options{Archiver: archiver})
	mustCreateTask(t, e, taskapi.CreateTaskRequest{ID: "arch", SubParams: map[string]string{"executable": "/bin/sim"}})
	if err := e.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	clusterID := mustGetTask(t, e, "arch").ClusterID.Int64
	if _, err := archiver.Load(clusterID); err == nil {
		t.Fatalf("cluster archived before it finished")
	}
	if _, _, err := e.ApplyEvent(ctx, terminated(clusterID, 0, 9, exitOK())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec, err := archiver.Load(clusterID)
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	if rec.Cluster.Status.ClusterState != htc.ClusterCompletedOK {
		t.Fatalf("unexpected archived state: %s", rec.Cluster.Status.ClusterState)
	}
	if rec.Task == nil || rec.Task.State != htc.TaskCompleted {
		t.Fatalf("expected the completed task in the record, got %+v", rec.Task)
	}
	if len(rec.Events) < 2 {
		t.Fatalf("expected submit and terminated events, got %d", len(rec.Events))
	}
}
