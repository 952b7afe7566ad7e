package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore(), "mem", 100)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore("file:stapi_store_test?mode=memory&cache=shared", "sqlite")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	runStoreSuite(t, store, "lite", 100)
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	store, err := NewSQLiteStore(path, "sqlite")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	ctx := context.Background()
	err = store.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTask(ctx, htc.Task{ID: "keep", State: htc.TaskQueued, RetriesLeft: 2, SubmissionParams: map[string]string{"executable": "/bin/true"}})
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewSQLiteStore(path, "sqlite")
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer store.Close()
	err = store.Atomic(ctx, func(tx Tx) error {
		task, ok, err := tx.GetTask(ctx, "keep")
		if err != nil {
			return err
		}
		if !ok || task.RetriesLeft != 2 || task.SubmissionParams["executable"] != "/bin/true" {
			return fmt.Errorf("unexpected task after reopen: ok=%v task=%+v", ok, task)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("%v", err)
	}
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx Tx) error {
		if err := tx.CreateTask(ctx, htc.Task{ID: "t1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.Atomic(ctx, func(tx Tx) error {
		if _, ok, _ := tx.GetTask(ctx, "t1"); ok {
			t.Fatalf("task must not survive a failed transaction")
		}
		return nil
	})
}

func TestMemoryStoreRollbackRestoresEveryChange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	err := store.Atomic(ctx, func(tx Tx) error {
		if err := tx.CreateTask(ctx, htc.Task{ID: "keep", RetriesLeft: 2}); err != nil {
			return err
		}
		if err := tx.CreateTask(ctx, htc.Task{ID: "drop"}); err != nil {
			return err
		}
		if _, _, err := tx.CreateCluster(ctx, htc.Cluster{ID: 1, TaskID: "keep", Status: htc.NewClusterStatus(0, 1)}); err != nil {
			return err
		}
		for _, id := range []string{"keep", "drop"} {
			if err := tx.AppendLogEntry(ctx, htc.LogEntry{TaskID: id, Action: "created"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err = store.Atomic(ctx, func(tx Tx) error {
		task, _, _ := tx.GetTask(ctx, "keep")
		task.RetriesLeft = 0
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		if _, err := tx.DeleteTask(ctx, "drop"); err != nil {
			return err
		}
		cluster, _, _ := tx.GetCluster(ctx, 1)
		cluster.TaskID = "other"
		if err := tx.UpdateCluster(ctx, cluster); err != nil {
			return err
		}
		if _, _, err := tx.CreateCluster(ctx, htc.Cluster{ID: 2, Status: htc.NewClusterStatus(0, 1)}); err != nil {
			return err
		}
		if err := tx.CreateJobEvent(ctx, htc.JobEvent{ID: "1-0-1-terminated", ClusterID: 1, EventType: htc.EventTerminated}); err != nil {
			return err
		}
		if err := tx.AppendLogEntry(ctx, htc.LogEntry{TaskID: "keep", Action: "updated"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = store.Atomic(ctx, func(tx Tx) error {
		if task, ok, _ := tx.GetTask(ctx, "keep"); !ok || task.RetriesLeft != 2 {
			t.Fatalf("task update not rolled back: %+v", task)
		}
		if _, ok, _ := tx.GetTask(ctx, "drop"); !ok {
			t.Fatalf("task delete not rolled back")
		}
		if cluster, _, _ := tx.GetCluster(ctx, 1); cluster.TaskID != "keep" {
			t.Fatalf("cluster update not rolled back: %+v", cluster)
		}
		if _, ok, _ := tx.GetCluster(ctx, 2); ok {
			t.Fatalf("cluster create not rolled back")
		}
		if _, ok, _ := tx.GetJobEvent(ctx, "1-0-1-terminated"); ok {
			t.Fatalf("event create not rolled back")
		}
		for id, want := range map[string]int{"keep": 1, "drop": 1} {
			if logs, _ := tx.ListLogEntries(ctx, id); len(logs) != want {
				t.Fatalf("task %s: expected %d log entries, got %+v", id, want, logs)
			}
		}
		return tx.AppendLogEntry(ctx, htc.LogEntry{TaskID: "keep", Action: "requeued"})
	})
	_ = store.Atomic(ctx, func(tx Tx) error {
		logs, _ := tx.ListLogEntries(ctx, "keep")
		if len(logs) != 2 || logs[1].ID != 3 || logs[1].Action != "requeued" {
			t.Fatalf("log ids must resume from the committed sequence: %+v", logs)
		}
		return nil
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTask(ctx, htc.Task{ID: "t1", SubmissionParams: map[string]string{"a": "1"}})
	})
	_ = store.Atomic(ctx, func(tx Tx) error {
		task, _, _ := tx.GetTask(ctx, "t1")
		task.SubmissionParams["a"] = "changed"
		return nil
	})
	_ = store.Atomic(ctx, func(tx Tx) error {
		task, _, _ := tx.GetTask(ctx, "t1")
		if task.SubmissionParams["a"] != "1" {
			t.Fatalf("stored params mutated through a returned copy")
		}
		return nil
	})
}

// runStoreSuite exercises one Store implementation. prefix keeps task ids
// unique per run and clusterBase does the same for cluster ids.
func runStoreSuite(t *testing.T, store Store, prefix string, clusterBase int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := func(s string) string { return prefix + "-" + s }

	mustAtomic := func(name string, fn func(tx Tx) error) {
		t.Helper()
		if err := store.Atomic(ctx, fn); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	mustAtomic("create tasks", func(tx Tx) error {
		for i, st := range []htc.TaskState{htc.TaskQueued, htc.TaskQueued, htc.TaskSubmitted} {
			task := htc.Task{
				ID:               id(fmt.Sprintf("t%d", i)),
				CreationDate:     now.Add(time.Duration(i) * time.Second),
				State:            st,
				RetriesLeft:      i,
				SubmissionParams: map[string]string{"executable": "/bin/echo", "arguments": fmt.Sprintf("%d", i)},
			}
			if st == htc.TaskSubmitted {
				task.ClusterID = null.IntFrom(clusterBase)
				task.ExpirationDate = null.TimeFrom(now.Add(2 * time.Minute))
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})

	err := store.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTask(ctx, htc.Task{ID: id("t0")})
	})
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}

	mustAtomic("read back", func(tx Tx) error {
		task, ok, err := tx.GetTask(ctx, id("t2"))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task t2 not found")
		}
		if task.State != htc.TaskSubmitted || !task.ClusterID.Valid || task.ClusterID.Int64 != clusterBase {
			return fmt.Errorf("unexpected task: %+v", task)
		}
		if !task.ExpirationDate.Valid || !task.ExpirationDate.Time.Equal(now.Add(2*time.Minute)) {
			return fmt.Errorf("unexpected expiration: %+v", task.ExpirationDate)
		}
		if task.ProcID.Valid {
			return fmt.Errorf("proc id must be null")
		}
		if task.SubmissionParams["arguments"] != "2" {
			return fmt.Errorf("unexpected params: %v", task.SubmissionParams)
		}
		if _, ok, err := tx.GetTask(ctx, id("missing")); err != nil || ok {
			return fmt.Errorf("expected missing task, ok=%v err=%v", ok, err)
		}
		return nil
	})

	mustAtomic("list", func(tx Tx) error {
		queued, err := tx.ListTasks(ctx, TaskFilter{States: []htc.TaskState{htc.TaskQueued}})
		if err != nil {
			return err
		}
		got := ownTasks(queued, prefix)
		if len(got) != 2 || got[0].ID != id("t0") || got[1].ID != id("t1") {
			return fmt.Errorf("unexpected queued tasks: %+v", got)
		}
		withRetries, err := tx.ListTasks(ctx, TaskFilter{States: []htc.TaskState{htc.TaskQueued, htc.TaskSubmitted}, WithRetries: true})
		if err != nil {
			return err
		}
		if got := ownTasks(withRetries, prefix); len(got) != 2 {
			return fmt.Errorf("expected two tasks with retries, got %+v", got)
		}
		counts, err := tx.CountTasksByState(ctx)
		if err != nil {
			return err
		}
		if counts[htc.TaskQueued] < 2 || counts[htc.TaskSubmitted] < 1 {
			return fmt.Errorf("unexpected counts: %v", counts)
		}
		return nil
	})

	mustAtomic("update task", func(tx Tx) error {
		task, _, err := tx.GetTask(ctx, id("t2"))
		if err != nil {
			return err
		}
		task.Resolve(htc.ClusterCompletedOK, now)
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		task, _, err = tx.GetTask(ctx, id("t2"))
		if err != nil {
			return err
		}
		if task.State != htc.TaskCompleted || task.ExpirationDate.Valid {
			return fmt.Errorf("unexpected task after update: %+v", task)
		}
		return nil
	})
	err = store.Atomic(ctx, func(tx Tx) error {
		return tx.UpdateTask(ctx, htc.Task{ID: id("missing")})
	})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	mustAtomic("clusters", func(tx Tx) error {
		c := htc.Cluster{
			ID:               clusterBase,
			TaskID:           id("t2"),
			SubmissionParams: map[string]string{"executable": "/bin/echo"},
			Descriptor:       map[string]any{"Owner": "htc"},
			FirstProc:        0,
			NumProcs:         2,
			Status:           htc.NewClusterStatus(0, 2),
		}
		created, ok, err := tx.CreateCluster(ctx, c)
		if err != nil {
			return err
		}
		if !ok || created.ID != clusterBase {
			return fmt.Errorf("expected cluster to be created")
		}
		c.TaskID = "other"
		again, ok, err := tx.CreateCluster(ctx, c)
		if err != nil {
			return err
		}
		if ok || again.TaskID != id("t2") {
			return fmt.Errorf("second create must return the existing cluster, got %+v", again)
		}
		again.ApplyProc(1, htc.ClusterCompletedError, null.IntFrom(3))
		if err := tx.UpdateCluster(ctx, again); err != nil {
			return err
		}
		stored, ok, err := tx.GetCluster(ctx, clusterBase)
		if err != nil || !ok {
			return fmt.Errorf("get cluster ok=%v err=%v", ok, err)
		}
		if len(stored.Status.Procs) != 2 || stored.Status.Procs[1].State != htc.ClusterCompletedError || stored.Status.Procs[1].ExitCode.Int64 != 3 {
			return fmt.Errorf("unexpected status: %+v", stored.Status)
		}
		if stored.Descriptor["Owner"] != "htc" {
			return fmt.Errorf("unexpected descriptor: %v", stored.Descriptor)
		}
		if _, ok, err := tx.GetCluster(ctx, clusterBase+1); err != nil || ok {
			return fmt.Errorf("expected missing cluster, ok=%v err=%v", ok, err)
		}
		return nil
	})
	err = store.Atomic(ctx, func(tx Tx) error {
		return tx.UpdateCluster(ctx, htc.Cluster{ID: clusterBase + 1})
	})
	if !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound, got %v", err)
	}

	mustAtomic("events", func(tx Tx) error {
		later := htc.JobEvent{ClusterID: clusterBase, ProcID: 0, Timestamp: 20, EventType: "JOB_TERMINATED", Details: map[string]any{"ReturnValue": 0}}.Normalize()
		earlier := htc.JobEvent{ClusterID: clusterBase, ProcID: 0, Timestamp: 10.5, EventType: "submit"}.Normalize()
		for _, e := range []htc.JobEvent{later, earlier} {
			if err := tx.CreateJobEvent(ctx, e); err != nil {
				return err
			}
		}
		got, ok, err := tx.GetJobEvent(ctx, later.ID)
		if err != nil || !ok {
			return fmt.Errorf("get event ok=%v err=%v", ok, err)
		}
		if got.EventType != htc.EventTerminated || got.Timestamp != 20 {
			return fmt.Errorf("unexpected event: %+v", got)
		}
		events, err := tx.ListJobEvents(ctx, clusterBase)
		if err != nil {
			return err
		}
		if len(events) != 2 || events[0].ID != earlier.ID {
			return fmt.Errorf("unexpected event order: %+v", events)
		}
		return nil
	})

	mustAtomic("log entries", func(tx Tx) error {
		for _, action := range []string{"submitted", "completed"} {
			if err := tx.AppendLogEntry(ctx, htc.LogEntry{TaskID: id("t2"), ClusterID: null.IntFrom(clusterBase), Action: action, FromState: htc.TaskQueued, ToState: htc.TaskSubmitted}); err != nil {
				return err
			}
		}
		entries, err := tx.ListLogEntries(ctx, id("t2"))
		if err != nil {
			return err
		}
		if len(entries) != 2 || entries[0].Action != "submitted" || entries[1].ID <= entries[0].ID {
			return fmt.Errorf("unexpected log entries: %+v", entries)
		}
		return nil
	})

	mustAtomic("delete", func(tx Tx) error {
		deleted, err := tx.DeleteTask(ctx, id("t2"))
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("expected delete to report true")
		}
		deleted, err = tx.DeleteTask(ctx, id("t2"))
		if err != nil {
			return err
		}
		if deleted {
			return fmt.Errorf("second delete must report false")
		}
		entries, err := tx.ListLogEntries(ctx, id("t2"))
		if err != nil {
			return err
		}
		if len(entries) != 0 {
			return fmt.Errorf("log entries must be removed with the task")
		}
		if _, ok, err := tx.GetCluster(ctx, clusterBase); err != nil || !ok {
			return fmt.Errorf("cluster must survive task deletion")
		}
		return nil
	})
}

func ownTasks(tasks []htc.Task, prefix string) []htc.Task {
	out := make([]htc.Task, 0, len(tasks))
	for _, task := range tasks {
		if len(task.ID) > len(prefix) && task.ID[:len(prefix)+1] == prefix+"-" {
			out = append(out, task)
		}
	}
	return out
}
