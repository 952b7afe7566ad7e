package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

// MemoryStore keeps every entity in process memory. Transactions write the
// live maps and keep an undo journal that is replayed when fn fails, so a
// transaction costs what it touches rather than the size of the store.
type MemoryStore struct {
	mu     sync.Mutex
	data   memoryData
	closed bool
}

type memoryData struct {
	tasks     map[string]htc.Task
	clusters  map[int64]htc.Cluster
	events    map[string]htc.JobEvent
	logs      []htc.LogEntry
	nextLogID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{
		tasks:     make(map[string]htc.Task),
		clusters:  make(map[int64]htc.Cluster),
		events:    make(map[string]htc.JobEvent),
		logs:      make([]htc.LogEntry, 0, 128),
		nextLogID: 1,
	}}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory store is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{data: &m.data}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	data *memoryData
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) saveTask(id string) {
	prev, ok := tx.data.tasks[id]
	tx.undo = append(tx.undo, func() {
		if ok {
			tx.data.tasks[id] = prev
		} else {
			delete(tx.data.tasks, id)
		}
	})
}

func (tx *memoryTx) saveCluster(id int64) {
	prev, ok := tx.data.clusters[id]
	tx.undo = append(tx.undo, func() {
		if ok {
			tx.data.clusters[id] = prev
		} else {
			delete(tx.data.clusters, id)
		}
	})
}

// saveLogs records the log slice header. Appends past its length are cut
// off on rollback; a rewrite must install a new backing array.
func (tx *memoryTx) saveLogs() {
	prev, next := tx.data.logs, tx.data.nextLogID
	tx.undo = append(tx.undo, func() {
		tx.data.logs = prev
		tx.data.nextLogID = next
	})
}

func (tx *memoryTx) GetTask(_ context.Context, id string) (htc.Task, bool, error) {
	t, ok := tx.data.tasks[id]
	if !ok {
		return htc.Task{}, false, nil
	}
	return cloneTask(t), true, nil
}

func (tx *memoryTx) CreateTask(_ context.Context, task htc.Task) error {
	if _, ok := tx.data.tasks[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	now := time.Now().UTC()
	if task.CreationDate.IsZero() {
		task.CreationDate = now
	}
	if task.StateDate.IsZero() {
		task.StateDate = task.CreationDate
	}
	tx.saveTask(task.ID)
	tx.data.tasks[task.ID] = cloneTask(task)
	return nil
}

func (tx *memoryTx) UpdateTask(_ context.Context, task htc.Task) error {
	if _, ok := tx.data.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	tx.saveTask(task.ID)
	tx.data.tasks[task.ID] = cloneTask(task)
	return nil
}

func (tx *memoryTx) DeleteTask(_ context.Context, id string) (bool, error) {
	if _, ok := tx.data.tasks[id]; !ok {
		return false, nil
	}
	tx.saveTask(id)
	delete(tx.data.tasks, id)
	tx.saveLogs()
	kept := make([]htc.LogEntry, 0, len(tx.data.logs))
	for _, e := range tx.data.logs {
		if e.TaskID != id {
			kept = append(kept, e)
		}
	}
	tx.data.logs = kept
	return true, nil
}

func (tx *memoryTx) ListTasks(_ context.Context, filter TaskFilter) ([]htc.Task, error) {
	out := make([]htc.Task, 0)
	for _, t := range tx.data.tasks {
		if filter.match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreationDate.Equal(out[j].CreationDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreationDate.Before(out[j].CreationDate)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (tx *memoryTx) CountTasksByState(_ context.Context) (map[htc.TaskState]int, error) {
	out := make(map[htc.TaskState]int)
	for _, t := range tx.data.tasks {
		out[t.State]++
	}
	return out, nil
}

func (tx *memoryTx) GetCluster(_ context.Context, id int64) (htc.Cluster, bool, error) {
	c, ok := tx.data.clusters[id]
	if !ok {
		return htc.Cluster{}, false, nil
	}
	return cloneCluster(c), true, nil
}

func (tx *memoryTx) CreateCluster(_ context.Context, cluster htc.Cluster) (htc.Cluster, bool, error) {
	if existing, ok := tx.data.clusters[cluster.ID]; ok {
		return cloneCluster(existing), false, nil
	}
	if cluster.CreationDate.IsZero() {
		cluster.CreationDate = time.Now().UTC()
	}
	tx.saveCluster(cluster.ID)
	tx.data.clusters[cluster.ID] = cloneCluster(cluster)
	return cloneCluster(cluster), true, nil
}

func (tx *memoryTx) UpdateCluster(_ context.Context, cluster htc.Cluster) error {
	if _, ok := tx.data.clusters[cluster.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrClusterNotFound, cluster.ID)
	}
	tx.saveCluster(cluster.ID)
	tx.data.clusters[cluster.ID] = cloneCluster(cluster)
	return nil
}

func (tx *memoryTx) GetJobEvent(_ context.Context, id string) (htc.JobEvent, bool, error) {
	e, ok := tx.data.events[id]
	if !ok {
		return htc.JobEvent{}, false, nil
	}
	return cloneEvent(e), true, nil
}

func (tx *memoryTx) CreateJobEvent(_ context.Context, event htc.JobEvent) error {
	if _, ok := tx.data.events[event.ID]; ok {
		return fmt.Errorf("job event %s already exists", event.ID)
	}
	if event.CreationDate.IsZero() {
		event.CreationDate = time.Now().UTC()
	}
	id := event.ID
	tx.undo = append(tx.undo, func() { delete(tx.data.events, id) })
	tx.data.events[id] = cloneEvent(event)
	return nil
}

func (tx *memoryTx) ListJobEvents(_ context.Context, clusterID int64) ([]htc.JobEvent, error) {
	out := make([]htc.JobEvent, 0)
	for _, e := range tx.data.events {
		if e.ClusterID == clusterID {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (tx *memoryTx) AppendLogEntry(_ context.Context, entry htc.LogEntry) error {
	if entry.CreationDate.IsZero() {
		entry.CreationDate = time.Now().UTC()
	}
	tx.saveLogs()
	entry.ID = tx.data.nextLogID
	tx.data.nextLogID++
	tx.data.logs = append(tx.data.logs, entry)
	return nil
}

func (tx *memoryTx) ListLogEntries(_ context.Context, taskID string) ([]htc.LogEntry, error) {
	out := make([]htc.LogEntry, 0)
	for _, e := range tx.data.logs {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func cloneTask(t htc.Task) htc.Task {
	t.SubmissionParams = cloneParams(t.SubmissionParams)
	return t
}

func cloneCluster(c htc.Cluster) htc.Cluster {
	c.SubmissionParams = cloneParams(c.SubmissionParams)
	c.Descriptor = cloneDetails(c.Descriptor)
	procs := make([]htc.ProcStatus, len(c.Status.Procs))
	copy(procs, c.Status.Procs)
	c.Status.Procs = procs
	return c
}

func cloneEvent(e htc.JobEvent) htc.JobEvent {
	e.Details = cloneDetails(e.Details)
	return e
}

func cloneParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
