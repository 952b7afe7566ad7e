package schedd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

type MemoryOptions struct {
	EventLogPath string
	// FirstClusterID is the id handed to the first submission. Defaults to 1.
	FirstClusterID int64
	// AutoComplete makes every proc execute and exit 0 right after submit.
	AutoComplete bool
	Now          func() time.Time
}

// Submission records one accepted submit call.
type Submission struct {
	ClusterID int64
	Params    map[string]string
	NumProcs  int
}

// MemoryClient is an in-process engine. It assigns cluster ids and keeps an
// append-only event log; procs only finish when events are emitted for them.
type MemoryClient struct {
	mu          sync.Mutex
	opts        MemoryOptions
	nextCluster int64
	events      []htc.JobEvent
	acked       int
	submissions []Submission
	failures    []error
	closed      bool
}

func NewMemoryClient(opts MemoryOptions) *MemoryClient {
	if opts.FirstClusterID <= 0 {
		opts.FirstClusterID = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryClient{opts: opts, nextCluster: opts.FirstClusterID}
}

// FailNext makes the next submit call return err.
func (m *MemoryClient) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// Emit appends an event to the log.
func (m *MemoryClient) Emit(events ...htc.JobEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func (m *MemoryClient) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.submissions))
	copy(out, m.submissions)
	return out
}

func (m *MemoryClient) Submit(ctx context.Context, params map[string]string) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return SubmitResult{}, errors.New("engine client is closed")
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	numProcs, err := ProcCount(params)
	if err != nil {
		return SubmitResult{}, err
	}
	id := m.nextCluster
	m.nextCluster++
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	m.submissions = append(m.submissions, Submission{ClusterID: id, Params: copied, NumProcs: numProcs})

	now := m.opts.Now()
	ts := float64(now.UnixNano()) / 1e9
	for proc := 0; proc < numProcs; proc++ {
		m.events = append(m.events, htc.JobEvent{ClusterID: id, ProcID: proc, Timestamp: ts, EventType: htc.EventSubmit, Details: map[string]any{}})
		if m.opts.AutoComplete {
			m.events = append(m.events,
				htc.JobEvent{ClusterID: id, ProcID: proc, Timestamp: ts, EventType: htc.EventExecute, Details: map[string]any{}},
				htc.JobEvent{ClusterID: id, ProcID: proc, Timestamp: ts, EventType: htc.EventTerminated, Details: map[string]any{
					htc.DetailTerminatedNormally: true,
					htc.DetailReturnValue:        0,
				}},
			)
		}
	}
	return SubmitResult{
		ClusterID:  id,
		Descriptor: clusterDescriptor(id, numProcs, params, now.Unix()),
		FirstProc:  0,
		NumProcs:   numProcs,
	}, nil
}

func (m *MemoryClient) Events(ctx context.Context) (EventBatch, error) {
	if err := ctx.Err(); err != nil {
		return EventBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]htc.JobEvent, len(m.events)-m.acked)
	copy(pending, m.events[m.acked:])
	return EventBatch{Events: pending, Cursor: strconv.Itoa(len(m.events))}, nil
}

func (m *MemoryClient) Ack(_ context.Context, cursor string) error {
	n, err := strconv.Atoi(cursor)
	if err != nil {
		return fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.events) {
		return fmt.Errorf("cursor %d is past the end of the log", n)
	}
	if n > m.acked {
		m.acked = n
	}
	return nil
}

func (m *MemoryClient) EventLogPath() string { return m.opts.EventLogPath }

func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
