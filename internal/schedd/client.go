package schedd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

const (
	ParamExecutable = "executable"
	ParamArguments  = "arguments"
	ParamInitialDir = "initialdir"
	ParamLog        = "log"
	ParamOutput     = "output"
	ParamError      = "error"
	ParamQueue      = "queue"

	maxProcsPerCluster = 10000
)

var ErrInvalidSubmit = errors.New("invalid submit description")

type SubmitResult struct {
	ClusterID  int64
	Descriptor map[string]any
	FirstProc  int
	NumProcs   int
	// Status is nil when the engine does not report one.
	Status *htc.ClusterStatus
}

// EventBatch is one read of the engine event log. Cursor is passed to Ack
// once every event in the batch has been applied; until then the same
// events are returned again.
type EventBatch struct {
	Events []htc.JobEvent
	Cursor string
	// Skipped counts log entries that could not be decoded. Cursor moves
	// past them so they are never read again.
	Skipped int
}

// Client is the execution engine as seen by the dispatch loop.
type Client interface {
	Submit(ctx context.Context, params map[string]string) (SubmitResult, error)
	Events(ctx context.Context) (EventBatch, error)
	Ack(ctx context.Context, cursor string) error
	EventLogPath() string
	Close() error
}

// ProcCount validates a submit description and returns the number of procs
// it asks for. The queue key defaults to one proc.
func ProcCount(params map[string]string) (int, error) {
	if strings.TrimSpace(params[ParamExecutable]) == "" {
		return 0, fmt.Errorf("%w: executable is required", ErrInvalidSubmit)
	}
	raw := strings.TrimSpace(params[ParamQueue])
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxProcsPerCluster {
		return 0, fmt.Errorf("%w: queue must be between 1 and %d, got %q", ErrInvalidSubmit, maxProcsPerCluster, raw)
	}
	return n, nil
}

func clusterDescriptor(clusterID int64, numProcs int, params map[string]string, qdate int64) map[string]any {
	return map[string]any{
		"ClusterId":  clusterID,
		"Cmd":        params[ParamExecutable],
		"Args":       params[ParamArguments],
		"Iwd":        params[ParamInitialDir],
		"UserLog":    params[ParamLog],
		"TotalProcs": numProcs,
		"QDate":      qdate,
	}
}
