package telemetry

import (
	"strings"

	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
)

type Client interface {
	Incr(name string)
}

type nop struct{}

func NewNop() Client {
	return nop{}
}

func (nop) Incr(name string) {
	_ = name
}

// registry counts into the process metrics registry under one series per
// dotted name, labelled with the worker id.
type registry struct {
	workerID string
}

func NewRegistry(workerID string) Client {
	return registry{workerID: workerID}
}

func (r registry) Incr(name string) {
	metric := strings.ReplaceAll(name, ".", "_") + "_total"
	observability.Default.IncCounter(metric, map[string]string{"worker": r.workerID}, 1)
}
