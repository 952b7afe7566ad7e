package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
)

// LockManager holds the two regions every reconciliation step goes through.
// The consistency region covers a whole read-modify-write over tasks and
// clusters. The transaction region covers a single store transaction and is
// always taken inside the consistency region, never the other way round.
type LockManager struct {
	consistency sync.Mutex
	txn         sync.Mutex
}

func NewLockManager() *LockManager {
	return &LockManager{}
}

// Consistent runs fn inside the consistency region.
func (l *LockManager) Consistent(fn func() error) error {
	start := time.Now()
	l.consistency.Lock()
	defer l.consistency.Unlock()
	observability.Default.IncCounter("lock_wait_seconds_total", map[string]string{"lock": "consistency"}, time.Since(start).Seconds())
	return fn()
}

// Transaction runs fn as one store transaction inside the transaction region.
func (l *LockManager) Transaction(ctx context.Context, store state.Store, fn func(tx state.Tx) error) error {
	start := time.Now()
	l.txn.Lock()
	defer l.txn.Unlock()
	observability.Default.IncCounter("lock_wait_seconds_total", map[string]string{"lock": "transaction"}, time.Since(start).Seconds())
	return store.Atomic(ctx, fn)
}
