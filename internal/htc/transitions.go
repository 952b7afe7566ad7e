package htc

import (
	"time"

	"github.com/guregu/null/v6"
)

// Link binds the task to a freshly submitted cluster. It returns false and
// leaves the task untouched when the task is already bound to clusterID.
func (t *Task) Link(clusterID int64, now time.Time, timeout time.Duration) bool {
	if t.ClusterID.Valid && t.ClusterID.Int64 == clusterID {
		return false
	}
	t.State = TaskSubmitted
	t.ClusterID = null.IntFrom(clusterID)
	t.ProcID = null.Int{}
	if t.RetriesLeft > 0 {
		t.RetriesLeft--
	}
	t.ExpirationDate = null.TimeFrom(now.Add(timeout))
	t.StateDate = now
	return true
}

// FailSubmission records a submission-layer failure. It is terminal and not retried.
func (t *Task) FailSubmission(now time.Time) {
	t.State = TaskCompletedWithError
	t.StateDate = now
	t.ExpirationDate = null.Time{}
}

// Expired reports whether a submitted task's deadline has elapsed at now.
func (t Task) Expired(now time.Time) bool {
	if t.State != TaskSubmitted || !t.ExpirationDate.Valid {
		return false
	}
	return !t.ExpirationDate.Time.After(now)
}

// Expire requeues the task while retries remain and times it out otherwise.
// A requeued task drops its cluster binding so the next dispatch links a new one.
func (t *Task) Expire(now time.Time) bool {
	if !t.Expired(now) {
		return false
	}
	if t.RetriesLeft > 0 {
		t.State = TaskQueued
		t.ClusterID = null.Int{}
		t.ProcID = null.Int{}
	} else {
		t.State = TaskTimedOut
	}
	t.StateDate = now
	t.ExpirationDate = null.Time{}
	return true
}

// Resolve applies a terminal cluster outcome. Only a SUBMITTED task is changed.
func (t *Task) Resolve(outcome ClusterState, now time.Time) bool {
	if t.State != TaskSubmitted || !outcome.Terminal() {
		return false
	}
	if outcome == ClusterCompletedOK {
		t.State = TaskCompleted
	} else {
		t.State = TaskCompletedWithError
	}
	t.StateDate = now
	t.ExpirationDate = null.Time{}
	return true
}

// ConsistentExpiration reports whether expirationDate is set exactly when the task is SUBMITTED.
func (t Task) ConsistentExpiration() bool {
	return t.ExpirationDate.Valid == (t.State == TaskSubmitted)
}

// NewClusterStatus returns the default status: CREATED with every proc UNKNOWN.
func NewClusterStatus(firstProc, numProcs int) ClusterStatus {
	if numProcs < 0 {
		numProcs = 0
	}
	procs := make([]ProcStatus, numProcs)
	for i := range procs {
		procs[i] = ProcStatus{Index: firstProc + i, State: ProcUnknown}
	}
	return ClusterStatus{ClusterState: ClusterCreated, Procs: procs}
}

// Normalize pads or trims procs to exactly numProcs entries indexed from firstProc.
// Existing entries keep their position.
func (s ClusterStatus) Normalize(firstProc, numProcs int) ClusterStatus {
	out := NewClusterStatus(firstProc, numProcs)
	out.ClusterState = s.ClusterState
	for i := range out.Procs {
		if i >= len(s.Procs) {
			break
		}
		out.Procs[i].State = s.Procs[i].State
		out.Procs[i].ExitCode = s.Procs[i].ExitCode
	}
	return out
}

// ApplyProc sets the outcome of one proc. A proc already in a terminal state
// is never overwritten. It returns true when the status changed.
func (c *Cluster) ApplyProc(procID int, outcome ClusterState, exitCode null.Int) bool {
	if !c.ProcInRange(procID) {
		return false
	}
	i := procID - c.FirstProc
	if len(c.Status.Procs) != c.NumProcs {
		c.Status = c.Status.Normalize(c.FirstProc, c.NumProcs)
	}
	p := &c.Status.Procs[i]
	if p.State == outcome || p.State.Terminal() {
		return false
	}
	p.State = outcome
	p.ExitCode = exitCode
	return true
}

// Tally counts procs that finished OK and with error.
func (s ClusterStatus) Tally() (ok, failed int) {
	for _, p := range s.Procs {
		switch p.State {
		case ClusterCompletedOK:
			ok++
		case ClusterCompletedError:
			failed++
		}
	}
	return ok, failed
}

// Reduce moves the cluster to a terminal state once every proc has finished.
// It returns true when the cluster became terminal.
func (c *Cluster) Reduce() bool {
	if c.Status.ClusterState.Terminal() {
		return false
	}
	ok, failed := c.Status.Tally()
	if ok+failed < c.NumProcs {
		return false
	}
	if failed > 0 {
		c.Status.ClusterState = ClusterCompletedError
	} else {
		c.Status.ClusterState = ClusterCompletedOK
	}
	return true
}

// MergeSubmissionParams overlays loop-owned keys on the caller's params.
// Loop-owned keys win on conflict; the caller map is not modified.
func MergeSubmissionParams(caller, owned map[string]string) map[string]string {
	out := make(map[string]string, len(caller)+len(owned))
	for k, v := range caller {
		out[k] = v
	}
	for k, v := range owned {
		out[k] = v
	}
	return out
}
