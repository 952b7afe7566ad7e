package htc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/spf13/cast"
)

const (
	DetailTerminatedNormally = "TerminatedNormally"
	DetailReturnValue        = "ReturnValue"
	DetailTerminatedBySignal = "TerminatedBySignal"
)

// NormalizeEventType maps engine-native names such as JOB_TERMINATED or
// JobEventType.EXECUTE to the short lower-case form used for event ids.
func NormalizeEventType(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.TrimPrefix(k, "jobeventtype.")
	return strings.TrimPrefix(k, "job_")
}

// EventID derives the primary key of a job event.
func EventID(clusterID int64, procID int, timestamp float64, eventType string) string {
	return fmt.Sprintf("%d-%d-%s-%s", clusterID, procID, strconv.FormatFloat(timestamp, 'f', -1, 64), eventType)
}

// Normalize fills the derived fields of an event before it is stored.
func (e JobEvent) Normalize() JobEvent {
	e.EventType = NormalizeEventType(e.EventType)
	e.ID = EventID(e.ClusterID, e.ProcID, e.Timestamp, e.EventType)
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e
}

// ProcOutcome computes the per-proc result of a terminated event. Abnormal
// termination, a missing return value and a non-zero return value are errors.
// The exit code is reported whenever the return value is present.
func ProcOutcome(details map[string]any) (ClusterState, null.Int) {
	normal := false
	if raw, ok := details[DetailTerminatedNormally]; ok && raw != nil {
		normal = cast.ToBool(raw)
	}
	exitCode := null.Int{}
	if raw, ok := details[DetailReturnValue]; ok && raw != nil {
		if v, err := cast.ToInt64E(raw); err == nil {
			exitCode = null.IntFrom(v)
		}
	}
	if !normal || !exitCode.Valid || exitCode.Int64 != 0 {
		return ClusterCompletedError, exitCode
	}
	return ClusterCompletedOK, exitCode
}
