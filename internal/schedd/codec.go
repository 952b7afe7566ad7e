package schedd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

const (
	// TaskTypeProc is the asynq task type of one queued proc.
	TaskTypeProc = "htc:proc"

	fieldCluster   = "cluster"
	fieldProc      = "proc"
	fieldTimestamp = "timestamp"
	fieldType      = "type"
	fieldDetails   = "details"
)

// ProcPayload is the asynq payload for one proc of a submitted cluster.
type ProcPayload struct {
	ClusterID int64             `json:"clusterId"`
	ProcID    int               `json:"procId"`
	Params    map[string]string `json:"params"`
}

func EventStreamKey(prefix string) string { return prefix + ":events" }

func clusterSeqKey(prefix string) string { return prefix + ":cluster_seq" }

func eventCursorKey(prefix string) string { return prefix + ":event_cursor" }

// EncodeEvent flattens an event into stream fields.
func EncodeEvent(e htc.JobEvent) (map[string]any, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode event details: %w", err)
	}
	return map[string]any{
		fieldCluster:   strconv.FormatInt(e.ClusterID, 10),
		fieldProc:      strconv.Itoa(e.ProcID),
		fieldTimestamp: strconv.FormatFloat(e.Timestamp, 'f', -1, 64),
		fieldType:      e.EventType,
		fieldDetails:   string(b),
	}, nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(values map[string]any) (htc.JobEvent, error) {
	var e htc.JobEvent
	var err error
	if e.ClusterID, err = cast.ToInt64E(values[fieldCluster]); err != nil {
		return htc.JobEvent{}, fmt.Errorf("decode event cluster: %w", err)
	}
	if e.ProcID, err = cast.ToIntE(values[fieldProc]); err != nil {
		return htc.JobEvent{}, fmt.Errorf("decode event proc: %w", err)
	}
	if e.Timestamp, err = cast.ToFloat64E(values[fieldTimestamp]); err != nil {
		return htc.JobEvent{}, fmt.Errorf("decode event timestamp: %w", err)
	}
	e.EventType = cast.ToString(values[fieldType])
	if strings.TrimSpace(e.EventType) == "" {
		return htc.JobEvent{}, fmt.Errorf("decode event: missing type")
	}
	e.Details = map[string]any{}
	if raw := cast.ToString(values[fieldDetails]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Details); err != nil {
			return htc.JobEvent{}, fmt.Errorf("decode event details: %w", err)
		}
	}
	return e, nil
}

// nextStreamID returns the smallest stream id greater than id.
func nextStreamID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("malformed stream id %q", id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return ms + "-" + strconv.FormatUint(n+1, 10), nil
}
