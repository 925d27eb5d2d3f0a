package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunDone         Stage = "RUN_DONE"
	StageRunError        Stage = "RUN_ERROR"
	StageTaskStart       Stage = "TASK_START"
	StageTaskRetry       Stage = "TASK_RETRY"
	StageTaskDone        Stage = "TASK_DONE"
	StageSessionRecycled Stage = "SESSION_RECYCLED"
	StageSessionDegraded Stage = "SESSION_DEGRADED"
	StageCheckpointFlush Stage = "CHECKPOINT_FLUSH"
)

// Event captures a single milestone of an extraction run.
type Event struct {
	// RunID uniquely identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes task events to a host label.
	Site string
	// URL is the task identity for task events.
	URL string
	// Attempt is the 1-based attempt number for task events.
	Attempt int
	// Status carries the terminal result status on TASK_DONE.
	Status string
	// SessionID names the renderer session for session events.
	SessionID string
	// Count is a stage specific quantity (results flushed, pages served).
	Count int64
	// Dur captures attempt, backoff or run latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageCheckpointFlush:
	case StageTaskStart, StageTaskRetry:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageTaskDone:
		if e.URL == "" {
			return errors.New("task done requires url")
		}
		if e.Status == "" {
			return errors.New("task done requires status")
		}
	case StageSessionRecycled, StageSessionDegraded:
		if e.SessionID == "" {
			return fmt.Errorf("%s requires session id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run id into the Event form. Unparseable ids
// yield the zero value, which Validate rejects.
func ParseRunID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(parsed)
}

// Reporter stamps events with a run id and timestamp before emitting them.
type Reporter struct {
	Emitter Emitter
	RunID   [16]byte
	Now     func() time.Time
}

// Report fills RunID and TS when unset and forwards evt. A nil Reporter or
// Emitter drops the event.
func (r *Reporter) Report(evt Event) {
	if r == nil || r.Emitter == nil {
		return
	}
	if evt.RunID == [16]byte{} {
		evt.RunID = r.RunID
	}
	if evt.TS.IsZero() {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		evt.TS = now().UTC()
	}
	r.Emitter.Emit(evt)
}
