// Package progress implements the per-task progress event hub: publishers
// append events to a bounded per-task history and subscribers consume them
// over buffered channels, with cursor-based replay for reconnections.
package progress

import (
	"errors"
	"time"
)

// EventKind identifies the type of a progress event.
type EventKind string

const (
	// KindStageStart marks entry into a pipeline stage.
	KindStageStart EventKind = "stage_start"
	// KindStageProgress reports mid-stage progress.
	KindStageProgress EventKind = "stage_progress"
	// KindStageComplete marks completion of a pipeline stage.
	KindStageComplete EventKind = "stage_complete"
	// KindFailed is the terminal event of a failed or canceled task.
	KindFailed EventKind = "failed"
	// KindHeartbeat is emitted on idle streams with live subscribers.
	KindHeartbeat EventKind = "heartbeat"
	// KindGap signals that events were dropped for a slow subscriber and
	// a replay from the last seen cursor is needed.
	KindGap EventKind = "gap"
)

// Event is one entry in a task's progress stream. Sequence is per-task,
// monotonically increasing from 0.
type Event struct {
	Kind      EventKind `json:"kind"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// terminal reports whether this event ends the stream. Only a
// stage_complete of the final stage or a failed event is terminal.
func (e Event) terminal() bool {
	if e.Kind == KindFailed {
		return true
	}
	return e.Kind == KindStageComplete && e.Stage == "completed"
}

// Errors returned by the hub.
var (
	// ErrUnknownTask is returned for operations on a task the hub has
	// never seen or has already purged.
	ErrUnknownTask = errors.New("unknown task")
	// ErrProgressRegression is returned when a published event declares
	// a lower progress percent than the last accepted event.
	ErrProgressRegression = errors.New("progress regression rejected")
	// ErrStreamTerminated is returned when publishing to a task whose
	// stream already carries a terminal event.
	ErrStreamTerminated = errors.New("stream already terminated")
)
