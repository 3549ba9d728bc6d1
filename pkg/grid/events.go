package grid

import (
	"time"

	"biochip-go/pkg/motion"
)

// RunState is the state of the current or last program run.
type RunState string

const (
	RunStateStandby  RunState = "standby"
	RunStateRunning  RunState = "running"
	RunStateComplete RunState = "complete"
	RunStateError    RunState = "error"
)

// EventKind names a grid event.
type EventKind string

const (
	EventRunStarted       EventKind = "run_started"
	EventRunComplete      EventKind = "run_complete"
	EventRunFailed        EventKind = "run_failed"
	EventDropletCreated   EventKind = "droplet_created"
	EventDropletStep      EventKind = "droplet_step"
	EventDropletsMixed    EventKind = "droplets_mixed"
	EventDropletSplit     EventKind = "droplet_split"
	EventSplitUnavailable EventKind = "split_unavailable"
	EventWait             EventKind = "wait"
	EventVisionMismatch   EventKind = "vision_mismatch"
	EventPlatesCleared    EventKind = "plates_cleared"
)

// Event reports something that happened on the grid.
type Event struct {
	RunID    string           `json:"run_id"`
	Seq      uint64           `json:"seq"`
	Kind     EventKind        `json:"kind"`
	Line     int              `json:"line,omitempty"`
	Droplet  string           `json:"droplet,omitempty"`
	Position *motion.Position `json:"position,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	Time     time.Time        `json:"time"`
}

// EventSink receives grid events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(e).
func (f EventSinkFunc) Publish(e Event) { f(e) }

// Status is a snapshot of the orchestrator for status queries.
type Status struct {
	RunID      string         `json:"run_id,omitempty"`
	State      RunState       `json:"state"`
	Grid       motion.Bounds  `json:"grid"`
	Droplets   []DropletState `json:"droplets"`
	Line       int            `json:"line,omitempty"`
	Operation  string         `json:"operation,omitempty"`
	Executed   int            `json:"executed"`
	Total      int            `json:"total"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
