// Package progress defines the milestone events emitted while a crawl task
// runs, plus a non-blocking hub that batches them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindTaskStart  Kind = "TASK_START"
	KindTaskDone   Kind = "TASK_DONE"
	KindTaskError  Kind = "TASK_ERROR"
	KindStageStart Kind = "STAGE_START"
	KindStageDone  Kind = "STAGE_DONE"
	KindPage       Kind = "PAGE"
	KindSoftBlock  Kind = "SOFT_BLOCK"
	KindEscalation Kind = "ESCALATION"
)

// Event captures a single crawl milestone.
type Event struct {
	// TaskID identifies the crawl task the event belongs to.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Stage scopes stage and page events ("search" or "qa").
	Stage string
	// TargetID optionally scopes page events to a question.
	TargetID string
	// Items carries the number of items persisted for page events.
	Items int
	// Dur captures elapsed time for done events.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTaskStart, KindTaskDone, KindTaskError, KindEscalation:
	case KindStageStart, KindStageDone, KindPage, KindSoftBlock:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
