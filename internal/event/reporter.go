package event

import (
	"sync"

	"github.com/google/uuid"
)

// Reporter publishes progress for a single pipeline. Within a stage, percent
// values are clamped to [0,100] and only published when they exceed the last
// published value, so observers always see a non-decreasing sequence.
type Reporter struct {
	pipeline   uuid.UUID
	dispatcher Dispatcher

	mu   sync.Mutex
	last map[Stage]int
}

func NewReporter(pipeline uuid.UUID, dispatcher Dispatcher) *Reporter {
	return &Reporter{pipeline: pipeline, dispatcher: dispatcher, last: make(map[Stage]int)}
}

func (r *Reporter) Report(stage Stage, percent int) {
	percent = max(0, min(100, percent))

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[stage]; ok && percent <= last {
		return
	}
	r.last[stage] = percent

	if r.dispatcher != nil {
		r.dispatcher.Dispatch(Message{Event: PIPELINE_PROGRESS, Pipeline: r.pipeline, Payload: Progress{Stage: stage, Percent: percent}})
	}
}

// Last returns the most recently published percentage for the stage, or -1.
func (r *Reporter) Last(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[stage]; ok {
		return last
	}

	return -1
}
