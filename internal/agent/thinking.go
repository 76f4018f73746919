package agent

import (
	"time"
)

// Step is one Thought/Action/Observation cycle of the loop. Steps are never
// modified after they are appended to the trace.
type Step struct {
	Thought     string    `json:"thought"`
	Action      string    `json:"action"`
	ActionInput string    `json:"action_input"`
	Observation string    `json:"observation"`
	Timestamp   time.Time `json:"timestamp"`

	// log is the raw model output the step was parsed from.
	log string
}

// Reserved step actions. They never name a registered tool.
const (
	ActionFinish    = "finish"
	ActionException = "_Exception"
)

// EventType identifies a loop event.
type EventType string

const (
	EventToken       EventType = "token"
	EventThought     EventType = "thought"
	EventObservation EventType = "observation"
	EventFinal       EventType = "final"
	EventFailed      EventType = "failed"
)

// Event is emitted on every state transition and for every model fragment.
type Event struct {
	Type    EventType `json:"type"`
	Step    *Step     `json:"step,omitempty"`
	Token   string    `json:"token,omitempty"`
	Answer  string    `json:"answer,omitempty"`
	Failure *Failure  `json:"failure,omitempty"`
}

// Outcome is the result of a loop run. Exactly one of Answer and Failure is
// set; Steps holds the trace either way.
type Outcome struct {
	Answer     string   `json:"answer,omitempty"`
	Failure    *Failure `json:"failure,omitempty"`
	Steps      []Step   `json:"steps"`
	Iterations int      `json:"iterations"`
}

// OK reports whether the run produced an answer.
func (o *Outcome) OK() bool { return o.Failure == nil }

// Text is the assistant message for the outcome.
func (o *Outcome) Text() string {
	if o.Failure != nil {
		return o.Failure.Render()
	}
	return o.Answer
}
