package agent

import (
	"errors"
	"regexp"
	"strings"
)

// ErrMalformedOutput is returned when model output follows neither the
// action format nor the final answer format.
var ErrMalformedOutput = errors.New("malformed model output")

const (
	finalAnswerMarker = "Final Answer:"
	observationStop   = "\nObservation:"
)

var (
	actionRe      = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
	actionOnlyRe  = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)`)
	actionInputRe = regexp.MustCompile(`(?s)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
)

// parseError carries the corrective note shown to the model.
type parseError struct {
	note string
}

func (e *parseError) Error() string { return e.note }
func (e *parseError) Is(target error) bool {
	return target == ErrMalformedOutput
}

// Decision is a parsed model turn: either a tool call or a final answer.
type Decision struct {
	Thought string
	Action  string
	Input   string
	Final   bool
	Answer  string
}

// ParseOutput parses zero-shot ReAct output. Exactly one of an action with
// its input or a final answer must be present.
func ParseOutput(text string) (Decision, error) {
	if i := strings.Index(text, observationStop); i >= 0 {
		text = text[:i]
	}
	hasFinal := strings.Contains(text, finalAnswerMarker)
	m := actionRe.FindStringSubmatch(text)

	switch {
	case m != nil && hasFinal:
		return Decision{}, &parseError{note: "Invalid Format: the output contains both a Final Answer and an Action. " +
			"Reply with either an Action and Action Input, or a Final Answer, not both."}
	case m != nil:
		action := strings.TrimSpace(m[1])
		input := strings.TrimSpace(m[2])
		input = strings.Trim(input, "\"")
		if action == "" {
			return Decision{}, &parseError{note: "Invalid Format: Missing tool name after 'Action:'."}
		}
		return Decision{
			Thought: thoughtBefore(text, strings.Index(text, m[0])),
			Action:  action,
			Input:   input,
		}, nil
	case hasFinal:
		i := strings.Index(text, finalAnswerMarker)
		answer := strings.TrimSpace(text[i+len(finalAnswerMarker):])
		if answer == "" {
			return Decision{}, &parseError{note: "Invalid Format: 'Final Answer:' must be followed by the answer."}
		}
		return Decision{Thought: thoughtBefore(text, i), Final: true, Answer: answer}, nil
	case !actionOnlyRe.MatchString(text):
		return Decision{}, &parseError{note: "Invalid Format: Missing 'Action:' after 'Thought:'"}
	case !actionInputRe.MatchString(text):
		return Decision{}, &parseError{note: "Invalid Format: Missing 'Action Input:' after 'Action:'"}
	}
	return Decision{}, &parseError{note: "Invalid Format: could not parse the output."}
}

func thoughtBefore(text string, end int) string {
	if end < 0 {
		return ""
	}
	t := strings.TrimSpace(text[:end])
	t = strings.TrimPrefix(t, "Thought:")
	return strings.TrimSpace(t)
}
