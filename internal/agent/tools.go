package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultToolTimeout bounds a single tool call.
const DefaultToolTimeout = 30 * time.Second

// ErrUnknownTool is returned for a tool name outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ToolKind enumerates the tools the agent can call.
type ToolKind int

const (
	ToolListTables ToolKind = iota
	ToolDescribeSchema
	ToolValidateQuery
	ToolExecuteQuery
	numToolKinds
)

var toolNames = [numToolKinds]string{
	ToolListTables:     "list_tables",
	ToolDescribeSchema: "describe_schema",
	ToolValidateQuery:  "validate_query",
	ToolExecuteQuery:   "execute_query",
}

func (k ToolKind) String() string {
	if k < 0 || k >= numToolKinds {
		return fmt.Sprintf("ToolKind(%d)", int(k))
	}
	return toolNames[k]
}

// ParseToolKind maps a tool name to its kind.
func ParseToolKind(name string) (ToolKind, bool) {
	for k, n := range toolNames {
		if n == name {
			return ToolKind(k), true
		}
	}
	return 0, false
}

// ResultKind classifies a tool result.
type ResultKind int

const (
	// ResultOk carries the tool output.
	ResultOk ResultKind = iota
	// ResultRecoverable is an error the model can see and react to.
	ResultRecoverable
	// ResultFatal ends the turn.
	ResultFatal
)

// Result is the outcome of one tool call.
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

// Ok returns a successful result.
func Ok(text string) Result { return Result{Kind: ResultOk, Text: text} }

// Recoverable returns an error result that is fed back to the model.
func Recoverable(err error) Result { return Result{Kind: ResultRecoverable, Err: err} }

// Fatal returns an error result that stops the loop.
func Fatal(err error) Result { return Result{Kind: ResultFatal, Err: err} }

// Observation renders the result the way the model sees it.
func (r Result) Observation() string {
	if r.Err != nil {
		return "Error: " + r.Err.Error()
	}
	return r.Text
}

// ToolHandler executes a tool call on cleaned input.
type ToolHandler func(ctx context.Context, input string) Result

// Tool is one entry of the registry.
type Tool struct {
	Kind        ToolKind
	Description string
	// Input describes what the tool expects as Action Input.
	Input   string
	handler ToolHandler
}

// Name returns the tool name the model uses.
func (t *Tool) Name() string { return t.Kind.String() }

// ToolRegistry holds the tools, indexed by kind.
type ToolRegistry struct {
	tools   [numToolKinds]*Tool
	timeout time.Duration
}

// NewToolRegistry creates a registry from a complete tool set. Every kind
// must be present exactly once.
func NewToolRegistry(tools []Tool, timeout time.Duration) (*ToolRegistry, error) {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	r := &ToolRegistry{timeout: timeout}
	for i := range tools {
		t := tools[i]
		if t.Kind < 0 || t.Kind >= numToolKinds {
			return nil, fmt.Errorf("invalid tool kind %d", t.Kind)
		}
		if r.tools[t.Kind] != nil {
			return nil, fmt.Errorf("duplicate tool %s", t.Kind)
		}
		if t.handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", t.Kind)
		}
		r.tools[t.Kind] = &t
	}
	for k, t := range r.tools {
		if t == nil {
			return nil, fmt.Errorf("missing tool %s", ToolKind(k))
		}
	}
	return r, nil
}

// Tools returns the tools in kind order.
func (r *ToolRegistry) Tools() []*Tool {
	out := make([]*Tool, 0, numToolKinds)
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Names returns the tool names in kind order.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, numToolKinds)
	for _, t := range r.tools {
		names = append(names, t.Name())
	}
	return names
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (*Tool, bool) {
	k, ok := ParseToolKind(strings.TrimSpace(name))
	if !ok {
		return nil, false
	}
	return r.tools[k], true
}

// Execute cleans input and runs the named tool under the registry timeout.
// Unknown names and timeouts come back as recoverable results; a cancelled
// parent context is fatal.
func (r *ToolRegistry) Execute(ctx context.Context, name, input string) Result {
	t, ok := r.Lookup(name)
	if !ok {
		return Recoverable(fmt.Errorf("%w %q, valid tools are: %s",
			ErrUnknownTool, name, strings.Join(r.Names(), ", ")))
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res := t.handler(tctx, CleanInput(input))

	switch {
	case ctx.Err() != nil:
		return Fatal(ctx.Err())
	case errors.Is(tctx.Err(), context.DeadlineExceeded) && res.Kind != ResultOk:
		return Recoverable(fmt.Errorf("%s timed out after %s", t.Name(), r.timeout))
	}
	return res
}

// CleanInput strips whitespace, markdown code fences and matching
// surrounding quotes from model-provided tool input.
func CleanInput(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// drop a language tag on the fence line
		if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], " \t") {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first != last || (first != '"' && first != '\'' && first != '`') {
			break
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
