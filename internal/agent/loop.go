package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/querydesk/internal/provider"
	"go.uber.org/zap"
)

const (
	DefaultMaxIterations = 15
	MinIterations        = 5
	MaxIterations        = 20
	DefaultTemperature   = 0.1
	defaultTopK          = 10

	// persistentFailures is how many failing cycles of one kind must end the
	// budget for the failure to be reported as that kind.
	persistentFailures = 2
)

// ClampIterations maps 0 to the default and clamps n to [MinIterations, MaxIterations].
func ClampIterations(n int) int {
	switch {
	case n == 0:
		return DefaultMaxIterations
	case n < MinIterations:
		return MinIterations
	case n > MaxIterations:
		return MaxIterations
	}
	return n
}

// Completer streams a model completion. *provider.Model implements it.
type Completer interface {
	Complete(ctx context.Context, msgs []provider.Message, opts provider.CompleteOptions, sink func(string)) (string, error)
}

// State is a Reasoning Loop state.
type State int

const (
	StateThinking State = iota
	StateActing
	StateObserving
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "thinking"
	case StateActing:
		return "acting"
	case StateObserving:
		return "observing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config tunes a Loop.
type Config struct {
	MaxIterations       int
	HandleParsingErrors bool
	Temperature         float64
	Dialect             string
	TopK                int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       DefaultMaxIterations,
		HandleParsingErrors: true,
		Temperature:         DefaultTemperature,
		Dialect:             "SQL",
		TopK:                defaultTopK,
	}
}

// Loop drives the ReAct cycle between a model and the tool registry.
type Loop struct {
	model  Completer
	tools  *ToolRegistry
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewLoop creates a loop. MaxIterations is clamped to its valid range.
func NewLoop(model Completer, tools *ToolRegistry, cfg Config, logger *zap.Logger) *Loop {
	cfg.MaxIterations = ClampIterations(cfg.MaxIterations)
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "SQL"
	}
	return &Loop{model: model, tools: tools, cfg: cfg, logger: logger, now: time.Now}
}

// cycle records how a Thinking cycle ended.
type cycle int

const (
	cycleNone cycle = iota
	cycleParseFailure
	cycleToolFailure
	cycleToolOK
)

// run holds the state of one Run call.
type run struct {
	*Loop
	ctx        context.Context
	question   string
	events     chan<- Event
	steps      []Step
	iterations int
	last       cycle
	streak     int // consecutive cycles that ended like last
	pending    Step
	result     Result
}

// Run answers question. Every event is sent on events before the next state
// begins; events may be nil. The caller must keep receiving until Run
// returns.
func (l *Loop) Run(ctx context.Context, question string, events chan<- Event) *Outcome {
	r := &run{Loop: l, ctx: ctx, question: question, events: events, steps: []Step{}}
	state := StateThinking
	for {
		var out *Outcome
		switch state {
		case StateThinking:
			state, out = r.think()
		case StateActing:
			state = r.act()
		case StateObserving:
			state, out = r.observe()
		}
		if out != nil {
			return out
		}
	}
}

func (r *run) think() (State, *Outcome) {
	if err := r.ctx.Err(); err != nil {
		return StateFailed, r.fail(NewFailure(FailCancelled, err))
	}
	if r.iterations >= r.cfg.MaxIterations {
		return StateFailed, r.fail(r.budgetFailure())
	}
	r.iterations++

	msgs := buildMessages(r.cfg.Dialect, r.cfg.TopK, r.tools, r.question, r.steps)
	text, err := r.model.Complete(r.ctx, msgs, provider.CompleteOptions{
		Temperature: r.cfg.Temperature,
		Stop:        []string{observationStop},
	}, func(tok string) {
		r.emit(Event{Type: EventToken, Token: tok})
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return StateFailed, r.fail(NewFailure(FailCancelled, err))
		}
		return StateFailed, r.fail(NewFailure(FailModelCallFailed, err))
	}

	d, err := ParseOutput(text)
	if err != nil {
		if !r.cfg.HandleParsingErrors {
			return StateFailed, r.fail(NewFailure(FailParsingExhausted, err))
		}
		r.logger.Debug("malformed model output", zap.Int("iteration", r.iterations), zap.Error(err))
		step := Step{
			Thought:     text,
			Action:      ActionException,
			ActionInput: "Invalid or incomplete response",
			Observation: err.Error(),
			Timestamp:   r.now(),
			log:         text,
		}
		r.record(cycleParseFailure)
		r.appendStep(step)
		return StateThinking, nil
	}

	if d.Final {
		step := Step{
			Thought:     d.Thought,
			Action:      ActionFinish,
			Observation: d.Answer,
			Timestamp:   r.now(),
			log:         text,
		}
		r.steps = append(r.steps, step)
		r.emit(Event{Type: EventThought, Step: &step})
		out := &Outcome{Answer: d.Answer, Steps: r.steps, Iterations: r.iterations}
		r.emit(Event{Type: EventFinal, Answer: d.Answer})
		r.logger.Info("loop finished", zap.Int("iterations", r.iterations), zap.Int("steps", len(r.steps)))
		return StateFinished, out
	}

	r.pending = Step{
		Thought:     d.Thought,
		Action:      d.Action,
		ActionInput: d.Input,
		Timestamp:   r.now(),
		log:         text,
	}
	thought := r.pending
	r.emit(Event{Type: EventThought, Step: &thought})
	return StateActing, nil
}

func (r *run) act() State {
	r.result = r.tools.Execute(r.ctx, r.pending.Action, r.pending.ActionInput)
	return StateObserving
}

func (r *run) observe() (State, *Outcome) {
	res := r.result
	r.pending.Observation = res.Observation()
	switch res.Kind {
	case ResultFatal:
		r.record(cycleToolFailure)
		r.appendStep(r.pending)
		if r.ctx.Err() != nil {
			return StateFailed, r.fail(NewFailure(FailCancelled, res.Err))
		}
		return StateFailed, r.fail(NewFailure(FailToolExecutionError, res.Err))
	case ResultRecoverable:
		r.record(cycleToolFailure)
		r.logger.Debug("tool error", zap.String("tool", r.pending.Action), zap.Error(res.Err))
	default:
		r.record(cycleToolOK)
	}
	r.appendStep(r.pending)
	return StateThinking, nil
}

// appendStep adds a finished step to the trace and emits it.
func (r *run) appendStep(s Step) {
	r.steps = append(r.steps, s)
	r.emit(Event{Type: EventObservation, Step: &s})
}

func (r *run) record(c cycle) {
	if c == r.last {
		r.streak++
		return
	}
	r.last = c
	r.streak = 1
}

// budgetFailure names the exhausted budget after the failure that persisted
// through its final cycles, if any.
func (r *run) budgetFailure() *Failure {
	kind := FailIterationBudgetExceeded
	if r.streak >= persistentFailures {
		switch r.last {
		case cycleParseFailure:
			kind = FailParsingExhausted
		case cycleToolFailure:
			kind = FailToolExecutionError
		}
	}
	f := NewFailure(kind, fmt.Errorf("stopped after %d iterations without a final answer", r.iterations))
	if kind == FailToolExecutionError && len(r.steps) > 0 {
		f.Detail += ": " + r.steps[len(r.steps)-1].Observation
	}
	return f
}

func (r *run) fail(f *Failure) *Outcome {
	r.logger.Info("loop failed",
		zap.String("kind", string(f.Kind)),
		zap.Int("iterations", r.iterations),
		zap.String("detail", f.Detail))
	r.emit(Event{Type: EventFailed, Failure: f})
	return &Outcome{Failure: f, Steps: r.steps, Iterations: r.iterations}
}

func (r *run) emit(e Event) {
	if r.events != nil {
		r.events <- e
	}
}

// IsFailure reports whether err is a *Failure of kind.
func IsFailure(err error, kind FailureKind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}
