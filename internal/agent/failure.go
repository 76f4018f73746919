package agent

import (
	"context"
	"errors"

	"github.com/nidhogg/querydesk/internal/database"
	"github.com/nidhogg/querydesk/internal/provider"
)

// FailureKind classifies why a turn produced no answer.
type FailureKind string

const (
	FailConfigIncomplete        FailureKind = "config_incomplete"
	FailConnectionFailed        FailureKind = "connection_failed"
	FailModelDecommissioned     FailureKind = "model_decommissioned"
	FailModelInitFailed         FailureKind = "model_init_failed"
	FailModelCallFailed         FailureKind = "model_call_failed"
	FailParsingExhausted        FailureKind = "parsing_exhausted"
	FailIterationBudgetExceeded FailureKind = "iteration_budget_exceeded"
	FailToolExecutionError      FailureKind = "tool_execution_error"
	FailCancelled               FailureKind = "cancelled"
)

var failureMessages = map[FailureKind]string{
	FailConfigIncomplete:        "⚠️ Please provide all database connection details (host, user, password, database).",
	FailConnectionFailed:        "❌ Failed to connect to the database. Please check your connection details.",
	FailModelDecommissioned:     "The model you selected appears to be decommissioned and is no longer supported.",
	FailModelInitFailed:         "Failed to initialize the language model. Please verify your API key and model selection.",
	FailModelCallFailed:         "❌ The language model did not respond. Please try again.",
	FailParsingExhausted:        "❌ Could not understand the model's response. Please try rephrasing your question.",
	FailIterationBudgetExceeded: "⏱️ Query timeout. Try increasing max iterations or simplifying your query.",
	FailToolExecutionError:      "❌ Query execution failed. Please try rephrasing your question.",
	FailCancelled:               "The request was cancelled.",
}

// Message returns the user-facing text for k.
func (k FailureKind) Message() string {
	if m, ok := failureMessages[k]; ok {
		return m
	}
	return "❌ Error: " + string(k)
}

// Failure is a terminal loop or turn failure.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
	Err    error       `json:"-"`
}

// NewFailure creates a failure of kind caused by err.
func NewFailure(kind FailureKind, err error) *Failure {
	f := &Failure{Kind: kind, Err: err}
	if err != nil {
		f.Detail = err.Error()
	}
	return f
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

func (f *Failure) Unwrap() error { return f.Err }

// Message returns the user-facing text for the failure kind.
func (f *Failure) Message() string { return f.Kind.Message() }

// Render formats the failure as an assistant message.
func (f *Failure) Render() string {
	if f.Detail == "" {
		return f.Message()
	}
	return f.Message() + "\n\nDetail: " + f.Detail
}

// Classify maps a gateway or model initialization error to a failure.
func Classify(err error) *Failure {
	var f *Failure
	var initErr *provider.InitError
	switch {
	case errors.As(err, &f):
		return f
	case errors.Is(err, context.Canceled):
		return NewFailure(FailCancelled, err)
	case errors.Is(err, database.ErrConfigIncomplete):
		return NewFailure(FailConfigIncomplete, err)
	case errors.Is(err, database.ErrConnectionFailed):
		return NewFailure(FailConnectionFailed, err)
	case errors.As(err, &initErr) && initErr.Decommissioned:
		return NewFailure(FailModelDecommissioned, err)
	case errors.As(err, &initErr):
		return NewFailure(FailModelInitFailed, err)
	}
	return NewFailure(FailToolExecutionError, err)
}
