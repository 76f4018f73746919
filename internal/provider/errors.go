package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrModelDecommissioned marks a model the provider no longer serves.
var ErrModelDecommissioned = errors.New("model decommissioned")

// APIError is a non-2xx response from a provider API.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrModelDecommissioned) match decommission responses.
func (e *APIError) Is(target error) bool {
	return target == ErrModelDecommissioned && e.decommissioned()
}

func (e *APIError) decommissioned() bool {
	if e.Code == "model_decommissioned" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "decommissioned")
}

// parseAPIError decodes the error envelope shared by OpenAI-compatible and
// Anthropic APIs; unknown bodies are kept verbatim in Message.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var env struct {
		Error struct {
			Message string          `json:"message"`
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || env.Error.Message == "" {
		return apiErr
	}
	apiErr.Message = env.Error.Message
	apiErr.Type = env.Error.Type
	var code string
	if json.Unmarshal(env.Error.Code, &code) == nil {
		apiErr.Code = code
	}
	return apiErr
}

// InitError reports a model that could not be initialized. Decommissioned is
// set when the last failure was a decommission response.
type InitError struct {
	Model          string
	Fallback       string
	Decommissioned bool
	Err            error
}

func (e *InitError) Error() string {
	if e.Fallback != "" {
		return fmt.Sprintf("initialize model %s (fallback %s): %v", e.Model, e.Fallback, e.Err)
	}
	return fmt.Sprintf("initialize model %s: %v", e.Model, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
