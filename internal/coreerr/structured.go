package coreerr

import (
	"encoding/json"
	"fmt"
)

// CoreError is the structured error returned across every core
// package boundary: a named Kind plus enough context for the caller
// (or the bridge cycle) to apply this kind's recovery policy without
// string-matching the message.
type CoreError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	// Remediation is populated for KindWatcherBlock: the concrete step
	// the caller must take before the action can be admitted (e.g.
	// "cite a memory key or declare memory_absent").
	Remediation string `json:"remediation,omitempty"`

	Component string `json:"component,omitempty"`
	Cause     error  `json:"-"`
}

func (e *CoreError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s/%s] %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

func (e *CoreError) MarshalJSON() ([]byte, error) {
	type alias CoreError
	return json.Marshal((*alias)(e))
}

// New creates a CoreError of the given kind.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error, preserving it as Cause.
func Wrap(kind Kind, err error) *CoreError {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, Message: err.Error(), Cause: err}
}

func (e *CoreError) WithDetails(details string) *CoreError {
	e.Details = details
	return e
}

func (e *CoreError) WithRemediation(remediation string) *CoreError {
	e.Remediation = remediation
	return e
}

func (e *CoreError) WithComponent(component string) *CoreError {
	e.Component = component
	return e
}

func (e *CoreError) WithCause(err error) *CoreError {
	e.Cause = err
	return e
}

// ProblemDocument renders the JSON problem document spec §7 requires
// ingestion to return on a rejected event.
func (e *CoreError) ProblemDocument() map[string]any {
	doc := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.Details != "" {
		doc["details"] = e.Details
	}
	if e.Remediation != "" {
		doc["remediation"] = e.Remediation
	}
	if e.Component != "" {
		doc["component"] = e.Component
	}
	return doc
}

// As reports whether err is a *CoreError and returns it.
func As(err error) (*CoreError, bool) {
	ce, ok := err.(*CoreError)
	return ce, ok
}

// KindOf returns the Kind of err if it is a *CoreError, or "" otherwise.
func KindOf(err error) Kind {
	if ce, ok := err.(*CoreError); ok {
		return ce.Kind
	}
	return ""
}
