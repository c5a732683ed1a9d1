package types

import "errors"

// Sentinel errors shared by constructors across the types package.
var (
	ErrIncompleteContract    = errors.New("types: step is missing a required pre-action field (intent, hypothesis, prediction, stop_condition)")
	ErrMissingMemoryAssertion = errors.New("types: step must either cite memory or declare memory_absent")
)
