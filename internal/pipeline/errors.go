package pipeline

import (
	"fmt"

	"github.com/bull/ragsworth/internal/domain"
)

// StageError reports which stage of a chain failed and with what kind.
// Message is the cause's text with PII masked; the cause itself is not
// reachable through the error, only its kinds are, so errors.Is works
// without exposing the raw text.
type StageError struct {
	Flow    string
	Stage   string
	Kind    error
	Message string

	kinds []error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s pipeline: stage %s failed (%s): %s", e.Flow, e.Stage, domain.KindName(e.Kind), e.Message)
}

// Unwrap exposes every kind carried by the cause.
func (e *StageError) Unwrap() []error {
	return e.kinds
}

func newStageError(flow, stage string, kind error, kinds []error, message string) *StageError {
	if len(kinds) == 0 || kinds[0] != kind {
		kinds = append([]error{kind}, kinds...)
	}
	return &StageError{Flow: flow, Stage: stage, Kind: kind, Message: message, kinds: kinds}
}
