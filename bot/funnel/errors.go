package funnel

import (
	"errors"
	"fmt"

	"FunnelBot/entity"
)

var (
	// ErrStateConflict is returned by a state store when the stored version moved.
	ErrStateConflict = errors.New("user state conflict")
	// ErrTransitionBudget marks an advance aborted by the per-event transition ceiling.
	ErrTransitionBudget = errors.New("transition budget exhausted")
	ErrFunnelNotFound   = errors.New("funnel not found")
)

// ConfigurationError describes a funnel that cannot be activated.
type ConfigurationError struct {
	FunnelID string
	StepID   string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("funnel %s step %s: %s", e.FunnelID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("funnel %s: %s", e.FunnelID, e.Reason)
}

func configError(funnelID, stepID, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{FunnelID: funnelID, StepID: stepID, Reason: fmt.Sprintf(format, args...)}
}

// ExhaustedTransitionBudget is a runaway cycle detected while advancing.
type ExhaustedTransitionBudget struct {
	FunnelID string
	StepID   string
	Budget   int
}

func (e *ExhaustedTransitionBudget) Error() string {
	return fmt.Sprintf("funnel %s: %d transitions without waiting, last step %s", e.FunnelID, e.Budget, e.StepID)
}

func (e *ExhaustedTransitionBudget) Is(target error) bool {
	return target == ErrTransitionBudget
}

// ValidationFailure is a user reply that does not satisfy the step's input rule.
type ValidationFailure struct {
	StepID string
	Input  entity.InputType
	Reason string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("step %s: invalid %s input: %s", e.StepID, e.Input, e.Reason)
}

// TransientActionFailure is an action that failed but may succeed on retry.
type TransientActionFailure struct {
	Action entity.ActionType
	Err    error
}

func (e *TransientActionFailure) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *TransientActionFailure) Unwrap() error {
	return e.Err
}
