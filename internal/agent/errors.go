package agent

import (
	"errors"
	"fmt"
	"time"
)

// Iteration terminal states. An iteration either produces a final reply or
// aborts on a budget/sandbox class error; everything else is fed back to
// the model.
type IterationState string

const (
	StateFinal   IterationState = "final"
	StateAborted IterationState = "aborted"
)

// BudgetExceededError terminates an iteration when the step or wall-clock
// budget runs out. Always terminal; the user gets a visible failure reply.
type BudgetExceededError struct {
	Kind  string // "steps" | "wallclock"
	Limit string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s: %s)", e.Kind, e.Limit)
}

// IsBudgetExceeded reports whether err is a budget exhaustion.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

func stepBudgetError(maxSteps int) error {
	return &BudgetExceededError{Kind: "steps", Limit: fmt.Sprintf("%d", maxSteps)}
}

func wallClockBudgetError(d time.Duration) error {
	return &BudgetExceededError{Kind: "wallclock", Limit: d.String()}
}
