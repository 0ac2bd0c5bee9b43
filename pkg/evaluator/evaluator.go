// Package evaluator implements the Evaluator port (spec.md §4.6, §9): it
// runs a decrypted program string under a wall-clock budget against a
// supplied effect table. The program language is an implementation
// detail of the Evaluator — spec.md §9 explicitly calls this "pluggable
// and out of core scope." This package ships one reference
// implementation, a newline-delimited JSON op interpreter, since no
// embeddable scripting engine is a dependency anywhere in the example
// corpus this module was built from.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/commandrunner/pkg/effect"
)

// ErrTimeout is returned when a program does not complete within its
// budget (spec.md §7, error code TIMEOUT).
var ErrTimeout = errors.New("evaluator: budget exceeded")

// ProgramError wraps a terminal error raised by the program itself (not
// a control signal), preserving an error code if the program supplied
// one (spec.md §4.6 step 3, §7).
type ProgramError struct {
	Message string
	Code    string
}

func (e *ProgramError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Evaluator runs a decrypted program under a wall-clock budget.
// Run returns:
//   - nil on clean completion,
//   - an error satisfying errors.As(err, *effect.ControlSignal) if the
//     program raised /disable or /set-next-run-at,
//   - ErrTimeout if the budget elapsed,
//   - a *ProgramError (or other error) for any other program failure.
type Evaluator interface {
	Run(ctx context.Context, program string, effects *effect.EffectTable, budget time.Duration) error
}

// Interpreter is the narrow surface a concrete program-running engine
// must implement; BudgetRunner wraps it with the budget/isolation
// enforcement spec.md §4.6 requires of every Evaluator.
type Interpreter interface {
	Interpret(ctx context.Context, program string, effects *effect.EffectTable) error
}

// BudgetRunner adapts any Interpreter into a full Evaluator by running it
// in its own goroutine under context.WithTimeout, bounding the blocking
// work with a goroutine+channel+select.
// This is what gives the program isolation from the host clock: the
// interpreter observes only the ctx it is handed and the effects table,
// never wall-clock time directly.
type BudgetRunner struct {
	interp Interpreter
}

// NewBudgetRunner wraps interp as a full Evaluator.
func NewBudgetRunner(interp Interpreter) *BudgetRunner {
	return &BudgetRunner{interp: interp}
}

func (r *BudgetRunner) Run(ctx context.Context, program string, effects *effect.EffectTable, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.interp.Interpret(ctx, program, effects)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}
