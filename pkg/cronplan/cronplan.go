// Package cronplan computes the next fire instant for a standard 5-field
// UTC cron expression.
package cronplan

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpr is returned when a cron expression cannot be parsed.
type ErrInvalidExpr struct {
	Expr string
	Err  error
}

func (e *ErrInvalidExpr) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *ErrInvalidExpr) Unwrap() error { return e.Err }

// Planner computes next-fire instants for cron expressions. A Planner is
// safe for concurrent use; it holds no mutable state beyond the parser
// configuration.
type Planner struct {
	parser cron.Parser
}

// New returns a Planner using standard 5-field (minute hour dom month dow)
// cron syntax.
func New() *Planner {
	return &Planner{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Next returns the smallest instant strictly greater than or equal to from
// that satisfies expr, in UTC, at minute granularity.
func (p *Planner) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := p.parser.Parse(expr)
	if err != nil {
		return time.Time{}, &ErrInvalidExpr{Expr: expr, Err: err}
	}

	// cron.Schedule.Next returns the smallest instant strictly AFTER its
	// argument; spec semantics want strictly >= from. Asking for the
	// instant after (from - 1ns) converts "after" into "at-or-after"
	// without re-admitting any fire strictly before from.
	next := sched.Next(from.UTC().Add(-time.Nanosecond))
	return next.UTC(), nil
}
