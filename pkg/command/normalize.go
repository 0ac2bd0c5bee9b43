package command

import "time"

// NormalizeInitialAction applies the initial-action normalizer (spec.md
// §4.1) once, when a record is introduced. It is pure and does not touch
// any store; callers that create command records invoke it before the
// first persist.
func NormalizeInitialAction(c Command, now time.Time) Command {
	switch c.Action {
	case ActionRegisterRecurring, ActionRegisterActive:
		c.Disabled = false
		if c.NextRunAt == nil {
			// Caller must supply a CronPlanner; see NormalizeInitialActionCron.
		}
	case ActionRunNowThenRecur:
		c.Disabled = false
		if c.NextRunAt == nil {
			t := now
			c.NextRunAt = &t
		}
	case ActionRunOnce:
		c.Disabled = false
		if c.NextRunAt == nil {
			t := now
			c.NextRunAt = &t
		}
	case ActionRegisterDisabled:
		c.Disabled = true
	default:
		// Unknown action: no-op, caller's responsibility to validate.
		return c
	}

	t := now
	c.ActionAppliedAt = &t
	return c
}

// CronNext is the minimal surface NormalizeInitialActionCron needs from a
// CronPlanner, avoiding a dependency from this package onto pkg/cronplan.
type CronNext interface {
	Next(expr string, from time.Time) (time.Time, error)
}

// NormalizeInitialActionCron is NormalizeInitialAction extended to resolve
// a missing nextRunAt for REGISTER_RECURRING/REGISTER_ACTIVE from the
// command's cronExpr, per the table in spec.md §4.1. Callers that can
// supply a CronPlanner should prefer this over the plain function.
func NormalizeInitialActionCron(c Command, now time.Time, planner CronNext) (Command, error) {
	c = NormalizeInitialAction(c, now)

	switch c.Action {
	case ActionRegisterRecurring, ActionRegisterActive:
		if c.NextRunAt == nil {
			next, err := planner.Next(c.CronExpr, now)
			if err != nil {
				return c, err
			}
			c.NextRunAt = &next
		}
	}
	return c, nil
}

// ApplyRetryDefaults fills in maxRetries/retryBackoff from the configured
// defaults (spec.md §6: "maxRetriesDefault, retryBackoffDefaultMs — apply
// when a record does not specify") when a newly registered record leaves
// them at their zero value. It is idempotent: a record that already
// specifies its own retry policy is left untouched.
func ApplyRetryDefaults(c Command, maxRetriesDefault int, retryBackoffDefault time.Duration) Command {
	if c.MaxRetries == 0 {
		c.MaxRetries = maxRetriesDefault
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = retryBackoffDefault
	}
	return c
}
