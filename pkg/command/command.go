// Package command implements the Command domain model and its persistent
// store contract: the central durable record pairing an encrypted program
// with a schedule and execution bookkeeping.
package command

import (
	"time"

	"github.com/google/uuid"
)

// Action is the write-once action a command was created with.
type Action string

const (
	ActionRegisterRecurring Action = "REGISTER_RECURRING"
	ActionRunNowThenRecur   Action = "RUN_NOW_THEN_RECUR"
	ActionRunOnce           Action = "RUN_ONCE"
	ActionRegisterDisabled  Action = "REGISTER_DISABLED"
	ActionRegisterActive    Action = "REGISTER_ACTIVE"
)

// Status is the command's position in the state machine.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusRunning       Status = "RUNNING"
	StatusSucceededOnce Status = "SUCCEEDED_ONCE"
	StatusFailed        Status = "FAILED"
	StatusDisabled      Status = "DISABLED"
)

// Error codes assigned to lastErrorCode / runLogs[i].error.code.
const (
	ErrorCodeDecryptFailed = "DECRYPT_FAILED"
	ErrorCodeTimeout       = "TIMEOUT"
	ErrorCodeUnexpected    = "UNEXPECTED"
)

// RunLogEntry is one structured record of a completed execution attempt.
type RunLogEntry struct {
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationMs      int64     `json:"durationMs"`
	EntitiesTouched int       `json:"entitiesTouched"`
	Summary         string    `json:"summary"`
	Error           *RunError `json:"error,omitempty"`
}

// RunError is the error shape embedded in a failed RunLogEntry.
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// Command is the central persisted entity (spec.md §3).
type Command struct {
	ID       uuid.UUID
	TenantID string
	UserID   string
	Source   string

	Ciphertext []byte

	Action   Action
	CronExpr string

	NextRunAt      *time.Time
	TerminateAfter *time.Time
	Disabled       bool
	Status         Status

	LeaseHolder string
	LeaseUntil  *time.Time

	RetryCount   int
	MaxRetries   int
	RetryBackoff time.Duration

	RunCount        int
	SuccessCount    int
	FailureCount    int
	EntitiesTouched int
	LastDurationMs  int64
	LastExecutedAt  *time.Time
	LastErrorCode   string
	StaleLeaseCount int

	Logs    []string
	RunLogs []RunLogEntry

	ActionAppliedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OutcomeKind says whether one execution attempt succeeded or failed, for CommandStore.finalize.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome is passed to CommandStore.finalize (spec.md §4.6).
type Outcome struct {
	Kind OutcomeKind

	StartedAt  time.Time
	EndedAt    time.Time
	DurationMs int64

	EntitiesTouched int
	Summary         string

	// ErrorMessage/ErrorCode/ErrorStack are set only when Kind == OutcomeFailure.
	ErrorMessage string
	ErrorCode    string
	ErrorStack   string
}
