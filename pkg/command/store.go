package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced by Store implementations. The Worker checks
// these with errors.Is, matching the teacher's use of pgx.ErrNoRows /
// pgconn.PgError code-checking throughout pkg/escalation and pkg/incident.
var (
	// ErrNotFound is returned when an operation addresses a command id
	// that does not exist in this tenant's store.
	ErrNotFound = errors.New("command: not found")

	// ErrLeaseLost is returned by finalize when the caller no longer
	// holds the lease it believes it does (spec.md
	// §7, "invariant violation": log and abort, a later sweepStaleLeases
	// will recover).
	ErrLeaseLost = errors.New("command: lease lost")

	// ErrAlreadyLeased is returned by the RunOnce admin entry point when
	// the target record is currently leased (spec.md §6).
	ErrAlreadyLeased = errors.New("command: already leased")
)

// Store is the CommandStore contract (spec.md §4.2), scoped to a single
// tenant schema.
type Store interface {
	// SweepStaleLeases clears every lease with leaseUntil <= now,
	// incrementing staleLeaseCount and appending a log line. Returns the
	// number of records reclaimed. Idempotent and safe under concurrent
	// callers.
	SweepStaleLeases(ctx context.Context, now time.Time) (int, error)

	// ClaimOneDue atomically claims the single eligible record with the
	// smallest (nextRunAt, cmdId), or returns (nil, nil) if none qualify.
	ClaimOneDue(ctx context.Context, workerLabel string, leaseTTL time.Duration, now time.Time) (*Command, error)

	// Finalize applies outcome to cmdID, per spec.md §4.6. Returns
	// ErrLeaseLost if workerLabel no longer holds the lease.
	Finalize(ctx context.Context, cmdID uuid.UUID, workerLabel string, cronPlanner CronNext, outcome Outcome) error

	// AppendLogs appends lines to the command's log array. Never
	// truncates (spec.md leaves any bound to the store; this store
	// enforces none).
	AppendLogs(ctx context.Context, cmdID uuid.UUID, lines []string) error

	// SetSchedule implements the /set-next-run-at control signal: sets
	// status=PENDING, clears the lease, disabled=false, appends a log
	// line.
	SetSchedule(ctx context.Context, cmdID uuid.UUID, nextRunAt time.Time, reason string) error

	// SetDisabled implements the /disable control signal and external
	// admin cancellation: sets status=DISABLED, disabled=true, clears
	// the lease, appends a log line.
	SetDisabled(ctx context.Context, cmdID uuid.UUID, reason string) error

	// RunOnce is the admin entry point (spec.md §6): sets nextRunAt=now
	// and disabled=false. Fails with ErrAlreadyLeased if the record is
	// currently leased.
	RunOnce(ctx context.Context, cmdID uuid.UUID, now time.Time) error

	// Get returns a single command by id, for tests and admin tooling.
	Get(ctx context.Context, cmdID uuid.UUID) (*Command, error)
}
