package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow slice of pgx this store needs. Both *pgxpool.Pool and
// *pgxpool.Conn satisfy it, so a caller may hand this store either a bare
// pool (connections pick up whatever search_path they last had) or a
// single acquired connection pinned to one tenant's schema via SET
// search_path — the pattern the Worker uses, grounded on
// pkg/escalation/engine.go's processTenant.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is the production Store, scoped to one tenant's PostgreSQL
// schema. The caller is responsible for handing this store a connection
// already bound to that schema (via SET search_path), the same pattern
// the teacher uses throughout pkg/escalation and pkg/incident.
type PostgresStore struct {
	db DB
}

// NewPostgresStore returns a Store backed by db. db must already have its
// search_path set to the owning tenant's schema.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const commandColumns = `id, tenant_id, user_id, source, ciphertext, action, cron_expr,
	next_run_at, terminate_after, disabled, status, lease_holder, lease_until,
	retry_count, max_retries, retry_backoff_ms, run_count, success_count,
	failure_count, entities_touched, last_duration_ms, last_executed_at,
	last_error_code, stale_lease_count, logs, run_logs, action_applied_at,
	created_at, updated_at`

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	var retryBackoffMs int64
	var logsRaw, runLogsRaw []byte
	err := row.Scan(
		&c.ID, &c.TenantID, &c.UserID, &c.Source, &c.Ciphertext, &c.Action, &c.CronExpr,
		&c.NextRunAt, &c.TerminateAfter, &c.Disabled, &c.Status, &c.LeaseHolder, &c.LeaseUntil,
		&c.RetryCount, &c.MaxRetries, &retryBackoffMs, &c.RunCount, &c.SuccessCount,
		&c.FailureCount, &c.EntitiesTouched, &c.LastDurationMs, &c.LastExecutedAt,
		&c.LastErrorCode, &c.StaleLeaseCount, &logsRaw, &runLogsRaw, &c.ActionAppliedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.RetryBackoff = time.Duration(retryBackoffMs) * time.Millisecond

	if len(logsRaw) > 0 {
		if err := json.Unmarshal(logsRaw, &c.Logs); err != nil {
			return nil, fmt.Errorf("unmarshaling logs: %w", err)
		}
	}
	if len(runLogsRaw) > 0 {
		if err := json.Unmarshal(runLogsRaw, &c.RunLogs); err != nil {
			return nil, fmt.Errorf("unmarshaling run_logs: %w", err)
		}
	}
	return &c, nil
}

// Get returns a single command by id.
func (s *PostgresStore) Get(ctx context.Context, cmdID uuid.UUID) (*Command, error) {
	row := s.db.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, cmdID)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting command %s: %w", cmdID, err)
	}
	return c, nil
}

// SweepStaleLeases implements spec.md §4.2: for every record with
// leaseUntil <= now and a held lease, clear the lease and increment
// staleLeaseCount. A single conditional UPDATE makes this safe against
// concurrent callers.
func (s *PostgresStore) SweepStaleLeases(ctx context.Context, now time.Time) (int, error) {
	line, err := logLineJSON(now, "stale lease auto-released")
	if err != nil {
		return 0, err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE commands
		SET status = $3,
		    lease_holder = '',
		    lease_until = NULL,
		    stale_lease_count = stale_lease_count + 1,
		    logs = logs || $2::jsonb,
		    updated_at = $1
		WHERE lease_until <= $1 AND lease_holder <> ''`,
		now, line, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimOneDue implements spec.md §4.2/§4.6: atomically finds and claims
// the single eligible record with the smallest (nextRunAt, id), grounded
// on the pack's dist-job-scheduler ClaimAndFire: a transaction holds a
// row lock via FOR UPDATE SKIP LOCKED so concurrent workers never
// contend on the same candidate, then a plain UPDATE commits the claim.
func (s *PostgresStore) ClaimOneDue(ctx context.Context, workerLabel string, leaseTTL time.Duration, now time.Time) (*Command, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id FROM commands
		WHERE disabled = false
		  AND status = $2
		  AND next_run_at <= $1
		  AND (lease_holder = '' OR lease_until <= $1)
		  AND (terminate_after IS NULL OR terminate_after > $1)
		ORDER BY next_run_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		now, StatusPending,
	)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting claim candidate: %w", err)
	}

	leaseUntil := now.Add(leaseTTL)
	line, err := logLineJSON(now, fmt.Sprintf("claimed by %s", workerLabel))
	if err != nil {
		return nil, err
	}

	result := tx.QueryRow(ctx, `
		UPDATE commands
		SET status = $3, lease_holder = $2, lease_until = $4, logs = logs || $5::jsonb, updated_at = $1
		WHERE id = $6
		RETURNING `+commandColumns,
		now, workerLabel, StatusRunning, leaseUntil, line, id,
	)
	claimed, err := scanCommand(result)
	if err != nil {
		return nil, fmt.Errorf("claiming command %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// Finalize implements spec.md §4.6. The caller (the Worker) always invokes
// Finalize first for both clean completions and control-signal
// terminations (both are "success path"); a subsequent SetDisabled or
// SetSchedule call then overrides status/nextRunAt/disabled as needed.
func (s *PostgresStore) Finalize(ctx context.Context, cmdID uuid.UUID, workerLabel string, cronPlanner CronNext, outcome Outcome) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1 FOR UPDATE`, cmdID)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading command %s for finalize: %w", cmdID, err)
	}
	if c.LeaseHolder != workerLabel {
		return ErrLeaseLost
	}

	entry := RunLogEntry{
		StartedAt:       outcome.StartedAt,
		EndedAt:         outcome.EndedAt,
		DurationMs:      outcome.DurationMs,
		EntitiesTouched: outcome.EntitiesTouched,
		Summary:         outcome.Summary,
	}

	var status Status
	var nextRunAt *time.Time
	var retryCount int
	var lastErrorCode string

	switch outcome.Kind {
	case OutcomeSuccess:
		retryCount = 0
		if c.Action == ActionRunOnce {
			status = StatusSucceededOnce
		} else {
			status = StatusPending
			next, err := cronPlanner.Next(c.CronExpr, outcome.EndedAt)
			if err != nil {
				return fmt.Errorf("computing next run: %w", err)
			}
			nextRunAt = &next
		}
	case OutcomeFailure:
		retryCount = c.RetryCount + 1
		lastErrorCode = outcome.ErrorCode
		if lastErrorCode == "" {
			lastErrorCode = ErrorCodeUnexpected
		}
		entry.Error = &RunError{Message: outcome.ErrorMessage, Code: lastErrorCode, Stack: outcome.ErrorStack}
		if retryCount <= c.MaxRetries {
			status = StatusPending
			next := outcome.EndedAt.Add(c.RetryBackoff)
			nextRunAt = &next
		} else {
			status = StatusFailed
		}
	default:
		return fmt.Errorf("finalize: unknown outcome kind %q", outcome.Kind)
	}

	runLogs := append(append([]RunLogEntry{}, c.RunLogs...), entry)
	runLogsJSON, err := json.Marshal(runLogs)
	if err != nil {
		return fmt.Errorf("marshaling run logs: %w", err)
	}

	disabled := c.Disabled
	if status == StatusSucceededOnce {
		disabled = true
	}

	line, err := logLineJSON(outcome.EndedAt, entry.Summary)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE commands SET
			status = $2, disabled = $3, next_run_at = COALESCE($4, next_run_at),
			lease_holder = '', lease_until = NULL,
			run_count = run_count + 1,
			success_count = success_count + $5,
			failure_count = failure_count + $6,
			retry_count = $7,
			entities_touched = $8,
			last_duration_ms = $9,
			last_executed_at = $10,
			last_error_code = $11,
			logs = logs || $12::jsonb,
			run_logs = $13::jsonb,
			updated_at = $14
		WHERE id = $1`,
		cmdID, status, disabled, nextRunAt,
		boolToInt(outcome.Kind == OutcomeSuccess),
		boolToInt(outcome.Kind == OutcomeFailure),
		retryCount, outcome.EntitiesTouched, outcome.DurationMs, outcome.EndedAt,
		lastErrorCode, line, runLogsJSON, outcome.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("finalizing command %s: %w", cmdID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing finalize: %w", err)
	}
	return nil
}

// AppendLogs appends lines to the command's log array. Never truncates.
func (s *PostgresStore) AppendLogs(ctx context.Context, cmdID uuid.UUID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshaling log lines: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE commands SET logs = logs || $2::jsonb, updated_at = now() WHERE id = $1`, cmdID, raw)
	if err != nil {
		return fmt.Errorf("appending logs to %s: %w", cmdID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSchedule implements the /set-next-run-at effect (spec.md §4.2).
func (s *PostgresStore) SetSchedule(ctx context.Context, cmdID uuid.UUID, nextRunAt time.Time, reason string) error {
	line, err := logLineJSON(nextRunAt, reason)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE commands
		SET status = $2, disabled = false, next_run_at = $3,
		    lease_holder = '', lease_until = NULL,
		    logs = logs || $4::jsonb, updated_at = now()
		WHERE id = $1`,
		cmdID, StatusPending, nextRunAt, line,
	)
	if err != nil {
		return fmt.Errorf("setting schedule for %s: %w", cmdID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDisabled implements the /disable effect and external admin
// cancellation (spec.md §4.2).
func (s *PostgresStore) SetDisabled(ctx context.Context, cmdID uuid.UUID, reason string) error {
	line, err := logLineJSON(time.Now().UTC(), reason)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE commands
		SET status = $2, disabled = true,
		    lease_holder = '', lease_until = NULL,
		    logs = logs || $3::jsonb, updated_at = now()
		WHERE id = $1`,
		cmdID, StatusDisabled, line,
	)
	if err != nil {
		return fmt.Errorf("disabling command %s: %w", cmdID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RunOnce is the admin entry point (spec.md §6): forces nextRunAt=now and
// disabled=false, rejecting records that are currently leased.
func (s *PostgresStore) RunOnce(ctx context.Context, cmdID uuid.UUID, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE commands
		SET next_run_at = $2, disabled = false, status = $3, updated_at = $2
		WHERE id = $1 AND (lease_holder = '' OR lease_until <= $2)`,
		cmdID, now, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("running command %s now: %w", cmdID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, cmdID); err != nil {
			return err
		}
		return ErrAlreadyLeased
	}
	return nil
}

func logLineJSON(at time.Time, line string) ([]byte, error) {
	formatted := fmt.Sprintf("%s %s", at.UTC().Format(time.RFC3339), line)
	raw, err := json.Marshal([]string{formatted})
	if err != nil {
		return nil, fmt.Errorf("marshaling log line: %w", err)
	}
	return raw, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
