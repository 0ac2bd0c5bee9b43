package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventKind names a structured telemetry event (spec.md §2 row 12: "claims,
// executions, retries").
type EventKind string

const (
	EventClaimed             EventKind = "claimed"
	EventSucceeded           EventKind = "succeeded"
	EventFailed              EventKind = "failed"
	EventRetried             EventKind = "retried"
	EventDisabled            EventKind = "disabled"
	EventRescheduled         EventKind = "rescheduled"
	EventStaleLeaseReclaimed EventKind = "stale_lease_reclaimed"
)

// Event is one structured telemetry record emitted by the Worker.
type Event struct {
	Kind         EventKind
	TenantID     string
	TenantSchema string
	CommandID    uuid.UUID
	WorkerLabel  string
	DurationMs   int64
	ErrorCode    string
	Detail       string
	At           time.Time
}

// TelemetrySink is the write-only port the core depends on (spec.md §6).
// Implementations MUST NOT block the caller for long — the Worker emits
// events on its own hot path.
type TelemetrySink interface {
	Record(ctx context.Context, ev Event)
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered TelemetrySink. Events are pushed onto an
// internal channel and flushed to the run_events table of each tenant
// schema by a background goroutine; every event is also logged
// immediately via slog so operators see activity even while a batch is
// still buffered.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Event
	wg      sync.WaitGroup
}

// NewWriter creates a telemetry Writer. Call Start to begin flushing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Event, bufferSize),
	}
}

// Start begins the background flush loop in its own goroutine and returns
// at once. Close waits for that loop to drain and exit.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background loop to drain and exit. Call after the
// context passed to Start has been cancelled.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Record enqueues ev for async persistence and logs it immediately. It
// never blocks the caller; if the buffer is full the event is dropped
// from the persisted stream (but still logged) and a warning is emitted.
func (w *Writer) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	w.logger.Info("command run event",
		"kind", ev.Kind,
		"tenant", ev.TenantID,
		"command_id", ev.CommandID,
		"worker", ev.WorkerLabel,
		"duration_ms", ev.DurationMs,
		"error_code", ev.ErrorCode,
	)

	select {
	case w.entries <- ev:
	default:
		w.logger.Warn("telemetry buffer full, dropping event", "kind", ev.Kind, "tenant", ev.TenantID)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of events to run_events, grouped by tenant schema.
func (w *Writer) flush(events []Event) {
	bySchema := make(map[string][]Event)
	for _, ev := range events {
		bySchema[ev.TenantSchema] = append(bySchema[ev.TenantSchema], ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for schema, schemaEvents := range bySchema {
		if schema == "" {
			w.logger.Warn("telemetry event without tenant schema, skipping", "count", len(schemaEvents))
			continue
		}
		if err := w.flushSchema(ctx, schema, schemaEvents); err != nil {
			w.logger.Error("flushing telemetry events", "error", err, "schema", schema)
		}
	}
}

func (w *Writer) flushSchema(ctx context.Context, schema string, events []Event) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	for _, ev := range events {
		_, err := conn.Exec(ctx, `
			INSERT INTO run_events (command_id, kind, worker_label, duration_ms, error_code, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.CommandID, string(ev.Kind), ev.WorkerLabel, ev.DurationMs, ev.ErrorCode, ev.Detail, ev.At,
		)
		if err != nil {
			w.logger.Error("writing run event", "error", err, "kind", ev.Kind, "schema", schema)
		}
	}
	return nil
}
