// Package worker implements the polling loop (spec.md §2 row 9, §4.6): one
// instance per process, repeatedly claiming a single due command across
// tenants and driving it through decrypt → evaluate → finalize.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/commandrunner/pkg/cipher"
	"github.com/wisbric/commandrunner/pkg/clock"
	"github.com/wisbric/commandrunner/pkg/command"
	"github.com/wisbric/commandrunner/pkg/effect"
	"github.com/wisbric/commandrunner/pkg/entity"
	"github.com/wisbric/commandrunner/pkg/evaluator"
	"github.com/wisbric/commandrunner/pkg/tenant"
)

// Clock is the injectable time source (spec.md §2 row 1), aliased from
// pkg/clock so tests and production wiring share one definition.
type Clock = clock.Clock

// SystemClock is the production Clock.
var SystemClock Clock = clock.New()

// MetricsSink is the narrow slice of telemetry.MetricsSink the Worker
// writes to.
type MetricsSink interface {
	CommandClaimed(tenantID string)
	CommandSucceeded(tenantID string, duration time.Duration)
	CommandFailed(tenantID, errorCode string, duration time.Duration)
	CommandRetried(tenantID string)
	StaleLeaseReclaimed(tenantID string)
	EntitiesTouched(tenantID string, count int)
}

// TelemetryEvent and TelemetrySink mirror internal/telemetry so this
// package never imports it directly (spec.md §1: the core must not know
// how telemetry is shipped).
type TelemetryEvent struct {
	Kind        string
	TenantID    string
	CommandID   uuid.UUID
	WorkerLabel string
	DurationMs  int64
	ErrorCode   string
	Detail      string
	At          time.Time
}

type TelemetrySink interface {
	Record(ctx context.Context, ev TelemetryEvent)
}

// StoreFactory builds the per-tenant CommandStore/EntityStore pair bound
// to one tenant's schema, and a release function the Worker calls when
// done with them (releasing a pooled connection back to the pool — the
// same acquire/SET search_path/release shape as
// pkg/escalation/engine.go's processTenant).
type StoreFactory interface {
	Open(ctx context.Context, t tenant.Info) (command.Store, entity.Store, func(), error)
}

// Config carries the tick-loop tunables from spec.md §6. maxRetriesDefault
// and retryBackoffDefaultMs are also named there, but they apply at command
// registration time (see command.ApplyRetryDefaults), not here: by the time
// a Worker claims a record, its retry policy is already fixed.
type Config struct {
	Label             string
	TickInterval      time.Duration
	InterCommandDelay time.Duration
	LeaseTTL          time.Duration
	EvaluatorBudget   time.Duration
	DecryptKey        []byte
}

// Worker is the single cooperative polling loop described in spec.md
// §4.6. A process may host one or several, each with a distinct label;
// Workers share no mutable state.
type Worker struct {
	cfg          Config
	registry     tenant.Registry
	stores       StoreFactory
	cronPlanner  command.CronNext
	evalr        evaluator.Evaluator
	passthroughs *effect.PassthroughRegistry
	metrics      MetricsSink
	telemetry    TelemetrySink
	clock        Clock
	logger       *slog.Logger
}

// New builds a Worker. Any of metrics/telemetry/logger may be nil;
// nil-safety is handled internally so tests don't need fakes for the ones
// they don't care about.
func New(
	cfg Config,
	registry tenant.Registry,
	stores StoreFactory,
	cronPlanner command.CronNext,
	evalr evaluator.Evaluator,
	passthroughs *effect.PassthroughRegistry,
	metrics MetricsSink,
	telemetry TelemetrySink,
	clock Clock,
	logger *slog.Logger,
) *Worker {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:          cfg,
		registry:     registry,
		stores:       stores,
		cronPlanner:  cronPlanner,
		evalr:        evalr,
		passthroughs: passthroughs,
		metrics:      metrics,
		telemetry:    telemetry,
		clock:        clock,
		logger:       logger,
	}
}

// Run blocks, ticking at cfg.TickInterval, until ctx is cancelled. A
// TickInterval of 0 disables polling entirely (spec.md §6); Run then just
// waits for ctx to be cancelled, and RunOnce/admin entry points are the
// only way work happens.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "label", w.cfg.Label, "tick_interval", w.cfg.TickInterval)

	if w.cfg.TickInterval <= 0 {
		<-ctx.Done()
		w.logger.Info("worker stopped", "label", w.cfg.Label)
		return nil
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped", "label", w.cfg.Label)
			return nil
		case <-timer.C:
			claimed, err := w.tick(ctx)
			if err != nil {
				w.logger.Error("worker tick", "label", w.cfg.Label, "error", err)
			}
			if claimed {
				timer.Reset(w.cfg.InterCommandDelay)
			} else {
				timer.Reset(w.cfg.TickInterval)
			}
		}
	}
}

// tick implements spec.md §4.6's Tick: sweep every tenant's stale leases,
// then drain due commands one at a time in registry order, sleeping
// InterCommandDelay between successive claims, until a full pass over the
// registry finds nothing. Returns whether any command was claimed this
// tick (the caller uses this to pick the next sleep).
func (w *Worker) tick(ctx context.Context) (bool, error) {
	tenants, err := w.registry.List(ctx)
	if err != nil {
		return false, fmt.Errorf("listing tenants: %w", err)
	}

	now := w.clock.Now()
	for _, t := range tenants {
		if err := w.sweepTenant(ctx, t, now); err != nil {
			w.logger.Error("sweeping stale leases", "tenant", t.Slug, "error", err)
		}
	}

	claimedAny := false
	for {
		claimed, err := w.claimAndRunFirst(ctx, tenants)
		if err != nil {
			return claimedAny, err
		}
		if !claimed {
			return claimedAny, nil
		}
		claimedAny = true

		select {
		case <-ctx.Done():
			return claimedAny, nil
		case <-time.After(w.cfg.InterCommandDelay):
		}
	}
}

func (w *Worker) sweepTenant(ctx context.Context, t tenant.Info, now time.Time) error {
	cmdStore, _, release, err := w.stores.Open(ctx, t)
	if err != nil {
		return fmt.Errorf("opening tenant %s: %w", t.Slug, err)
	}
	defer release()

	reclaimed, err := cmdStore.SweepStaleLeases(ctx, now)
	if err != nil {
		return err
	}
	if reclaimed == 0 {
		return nil
	}

	if w.metrics != nil {
		for i := 0; i < reclaimed; i++ {
			w.metrics.StaleLeaseReclaimed(t.Slug)
		}
	}
	w.emit(ctx, TelemetryEvent{Kind: "stale_lease_reclaimed", TenantID: t.Slug, WorkerLabel: w.cfg.Label, Detail: fmt.Sprintf("reclaimed %d", reclaimed), At: now})
	return nil
}

// claimAndRunFirst tries each tenant in order, stopping at the first one
// that yields a due command (spec.md §4.6 step 3: "the first non-null
// result wins").
func (w *Worker) claimAndRunFirst(ctx context.Context, tenants []tenant.Info) (bool, error) {
	for _, t := range tenants {
		claimed, err := w.claimAndRunTenant(ctx, t)
		if err != nil {
			w.logger.Error("processing tenant", "tenant", t.Slug, "error", err)
			continue
		}
		if claimed {
			return true, nil
		}
	}
	return false, nil
}

func (w *Worker) claimAndRunTenant(ctx context.Context, t tenant.Info) (bool, error) {
	cmdStore, entStore, release, err := w.stores.Open(ctx, t)
	if err != nil {
		return false, fmt.Errorf("opening tenant %s: %w", t.Slug, err)
	}
	defer release()

	now := w.clock.Now()
	cmd, err := cmdStore.ClaimOneDue(ctx, w.cfg.Label, w.cfg.LeaseTTL, now)
	if err != nil {
		return false, fmt.Errorf("claiming in tenant %s: %w", t.Slug, err)
	}
	if cmd == nil {
		return false, nil
	}

	if w.metrics != nil {
		w.metrics.CommandClaimed(t.Slug)
	}
	w.emit(ctx, TelemetryEvent{Kind: "claimed", TenantID: t.Slug, CommandID: cmd.ID, WorkerLabel: w.cfg.Label, At: now})

	w.execute(ctx, t, cmdStore, entStore, cmd)
	return true, nil
}

// execute runs one claimed command end to end (spec.md §4.6 "Execution of
// one command") and finalizes it. Errors are logged, not returned — a
// failed finalize here is recovered by the next sweepStaleLeases cycle
// (spec.md §7, "invariant violation").
func (w *Worker) execute(ctx context.Context, t tenant.Info, cmdStore command.Store, entStore entity.Store, cmd *command.Command) {
	startedAt := w.clock.Now()

	plaintext, err := w.decrypt(cmd)
	if err != nil {
		w.finalizeFailure(ctx, t, cmdStore, cmd, startedAt, command.ErrorCodeDecryptFailed, err.Error(), "")
		return
	}

	table := effect.New(
		effect.Binding{TenantID: t.Slug, UserID: cmd.UserID, Source: cmd.Source, CommandID: cmd.ID},
		entStore,
		cmdStore,
		w.passthroughs,
	)

	runErr := w.evalr.Run(ctx, string(plaintext), table, w.cfg.EvaluatorBudget)
	endedAt := w.clock.Now()
	touched := table.EntitiesTouched()

	switch {
	case runErr == nil:
		w.finalizeSuccess(ctx, t, cmdStore, cmd, startedAt, endedAt, touched, "completed", nil)

	default:
		if cs, ok := effect.AsControlSignal(runErr); ok {
			w.finalizeSuccess(ctx, t, cmdStore, cmd, startedAt, endedAt, touched, cs.Error(), &cs)
			return
		}
		if errors.Is(runErr, evaluator.ErrTimeout) {
			w.finalizeFailureDuration(ctx, t, cmdStore, cmd, startedAt, endedAt, touched, command.ErrorCodeTimeout, "evaluator budget exceeded", "")
			return
		}
		var pe *evaluator.ProgramError
		if errors.As(runErr, &pe) {
			code := pe.Code
			if code == "" {
				code = command.ErrorCodeUnexpected
			}
			w.finalizeFailureDuration(ctx, t, cmdStore, cmd, startedAt, endedAt, touched, code, pe.Message, "")
			return
		}
		w.finalizeFailureDuration(ctx, t, cmdStore, cmd, startedAt, endedAt, touched, command.ErrorCodeUnexpected, runErr.Error(), "")
	}
}

func (w *Worker) decrypt(cmd *command.Command) ([]byte, error) {
	env, err := cipher.UnmarshalEnvelope(cmd.Ciphertext)
	if err != nil {
		return nil, err
	}
	env.AdditionalData = []byte(cmd.ID.String())
	return cipher.Decrypt(env, w.cfg.DecryptKey)
}

func (w *Worker) finalizeSuccess(ctx context.Context, t tenant.Info, cmdStore command.Store, cmd *command.Command, startedAt, endedAt time.Time, touched int, summary string, signal *effect.ControlSignal) {
	outcome := command.Outcome{
		Kind:            command.OutcomeSuccess,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationMs:      endedAt.Sub(startedAt).Milliseconds(),
		EntitiesTouched: touched,
		Summary:         summary,
	}
	if err := cmdStore.Finalize(ctx, cmd.ID, w.cfg.Label, w.cronPlanner, outcome); err != nil {
		w.logger.Error("finalize success", "command", cmd.ID, "error", err)
		return
	}

	if signal != nil {
		switch signal.Kind {
		case effect.SignalCommandDisabled:
			if err := cmdStore.SetDisabled(ctx, cmd.ID, signal.Reason); err != nil {
				w.logger.Error("applying disable signal", "command", cmd.ID, "error", err)
			}
		case effect.SignalNextRunSet:
			if err := cmdStore.SetSchedule(ctx, cmd.ID, signal.Instant, signal.Reason); err != nil {
				w.logger.Error("applying set-next-run-at signal", "command", cmd.ID, "error", err)
			}
		}
	}

	if w.metrics != nil {
		w.metrics.CommandSucceeded(t.Slug, endedAt.Sub(startedAt))
		if touched > 0 {
			w.metrics.EntitiesTouched(t.Slug, touched)
		}
	}
	w.emit(ctx, TelemetryEvent{Kind: "succeeded", TenantID: t.Slug, CommandID: cmd.ID, WorkerLabel: w.cfg.Label, DurationMs: endedAt.Sub(startedAt).Milliseconds(), Detail: summary, At: endedAt})
}

func (w *Worker) finalizeFailure(ctx context.Context, t tenant.Info, cmdStore command.Store, cmd *command.Command, startedAt time.Time, errorCode, message, stack string) {
	endedAt := w.clock.Now()
	w.finalizeFailureDuration(ctx, t, cmdStore, cmd, startedAt, endedAt, 0, errorCode, message, stack)
}

func (w *Worker) finalizeFailureDuration(ctx context.Context, t tenant.Info, cmdStore command.Store, cmd *command.Command, startedAt, endedAt time.Time, touched int, errorCode, message, stack string) {
	outcome := command.Outcome{
		Kind:            command.OutcomeFailure,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationMs:      endedAt.Sub(startedAt).Milliseconds(),
		EntitiesTouched: touched,
		Summary:         message,
		ErrorMessage:    message,
		ErrorCode:       errorCode,
		ErrorStack:      stack,
	}
	if err := cmdStore.Finalize(ctx, cmd.ID, w.cfg.Label, w.cronPlanner, outcome); err != nil {
		w.logger.Error("finalize failure", "command", cmd.ID, "error", err)
		return
	}

	if w.metrics != nil {
		w.metrics.CommandFailed(t.Slug, errorCode, endedAt.Sub(startedAt))
		if cmd.RetryCount+1 <= cmd.MaxRetries {
			w.metrics.CommandRetried(t.Slug)
		}
	}
	w.emit(ctx, TelemetryEvent{Kind: "failed", TenantID: t.Slug, CommandID: cmd.ID, WorkerLabel: w.cfg.Label, DurationMs: endedAt.Sub(startedAt).Milliseconds(), ErrorCode: errorCode, Detail: message, At: endedAt})
}

func (w *Worker) emit(ctx context.Context, ev TelemetryEvent) {
	if w.telemetry == nil {
		return
	}
	w.telemetry.Record(ctx, ev)
}
