package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/commandrunner/pkg/command"
	"github.com/wisbric/commandrunner/pkg/effect"
	"github.com/wisbric/commandrunner/pkg/evaluator"
	"github.com/wisbric/commandrunner/pkg/tenant"
)

// Supervisor owns a fixed pool of Workers, each with a distinct label, and
// runs them concurrently for the lifetime of a process (spec.md §2 row 9:
// "one instance per process" per Worker — a Supervisor is how a process
// hosts several). It also exposes RunOnce, an admin entry point that
// bypasses the tick loop entirely and reaches directly into a tenant's
// CommandStore.
type Supervisor struct {
	workers  []*Worker
	registry tenant.Registry
	stores   StoreFactory
	logger   *slog.Logger
}

// NewSupervisor builds count Workers sharing the same registry, stores,
// cron planner, evaluator and passthrough registry, each with a label of
// the form "<cfg.Label>-<n>" so their log lines and lease holders stay
// distinguishable. count must be at least 1.
func NewSupervisor(
	count int,
	cfg Config,
	registry tenant.Registry,
	stores StoreFactory,
	cronPlanner command.CronNext,
	evalr evaluator.Evaluator,
	passthroughs *effect.PassthroughRegistry,
	metrics MetricsSink,
	telemetry TelemetrySink,
	logger *slog.Logger,
) *Supervisor {
	if count < 1 {
		count = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseLabel := cfg.Label
	if baseLabel == "" {
		baseLabel = "worker"
	}

	workers := make([]*Worker, count)
	for i := 0; i < count; i++ {
		wcfg := cfg
		wcfg.Label = fmt.Sprintf("%s-%d", baseLabel, i+1)
		workers[i] = New(wcfg, registry, stores, cronPlanner, evalr, passthroughs, metrics, telemetry, SystemClock, logger.With("worker", wcfg.Label))
	}

	return &Supervisor{
		workers:  workers,
		registry: registry,
		stores:   stores,
		logger:   logger,
	}
}

// Run starts every Worker and blocks until ctx is cancelled or one of them
// returns an error. On return, every Worker has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting", "worker_count", len(s.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	s.logger.Info("supervisor stopped")
	return err
}

// RunOnce is the admin entry point (spec.md §4.5's "trigger a run
// immediately, independent of schedule"): it looks up the named tenant,
// opens its store, and marks the command due right now. The next Worker
// tick (of any Worker in the Supervisor, or any other process polling the
// same tenant) picks it up through the ordinary claim path — RunOnce never
// executes the program itself.
func (s *Supervisor) RunOnce(ctx context.Context, tenantSlug string, cmdID uuid.UUID) error {
	tenants, err := s.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	var target *tenant.Info
	for i := range tenants {
		if tenants[i].Slug == tenantSlug {
			target = &tenants[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown tenant %q", tenantSlug)
	}

	cmdStore, _, release, err := s.stores.Open(ctx, *target)
	if err != nil {
		return fmt.Errorf("opening tenant %s: %w", tenantSlug, err)
	}
	defer release()

	if err := cmdStore.RunOnce(ctx, cmdID, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking command %s due: %w", cmdID, err)
	}
	return nil
}
