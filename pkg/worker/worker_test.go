package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/commandrunner/pkg/cipher"
	"github.com/wisbric/commandrunner/pkg/command"
	"github.com/wisbric/commandrunner/pkg/cronplan"
	"github.com/wisbric/commandrunner/pkg/effect"
	"github.com/wisbric/commandrunner/pkg/entity"
	"github.com/wisbric/commandrunner/pkg/evaluator"
	"github.com/wisbric/commandrunner/pkg/tenant"
)

var testKey = []byte("01234567890123456789012345678901")

// sealProgram encrypts program the way a command-creation path would,
// binding the additional data to id the same way Worker.decrypt does.
func sealProgram(t *testing.T, id uuid.UUID, program string) []byte {
	t.Helper()
	env, err := cipher.Encrypt([]byte(program), testKey, []byte(id.String()))
	if err != nil {
		t.Fatalf("sealing test program: %v", err)
	}
	blob, err := cipher.MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshaling test envelope: %v", err)
	}
	return blob
}

// fakeStoreFactory hands out one command.MemoryStore/entity.MemoryStore
// pair per tenant slug, pre-provisioned by newFakeStoreFactory, mirroring
// the per-tenant-schema binding PostgresStoreFactory does for real.
type fakeStoreFactory struct {
	mu    sync.Mutex
	cmds  map[string]*command.MemoryStore
	ents  map[string]*entity.MemoryStore
	opens int
}

func newFakeStoreFactory(slugs ...string) *fakeStoreFactory {
	f := &fakeStoreFactory{
		cmds: make(map[string]*command.MemoryStore),
		ents: make(map[string]*entity.MemoryStore),
	}
	for _, s := range slugs {
		f.cmds[s] = command.NewMemoryStore()
		f.ents[s] = entity.NewMemoryStore()
	}
	return f
}

func (f *fakeStoreFactory) Open(ctx context.Context, t tenant.Info) (command.Store, entity.Store, func(), error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()

	cmdStore, ok := f.cmds[t.Slug]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown tenant %s", t.Slug)
	}
	entStore := f.ents[t.Slug]
	return cmdStore, entStore, func() {}, nil
}

type staticRegistry struct {
	tenants []tenant.Info
}

func (r staticRegistry) List(ctx context.Context) ([]tenant.Info, error) {
	return r.tenants, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(cfg Config, registry tenant.Registry, stores StoreFactory, clock Clock) *Worker {
	if cfg.DecryptKey == nil {
		cfg.DecryptKey = testKey
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.EvaluatorBudget == 0 {
		cfg.EvaluatorBudget = time.Second
	}
	if cfg.Label == "" {
		cfg.Label = "worker-1"
	}
	return New(cfg, registry, stores, cronplan.New(), evaluator.NewBudgetRunner(evaluator.NewJSONInterpreter()),
		effect.NewPassthroughRegistry(nil), nil, nil, clock, nil)
}

func newTestCommand(t *testing.T, program string, now time.Time) command.Command {
	id := uuid.New()
	return command.Command{
		ID:         id,
		TenantID:   "t",
		UserID:     "u1",
		Source:     "test",
		Ciphertext: sealProgram(t, id, program),
		Action:     command.ActionRegisterRecurring,
		CronExpr:   "* * * * *",
		NextRunAt:  &now,
		MaxRetries: 2,
	}
}

// P6: a RUN_ONCE command transitions to SUCCEEDED_ONCE and disabled=true,
// and is never claimed again.
func TestWorker_RunOnceTerminality(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"add-object","type":"note","data":{"k":"v"}}`, now)
	cmd.Action = command.ActionRunOnce

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)

	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{InterCommandDelay: 0}, registry, stores, clock)

	ctx := context.Background()
	claimed, err := w.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !claimed {
		t.Fatal("expected a command to be claimed")
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusSucceededOnce {
		t.Errorf("status = %q, want %q", got.Status, command.StatusSucceededOnce)
	}
	if !got.Disabled {
		t.Error("expected disabled=true after RUN_ONCE success")
	}
	if got.EntitiesTouched != 1 {
		t.Errorf("entitiesTouched = %d, want 1", got.EntitiesTouched)
	}

	claimed, err = w.tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if claimed {
		t.Error("expected no further claims after RUN_ONCE terminal state")
	}
}

// P5: a recurring command reschedules via the cron planner after success.
func TestWorker_RecurringReschedule(t *testing.T) {
	// Off the minute boundary, so the next "* * * * *" fire is after now.
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"log","message":"ran"}`, now)

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	if _, err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusPending {
		t.Errorf("status = %q, want PENDING", got.Status)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(now) {
		t.Errorf("nextRunAt = %v, want something after %v", got.NextRunAt, now)
	}
	if got.SuccessCount != 1 || got.RunCount != 1 {
		t.Errorf("successCount/runCount = %d/%d, want 1/1", got.SuccessCount, got.RunCount)
	}
}

// P4: a program that always fails exhausts retries after maxRetries+1 runs.
func TestWorker_RetryExhaustion(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"fail","errorMessage":"boom"}`, now)
	cmd.MaxRetries = 2
	cmd.RetryBackoff = 5 * time.Second

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
		if err != nil {
			t.Fatalf("get before run %d: %v", i, err)
		}
		clock.now = *got.NextRunAt
		if _, err := w.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("final get: %v", err)
	}
	if got.Status != command.StatusFailed {
		t.Errorf("status = %q, want FAILED", got.Status)
	}
	if got.RunCount != 3 || got.FailureCount != 3 || got.RetryCount != 3 {
		t.Errorf("runCount/failureCount/retryCount = %d/%d/%d, want 3/3/3", got.RunCount, got.FailureCount, got.RetryCount)
	}
	if got.LastErrorCode != "UNEXPECTED" {
		t.Errorf("lastErrorCode = %q, want UNEXPECTED", got.LastErrorCode)
	}
	if len(got.RunLogs) != 3 || got.RunLogs[2].Error == nil || got.RunLogs[2].Error.Message != "boom" {
		t.Errorf("runLogs[2].error.message, want %q", "boom")
	}
}

// P8: the /disable control signal finalizes as success and disables the
// command via SetDisabled, not as a failed run.
func TestWorker_DisableControlSignal(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"disable","reason":"no longer needed"}`, now)

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	if _, err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusDisabled || !got.Disabled {
		t.Errorf("status/disabled = %q/%v, want DISABLED/true", got.Status, got.Disabled)
	}
	if got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("successCount/failureCount = %d/%d, want 1/0 (disable is not a failure)", got.SuccessCount, got.FailureCount)
	}
}

// P8: /set-next-run-at reschedules to the requested instant and clears
// disabled.
func TestWorker_SetNextRunAtControlSignal(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	target := now.Add(48 * time.Hour)
	program := fmt.Sprintf(`{"op":"set-next-run-at","instant":%q,"reason":"deferred"}`, target.Format(time.RFC3339))
	cmd := newTestCommand(t, program, now)

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	if _, err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusPending {
		t.Errorf("status = %q, want PENDING", got.Status)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(target) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, target)
	}
}

// P9: a program that exceeds its evaluator budget is finalized as a
// TIMEOUT failure, and the Worker does not block past the budget.
func TestWorker_BudgetTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"sleep","sleepMs":500}`, now)
	cmd.RetryBackoff = 5 * time.Second

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{EvaluatorBudget: 20 * time.Millisecond}, registry, stores, clock)

	ctx := context.Background()
	start := time.Now()
	if _, err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("tick took %v, expected to return promptly after the budget elapsed", elapsed)
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusPending {
		t.Errorf("status = %q, want PENDING (retry scheduled)", got.Status)
	}
	if got.LastErrorCode != command.ErrorCodeTimeout {
		t.Errorf("lastErrorCode = %q, want %q", got.LastErrorCode, command.ErrorCodeTimeout)
	}
}

// Cross-tenant isolation: a worker draining tenant A then B only ever
// reads/writes entities through the store bound to the tenant it is
// currently processing.
func TestWorker_CrossTenantIsolation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	cmdA := newTestCommand(t, `{"op":"add-object","type":"note","data":{"owner":"a"}}`, now)
	cmdA.TenantID = "a"
	cmdB := newTestCommand(t, `{"op":"get-objects-raw"}`, now)
	cmdB.TenantID = "b"

	stores := newFakeStoreFactory("a", "b")
	stores.cmds["a"].Put(cmdA)
	stores.cmds["b"].Put(cmdB)

	registry := staticRegistry{tenants: []tenant.Info{{Slug: "a", Schema: "tenant_a"}, {Slug: "b", Schema: "tenant_b"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	// Drain fully: both tenants have exactly one due command each tick.
	if _, err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	gotB, err := stores.cmds["b"].Get(ctx, cmdB.ID)
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if gotB.EntitiesTouched != 0 {
		t.Errorf("tenant b's run touched %d entities, want 0", gotB.EntitiesTouched)
	}
	if entsInStoreA, _ := stores.ents["a"].GetRaw(ctx, nil, nil); len(entsInStoreA) != 1 {
		t.Errorf("tenant a's store has %d entities, want 1", len(entsInStoreA))
	}
	if entsInStoreB, _ := stores.ents["b"].GetRaw(ctx, nil, nil); len(entsInStoreB) != 0 {
		t.Errorf("tenant b's store has %d entities, want 0", len(entsInStoreB))
	}
}

// P3 (worker-level): a tick sweeps stale leases before claiming, so a
// lease abandoned by a dead worker is reclaimed and the command becomes
// claimable again.
func TestWorker_StaleLeaseReclaimed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"log","message":"ran"}`, now.Add(-time.Hour))
	staleLease := now.Add(-time.Minute)
	cmd.LeaseHolder = "dead-worker"
	cmd.LeaseUntil = &staleLease
	cmd.Status = command.StatusRunning

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusRunning {
		t.Fatalf("precondition: status = %q, want RUNNING", got.Status)
	}

	// ClaimOneDue alone would refuse a RUNNING record; the sweep inside
	// tick must release the stale lease first.
	claimed, err := w.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !claimed {
		t.Fatal("expected the stale-leased command to become claimable and run")
	}

	got, err = stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("final get: %v", err)
	}
	if got.StaleLeaseCount != 1 {
		t.Errorf("staleLeaseCount = %d, want 1", got.StaleLeaseCount)
	}
	if got.RunCount != 1 {
		t.Errorf("runCount = %d, want 1", got.RunCount)
	}
}

// Decrypt failure finalizes as a failed run with DECRYPT_FAILED, never
// panics or blocks.
func TestWorker_DecryptFailureFinalizesAsFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := newTestCommand(t, `{"op":"log","message":"ran"}`, now)
	cmd.Ciphertext = []byte(`not an envelope`)

	stores := newFakeStoreFactory("acme")
	stores.cmds["acme"].Put(cmd)
	registry := staticRegistry{tenants: []tenant.Info{{Slug: "acme", Schema: "tenant_acme"}}}
	clock := newFakeClock(now)
	w := newTestWorker(Config{}, registry, stores, clock)

	ctx := context.Background()
	if _, err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := stores.cmds["acme"].Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastErrorCode != command.ErrorCodeDecryptFailed {
		t.Errorf("lastErrorCode = %q, want %q", got.LastErrorCode, command.ErrorCodeDecryptFailed)
	}
}
