package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newPendingCommand(action Action, nextRunAt time.Time) Command {
	return Command{
		ID:        uuid.New(),
		Action:    action,
		CronExpr:  "*/5 * * * *",
		Status:    StatusPending,
		NextRunAt: &nextRunAt,
	}
}

// TestClaimOneDue_AtomicAcrossWorkers is P1: under N concurrent workers on
// M due commands, every command is claimed by at most one worker.
func TestClaimOneDue_AtomicAcrossWorkers(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	const numCommands = 20
	ids := make([]uuid.UUID, 0, numCommands)
	for i := 0; i < numCommands; i++ {
		c := newPendingCommand(ActionRegisterRecurring, now)
		store.Put(c)
		ids = append(ids, c.ID)
	}

	claimedBy := make(map[uuid.UUID]string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	const numWorkers = 8
	for w := 0; w < numWorkers; w++ {
		label := uuid.NewString()
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			for {
				c, err := store.ClaimOneDue(context.Background(), label, time.Minute, now)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if c == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimedBy[c.ID]; ok {
					t.Errorf("command %s claimed twice: by %s and %s", c.ID, prev, label)
				}
				claimedBy[c.ID] = label
				mu.Unlock()
			}
		}(label)
	}
	wg.Wait()

	if len(claimedBy) != numCommands {
		t.Fatalf("claimed %d of %d commands", len(claimedBy), numCommands)
	}
}

// TestClaimOneDue_FairOrdering is P2.
func TestClaimOneDue_FairOrdering(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 3; i >= 0; i-- {
		store.Put(newPendingCommand(ActionRegisterRecurring, base.Add(time.Duration(i)*time.Second)))
	}

	now := base.Add(10 * time.Second)
	var order []time.Time
	for {
		c, err := store.ClaimOneDue(context.Background(), "w1", time.Minute, now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if c == nil {
			break
		}
		order = append(order, *c.NextRunAt)
	}

	if len(order) != 4 {
		t.Fatalf("expected 4 claims, got %d", len(order))
	}
	for i := 0; i < len(order)-1; i++ {
		if order[i].After(order[i+1]) {
			t.Errorf("claim order not ascending by nextRunAt: %v then %v", order[i], order[i+1])
		}
	}
}

// TestSweepStaleLeases_ReclaimedByNextTick is P3.
func TestSweepStaleLeases_ReclaimedByNextTick(t *testing.T) {
	store := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	leaseTTL := 10 * time.Minute

	c := newPendingCommand(ActionRegisterRecurring, t0)
	claimed, err := (func() (*Command, error) {
		store.Put(c)
		return store.ClaimOneDue(context.Background(), "worker-a", leaseTTL, t0)
	})()
	if err != nil || claimed == nil {
		t.Fatalf("setup claim failed: %v", err)
	}

	laterNow := t0.Add(leaseTTL).Add(time.Second)
	n, err := store.SweepStaleLeases(context.Background(), laterNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed count = %d, want 1", n)
	}

	reclaimed, err := store.ClaimOneDue(context.Background(), "worker-b", leaseTTL, laterNow)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected worker-b to reclaim the stale lease")
	}
	if reclaimed.StaleLeaseCount != 1 {
		t.Errorf("staleLeaseCount = %d, want 1", reclaimed.StaleLeaseCount)
	}
}

// TestFinalize_RetryExhaustion is P4.
func TestFinalize_RetryExhaustion(t *testing.T) {
	store := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c := newPendingCommand(ActionRegisterRecurring, t0)
	c.MaxRetries = 2
	c.RetryBackoff = 5 * time.Second
	store.Put(c)

	cron := fakeCronNext{next: t0.Add(time.Hour)}

	now := t0
	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimOneDue(context.Background(), "w1", time.Minute, now)
		if err != nil || claimed == nil {
			t.Fatalf("claim %d failed: %v %v", i, err, claimed)
		}
		err = store.Finalize(context.Background(), c.ID, "w1", cron, Outcome{
			Kind:       OutcomeFailure,
			StartedAt:    now,
			EndedAt:      now,
			ErrorCode:    ErrorCodeUnexpected,
			ErrorMessage: "boom",
		})
		if err != nil {
			t.Fatalf("finalize %d failed: %v", i, err)
		}
		now = now.Add(10 * time.Second)
	}

	final, err := store.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("status = %v, want FAILED", final.Status)
	}
	if final.RunCount != 3 || final.FailureCount != 3 || final.RetryCount != 3 {
		t.Errorf("runCount=%d failureCount=%d retryCount=%d, want 3/3/3", final.RunCount, final.FailureCount, final.RetryCount)
	}
}

// TestFinalize_RecurringReschedule is P5.
func TestFinalize_RecurringReschedule(t *testing.T) {
	store := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newPendingCommand(ActionRegisterRecurring, t0)
	store.Put(c)

	want := t0.Add(5 * time.Minute)
	cron := fakeCronNext{next: want}

	claimed, _ := store.ClaimOneDue(context.Background(), "w1", time.Minute, t0)
	if err := store.Finalize(context.Background(), claimed.ID, "w1", cron, Outcome{
		Kind: OutcomeSuccess, StartedAt: t0, EndedAt: t0,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	final, _ := store.Get(context.Background(), c.ID)
	if final.NextRunAt == nil || !final.NextRunAt.Equal(want) {
		t.Errorf("nextRunAt = %v, want %v", final.NextRunAt, want)
	}
	if final.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0", final.RetryCount)
	}
}

// TestFinalize_OneShotTerminality is P6.
func TestFinalize_OneShotTerminality(t *testing.T) {
	store := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newPendingCommand(ActionRunOnce, t0)
	store.Put(c)

	claimed, _ := store.ClaimOneDue(context.Background(), "w1", time.Minute, t0)
	if err := store.Finalize(context.Background(), claimed.ID, "w1", fakeCronNext{}, Outcome{
		Kind: OutcomeSuccess, StartedAt: t0, EndedAt: t0,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	final, _ := store.Get(context.Background(), c.ID)
	if !final.Disabled || final.Status != StatusSucceededOnce {
		t.Errorf("disabled=%v status=%v, want true/SUCCEEDED_ONCE", final.Disabled, final.Status)
	}

	claimedAgain, err := store.ClaimOneDue(context.Background(), "w1", time.Minute, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimedAgain != nil {
		t.Error("expected one-shot command to never be claimed again")
	}
}

// TestSetDisabled_And_SetSchedule is P8.
func TestSetDisabled_And_SetSchedule(t *testing.T) {
	store := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c1 := newPendingCommand(ActionRegisterRecurring, t0)
	store.Put(c1)
	if err := store.SetDisabled(context.Background(), c1.ID, "r"); err != nil {
		t.Fatalf("setDisabled: %v", err)
	}
	got1, _ := store.Get(context.Background(), c1.ID)
	if got1.Status != StatusDisabled || !got1.Disabled {
		t.Errorf("status=%v disabled=%v, want DISABLED/true", got1.Status, got1.Disabled)
	}
	found := false
	for _, l := range got1.Logs {
		if l == "r" {
			found = true
		}
	}
	if !found {
		t.Error("expected log line containing reason")
	}

	c2 := newPendingCommand(ActionRegisterRecurring, t0)
	store.Put(c2)
	want := t0.Add(time.Hour)
	if err := store.SetSchedule(context.Background(), c2.ID, want, "r2"); err != nil {
		t.Fatalf("setSchedule: %v", err)
	}
	got2, _ := store.Get(context.Background(), c2.ID)
	if got2.Status != StatusPending || got2.Disabled || got2.NextRunAt == nil || !got2.NextRunAt.Equal(want) {
		t.Errorf("unexpected state after setSchedule: %+v", got2)
	}
}
