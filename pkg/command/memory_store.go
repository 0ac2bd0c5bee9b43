package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by pkg/command and Worker tests to
// exercise the concurrency properties in spec.md §8 without a database.
// Every method takes the same mutex, mirroring the "single shared mutable
// resource" model spec.md §5 describes for the real store: claim asserts
// the lease is free-or-expired, finalize asserts the caller still holds
// it.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Command
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]*Command)}
}

// Put inserts or replaces a command, for test setup.
func (s *MemoryStore) Put(c Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.byID[c.ID] = &cp
}

func (s *MemoryStore) Get(ctx context.Context, cmdID uuid.UUID) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[cmdID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SweepStaleLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for _, c := range s.byID {
		if c.LeaseHolder != "" && c.LeaseUntil != nil && !c.LeaseUntil.After(now) {
			c.Status = StatusPending
			c.LeaseHolder = ""
			c.LeaseUntil = nil
			c.StaleLeaseCount++
			c.Logs = append(c.Logs, "stale lease auto-released")
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) ClaimOneDue(ctx context.Context, workerLabel string, leaseTTL time.Duration, now time.Time) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Command
	for _, c := range s.byID {
		if c.Disabled {
			continue
		}
		if c.Status != StatusPending {
			continue
		}
		if c.NextRunAt == nil || c.NextRunAt.After(now) {
			continue
		}
		if c.LeaseHolder != "" && c.LeaseUntil != nil && c.LeaseUntil.After(now) {
			continue
		}
		if c.TerminateAfter != nil && !c.TerminateAfter.After(now) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].NextRunAt.Equal(*candidates[j].NextRunAt) {
			return candidates[i].NextRunAt.Before(*candidates[j].NextRunAt)
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})

	winner := candidates[0]
	leaseUntil := now.Add(leaseTTL)
	winner.Status = StatusRunning
	winner.LeaseHolder = workerLabel
	winner.LeaseUntil = &leaseUntil
	winner.Logs = append(winner.Logs, "claimed by "+workerLabel)

	cp := *winner
	return &cp, nil
}

func (s *MemoryStore) Finalize(ctx context.Context, cmdID uuid.UUID, workerLabel string, cronPlanner CronNext, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[cmdID]
	if !ok {
		return ErrNotFound
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

	c.RunCount++
	c.EntitiesTouched = outcome.EntitiesTouched
	c.LastDurationMs = outcome.DurationMs
	lastExecutedAt := outcome.EndedAt
	c.LastExecutedAt = &lastExecutedAt
	c.LeaseHolder = ""
	c.LeaseUntil = nil

	switch outcome.Kind {
	case OutcomeSuccess:
		c.SuccessCount++
		c.RetryCount = 0
		if c.Action == ActionRunOnce {
			c.Status = StatusSucceededOnce
			c.Disabled = true
		} else {
			c.Status = StatusPending
			next, err := cronPlanner.Next(c.CronExpr, outcome.EndedAt)
			if err != nil {
				return err
			}
			c.NextRunAt = &next
		}
	case OutcomeFailure:
		c.FailureCount++
		c.RetryCount++
		code := outcome.ErrorCode
		if code == "" {
			code = ErrorCodeUnexpected
		}
		c.LastErrorCode = code
		entry.Error = &RunError{Message: outcome.ErrorMessage, Code: code, Stack: outcome.ErrorStack}
		if c.RetryCount <= c.MaxRetries {
			c.Status = StatusPending
			next := outcome.EndedAt.Add(c.RetryBackoff)
			c.NextRunAt = &next
		} else {
			c.Status = StatusFailed
		}
	}

	c.RunLogs = append(c.RunLogs, entry)
	c.Logs = append(c.Logs, entry.Summary)
	return nil
}

func (s *MemoryStore) AppendLogs(ctx context.Context, cmdID uuid.UUID, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[cmdID]
	if !ok {
		return ErrNotFound
	}
	c.Logs = append(c.Logs, lines...)
	return nil
}

func (s *MemoryStore) SetSchedule(ctx context.Context, cmdID uuid.UUID, nextRunAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[cmdID]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusPending
	c.Disabled = false
	c.NextRunAt = &nextRunAt
	c.LeaseHolder = ""
	c.LeaseUntil = nil
	c.Logs = append(c.Logs, reason)
	return nil
}

func (s *MemoryStore) SetDisabled(ctx context.Context, cmdID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[cmdID]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusDisabled
	c.Disabled = true
	c.LeaseHolder = ""
	c.LeaseUntil = nil
	c.Logs = append(c.Logs, reason)
	return nil
}

func (s *MemoryStore) RunOnce(ctx context.Context, cmdID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[cmdID]
	if !ok {
		return ErrNotFound
	}
	if c.LeaseHolder != "" && c.LeaseUntil != nil && c.LeaseUntil.After(now) {
		return ErrAlreadyLeased
	}
	c.NextRunAt = &now
	c.Disabled = false
	c.Status = StatusPending
	return nil
}

var _ Store = (*MemoryStore)(nil)
