package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// EventChannel returns the pub/sub channel a tenant's run events are
// published on.
func EventChannel(tenantID string) string {
	return fmt.Sprintf("commandrunner:events:%s", tenantID)
}

// RedisSink is a TelemetrySink that publishes every event, JSON-encoded,
// to a per-tenant Redis channel so an external dashboard can subscribe to
// live activity without polling Postgres (spec.md's run_events stream is
// the durable record; this is the low-latency fanout). Publish failures
// are logged, never returned — a down Redis must not slow or fail a
// Worker's hot path.
type RedisSink struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisSink returns a RedisSink publishing through rdb.
func NewRedisSink(rdb *redis.Client, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{rdb: rdb, logger: logger}
}

func (s *RedisSink) Record(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshaling telemetry event for redis", "error", err, "kind", ev.Kind)
		return
	}
	if err := s.rdb.Publish(ctx, EventChannel(ev.TenantID), payload).Err(); err != nil {
		s.logger.Warn("publishing telemetry event to redis", "error", err, "kind", ev.Kind, "tenant", ev.TenantID)
	}
}

// FanOut is a TelemetrySink that records to every sink in turn. A sink
// that panics or blocks is the caller's problem; FanOut itself adds no
// isolation beyond calling each sink in sequence.
type FanOut struct {
	sinks []TelemetrySink
}

// NewFanOut returns a TelemetrySink recording to every sink in sinks, in
// order. Nil sinks are skipped.
func NewFanOut(sinks ...TelemetrySink) *FanOut {
	out := make([]TelemetrySink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &FanOut{sinks: out}
}

func (f *FanOut) Record(ctx context.Context, ev Event) {
	for _, s := range f.sinks {
		s.Record(ctx, ev)
	}
}
