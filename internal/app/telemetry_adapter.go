package app

import (
	"context"

	"github.com/wisbric/commandrunner/internal/telemetry"
	"github.com/wisbric/commandrunner/pkg/tenant"
	"github.com/wisbric/commandrunner/pkg/worker"
)

// telemetrySinkAdapter lets pkg/worker's TelemetrySink (which deliberately
// doesn't import internal/telemetry, per spec.md §1) write through a
// concrete internal/telemetry.TelemetrySink. It's the one place the two
// mirrored event shapes are reconciled.
type telemetrySinkAdapter struct {
	sink telemetry.TelemetrySink
}

func newTelemetrySinkAdapter(sink telemetry.TelemetrySink) worker.TelemetrySink {
	return telemetrySinkAdapter{sink: sink}
}

func (a telemetrySinkAdapter) Record(ctx context.Context, ev worker.TelemetryEvent) {
	a.sink.Record(ctx, telemetry.Event{
		Kind:         telemetry.EventKind(ev.Kind),
		TenantID:     ev.TenantID,
		TenantSchema: tenant.SchemaName(ev.TenantID),
		CommandID:    ev.CommandID,
		WorkerLabel:  ev.WorkerLabel,
		DurationMs:   ev.DurationMs,
		ErrorCode:    ev.ErrorCode,
		Detail:       ev.Detail,
		At:           ev.At,
	})
}
