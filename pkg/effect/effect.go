// Package effect builds the per-invocation "DAO operations" surface
// (spec.md §4.5): the only interface a command program may use to
// observe or change persistent state. One EffectTable is built per run,
// bound to (tenantId, userId, source, cmdId).
package effect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/commandrunner/pkg/entity"
)

// ControlSignalKind tags the two cooperative outcomes a program may raise
// to alter its own lifecycle (spec.md §4.5, Glossary: "Control signal").
type ControlSignalKind string

const (
	SignalCommandDisabled ControlSignalKind = "COMMAND_DISABLED"
	SignalNextRunSet      ControlSignalKind = "NEXT_RUN_SET"
)

// ControlSignal is returned (not thrown) by effect handlers that
// terminate the program cooperatively, per spec.md §9's "model the
// signal as a tagged result variant returned by Evaluator.run rather
// than a thrown value."
type ControlSignal struct {
	Kind    ControlSignalKind
	Reason  string
	Instant time.Time // only set for SignalNextRunSet
}

func (s ControlSignal) Error() string {
	return fmt.Sprintf("%s: %s", s.Kind, s.Reason)
}

// AsControlSignal reports whether err is (or wraps) a ControlSignal.
func AsControlSignal(err error) (ControlSignal, bool) {
	var cs ControlSignal
	if errors.As(err, &cs) {
		return cs, true
	}
	return ControlSignal{}, false
}

// ErrInvalidData is returned when /add-object or /update-object receive
// a non-object data payload or a non-string type (spec.md §4.5).
var ErrInvalidData = errors.New("effect: data must be an object and type must be a string")

// Binding identifies the tenant/user/command context an EffectTable is
// bound to.
type Binding struct {
	TenantID  string
	UserID    string
	Source    string
	CommandID uuid.UUID
}

// LogAppender is the narrow slice of CommandStore that /log needs.
type LogAppender interface {
	AppendLogs(ctx context.Context, cmdID uuid.UUID, lines []string) error
}

// EffectTable is the bound, per-invocation capability surface (spec.md
// §4.5). It is not safe for concurrent use — one Evaluator run owns it
// exclusively, matching spec.md §4.6's "within one Worker, one command
// runs at a time."
type EffectTable struct {
	binding      Binding
	entities     entity.Store
	logs         LogAppender
	passthroughs *PassthroughRegistry

	entitiesTouched int64
}

// New builds an EffectTable bound to binding, backed by entities for
// entity operations and logs for /log.
func New(binding Binding, entities entity.Store, logs LogAppender, passthroughs *PassthroughRegistry) *EffectTable {
	return &EffectTable{binding: binding, entities: entities, logs: logs, passthroughs: passthroughs}
}

// EntitiesTouched returns the private counter's current value, read by
// the Worker when the run ends (spec.md §4.5).
func (t *EffectTable) EntitiesTouched() int {
	return int(atomic.LoadInt64(&t.entitiesTouched))
}

func (t *EffectTable) meta() entity.Metadata {
	return entity.Metadata{TenantID: t.binding.TenantID, UserID: t.binding.UserID, Source: t.binding.Source}
}

// AddObject implements /add-object. If id is supplied, upsert by that
// id; else create fresh. data must be a JSON object; type must be a
// non-empty string.
func (t *EffectTable) AddObject(ctx context.Context, id *uuid.UUID, typ string, data map[string]any) (entity.Entity, error) {
	if typ == "" || data == nil {
		return entity.Entity{}, ErrInvalidData
	}
	e, err := t.entities.Upsert(ctx, entity.UpsertInput{ID: id, Type: typ, Data: data, Metadata: t.meta()})
	if err != nil {
		return entity.Entity{}, fmt.Errorf("add-object: %w", err)
	}
	atomic.AddInt64(&t.entitiesTouched, 1)
	return e, nil
}

// AddObjectBulkItem is one element of the /add-object-bulk payload.
type AddObjectBulkItem struct {
	ID   *uuid.UUID
	Type string
	Data map[string]any
}

// AddObjectBulkResult is the /add-object-bulk response shape.
type AddObjectBulkResult struct {
	Count       int
	InsertedIDs []uuid.UUID
}

// AddObjectBulk implements /add-object-bulk.
func (t *EffectTable) AddObjectBulk(ctx context.Context, items []AddObjectBulkItem) (AddObjectBulkResult, error) {
	inputs := make([]entity.UpsertInput, 0, len(items))
	for _, it := range items {
		if it.Type == "" || it.Data == nil {
			return AddObjectBulkResult{}, ErrInvalidData
		}
		inputs = append(inputs, entity.UpsertInput{ID: it.ID, Type: it.Type, Data: it.Data, Metadata: t.meta()})
	}
	ids, err := t.entities.BulkInsert(ctx, inputs)
	if err != nil {
		return AddObjectBulkResult{}, fmt.Errorf("add-object-bulk: %w", err)
	}
	atomic.AddInt64(&t.entitiesTouched, int64(len(ids)))
	return AddObjectBulkResult{Count: len(ids), InsertedIDs: ids}, nil
}

// UpdateObject implements /update-object. Requires an existing,
// non-soft-deleted record.
func (t *EffectTable) UpdateObject(ctx context.Context, id uuid.UUID, typ *string, data map[string]any) (entity.Entity, error) {
	if data == nil {
		return entity.Entity{}, ErrInvalidData
	}
	e, err := t.entities.Update(ctx, id, typ, data, t.meta())
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update-object: %w", err)
	}
	atomic.AddInt64(&t.entitiesTouched, 1)
	return e, nil
}

// DelObject implements /del-object (soft-delete).
func (t *EffectTable) DelObject(ctx context.Context, id uuid.UUID) (entity.Entity, error) {
	e, err := t.entities.SoftDelete(ctx, id)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("del-object: %w", err)
	}
	atomic.AddInt64(&t.entitiesTouched, 1)
	return e, nil
}

// GetObjectsRawOptions mirrors entity.FilterSortPaginateOptions plus the
// store-level id/type prefilter from spec.md §4.5.
type GetObjectsRawOptions struct {
	IDs   []uuid.UUID
	Types []string
	entity.FilterSortPaginateOptions
}

// GetObjectsRaw implements /get-objects-raw: does not touch
// entitiesTouched.
func (t *EffectTable) GetObjectsRaw(ctx context.Context, opts GetObjectsRawOptions) ([]entity.Entity, error) {
	raw, err := t.entities.GetRaw(ctx, opts.IDs, opts.Types)
	if err != nil {
		return nil, fmt.Errorf("get-objects-raw: %w", err)
	}
	return entity.FilterSortPaginate(raw, opts.FilterSortPaginateOptions), nil
}

// ParsedEntity is one item of /get-objects-parsed's response: data is
// deserialized, or nil if the stored blob failed to parse.
type ParsedEntity struct {
	entity.Entity
	Data map[string]any
}

// GetObjectsParsed implements /get-objects-parsed.
func (t *EffectTable) GetObjectsParsed(ctx context.Context, opts GetObjectsRawOptions) ([]ParsedEntity, error) {
	items, err := t.GetObjectsRaw(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]ParsedEntity, 0, len(items))
	for _, e := range items {
		out = append(out, ParsedEntity{Entity: e, Data: e.Data()})
	}
	return out, nil
}

// Log implements /log: appends one or many timestamped strings.
// Non-string values are serialized by the caller before reaching here;
// this method accepts the already-stringified lines.
func (t *EffectTable) Log(ctx context.Context, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	stamped := make([]string, len(lines))
	now := time.Now().UTC().Format(time.RFC3339)
	for i, l := range lines {
		stamped[i] = fmt.Sprintf("%s %s", now, l)
	}
	if err := t.logs.AppendLogs(ctx, t.binding.CommandID, stamped); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Disable implements /disable: raises COMMAND_DISABLED, terminating the
// program. The Worker treats the run as successful then applies
// CommandStore.SetDisabled.
func (t *EffectTable) Disable(reason string) error {
	return ControlSignal{Kind: SignalCommandDisabled, Reason: reason}
}

// SetNextRunAt implements /set-next-run-at: raises NEXT_RUN_SET,
// terminating the program. The Worker treats the run as successful then
// applies CommandStore.SetSchedule.
func (t *EffectTable) SetNextRunAt(instant time.Time, reason string) error {
	return ControlSignal{Kind: SignalNextRunSet, Reason: reason, Instant: instant}
}

// Passthrough invokes a named passthrough port (spec.md §4.5: "may
// throw, may succeed"), currying this table's tenantId so the port can
// never reach across tenants.
func (t *EffectTable) Passthrough(ctx context.Context, name string, args map[string]any) (any, error) {
	if t.passthroughs == nil {
		return nil, fmt.Errorf("passthrough %q: no registry configured", name)
	}
	return t.passthroughs.Invoke(ctx, name, t.binding.TenantID, args)
}
