package evaluator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/commandrunner/pkg/effect"
	"github.com/wisbric/commandrunner/pkg/entity"
)

// JSONInterpreter is the reference Interpreter: a program is a sequence
// of newline-delimited JSON operations, each naming one of the effect
// table's wire-stable DAO operations (spec.md §4.5) by its "op" field.
// This is the engine BudgetRunner wraps; it is deliberately minimal —
// the program language is out of core scope (spec.md §9) and this
// exists to make the rest of the system runnable and testable without
// an external scripting dependency.
type JSONInterpreter struct{}

// NewJSONInterpreter returns the reference Interpreter.
func NewJSONInterpreter() *JSONInterpreter { return &JSONInterpreter{} }

type jsonOp struct {
	Op   string         `json:"op"`
	ID   *uuid.UUID     `json:"id,omitempty"`
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data,omitempty"`

	Objects []struct {
		ID   *uuid.UUID     `json:"id,omitempty"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	} `json:"objects,omitempty"`

	IDs         []uuid.UUID    `json:"ids,omitempty"`
	Types       []string       `json:"types,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	Skip        int            `json:"skip,omitempty"`
	DataFilter  map[string]any `json:"dataFilter,omitempty"`
	SortByField string         `json:"sortByField,omitempty"`
	SortByDir   int            `json:"sortByDir,omitempty"`

	Name string `json:"name,omitempty"`

	Message  string   `json:"message,omitempty"`
	Messages []string `json:"messages,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Instant string `json:"instant,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`

	SleepMs int `json:"sleepMs,omitempty"`
}

// Interpret executes program line by line against effects, stopping at
// the first control signal, error, or end of input.
func (in *JSONInterpreter) Interpret(ctx context.Context, program string, effects *effect.EffectTable) error {
	scanner := bufio.NewScanner(strings.NewReader(program))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var op jsonOp
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			return &ProgramError{Message: fmt.Sprintf("malformed op: %v", err), Code: "BAD_OP"}
		}

		if err := in.execOne(ctx, op, effects); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &ProgramError{Message: err.Error(), Code: "BAD_OP"}
	}
	return nil
}

func (in *JSONInterpreter) execOne(ctx context.Context, op jsonOp, effects *effect.EffectTable) error {
	switch op.Op {
	case "add-object":
		_, err := effects.AddObject(ctx, op.ID, op.Type, op.Data)
		return wrapProgramError(err)

	case "add-object-bulk":
		items := make([]effect.AddObjectBulkItem, 0, len(op.Objects))
		for _, o := range op.Objects {
			items = append(items, effect.AddObjectBulkItem{ID: o.ID, Type: o.Type, Data: o.Data})
		}
		_, err := effects.AddObjectBulk(ctx, items)
		return wrapProgramError(err)

	case "update-object":
		var typ *string
		if op.Type != "" {
			typ = &op.Type
		}
		if op.ID == nil {
			return &ProgramError{Message: "update-object requires id", Code: "BAD_OP"}
		}
		_, err := effects.UpdateObject(ctx, *op.ID, typ, op.Data)
		return wrapProgramError(err)

	case "del-object":
		if op.ID == nil {
			return &ProgramError{Message: "del-object requires id", Code: "BAD_OP"}
		}
		_, err := effects.DelObject(ctx, *op.ID)
		return wrapProgramError(err)

	case "get-objects-raw", "get-objects-parsed":
		opts := effect.GetObjectsRawOptions{IDs: op.IDs, Types: op.Types}
		opts.Limit = op.Limit
		opts.Skip = op.Skip
		opts.DataFilter = op.DataFilter
		if op.SortByField != "" {
			dir := entity.SortAscending
			if op.SortByDir < 0 {
				dir = entity.SortDescending
			}
			opts.SortBy = &entity.SortBy{Field: op.SortByField, Direction: dir}
		}
		var err error
		if op.Op == "get-objects-raw" {
			_, err = effects.GetObjectsRaw(ctx, opts)
		} else {
			_, err = effects.GetObjectsParsed(ctx, opts)
		}
		return wrapProgramError(err)

	case "log":
		lines := op.Messages
		if op.Message != "" {
			lines = append(lines, op.Message)
		}
		return wrapProgramError(effects.Log(ctx, lines...))

	case "disable":
		return effects.Disable(op.Reason)

	case "set-next-run-at":
		instant, err := time.Parse(time.RFC3339, op.Instant)
		if err != nil {
			return &ProgramError{Message: fmt.Sprintf("invalid instant: %v", err), Code: "BAD_OP"}
		}
		return effects.SetNextRunAt(instant, op.Reason)

	case "fail":
		code := op.ErrorCode
		if code == "" {
			code = "UNEXPECTED"
		}
		return &ProgramError{Message: op.ErrorMessage, Code: code}

	case "passthrough":
		_, err := effects.Passthrough(ctx, op.Name, op.Data)
		return wrapProgramError(err)

	case "sleep":
		return sleepUntil(ctx, time.Duration(op.SleepMs)*time.Millisecond)

	default:
		return &ProgramError{Message: fmt.Sprintf("unknown op %q", op.Op), Code: "BAD_OP"}
	}
}

func wrapProgramError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := effect.AsControlSignal(err); ok {
		return err
	}
	return &ProgramError{Message: err.Error(), Code: "UNEXPECTED"}
}

func sleepUntil(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
