package entity

import (
	"sort"
	"strconv"
)

// SortDirection is +1 (ascending) or -1 (descending), per spec.md §4.5.1.
type SortDirection int

const (
	SortAscending  SortDirection = 1
	SortDescending SortDirection = -1
)

// SortBy names the single field to sort on and its direction.
type SortBy struct {
	Field     string
	Direction SortDirection
}

// FilterSortPaginateOptions are the options accepted by
// /get-objects-raw and /get-objects-parsed (spec.md §4.5.1).
type FilterSortPaginateOptions struct {
	DataFilter map[string]any
	SortBy     *SortBy
	Limit      int
	Skip       int
}

// DefaultLimit and DefaultSkip match spec.md §4.5.1.
const (
	DefaultLimit = 100
	DefaultSkip  = 0
)

// WithDefaults fills in Limit/SortBy when unset, per spec.md §4.5.1
// ("default limit=100", "default sort is {createdAt: -1}").
func (o FilterSortPaginateOptions) WithDefaults() FilterSortPaginateOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Skip < 0 {
		o.Skip = DefaultSkip
	}
	if o.SortBy == nil {
		o.SortBy = &SortBy{Field: "createdAt", Direction: SortDescending}
	}
	return o
}

// FilterSortPaginate is the pure in-memory pass described in spec.md
// §4.5.1: it never touches the store, so for a fixed input and fixed
// options it always returns the same output (P10).
//
// dataFilter applies loose equality (numeric-vs-string equal-by-coercion)
// against keys of each entity's deserialized data; items whose data is
// not a parsable object, or that fail any key's equality, are dropped
// when dataFilter is non-empty. The sort is stable so ties keep input
// order. createdAt sorting reads Entity.CreatedAt directly; any other
// field name reads the deserialized data map.
func FilterSortPaginate(items []Entity, opts FilterSortPaginateOptions) []Entity {
	opts = opts.WithDefaults()

	filtered := items
	if len(opts.DataFilter) > 0 {
		filtered = make([]Entity, 0, len(items))
		for _, e := range items {
			data := e.Data()
			if data == nil {
				continue
			}
			if matchesFilter(data, opts.DataFilter) {
				filtered = append(filtered, e)
			}
		}
	} else {
		filtered = append([]Entity{}, items...)
	}

	field := opts.SortBy.Field
	dir := opts.SortBy.Direction
	sort.SliceStable(filtered, func(i, j int) bool {
		if dir == SortDescending {
			return lessBy(filtered[j], filtered[i], field)
		}
		return lessBy(filtered[i], filtered[j], field)
	})

	skip := opts.Skip
	if skip > len(filtered) {
		skip = len(filtered)
	}
	end := skip + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[skip:end]
}

func lessBy(a, b Entity, field string) bool {
	av, aok := sortValue(a, field)
	bv, bok := sortValue(b, field)
	if !aok || !bok {
		return false
	}
	switch x := av.(type) {
	case float64:
		if y, ok := bv.(float64); ok {
			return x < y
		}
	case string:
		if y, ok := bv.(string); ok {
			return x < y
		}
	}
	return false
}

func sortValue(e Entity, field string) (any, bool) {
	if field == "createdAt" {
		return float64(e.CreatedAt.UnixNano()), true
	}
	data := e.Data()
	if data == nil {
		return nil, false
	}
	v, ok := data[field]
	return v, ok
}

// matchesFilter implements the loose-equality predicate: every key in
// filter must equal (by coercion) the corresponding key in data.
func matchesFilter(data map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual implements spec.md §4.5.1's "loose equality: numeric-vs-
// string equal-by-coercion is acceptable and expected" ("2" == 2).
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	an, aIsNum := asFloat(a)
	bn, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
