// Document representation and value primitives.
//
// A Document is a JSON-like tree: strings, finite numbers, booleans,
// time.Time values, []any lists, and nested map[string]any. After a trip
// through storage all numbers are float64 and all dates are RFC3339
// strings; the numeric helpers below compare across integer and float
// representations, and asTime recognises both live time.Time values and
// their stored string form.
//
// Dot-notation paths ("a.b.c") descend nested maps. Path mutation helpers
// implement the update-operator semantics: setPath auto-creates
// intermediate maps (replacing non-map intermediates), unsetPath is silent
// when the path is broken, and incPath type-checks the current value.
package docudb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Document is a JSON-like document. The _id field is always a string.
type Document map[string]any

// ID returns the document's _id, or the empty string if unset.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// lookupPath resolves a dot-notation path against nested maps. The second
// return distinguishes an absent field from a present nil value.
func lookupPath(doc Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(doc)
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// setPath assigns value at a dot-notation path, creating intermediate maps
// where missing and replacing intermediates that are not maps.
func setPath(doc Document, path string, value any) {
	parts := strings.Split(path, ".")
	current := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current[part] = next
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// unsetPath removes the value at a dot-notation path. Silent when any
// intermediate is absent or not a map.
func unsetPath(doc Document, path string) {
	parts := strings.Split(path, ".")
	current := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

// incPath adds delta to the numeric value at path, treating absent as 0.
// A present non-numeric value is an error.
func incPath(doc Document, path string, delta float64) error {
	v, found := lookupPath(doc, path)
	if !found {
		setPath(doc, path, delta)
		return nil
	}
	n, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("%w: cannot increment non-numeric field %q", ErrInvalidType, path)
	}
	setPath(doc, path, n+delta)
	return nil
}

// asMap unwraps the two map shapes a document value can take.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// toFloat widens any numeric value to float64. NaN is rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// asTime recognises a date value: a live time.Time or its stored RFC3339
// string form.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// deepEqual compares two document values structurally. Numbers compare
// across integer and float representations, dates by epoch milliseconds,
// maps by identical key sets with recursive equality, lists element-wise.
func deepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}

	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.UnixMilli() == bt.UnixMilli()
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(v, bv) {
				return false
			}
		}
		return true
	}

	return false
}

// deepCopy clones a document value. Maps and lists are copied recursively;
// scalars (including time.Time) are value types and returned as-is.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case Document:
		out := make(Document, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// copyDocument clones a document including nested values.
func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = deepCopy(v)
	}
	return out
}

// compareValues orders two values for sorting: -1, 0, or +1. Numbers and
// dates use native ordering, strings lexicographic, booleans false<true.
// Mixed or unsupported types compare equal, as do missing values.
func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs)
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case !ab && bb:
				return -1
			case ab && !bb:
				return 1
			}
			return 0
		}
	}
	return 0
}

// formatNumber renders a float without a trailing .0 for integral values,
// so 5 and 5.0 normalise to the same index key.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
