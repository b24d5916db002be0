package bsmap

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ComputeVars resolves the full variable set for an instance of t: the
// template's vars with their appearance flattened, the template appearance,
// the selected variant values and finally the instance overrides.
//
// leaf should already be resolved against t (see ResolveVariantPath).
func ComputeVars(t *Template, leaf []any, instanceVars map[string]any) map[string]any {
	vars := deepAssign(map[string]any{}, t.Vars)
	flattenAppearance(vars)
	for k, v := range t.Appearance {
		vars[k] = deepCopy(v)
	}
	for i, axis := range t.Variants {
		if i >= len(leaf) {
			break
		}
		setPath(vars, axis.VarPath, leaf[i])
	}
	if len(instanceVars) > 0 {
		iv := deepAssign(map[string]any{}, instanceVars)
		flattenAppearance(iv)
		deepAssign(vars, iv)
	}
	return vars
}

// ResolveVariantPath returns a leaf path with one value per variant axis of
// t. Previously selected values are kept when they are still legal members
// of their axis; anything else falls back to the axis' first value. A
// template without axes has a nil path.
func ResolveVariantPath(t *Template, prev []any) []any {
	if len(t.Variants) == 0 {
		return nil
	}
	out := make([]any, len(t.Variants))
	for i, axis := range t.Variants {
		if i < len(prev) && axis.Has(prev[i]) {
			out[i] = normalize(prev[i])
			continue
		}
		if len(axis.Values) > 0 {
			out[i] = axis.Values[0]
		}
	}
	return out
}

// flattenAppearance merges m["appearance"] over the top of m and removes it.
func flattenAppearance(m map[string]any) {
	app, ok := m["appearance"].(map[string]any)
	if !ok {
		return
	}
	delete(m, "appearance")
	for k, v := range app {
		m[k] = v
	}
}

// setPath writes value at the segmented path inside vars, creating
// intermediate objects as needed. A leading "appearance" segment is skipped
// since appearance keys live at the top level of computed vars.
func setPath(vars map[string]any, path []string, value any) {
	if len(path) > 0 && path[0] == "appearance" {
		path = path[1:]
	}
	if len(path) == 0 {
		return
	}
	cur := vars
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = deepCopy(value)
}

// deepAssign recursively merges b into a. Objects merge key by key; any
// other value (arrays included) replaces what was in a.
func deepAssign(a, b map[string]any) map[string]any {
	for k, bv := range b {
		bm, ok := asObject(bv)
		if !ok {
			a[k] = deepCopy(bv)
			continue
		}
		if am, ok := a[k].(map[string]any); ok {
			deepAssign(am, bm)
		} else {
			a[k] = deepAssign(map[string]any{}, bm)
		}
	}
	return a
}

func asObject(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case M:
		return map[string]any(x), true
	}
	return nil, false
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepAssign(map[string]any{}, x)
	case M:
		return deepAssign(map[string]any{}, x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopy(x[i])
		}
		return out
	}
	return v
}

// normalize converts decoded values from any source (yaml, json, Go
// literals) to the shapes encoding/json produces: float64 numbers,
// map[string]any objects and []any arrays.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case M:
		return normalize(map[string]any(x))
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return normalize(m).(map[string]any)
}

// valueEqual compares two decoded values, ignoring numeric representation.
func valueEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
