package bsmap

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Stringify renders v as indented JSON with a stable key order so that
// re-saving an unchanged map produces identical bytes. Object keys are
// sorted with CompareKeys and nested levels are indented with a tab.
//
// Supported types:
// - map[string]any, M (objects)
// - []any (arrays)
// - string, bool, nil and any Go numeric type
func Stringify(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(w *bytes.Buffer, v any, depth int) error {
	switch x := v.(type) {
	case nil:
		w.WriteString("null")
		return nil
	case map[string]any:
		return encodeObject(w, x, depth)
	case M:
		return encodeObject(w, x, depth)
	case []any:
		return encodeArray(w, x, depth)
	case []string:
		return encodeArray(w, normalize(x).([]any), depth)
	case string:
		encodeString(w, x)
		return nil
	case bool:
		if x {
			w.WriteString("true")
		} else {
			w.WriteString("false")
		}
		return nil
	}
	if f, ok := toFloat(v); ok {
		w.WriteString(formatNumber(f))
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.WriteString(formatNumber(float64(rv.Int())))
		return nil
	case reflect.Float32, reflect.Float64:
		w.WriteString(formatNumber(rv.Float()))
		return nil
	}
	return fmt.Errorf("bsmap: cannot stringify %T", v)
}

func encodeObject(w *bytes.Buffer, m map[string]any, depth int) error {
	if len(m) == 0 {
		w.WriteString("{}")
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	w.WriteString("{\n")
	for i, k := range keys {
		indent(w, depth+1)
		encodeString(w, k)
		w.WriteString(": ")
		if err := encodeValue(w, m[k], depth+1); err != nil {
			return err
		}
		if i < len(keys)-1 {
			w.WriteByte(',')
		}
		w.WriteByte('\n')
	}
	indent(w, depth)
	w.WriteByte('}')
	return nil
}

func encodeArray(w *bytes.Buffer, l []any, depth int) error {
	if len(l) == 0 {
		w.WriteString("[]")
		return nil
	}
	w.WriteString("[\n")
	for i, it := range l {
		indent(w, depth+1)
		if err := encodeValue(w, it, depth+1); err != nil {
			return err
		}
		if i < len(l)-1 {
			w.WriteByte(',')
		}
		w.WriteByte('\n')
	}
	indent(w, depth)
	w.WriteByte(']')
	return nil
}

func indent(w *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		w.WriteByte('\t')
	}
}

// encodeString escapes s the way JSON.stringify does: only quotes,
// backslashes and control characters are escaped.
func encodeString(w *bytes.Buffer, s string) {
	w.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			w.WriteString("\ufffd")
		case r == '\\':
			w.WriteString(`\\`)
		case r == '"':
			w.WriteString(`\"`)
		case r == '\b':
			w.WriteString(`\b`)
		case r == '\f':
			w.WriteString(`\f`)
		case r == '\n':
			w.WriteString(`\n`)
		case r == '\r':
			w.WriteString(`\r`)
		case r == '\t':
			w.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(w, `\u%04x`, r)
		default:
			w.WriteString(s[i : i+size])
		}
		i += size
	}
	w.WriteByte('"')
}

// formatNumber formats f the way JavaScript converts numbers to strings.
// Non-finite values have no JSON form and become null.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go pads exponents to two digits, JavaScript does not.
		s = strings.Replace(s, "e-0", "e-", 1)
		return strings.Replace(s, "e+0", "e+", 1)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// CompareKeys orders object keys for Stringify. Two coordinate keys
// ("x,y,z") compare numerically by z, then y, then x; any other pair
// compares byte-wise.
func CompareKeys(a, b string) int {
	ca, aok := parseKey(a)
	cb, bok := parseKey(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	for _, i := range [3]int{2, 1, 0} {
		if ca[i] < cb[i] {
			return -1
		}
		if ca[i] > cb[i] {
			return 1
		}
	}
	return 0
}

// parseKey splits a "x,y,z" location key.
func parseKey(k string) ([3]float64, bool) {
	var c [3]float64
	parts := strings.Split(k, ",")
	if len(parts) != 3 {
		return c, false
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) {
			return c, false
		}
		c[i] = f
	}
	return c, true
}

// locKey is the key an instance at loc is saved under.
func locKey(loc Loc) string {
	return formatNumber(loc.X) + "," + formatNumber(loc.Y) + ",0"
}
