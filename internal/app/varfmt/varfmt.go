// Package varfmt renders template and instance vars as HTML for the editor
// views.
package varfmt

import (
	"html/template"
	"sort"
	"strings"

	"github.com/jmoiron/bsedit/bsmap"
)

// Format converts a vars value to indented HTML using CSS classes.
// Object keys come out in the order a saved map uses, so what the view
// shows lines up with the file on disk.
// Classes: vf-key, vf-str, vf-num, vf-bool, vf-null, vf-punct.
func Format(v any) template.HTML {
	var b strings.Builder
	span := func(class, text string) {
		b.WriteString(`<span class="`)
		b.WriteString(class)
		b.WriteString(`">`)
		b.WriteString(template.HTMLEscapeString(text))
		b.WriteString("</span>")
	}
	indent := func(depth int) {
		b.WriteByte('\n')
		b.WriteString(strings.Repeat("  ", depth))
	}
	scalar := func(v any) string {
		out, err := bsmap.Stringify(v)
		if err != nil {
			return "?"
		}
		return string(out)
	}

	var walk func(v any, depth int)
	walk = func(v any, depth int) {
		switch x := v.(type) {
		case nil:
			span("vf-null", "null")
		case bool:
			span("vf-bool", scalar(x))
		case string:
			span("vf-str", scalar(x))
		case map[string]any:
			if len(x) == 0 {
				span("vf-punct", "{}")
				return
			}
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return bsmap.CompareKeys(keys[i], keys[j]) < 0 })
			span("vf-punct", "{")
			for i, k := range keys {
				indent(depth + 1)
				span("vf-key", scalar(k))
				span("vf-punct", ": ")
				walk(x[k], depth+1)
				if i < len(keys)-1 {
					span("vf-punct", ",")
				}
			}
			indent(depth)
			span("vf-punct", "}")
		case []any:
			if len(x) == 0 {
				span("vf-punct", "[]")
				return
			}
			span("vf-punct", "[")
			for i, e := range x {
				indent(depth + 1)
				walk(e, depth+1)
				if i < len(x)-1 {
					span("vf-punct", ",")
				}
			}
			indent(depth)
			span("vf-punct", "]")
		case bsmap.M:
			walk(map[string]any(x), depth)
		default:
			// numbers, and anything Stringify knows how to write
			span("vf-num", scalar(x))
		}
	}
	walk(v, 0)
	return template.HTML(b.String())
}

// Inline renders v on a single line, eg. a variant leaf path.
func Inline(v any) string {
	switch x := v.(type) {
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = Inline(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return bsmap.CompareKeys(keys[i], keys[j]) < 0 })
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = Inline(k) + ": " + Inline(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	out, err := bsmap.Stringify(v)
	if err != nil {
		return "?"
	}
	return string(out)
}
