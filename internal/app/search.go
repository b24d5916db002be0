package app

import (
	"strings"

	"github.com/jmoiron/bsedit/bsmap"
	"golang.org/x/text/cases"
)

// splitTerms splits a query on whitespace, folding case unless
// caseSensitive is set.
func splitTerms(q string, caseSensitive bool) []string {
	fold := cases.Fold()
	var terms []string
	for _, part := range strings.Fields(q) {
		if !caseSensitive {
			part = fold.String(part)
		}
		terms = append(terms, part)
	}
	return terms
}

// matchInstance reports whether all query terms appear as substrings in any
// of the instance's text fields (template name, display name, icon state).
// Terms should be pre-split with splitTerms.
func matchInstance(inst *bsmap.Instance, terms []string, caseSensitive bool) bool {
	if len(terms) == 0 {
		return true
	}
	vars := inst.ComputedVars()
	fields := []string{inst.TemplateName()}
	for _, k := range []string{"name", "icon_state"} {
		if s, ok := vars[k].(string); ok && s != "" {
			fields = append(fields, s)
		}
	}
	if !caseSensitive {
		fold := cases.Fold()
		for i := range fields {
			fields[i] = fold.String(fields[i])
		}
	}
	for _, term := range terms {
		found := false
		for _, f := range fields {
			if strings.Contains(f, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
