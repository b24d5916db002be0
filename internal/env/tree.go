package env

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Node is an entry of the object tree. Leaves carry the template they
// place; a node can be both a leaf and have children.
type Node struct {
	Name     string  `json:"name"`
	Template string  `json:"template,omitempty"`
	Children []*Node `json:"children,omitempty"`

	children map[string]*Node
}

func newNode(name string) *Node {
	return &Node{Name: name, children: make(map[string]*Node)}
}

// Tree builds the object tree from the tree paths of every visible
// template. "[name]" segments are replaced by the template name and empty
// segments are ignored. Nodes are sorted by name at every level.
func (e *Env) Tree() []*Node {
	root := newNode("")
	for _, name := range e.names {
		t := e.templates[name]
		if t.Hidden {
			continue
		}
		for _, tp := range t.TreePaths {
			cur := root
			for _, seg := range strings.Split(tp, "/") {
				if seg == "" {
					continue
				}
				if seg == "[name]" {
					seg = name
				}
				next, ok := cur.children[seg]
				if !ok {
					next = newNode(seg)
					cur.children[seg] = next
					cur.Children = append(cur.Children, next)
				}
				cur = next
			}
			if cur != root {
				cur.Template = name
			}
		}
	}
	sortNodes(root.Children)
	return root.Children
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// Search returns the names of visible templates for which every whitespace
// separated term of query is a substring of the name or of one of its tree
// paths. Without caseSensitive, terms and fields are case folded.
func (e *Env) Search(query string, caseSensitive bool) []string {
	terms := strings.Fields(query)
	fold := cases.Fold()
	if !caseSensitive {
		for i := range terms {
			terms[i] = fold.String(terms[i])
		}
	}
	var out []string
	for _, name := range e.names {
		t := e.templates[name]
		if t.Hidden {
			continue
		}
		fields := make([]string, 0, len(t.TreePaths)+1)
		fields = append(fields, name)
		for _, tp := range t.TreePaths {
			fields = append(fields, strings.ReplaceAll(tp, "[name]", name))
		}
		if !caseSensitive {
			for i := range fields {
				fields[i] = fold.String(fields[i])
			}
		}
		if matchTerms(fields, terms) {
			out = append(out, name)
		}
	}
	return out
}

// matchTerms reports whether all terms appear in at least one field.
func matchTerms(fields, terms []string) bool {
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
