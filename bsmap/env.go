package bsmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Env is the environment a Store resolves templates and appearances
// against. It stands in for the game's server and client environments.
type Env interface {
	// Template returns the template registered under name.
	Template(name string) (*Template, bool)
	// Component returns the component registered under name.
	Component(name string) (*Component, bool)
	// NewAppearance builds a drawable for d. The caller owns the result and
	// must Release it.
	NewAppearance(d Descriptor) Appearance
	// CompareAppearance orders two appearances for stacking; negative means
	// a draws below b.
	CompareAppearance(a, b Appearance) int
}

// Appearance is an environment-owned drawable. It is not reclaimed
// implicitly; every appearance handed out must be released exactly once.
type Appearance interface {
	Release()
}

// Thumbnailer renders small previews of a template/variant pair.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, req ThumbnailRequest) (*Thumbnail, error)
}

// ThumbnailRequest identifies a preview.
type ThumbnailRequest struct {
	TemplateName    string `json:"template_name"`
	VariantLeafPath []any  `json:"variant_leaf_path,omitempty"`
}

// Key is the memoization key for the request.
func (r ThumbnailRequest) Key() string {
	b, _ := json.Marshal(normalize(r.VariantLeafPath))
	return r.TemplateName + ":" + string(b)
}

// Thumbnail is a rendered preview; Data is a data URL.
type Thumbnail struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   string `json:"data"`
}

// Descriptor is the whitelisted subset of computed vars handed to the
// environment to build an appearance.
type Descriptor struct {
	Vars          map[string]any
	Components    []string
	ComponentVars map[string]any
}

// descriptorKeys are the computed var keys visible to appearances.
var descriptorKeys = []string{
	"icon", "icon_state", "dir", "layer", "name", "glide_size",
	"screen_loc_x", "screen_loc_y", "overlays", "x", "y",
}

// String returns Vars[key] if it is a string.
func (d Descriptor) String(key string) string {
	s, _ := d.Vars[key].(string)
	return s
}

// Number returns Vars[key] as a float64 with a fallback.
func (d Descriptor) Number(key string, def float64) float64 {
	if f, ok := toFloat(d.Vars[key]); ok {
		return f
	}
	return def
}

// Template is a named prototype for placeable objects.
type Template struct {
	Vars          map[string]any `yaml:"vars" json:"vars"`
	Appearance    map[string]any `yaml:"appearance,omitempty" json:"appearance,omitempty"`
	Variants      []Variant      `yaml:"variants,omitempty" json:"variants,omitempty"`
	Components    []string       `yaml:"components,omitempty" json:"components,omitempty"`
	TileBound     bool           `yaml:"tile_bound,omitempty" json:"tile_bound,omitempty"`
	RequiresUnder *RequiresUnder `yaml:"requires_under,omitempty" json:"requires_under,omitempty"`
	Hidden        bool           `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	TreePaths     []string       `yaml:"tree_paths,omitempty" json:"tree_paths,omitempty"`

	once sync.Once
	err  error
}

// DefaultTreePath is used for templates that do not declare any tree path.
const DefaultTreePath = "uncategorized/[name]"

// Process normalizes the template in place. It is safe to call any number
// of times; only the first call does work.
func (t *Template) Process() error {
	t.once.Do(func() {
		if t.Vars == nil {
			t.Vars = map[string]any{}
		}
		t.Vars = normalizeMap(t.Vars)
		t.Appearance = normalizeMap(t.Appearance)
		if len(t.TreePaths) == 0 {
			t.TreePaths = []string{DefaultTreePath}
		}
		var errs []error
		for i := range t.Variants {
			v := &t.Variants[i]
			if v.Type == "" {
				v.Type = VariantSingle
			}
			if v.Type != VariantSingle {
				errs = append(errs, fmt.Errorf("variant %d: %w %q", i, ErrVariantType, v.Type))
				continue
			}
			if len(v.Values) == 0 {
				errs = append(errs, fmt.Errorf("variant %d: no values", i))
			}
			for j := range v.Values {
				v.Values[j] = normalize(v.Values[j])
			}
		}
		t.err = errors.Join(errs...)
	})
	return t.err
}

// HasComponent reports whether the template declares component name.
func (t *Template) HasComponent(name string) bool {
	for _, c := range t.Components {
		if c == name {
			return true
		}
	}
	return false
}

// VariantLeaves enumerates every full variant path of t in picker order.
func (t *Template) VariantLeaves() [][]any {
	if len(t.Variants) == 0 {
		return [][]any{nil}
	}
	leaves := [][]any{{}}
	for _, axis := range t.Variants {
		var next [][]any
		for _, prefix := range leaves {
			for _, v := range axis.Values {
				p := make([]any, len(prefix), len(prefix)+1)
				copy(p, prefix)
				next = append(next, append(p, v))
			}
		}
		leaves = next
	}
	return leaves
}

// VariantType tags the kind of choice a variant axis offers.
type VariantType string

// VariantSingle is a single choice from an enumerated list of values.
const VariantSingle VariantType = "single"

// Variant is one choice dimension of a template.
type Variant struct {
	Type           VariantType `yaml:"type" json:"type"`
	VarPath        Path        `yaml:"var_path" json:"var_path"`
	Values         []any       `yaml:"values" json:"values"`
	Wrap           int         `yaml:"wrap,omitempty" json:"wrap,omitempty"`
	Label          bool        `yaml:"label,omitempty" json:"label,omitempty"`
	LabelPrefix    string      `yaml:"label_prefix,omitempty" json:"label_prefix,omitempty"`
	LabelSuffix    string      `yaml:"label_suffix,omitempty" json:"label_suffix,omitempty"`
	PutLabelBefore bool        `yaml:"put_label_before,omitempty" json:"put_label_before,omitempty"`
	Orientation    string      `yaml:"orientation,omitempty" json:"orientation,omitempty"`
}

// Has reports whether v is one of the axis values.
func (v Variant) Has(x any) bool {
	for _, val := range v.Values {
		if valueEqual(val, x) {
			return true
		}
	}
	return false
}

// LabelFor returns the picker label for value x, or "" when the axis is not
// labelled.
func (v Variant) LabelFor(x any) string {
	if !v.Label {
		return ""
	}
	return v.LabelPrefix + fmt.Sprint(x) + v.LabelSuffix
}

// Path is a segmented var path. It decodes from either a list of segments
// or a single dotted string.
type Path []string

func (p *Path) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = splitPath(s)
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return fmt.Errorf("var_path: %w", err)
	}
	*p = ss
	return nil
}

func (p *Path) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*p = splitPath(n.Value)
		return nil
	}
	var ss []string
	if err := n.Decode(&ss); err != nil {
		return fmt.Errorf("var_path: %w", err)
	}
	*p = ss
	return nil
}

func splitPath(s string) Path {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// RequiresUnder declares that an instance must sit on top of another one
// carrying Component or using Template. Default names the template
// inserted underneath when the requirement is not met.
type RequiresUnder struct {
	Component string `yaml:"component,omitempty" json:"component,omitempty"`
	Template  string `yaml:"template,omitempty" json:"template,omitempty"`
	Default   string `yaml:"default,omitempty" json:"default,omitempty"`
}

// SatisfiedBy reports whether an instance of template t named name meets
// the requirement.
func (r *RequiresUnder) SatisfiedBy(name string, t *Template) bool {
	if r.Template != "" && r.Template == name {
		return true
	}
	return r.Component != "" && t != nil && t.HasComponent(r.Component)
}

// Component describes occupancy rules and hooks shared by templates.
type Component struct {
	Name       string
	OnePerTile bool
	// Update is called after every context update of an instance whose
	// template lists this component. It may be nil.
	Update InstanceUpdater
}

// InstanceUpdater post-processes an instance after its vars and appearance
// are recomputed. Implementations must not add or remove instances.
type InstanceUpdater interface {
	UpdateMapInstance(inst *Instance)
}

// UpdateFunc adapts a function to InstanceUpdater.
type UpdateFunc func(inst *Instance)

func (f UpdateFunc) UpdateMapInstance(inst *Instance) { f(inst) }
