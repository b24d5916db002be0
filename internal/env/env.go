// Package env loads an editing environment: the templates maps are built
// from, the components that give templates occupancy rules and hooks, and
// the sprite appearances instances are drawn with.
package env

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/bsedit/bsmap"
	"github.com/jmoiron/bsedit/internal/config"
	"gopkg.in/yaml.v3"
)

// Env implements bsmap.Env over templates and components read from disk.
type Env struct {
	templates  map[string]*bsmap.Template
	components map[string]*bsmap.Component
	names      []string
	sources    map[string]string
	digest     string
	icons      string

	live atomic.Int64
}

var _ bsmap.Env = (*Env)(nil)

// componentDef is the on-disk form of a component.
type componentDef struct {
	OnePerTile        bool   `yaml:"one_per_tile" json:"one_per_tile"`
	UpdateMapInstance string `yaml:"update_map_instance,omitempty" json:"update_map_instance,omitempty"`
}

// Load reads the templates directory and components file named by cfg.
func Load(cfg config.Config, log *slog.Logger) (*Env, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Env{
		templates:  make(map[string]*bsmap.Template),
		components: make(map[string]*bsmap.Component),
		sources:    make(map[string]string),
		icons:      cfg.Icons,
	}
	h := sha256.New()

	files, err := templateFiles(cfg.Templates)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", filepath.ToSlash(strings.TrimPrefix(path, cfg.Templates)), len(b))
		h.Write(b)

		var defs map[string]*bsmap.Template
		if err := unmarshal(path, b, &defs); err != nil {
			return nil, err
		}
		for name, t := range defs {
			if t == nil {
				t = &bsmap.Template{}
			}
			if prev, ok := e.sources[name]; ok {
				return nil, fmt.Errorf("template %q defined in both %s and %s", name, prev, path)
			}
			if err := t.Process(); err != nil {
				return nil, fmt.Errorf("%s: template %q: %w", path, name, err)
			}
			e.templates[name] = t
			e.sources[name] = path
			e.names = append(e.names, name)
		}
	}
	sort.Strings(e.names)

	if cfg.Components != "" {
		b, err := os.ReadFile(cfg.Components)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Debug("no components file", "path", cfg.Components)
		case err != nil:
			return nil, err
		default:
			fmt.Fprintf(h, "components\x00%d\x00", len(b))
			h.Write(b)
			var defs map[string]componentDef
			if err := unmarshal(cfg.Components, b, &defs); err != nil {
				return nil, err
			}
			for name, d := range defs {
				c := &bsmap.Component{Name: name, OnePerTile: d.OnePerTile}
				if strings.TrimSpace(d.UpdateMapInstance) != "" {
					hk, err := compileHook(name, d.UpdateMapInstance, cfg.HookTimeout, log)
					if err != nil {
						return nil, err
					}
					c.Update = hk
				}
				e.components[name] = c
			}
		}
	}

	e.digest = hex.EncodeToString(h.Sum(nil))
	log.Info("environment loaded", "templates", len(e.templates), "components", len(e.components), "digest", e.digest[:12])
	return e, nil
}

// templateFiles lists template definition files under dir in lexical order.
func templateFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	return files, nil
}

func unmarshal(path string, b []byte, v any) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(b, v)
	} else {
		err = yaml.Unmarshal(b, v)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func (e *Env) Template(name string) (*bsmap.Template, bool) {
	t, ok := e.templates[name]
	return t, ok
}

func (e *Env) Component(name string) (*bsmap.Component, bool) {
	c, ok := e.components[name]
	return c, ok
}

// Names returns every template name, sorted.
func (e *Env) Names() []string { return append([]string(nil), e.names...) }

// Source returns the file template name was defined in.
func (e *Env) Source(name string) string { return e.sources[name] }

// Digest identifies the content the environment was loaded from.
func (e *Env) Digest() string { return e.digest }

// Icons returns the icon root directory.
func (e *Env) Icons() string { return e.icons }

// LiveSprites returns the number of appearances handed out and not yet
// released.
func (e *Env) LiveSprites() int64 { return e.live.Load() }

// Sprite is the appearance instances are drawn with.
type Sprite struct {
	Icon       string   `json:"icon"`
	IconState  string   `json:"icon_state"`
	Dir        int      `json:"dir"`
	Layer      float64  `json:"layer"`
	Name       string   `json:"name"`
	GlideSize  float64  `json:"glide_size,omitempty"`
	ScreenLocX *float64 `json:"screen_loc_x,omitempty"`
	ScreenLocY *float64 `json:"screen_loc_y,omitempty"`
	Overlays   any      `json:"overlays,omitempty"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Components []string `json:"components,omitempty"`

	env      *Env
	released atomic.Bool
}

func (e *Env) NewAppearance(d bsmap.Descriptor) bsmap.Appearance {
	s := &Sprite{
		Icon:       d.String("icon"),
		IconState:  d.String("icon_state"),
		Dir:        int(d.Number("dir", 2)),
		Layer:      d.Number("layer", 0),
		Name:       d.String("name"),
		GlideSize:  d.Number("glide_size", 0),
		Overlays:   d.Vars["overlays"],
		X:          d.Number("x", 0),
		Y:          d.Number("y", 0),
		Components: d.Components,
		env:        e,
	}
	if v, ok := d.Vars["screen_loc_x"]; ok && v != nil {
		f := d.Number("screen_loc_x", 0)
		s.ScreenLocX = &f
	}
	if v, ok := d.Vars["screen_loc_y"]; ok && v != nil {
		f := d.Number("screen_loc_y", 0)
		s.ScreenLocY = &f
	}
	e.live.Add(1)
	return s
}

// CompareAppearance orders sprites by layer.
func (e *Env) CompareAppearance(a, b bsmap.Appearance) int {
	sa, _ := a.(*Sprite)
	sb, _ := b.(*Sprite)
	if sa == nil || sb == nil {
		return 0
	}
	return cmp.Compare(sa.Layer, sb.Layer)
}

func (s *Sprite) SetLoc(x, y float64) { s.X, s.Y = x, y }

// Snapshot returns a detached copy of the drawable fields, not tied to the
// environment's live count.
func (s *Sprite) Snapshot() *Sprite {
	return &Sprite{
		Icon:       s.Icon,
		IconState:  s.IconState,
		Dir:        s.Dir,
		Layer:      s.Layer,
		Name:       s.Name,
		GlideSize:  s.GlideSize,
		ScreenLocX: s.ScreenLocX,
		ScreenLocY: s.ScreenLocY,
		Overlays:   s.Overlays,
		X:          s.X,
		Y:          s.Y,
		Components: s.Components,
	}
}

// Release returns the sprite to its environment. Extra calls are ignored.
func (s *Sprite) Release() {
	if s.released.CompareAndSwap(false, true) && s.env != nil {
		s.env.live.Add(-1)
	}
}

// hookTimeout is used when a component file is loaded without a timeout.
const hookTimeout = 100 * time.Millisecond
