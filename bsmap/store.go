// Package bsmap implements the scene graph of a bluespess map: placed
// template instances indexed by tile, their derived vars, and the occupancy
// rules that are enforced whenever something moves.
//
// A Store is not safe for concurrent use. Callers that share one between
// goroutines must serialize access to it, including Load and Save.
package bsmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// DefaultMaxCascadeDepth bounds how deeply fallback insertions may nest.
const DefaultMaxCascadeDepth = 16

// Loc is a grid location.
type Loc struct {
	X, Y float64
}

func (l Loc) String() string {
	return formatNumber(l.X) + "," + formatNumber(l.Y)
}

// Store owns the instances of one map document.
type Store struct {
	env      Env
	thumbs   Thumbnailer
	log      *slog.Logger
	maxDepth int

	objects []*Instance
	ids     map[uint64]*Instance
	grid    map[Loc][]*Instance
	nextID  uint64

	modified  bool
	needsSort bool

	// depth is the current FinalizeMovement nesting level.
	depth int
}

// Option configures a Store.
type Option func(*Store)

// WithThumbnailer makes instances request a preview whenever their context
// is updated.
func WithThumbnailer(t Thumbnailer) Option {
	return func(s *Store) { s.thumbs = t }
}

// WithLogger sets the logger used for cascade diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMaxCascadeDepth overrides DefaultMaxCascadeDepth.
func WithMaxCascadeDepth(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// NewStore returns an empty store resolving templates against env.
func NewStore(env Env, opts ...Option) *Store {
	s := &Store{
		env:      env,
		log:      slog.Default(),
		maxDepth: DefaultMaxCascadeDepth,
		ids:      make(map[uint64]*Instance),
		grid:     make(map[Loc][]*Instance),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Env returns the environment the store currently resolves against.
func (s *Store) Env() Env { return s.env }

// Modified reports whether the store changed since it was loaded or saved.
func (s *Store) Modified() bool { return s.modified }

// MarkModified flags the store as differing from its file.
func (s *Store) MarkModified() { s.modified = true }

// NeedsSort reports whether the draw order is stale.
func (s *Store) NeedsSort() bool { return s.needsSort }

// Len returns the number of live instances.
func (s *Store) Len() int { return len(s.objects) }

// Objects returns the live instances in store order.
func (s *Store) Objects() []*Instance {
	return append([]*Instance(nil), s.objects...)
}

// Lookup returns the live instance with the given id.
func (s *Store) Lookup(id uint64) (*Instance, bool) {
	inst, ok := s.ids[id]
	return inst, ok
}

// At returns the instances occupying loc, bottom first.
func (s *Store) At(loc Loc) []*Instance {
	return append([]*Instance(nil), s.grid[loc]...)
}

// Tiles returns every occupied location ordered by row, then column.
func (s *Store) Tiles() []Loc {
	locs := make([]Loc, 0, len(s.grid))
	for l := range s.grid {
		locs = append(locs, l)
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Y != locs[j].Y {
			return locs[i].Y < locs[j].Y
		}
		return locs[i].X < locs[j].X
	})
	return locs
}

// SortObjects re-sorts the object sequence into draw order.
func (s *Store) SortObjects() {
	sort.SliceStable(s.objects, func(i, j int) bool {
		return s.compare(s.objects[i], s.objects[j]) < 0
	})
	s.needsSort = false
}

// DrawOrder returns the instances in draw order, sorting first if needed.
func (s *Store) DrawOrder() []*Instance {
	if s.needsSort {
		s.SortObjects()
	}
	return s.Objects()
}

func (s *Store) compare(a, b *Instance) int {
	if a.appearance == nil || b.appearance == nil {
		return 0
	}
	return s.env.CompareAppearance(a.appearance, b.appearance)
}

// Load replaces the contents of the store with the map at path.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.Decode(data)
}

type locEntry struct {
	key     string
	entries []any
}

// Decode replaces the contents of the store with a map document. Empty or
// whitespace-only input is an empty map. Occupancy rules are evaluated only
// after every instance is present, in store order.
//
// The document is built aside and swapped in on success; on error the
// store keeps its previous contents and modified flag.
func (s *Store) Decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		s.reset()
		s.modified = false
		return nil
	}
	locs, err := decodeLocs(data)
	if err != nil {
		return err
	}
	next := &Store{
		env:      s.env,
		thumbs:   s.thumbs,
		log:      s.log,
		maxDepth: s.maxDepth,
		ids:      make(map[uint64]*Instance),
		grid:     make(map[Loc][]*Instance),
		nextID:   s.nextID,
	}
	if err := next.build(locs); err != nil {
		next.reset()
		return err
	}

	s.reset()
	s.objects, s.ids, s.grid, s.nextID = next.objects, next.ids, next.grid, next.nextID
	for _, inst := range s.objects {
		inst.store = s
	}
	s.modified = false
	s.needsSort = true
	return nil
}

// build adds the instances of locs to an empty store and settles them.
func (s *Store) build(locs []locEntry) error {
	for _, le := range locs {
		for _, e := range le.entries {
			var obj M
			switch v := e.(type) {
			case map[string]any:
				obj = M(v)
			case string:
				c, ok := parseKey(le.key)
				if !ok {
					return fmt.Errorf("%w: location key %q", ErrCoords, le.key)
				}
				obj = M{"template_name": v, "x": c[0], "y": c[1]}
			default:
				return fmt.Errorf("%w: locs[%q] holds %T", ErrFormat, le.key, e)
			}
			if _, err := NewInstance(s, obj); err != nil {
				return fmt.Errorf("locs[%q]: %w", le.key, err)
			}
		}
	}
	for _, inst := range s.Objects() {
		if !inst.deleted {
			inst.FinalizeMovement()
		}
	}
	return nil
}

// decodeLocs parses a map document, keeping the textual order of the
// location keys.
func decodeLocs(data []byte) ([]locEntry, error) {
	var top any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("bsmap: parse: %w", err)
	}
	if _, ok := top.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrFormat, top)
	}
	var doc struct {
		Locs json.RawMessage `json:"locs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(doc.Locs) == 0 {
		return nil, fmt.Errorf("%w: missing locs", ErrFormat)
	}

	dec := json.NewDecoder(bytes.NewReader(doc.Locs))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: locs must be an object", ErrFormat)
	}
	var locs []locEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		key, _ := tok.(string)
		var entries []any
		if err := dec.Decode(&entries); err != nil {
			return nil, fmt.Errorf("%w: locs[%q] must be an array", ErrFormat, key)
		}
		locs = append(locs, locEntry{key: key, entries: entries})
	}
	return locs, nil
}

// Encode renders the store as a map document. Instances are grouped under
// "x,y,0" keys in store order. Unplaced instances have no location key and
// are not written; see Unplaced.
func (s *Store) Encode() ([]byte, error) {
	locs := make(map[string]any)
	for _, inst := range s.objects {
		if inst.deleted || !inst.placed {
			continue
		}
		k := locKey(inst.Loc())
		list, _ := locs[k].([]any)
		locs[k] = append(list, map[string]any(inst.Object()))
	}
	return Stringify(map[string]any{"locs": locs})
}

// Save writes the store to path and clears the modified flag. On failure
// the flag is left untouched.
func (s *Store) Save(path string) error {
	b, err := s.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	if n := s.Unplaced(); n > 0 {
		s.log.Warn("unplaced instances not saved", "path", path, "count", n)
	}
	s.modified = false
	return nil
}

// Unplaced returns how many live instances are off the grid. They are
// dropped when the map is encoded.
func (s *Store) Unplaced() int {
	n := 0
	for _, inst := range s.objects {
		if !inst.placed {
			n++
		}
	}
	return n
}

// Place creates an instance of template name at (x, y) and evaluates its
// occupancy rules.
func (s *Store) Place(name string, x, y float64, instanceVars map[string]any, leaf []any) (*Instance, error) {
	obj := M{"template_name": name, "x": x, "y": y}
	if len(instanceVars) > 0 {
		obj["instance_vars"] = instanceVars
	}
	if leaf != nil {
		obj["variant_leaf_path"] = leaf
	}
	inst, err := NewInstance(s, obj)
	if err != nil {
		return nil, err
	}
	inst.FinalizeMovement()
	return inst, nil
}

// Reload swaps the environment and re-derives every instance against it,
// then re-evaluates occupancy rules the same way Decode does. Instances
// whose template is missing from env keep their previous state and are
// reported in the returned error.
func (s *Store) Reload(env Env) error {
	s.env = env
	objs := s.Objects()
	var errs []error
	for _, inst := range objs {
		if err := inst.UpdateContext(true); err != nil {
			errs = append(errs, fmt.Errorf("instance %d: %w", inst.id, err))
		}
	}
	for loc := range s.grid {
		s.sortBucket(loc)
	}
	for _, inst := range objs {
		inst.settled = false
		inst.lastPlaced = false
	}
	for _, inst := range objs {
		if !inst.deleted {
			inst.FinalizeMovement()
		}
	}
	s.needsSort = true
	return errors.Join(errs...)
}

func (s *Store) reset() {
	for _, inst := range s.objects {
		if inst.appearance != nil {
			inst.appearance.Release()
			inst.appearance = nil
		}
		inst.deleted = true
	}
	s.objects = nil
	s.ids = make(map[uint64]*Instance)
	s.grid = make(map[Loc][]*Instance)
	s.needsSort = false
}

func (s *Store) addObject(inst *Instance) {
	s.nextID++
	inst.id = s.nextID
	s.objects = append(s.objects, inst)
	s.ids[inst.id] = inst
	s.modified = true
	s.needsSort = true
}

func (s *Store) removeObject(inst *Instance) {
	for i, o := range s.objects {
		if o == inst {
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			break
		}
	}
	delete(s.ids, inst.id)
	s.modified = true
}

func (s *Store) addToBucket(inst *Instance, loc Loc) {
	s.grid[loc] = append(s.grid[loc], inst)
	s.sortBucket(loc)
}

func (s *Store) removeFromBucket(inst *Instance, loc Loc) {
	b := s.grid[loc]
	for i, o := range b {
		if o == inst {
			b = append(b[:i], b[i+1:]...)
			break
		}
	}
	if len(b) == 0 {
		delete(s.grid, loc)
		return
	}
	s.grid[loc] = b
}

func (s *Store) sortBucket(loc Loc) {
	b := s.grid[loc]
	sort.SliceStable(b, func(i, j int) bool { return s.compare(b[i], b[j]) < 0 })
}
