package bsmap

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// Positioner is implemented by appearances that track their location.
type Positioner interface {
	SetLoc(x, y float64)
}

// Instance is one placed object of a map.
type Instance struct {
	store *Store
	id    uint64

	x, y   float64
	placed bool

	// position at which occupancy rules were last evaluated
	lastX, lastY float64
	lastPlaced   bool
	// settled is set once occupancy rules have run for this instance
	settled bool

	templateName    string
	template        *Template
	instanceVars    map[string]any
	computedVars    map[string]any
	variantLeafPath []any

	appearance Appearance
	thumbnail  atomic.Pointer[Thumbnail]

	deleted bool
}

// NewInstance builds an instance from a decoded instance object and adds
// it to s. The object must carry numeric "x" and "y" and a "template_name";
// "instance_vars" and "variant_leaf_path" are optional.
//
// Occupancy rules are not evaluated; call FinalizeMovement once the
// instance should take effect.
func NewInstance(s *Store, obj M) (*Instance, error) {
	x, xok := obj.GetNumber("x")
	y, yok := obj.GetNumber("y")
	if !xok || !yok || !finite(x) || !finite(y) {
		return nil, fmt.Errorf("%w: (%v,%v)", ErrCoords, obj["x"], obj["y"])
	}
	name, ok := obj["template_name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: template_name must be a non-empty string", ErrFormat)
	}

	inst := &Instance{store: s, templateName: name}
	if iv := obj.GetM("instance_vars"); iv != nil {
		inst.instanceVars = normalizeMap(iv)
	} else if v, ok := obj["instance_vars"]; ok && v != nil {
		return nil, fmt.Errorf("%w: instance_vars must be an object", ErrFormat)
	}
	if v, ok := obj["variant_leaf_path"]; ok && v != nil {
		path, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: variant_leaf_path must be an array", ErrFormat)
		}
		inst.variantLeafPath = normalize(path).([]any)
	}

	// registered and on the grid before the template binds, so update
	// hooks and the first appearance see the position
	modified, nextID := s.modified, s.nextID
	s.addObject(inst)
	inst.x, inst.y, inst.placed = x, y, true
	s.addToBucket(inst, inst.Loc())
	if err := inst.UpdateContext(false); err != nil {
		s.removeFromBucket(inst, inst.Loc())
		s.removeObject(inst)
		s.modified, s.nextID = modified, nextID
		inst.deleted = true
		return nil, err
	}
	return inst, nil
}

// ID is unique among the instances a store has created. It is not
// persisted.
func (i *Instance) ID() uint64 { return i.id }

// TemplateName returns the name of the bound template.
func (i *Instance) TemplateName() string { return i.templateName }

// Template returns the bound template.
func (i *Instance) Template() *Template { return i.template }

// Pos returns the instance coordinates; ok is false when it is not placed.
func (i *Instance) Pos() (x, y float64, ok bool) { return i.x, i.y, i.placed }

// Placed reports whether the instance has coordinates.
func (i *Instance) Placed() bool { return i.placed }

// Loc returns the grid location of a placed instance.
func (i *Instance) Loc() Loc { return Loc{i.x, i.y} }

// Deleted reports whether Del was called.
func (i *Instance) Deleted() bool { return i.deleted }

// ComputedVars returns the resolved vars. The map is live; update hooks may
// modify it.
func (i *Instance) ComputedVars() map[string]any { return i.computedVars }

// InstanceVars returns a copy of the per-instance overrides.
func (i *Instance) InstanceVars() map[string]any {
	if i.instanceVars == nil {
		return nil
	}
	return deepCopy(i.instanceVars).(map[string]any)
}

// VariantLeafPath returns a copy of the selected variant values.
func (i *Instance) VariantLeafPath() []any {
	if i.variantLeafPath == nil {
		return nil
	}
	return append([]any(nil), i.variantLeafPath...)
}

// Appearance returns the drawable built for the current context.
func (i *Instance) Appearance() Appearance { return i.appearance }

// Thumbnail returns the cached preview, or nil if none has resolved yet.
func (i *Instance) Thumbnail() *Thumbnail { return i.thumbnail.Load() }

// HasComponent reports whether the bound template lists component name.
func (i *Instance) HasComponent(name string) bool {
	return i.template != nil && i.template.HasComponent(name)
}

// Object returns the serialized form of the instance.
func (i *Instance) Object() M {
	m := M{"template_name": i.templateName, "x": nil, "y": nil}
	if i.placed {
		m["x"], m["y"] = i.x, i.y
	}
	if len(i.instanceVars) > 0 {
		m["instance_vars"] = deepCopy(i.instanceVars)
	}
	if i.variantLeafPath != nil {
		m["variant_leaf_path"] = deepCopy(i.variantLeafPath)
	}
	return m
}

// SetPos moves the instance. Both coordinates must be set, or both nil to
// take the instance off the grid.
func (i *Instance) SetPos(x, y *float64) error {
	if (x == nil) != (y == nil) {
		return fmt.Errorf("%w: (%s,%s)", ErrCoords, fmtCoord(x), fmtCoord(y))
	}
	if x != nil && (!finite(*x) || !finite(*y)) {
		return fmt.Errorf("%w: (%s,%s)", ErrCoords, fmtCoord(x), fmtCoord(y))
	}
	if x != nil && i.deleted {
		return ErrDeleted
	}
	s := i.store
	if i.placed {
		s.removeFromBucket(i, i.Loc())
	}
	if x == nil {
		i.x, i.y, i.placed = 0, 0, false
	} else {
		i.x, i.y, i.placed = *x, *y, true
		if p, ok := i.appearance.(Positioner); ok {
			p.SetLoc(i.x, i.y)
		}
		s.addToBucket(i, i.Loc())
	}
	s.needsSort = true
	s.modified = true
	return nil
}

// Place is SetPos with both coordinates set.
func (i *Instance) Place(x, y float64) error { return i.SetPos(&x, &y) }

// Unplace takes the instance off the grid.
func (i *Instance) Unplace() { _ = i.SetPos(nil, nil) }

// UpdateContext re-derives computed vars, variant selection and the
// appearance from the bound template. Unless force is set nothing happens
// when the environment still returns the same template.
func (i *Instance) UpdateContext(force bool) error {
	env := i.store.env
	t, ok := env.Template(i.templateName)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTemplate, i.templateName)
	}
	if t == i.template && !force {
		return nil
	}
	if err := t.Process(); err != nil {
		return fmt.Errorf("template %q: %w", i.templateName, err)
	}
	i.template = t
	i.variantLeafPath = ResolveVariantPath(t, i.variantLeafPath)
	i.computedVars = ComputeVars(t, i.variantLeafPath, i.instanceVars)

	if i.appearance != nil {
		i.appearance.Release()
	}
	i.appearance = env.NewAppearance(i.descriptor())
	if i.placed {
		if p, ok := i.appearance.(Positioner); ok {
			p.SetLoc(i.x, i.y)
		}
		i.store.sortBucket(i.Loc())
	}
	i.store.needsSort = true

	for _, name := range t.Components {
		if c, ok := env.Component(name); ok && c.Update != nil {
			c.Update.UpdateMapInstance(i)
		}
	}
	i.requestThumbnail()
	return nil
}

func (i *Instance) descriptor() Descriptor {
	vars := make(map[string]any, len(descriptorKeys))
	for _, k := range descriptorKeys {
		if v, ok := i.computedVars[k]; ok {
			vars[k] = v
		}
	}
	if i.placed {
		vars["x"], vars["y"] = i.x, i.y
	}
	d := Descriptor{
		Vars:       vars,
		Components: append([]string(nil), i.template.Components...),
	}
	d.ComponentVars, _ = i.computedVars["components"].(map[string]any)
	return d
}

func (i *Instance) requestThumbnail() {
	s := i.store
	if s.thumbs == nil {
		return
	}
	req := ThumbnailRequest{TemplateName: i.templateName, VariantLeafPath: i.variantLeafPath}
	thumbs, log := s.thumbs, s.log
	go func() {
		th, err := thumbs.Thumbnail(context.Background(), req)
		if err != nil {
			log.Debug("thumbnail failed", "template", req.TemplateName, "error", err)
			return
		}
		i.thumbnail.Store(th)
	}()
}

// SetTemplate rebinds the instance to another template and re-evaluates
// occupancy rules in place.
func (i *Instance) SetTemplate(name string) error {
	if i.deleted {
		return ErrDeleted
	}
	if name == i.templateName {
		return nil
	}
	oldName, oldT := i.templateName, i.template
	i.templateName = name
	if err := i.UpdateContext(false); err != nil {
		i.templateName = oldName
		return err
	}
	s := i.store
	s.modified = true
	if !i.placed {
		return nil
	}
	s.depth++
	s.resolveDependents(i.Loc(), i, oldName, oldT)
	s.depth--
	if i.deleted {
		return nil
	}
	i.lastPlaced = false
	i.FinalizeMovement()
	return nil
}

// SetVariantLeafPath selects variant values. Values that are not legal for
// their axis fall back to the axis default.
func (i *Instance) SetVariantLeafPath(path []any) error {
	if i.deleted {
		return ErrDeleted
	}
	if path == nil {
		i.variantLeafPath = nil
	} else {
		i.variantLeafPath = normalize(path).([]any)
	}
	i.store.modified = true
	return i.UpdateContext(true)
}

// SetInstanceVars replaces the per-instance overrides.
func (i *Instance) SetInstanceVars(vars map[string]any) error {
	if i.deleted {
		return ErrDeleted
	}
	if len(vars) == 0 {
		i.instanceVars = nil
	} else {
		i.instanceVars = normalizeMap(vars)
	}
	i.store.modified = true
	return i.UpdateContext(true)
}

// Del removes the instance from the map, evaluating occupancy rules at the
// tile it leaves. Deleted instances must not be reused.
func (i *Instance) Del() {
	if i.deleted {
		return
	}
	i.deleted = true
	_ = i.SetPos(nil, nil)
	i.FinalizeMovement()
	if i.appearance != nil {
		i.appearance.Release()
		i.appearance = nil
	}
	i.store.removeObject(i)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func fmtCoord(f *float64) string {
	if f == nil {
		return "null"
	}
	return fmt.Sprint(*f)
}
