package bsmap

import "math"

// FinalizeMovement enforces occupancy rules after the instance moved, was
// created or was taken off the grid:
//
//   - at the tile it left, instances that required it underneath get their
//     fallback template inserted, or are deleted when they have none;
//   - tile-bound instances snap to whole tiles;
//   - at the tile it entered, an unmet requires-under rule inserts the
//     fallback beneath it or deletes it;
//   - for each one-per-tile component it carries, other settled occupants
//     carrying the same component are deleted.
//
// Nothing happens if the instance has not moved since the last call.
func (i *Instance) FinalizeMovement() {
	if i.lastPlaced == i.placed && (!i.placed || (i.lastX == i.x && i.lastY == i.y)) {
		return
	}
	s := i.store
	s.depth++
	defer func() { s.depth-- }()

	if i.lastPlaced {
		s.resolveDependents(Loc{i.lastX, i.lastY}, i, i.templateName, i.template)
	}
	if i.placed && i.template.TileBound {
		rx, ry := jsRound(i.x), jsRound(i.y)
		if rx != i.x || ry != i.y {
			_ = i.SetPos(&rx, &ry)
		}
	}
	i.lastX, i.lastY, i.lastPlaced = i.x, i.y, i.placed
	i.settled = true
	if !i.placed {
		return
	}

	loc := i.Loc()
	if ru := i.template.RequiresUnder; ru != nil && !s.supported(loc, ru, i) {
		if !s.insertFallback(ru.Default, loc) {
			i.Del()
			return
		}
	}
	for _, name := range i.template.Components {
		c, ok := s.env.Component(name)
		if !ok || !c.OnePerTile {
			continue
		}
		for _, o := range s.At(loc) {
			if o == i || o.deleted || !o.settled || !o.HasComponent(name) {
				continue
			}
			o.Del()
			// o may have been holding i up
			if i.deleted {
				return
			}
		}
	}
}

// resolveDependents handles instances at loc whose requires-under rule was
// met by gone (an instance named name using template t) and is no longer
// met by anything else there.
func (s *Store) resolveDependents(loc Loc, gone *Instance, name string, t *Template) {
	for _, o := range s.At(loc) {
		if o == gone || o.deleted {
			continue
		}
		ru := o.template.RequiresUnder
		if ru == nil || !ru.SatisfiedBy(name, t) || s.supported(loc, ru, o) {
			continue
		}
		if !s.insertFallback(ru.Default, loc) {
			o.Del()
		}
	}
}

// supported reports whether any occupant of loc other than dependent
// satisfies ru.
func (s *Store) supported(loc Loc, ru *RequiresUnder, dependent *Instance) bool {
	for _, o := range s.grid[loc] {
		if o == dependent || o.deleted {
			continue
		}
		if ru.SatisfiedBy(o.templateName, o.template) {
			return true
		}
	}
	return false
}

// insertFallback places template name at loc and evaluates it. It returns
// false when there is no fallback, it could not be created, or the cascade
// is already nested too deeply.
func (s *Store) insertFallback(name string, loc Loc) bool {
	if name == "" {
		return false
	}
	if s.depth >= s.maxDepth {
		s.log.Warn("fallback cascade too deep, deleting instead", "template", name, "loc", loc.String(), "depth", s.depth)
		return false
	}
	fb, err := NewInstance(s, M{"template_name": name, "x": loc.X, "y": loc.Y})
	if err != nil {
		s.log.Warn("fallback template unavailable", "template", name, "loc", loc.String(), "error", err)
		return false
	}
	fb.FinalizeMovement()
	return !fb.deleted
}

// jsRound rounds half up, like Math.round.
func jsRound(f float64) float64 {
	return math.Floor(f + 0.5)
}
