package bsmap

import "errors"

var (
	// ErrCoords is returned for non-numeric coordinates or a coordinate
	// pair where only one side is set.
	ErrCoords = errors.New("bsmap: invalid coordinates")
	// ErrFormat is returned when a map document has the wrong shape.
	ErrFormat = errors.New("bsmap: malformed map document")
	// ErrUnknownTemplate is returned when an instance names a template the
	// environment does not have.
	ErrUnknownTemplate = errors.New("bsmap: unknown template")
	// ErrVariantType is returned by Template.Process for unsupported variant
	// axis types.
	ErrVariantType = errors.New("bsmap: unsupported variant type")
	// ErrDeleted is returned when editing an instance that was deleted.
	ErrDeleted = errors.New("bsmap: instance deleted")
)
