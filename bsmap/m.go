package bsmap

// M is a decoded JSON object with some extra accessors.
type M map[string]any

// Has returns true if m has a value for key.
func (m M) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// GetString returns the value of key as a string, or ""
func (m M) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetAnys returns the value for key as a slice of any.
func (m M) GetAnys(key string) []any {
	v, _ := m[key].([]any)
	return v
}

// GetM returns the value for key as an M, or nil if it is not an object.
func (m M) GetM(key string) M {
	switch v := m[key].(type) {
	case map[string]any:
		return M(v)
	case M:
		return v
	}
	return nil
}

// GetNumber returns the value for key as a float64. The second return is
// false when the key is missing or holds a non-numeric value.
func (m M) GetNumber(key string) (float64, bool) {
	return toFloat(m[key])
}
