package models

// Memo holds a network-derived value that is computed at most once.
// The zero Memo is unresolved.
type Memo[T any] struct {
	value    T
	resolved bool
}

// Resolved returns a Memo already holding v.
func Resolved[T any](v T) Memo[T] {
	return Memo[T]{value: v, resolved: true}
}

// Get returns the value and whether it has been resolved.
func (m Memo[T]) Get() (T, bool) {
	return m.value, m.resolved
}

// IsResolved reports whether a value is present.
func (m Memo[T]) IsResolved() bool {
	return m.resolved
}

// Resolve returns the cached value, or calls probe once and caches a successful result.
// A failed probe leaves the memo unresolved so a later call may try again.
func (m *Memo[T]) Resolve(probe func() (T, error)) (T, error) {
	if m.resolved {
		return m.value, nil
	}
	v, err := probe()
	if err != nil {
		var zero T
		return zero, err
	}
	m.value = v
	m.resolved = true
	return v, nil
}
