// Package set holds a small insertion-ordered set.
package set

// Ordered is a set that remembers the order keys were first added in. The
// zero value is ready to use.
type Ordered[T comparable] struct {
	index map[T]int
	keys  []T
}

// Add inserts k and reports whether it was new.
func (s *Ordered[T]) Add(k T) bool {
	if s.index == nil {
		s.index = make(map[T]int)
	}
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.keys)
	s.keys = append(s.keys, k)
	return true
}

func (s *Ordered[T]) Contains(k T) bool {
	_, ok := s.index[k]
	return ok
}

// Index returns the position k was added at.
func (s *Ordered[T]) Index(k T) (int, bool) {
	i, ok := s.index[k]
	return i, ok
}

func (s *Ordered[T]) Len() int {
	return len(s.keys)
}

// Values returns the keys in insertion order.
func (s *Ordered[T]) Values() []T {
	out := make([]T, len(s.keys))
	copy(out, s.keys)
	return out
}
