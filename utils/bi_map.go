package utils

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
)

// BiMap is an immutable one-to-one mapping with lookups in both directions.
type BiMap[K cmp.Ordered, V cmp.Ordered] struct {
	forward map[K]V
	reverse map[V]K
}

// NewBiMap copies input into a BiMap. It fails when two keys share a value,
// since the reverse lookup would be ambiguous.
func NewBiMap[K cmp.Ordered, V cmp.Ordered](input map[K]V) (*BiMap[K, V], error) {
	m := &BiMap[K, V]{
		forward: make(map[K]V, len(input)),
		reverse: make(map[V]K, len(input)),
	}
	for k, v := range input {
		if other, dup := m.reverse[v]; dup {
			return nil, fmt.Errorf("bimap: keys %v and %v share value %v", other, k, v)
		}
		m.forward[k] = v
		m.reverse[v] = k
	}
	return m, nil
}

// MustBiMap is NewBiMap for package-level tables; it panics on duplicate values.
func MustBiMap[K cmp.Ordered, V cmp.Ordered](input map[K]V) *BiMap[K, V] {
	m, err := NewBiMap(input)
	if err != nil {
		panic(err)
	}
	return m
}

// Lookup finds a value by its key.
func (m *BiMap[K, V]) Lookup(key K) (V, bool) {
	value, ok := m.forward[key]
	return value, ok
}

// RLookup finds a key by its value.
func (m *BiMap[K, V]) RLookup(value V) (K, bool) {
	key, ok := m.reverse[value]
	return key, ok
}

// Len returns the number of pairs.
func (m *BiMap[K, V]) Len() int {
	return len(m.forward)
}

// Keys returns the keys in ascending order.
func (m *BiMap[K, V]) Keys() []K {
	return slices.Sorted(maps.Keys(m.forward))
}

// Values returns the values in ascending order.
func (m *BiMap[K, V]) Values() []V {
	return slices.Sorted(maps.Keys(m.reverse))
}
