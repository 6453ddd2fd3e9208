package syncmap

import "iter"

// The key, value and entry views are thin wrappers over the map's engine,
// cached as singletons on first use: every view reflects live edits, and
// removal through a view or its iterator affects the map itself. The views
// are mutation-limited to removal and traversal; structural addition has no
// surface here.
//
// A view's iterator forces a promotion when it is created, then walks that
// single stable snapshot, lazily skipping slots that are tombstoned or
// expunged. Only the traversal snapshot (a slice of key/slot references) is
// copied; values are read from the shared slots at visit time.

// KeySet returns the map's key view.
func (m *Map[K, V]) KeySet() *KeySet[K, V] {
	if s := m.keySet.Load(); s != nil {
		return s
	}
	m.keySet.CompareAndSwap(nil, &KeySet[K, V]{m: m})
	return m.keySet.Load()
}

// Values returns the map's value view.
func (m *Map[K, V]) Values() *ValueCollection[K, V] {
	if c := m.valueCol.Load(); c != nil {
		return c
	}
	m.valueCol.CompareAndSwap(nil, &ValueCollection[K, V]{m: m})
	return m.valueCol.Load()
}

// EntrySet returns the map's entry view.
func (m *Map[K, V]) EntrySet() *EntrySet[K, V] {
	if s := m.entrySet.Load(); s != nil {
		return s
	}
	m.entrySet.CompareAndSwap(nil, &EntrySet[K, V]{m: m})
	return m.entrySet.Load()
}

// slot pairs a key with its shared entry slot in an iterator's traversal
// snapshot.
type slot[K comparable, V any] struct {
	key K
	e   *ExpungingValue[V]
}

func (m *Map[K, V]) snapshotSlots() []slot[K, V] {
	read := m.promoteIfAmended()
	if read.m == nil {
		return nil
	}
	snap := make([]slot[K, V], 0, read.m.Len())
	read.m.Range(func(key K, e *ExpungingValue[V]) bool {
		snap = append(snap, slot[K, V]{key: key, e: e})
		return true
	})
	return snap
}

// viewIterator walks a traversal snapshot, skipping dead slots. Next
// caches the visited key and value, so the accessors stay stable even if
// the entry is concurrently removed.
type viewIterator[K comparable, V any] struct {
	m     *Map[K, V]
	snap  []slot[K, V]
	idx   int
	key   K
	value V
	ok    bool
}

func (m *Map[K, V]) newViewIterator() viewIterator[K, V] {
	return viewIterator[K, V]{m: m, snap: m.snapshotSlots()}
}

// Next advances to the next live entry, reporting whether one exists.
func (it *viewIterator[K, V]) Next() bool {
	for it.idx < len(it.snap) {
		s := it.snap[it.idx]
		it.idx++
		if v, ok := s.e.Load(); ok {
			it.key, it.value, it.ok = s.key, v, true
			return true
		}
	}
	it.ok = false
	return false
}

// Remove deletes the entry the iterator is positioned on from the live
// map. It is a no-op before the first Next or after exhaustion.
func (it *viewIterator[K, V]) Remove() {
	if it.ok {
		it.m.Delete(it.key)
	}
}

// An Entry is a live handle on a single mapping: Value and SetValue read
// and write through the map, not a private copy.
type Entry[K comparable, V any] struct {
	m   *Map[K, V]
	key K
}

// Key returns the entry's key.
func (e Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's current value, if the mapping is still live.
func (e Entry[K, V]) Value() (V, bool) {
	return e.m.Load(e.key)
}

// SetValue stores value for the entry's key, returning the previous value.
func (e Entry[K, V]) SetValue(value V) (previous V, loaded bool) {
	return e.m.Swap(e.key, value)
}

// KeySet is a live set view of the map's keys.
type KeySet[K comparable, V any] struct {
	m *Map[K, V]
}

// Len returns the number of live keys. O(n), like Map.Size.
func (s *KeySet[K, V]) Len() int {
	return s.m.Size()
}

// Contains reports whether key has a live entry.
func (s *KeySet[K, V]) Contains(key K) bool {
	return s.m.HasKey(key)
}

// Remove deletes key from the map, reporting whether it was present.
func (s *KeySet[K, V]) Remove(key K) bool {
	_, loaded := s.m.LoadAndDelete(key)
	return loaded
}

// Clear removes all entries from the map.
func (s *KeySet[K, V]) Clear() {
	s.m.Clear()
}

// All returns an iterator over the live keys.
func (s *KeySet[K, V]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		s.m.Range(func(key K, _ V) bool {
			return yield(key)
		})
	}
}

// Iterator returns a cursor over the keys. Creating it forces a promotion;
// the traversal covers that snapshot only.
func (s *KeySet[K, V]) Iterator() *KeyIterator[K, V] {
	return &KeyIterator[K, V]{s.m.newViewIterator()}
}

// KeyIterator is a removal-capable cursor over the key view.
type KeyIterator[K comparable, V any] struct {
	viewIterator[K, V]
}

// Key returns the key the iterator is positioned on.
func (it *KeyIterator[K, V]) Key() K {
	return it.key
}

// ValueCollection is a live collection view of the map's values.
type ValueCollection[K comparable, V any] struct {
	m *Map[K, V]
}

// Len returns the number of live entries. O(n), like Map.Size.
func (c *ValueCollection[K, V]) Len() int {
	return c.m.Size()
}

// Contains reports whether any live entry holds a value equal to value.
// It panics if V is not of a comparable type.
func (c *ValueCollection[K, V]) Contains(value V) bool {
	return c.m.ContainsValue(value)
}

// Remove deletes the first live entry holding a value equal to value,
// reporting whether one was removed. It panics if V is not of a comparable
// type.
func (c *ValueCollection[K, V]) Remove(value V) bool {
	assertValueComparable[V]("Remove")
	read := c.m.promoteIfAmended()
	if read.m == nil {
		return false
	}
	removed := false
	read.m.Range(func(key K, e *ExpungingValue[V]) bool {
		v, ok := e.Load()
		if !ok || !valueEqual(v, value) {
			return true
		}
		removed = c.m.CompareAndDelete(key, value)
		return false
	})
	return removed
}

// Clear removes all entries from the map.
func (c *ValueCollection[K, V]) Clear() {
	c.m.Clear()
}

// All returns an iterator over the live values.
func (c *ValueCollection[K, V]) All() iter.Seq[V] {
	return func(yield func(V) bool) {
		c.m.Range(func(_ K, value V) bool {
			return yield(value)
		})
	}
}

// Iterator returns a cursor over the values. Creating it forces a
// promotion; the traversal covers that snapshot only.
func (c *ValueCollection[K, V]) Iterator() *ValueIterator[K, V] {
	return &ValueIterator[K, V]{c.m.newViewIterator()}
}

// ValueIterator is a removal-capable cursor over the value view.
type ValueIterator[K comparable, V any] struct {
	viewIterator[K, V]
}

// Value returns the value the iterator is positioned on, as read when Next
// advanced to it.
func (it *ValueIterator[K, V]) Value() V {
	return it.value
}

// EntrySet is a live set view of the map's entries.
type EntrySet[K comparable, V any] struct {
	m *Map[K, V]
}

// Len returns the number of live entries. O(n), like Map.Size.
func (s *EntrySet[K, V]) Len() int {
	return s.m.Size()
}

// Contains reports whether key currently maps to a value equal to value.
// It panics if V is not of a comparable type.
func (s *EntrySet[K, V]) Contains(key K, value V) bool {
	assertValueComparable[V]("Contains")
	v, ok := s.m.Load(key)
	return ok && valueEqual(v, value)
}

// Remove deletes the entry for key, reporting whether it was present.
func (s *EntrySet[K, V]) Remove(key K) bool {
	_, loaded := s.m.LoadAndDelete(key)
	return loaded
}

// Clear removes all entries from the map.
func (s *EntrySet[K, V]) Clear() {
	s.m.Clear()
}

// All returns an iterator over live entry handles.
func (s *EntrySet[K, V]) All() iter.Seq[Entry[K, V]] {
	return func(yield func(Entry[K, V]) bool) {
		s.m.Range(func(key K, _ V) bool {
			return yield(Entry[K, V]{m: s.m, key: key})
		})
	}
}

// Iterator returns a cursor over the entries. Creating it forces a
// promotion; the traversal covers that snapshot only.
func (s *EntrySet[K, V]) Iterator() *EntryIterator[K, V] {
	return &EntryIterator[K, V]{s.m.newViewIterator()}
}

// EntryIterator is a removal-capable cursor over the entry view.
type EntryIterator[K comparable, V any] struct {
	viewIterator[K, V]
}

// Entry returns a live handle on the mapping the iterator is positioned
// on.
func (it *EntryIterator[K, V]) Entry() Entry[K, V] {
	return Entry[K, V]{m: it.m, key: it.key}
}

// Value returns the value as read when Next advanced to this entry.
func (it *EntryIterator[K, V]) Value() V {
	return it.value
}
