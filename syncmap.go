// Package syncmap provides a concurrent map built on a pair of backing
// maps: a lock-free read snapshot and a lock-guarded dirty map that is
// promoted wholesale once it has paid for itself.
package syncmap

import (
	"encoding/json"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Map is a concurrent map optimized for two access patterns:
//
//   - entries that are written once but read many times, as in a cache
//     that only grows, and
//   - heavy concurrent mutation across a disjoint set of keys.
//
// In both cases it significantly reduces lock contention compared to a map
// paired with a single read/write lock, at the cost of extra bookkeeping.
//
// Reads go through an immutable snapshot that is consulted without any
// locking. Writes to keys already present in the snapshot mutate the
// shared entry slot in place, again without the lock. Only writes of new
// keys, and reads that keep missing the snapshot, take the single mutex
// guarding the dirty map; once misses outnumber the dirty map's size the
// dirty map is promoted to become the new snapshot in O(1).
//
// Size, IsEmpty, ContainsValue and iteration are O(n) over the snapshot:
// tombstoned and expunged slots must be filtered out, and no live count is
// maintained. Global operations observe a consistent snapshot taken at the
// moment of invocation, which may be stale relative to concurrent writers.
//
// The zero Map is empty and ready for use, with the built-in hash backing.
// A Map must not be copied after first use.
type Map[K comparable, V any] struct {
	alloc BackingFactory[K, V]

	read atomic.Pointer[readOnly[K, V]]

	// The read pointer is the hot cross-thread word; keep the write-side
	// fields off its cache line.
	_ cpu.CacheLinePad

	mu     sync.Mutex
	dirty  BackingMap[K, V]
	misses int

	keySet   atomic.Pointer[KeySet[K, V]]
	valueCol atomic.Pointer[ValueCollection[K, V]]
	entrySet atomic.Pointer[EntrySet[K, V]]
}

// readOnly is an immutable struct stored atomically in Map.read.
type readOnly[K comparable, V any] struct {
	m BackingMap[K, V]
	// amended is true if the dirty map contains some key not in m.
	amended bool
}

func (r readOnly[K, V]) load(key K) (*ExpungingValue[V], bool) {
	if r.m == nil {
		return nil, false
	}
	return r.m.Load(key)
}

func (r readOnly[K, V]) len() int {
	if r.m == nil {
		return 0
	}
	return r.m.Len()
}

// New creates a map with the built-in hash backing and room for
// initialCapacity entries.
func New[K comparable, V any](initialCapacity int) *Map[K, V] {
	return NewWithBacking(HashBacking[K, V], initialCapacity)
}

// NewWithBacking creates a map whose read and dirty sides are allocated by
// factory, allowing a caller-supplied ordered or unordered backing map.
func NewWithBacking[K comparable, V any](factory BackingFactory[K, V], initialCapacity int) *Map[K, V] {
	m := &Map[K, V]{alloc: factory}
	m.read.Store(&readOnly[K, V]{m: factory(initialCapacity)})
	return m
}

func (m *Map[K, V]) loadReadOnly() readOnly[K, V] {
	if p := m.read.Load(); p != nil {
		return *p
	}
	return readOnly[K, V]{}
}

func (m *Map[K, V]) newBacking(capacity int) BackingMap[K, V] {
	if m.alloc != nil {
		return m.alloc(capacity)
	}
	return HashBacking[K, V](capacity)
}

// Load returns the value stored in the map for a key, or the zero value if
// no entry is present. The ok result indicates whether the entry was found.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	read := m.loadReadOnly()
	e, ok := read.load(key)
	if !ok && read.amended {
		m.mu.Lock()
		// Re-check under the lock: the dirty map may have been promoted
		// while we were blocked.
		read = m.loadReadOnly()
		e, ok = read.load(key)
		if !ok && read.amended && m.dirty != nil {
			e, ok = m.dirty.Load(key)
			// Count a miss regardless of the outcome: this key will keep
			// taking the slow path until the dirty map is promoted.
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if !ok {
		return value, false
	}
	return e.Load()
}

// HasKey reports whether the map holds a live entry for key.
func (m *Map[K, V]) HasKey(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores value for key and returns the previous value, if any.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	v := &value
	read := m.loadReadOnly()
	if e, ok := read.load(key); ok {
		if p, ok := e.trySwap(v); ok {
			if p == nil {
				return previous, false
			}
			return *p, true
		}
	}

	m.mu.Lock()
	read = m.loadReadOnly()
	if e, ok := read.load(key); ok {
		if e.unexpungeLocked() {
			// The slot was expunged, which means the dirty map is non-nil
			// and does not hold it. Deleted-then-rewritten keys must become
			// reachable through the dirty path again.
			m.dirty.Store(key, e)
		}
		if p := e.swapLocked(v); p != nil {
			previous, loaded = *p, true
		}
	} else if e, ok := m.dirtyLoad(key); ok {
		if p := e.swapLocked(v); p != nil {
			previous, loaded = *p, true
		}
	} else {
		if !read.amended {
			// First new key since the last promotion: materialize the dirty
			// map and flag the read side as incomplete.
			m.dirtyLocked()
			m.read.Store(&readOnly[K, V]{m: read.m, amended: true})
		}
		m.dirty.Store(key, newEntry(v))
	}
	m.mu.Unlock()
	return previous, loaded
}

// LoadOrStore returns the existing value for the key if present. Otherwise
// it stores and returns the given value. The loaded result is true if the
// value was already present.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v := &value
	read := m.loadReadOnly()
	if e, ok := read.load(key); ok {
		if p, loaded, ok := e.tryLoadOrStore(v); ok {
			return *p, loaded
		}
	}

	m.mu.Lock()
	read = m.loadReadOnly()
	if e, ok := read.load(key); ok {
		if e.unexpungeLocked() {
			m.dirty.Store(key, e)
		}
		p, l, _ := e.tryLoadOrStore(v)
		actual, loaded = *p, l
	} else if e, ok := m.dirtyLoad(key); ok {
		p, l, _ := e.tryLoadOrStore(v)
		actual, loaded = *p, l
		m.missLocked()
	} else {
		if !read.amended {
			m.dirtyLocked()
			m.read.Store(&readOnly[K, V]{m: read.m, amended: true})
		}
		m.dirty.Store(key, newEntry(v))
		actual, loaded = value, false
	}
	m.mu.Unlock()
	return actual, loaded
}

// LoadOrCompute returns the existing value for the key if present.
// Otherwise it stores and returns the value computed by fn. The loaded
// result is true if a value was already present.
//
// LoadOrCompute is layered on Load and LoadOrStore: fn runs without the
// map's lock, may run concurrently in racing callers, and its result is
// discarded when another caller wins the store.
func (m *Map[K, V]) LoadOrCompute(key K, fn func() V) (actual V, loaded bool) {
	if v, ok := m.Load(key); ok {
		return v, true
	}
	return m.LoadOrStore(key, fn())
}

// Delete removes the entry for a key.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete removes the entry for a key, returning the value it held.
// The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	read := m.loadReadOnly()
	e, ok := read.load(key)
	if !ok && read.amended {
		m.mu.Lock()
		read = m.loadReadOnly()
		e, ok = read.load(key)
		if !ok && read.amended && m.dirty != nil {
			// A key present only in the dirty map has no snapshot tombstone
			// to leave behind, so it can be removed outright.
			e, ok = m.dirty.Load(key)
			m.dirty.Delete(key)
		}
		m.mu.Unlock()
	}
	if ok {
		if p, ok := e.delete(); ok {
			return *p, true
		}
	}
	return value, false
}

// CompareAndDelete removes the entry for key only if its current value
// equals old, reporting whether an entry was deleted.
//
// CompareAndDelete panics if V is not of a comparable type.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	assertValueComparable[V]("CompareAndDelete")
	read := m.loadReadOnly()
	e, ok := read.load(key)
	if !ok && read.amended {
		m.mu.Lock()
		read = m.loadReadOnly()
		e, ok = read.load(key)
		if !ok && read.amended && m.dirty != nil {
			e, ok = m.dirty.Load(key)
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if !ok {
		return false
	}
	return e.tryCompareAndDelete(old)
}

// StoreAll stores every entry of other, as repeated Store calls in the
// source's iteration order. The batch is not atomic: concurrent writers
// interleave with it key by key.
func (m *Map[K, V]) StoreAll(other map[K]V) {
	for key, value := range other {
		m.Store(key, value)
	}
}

// Clear removes all entries. The read snapshot is replaced wholesale, so
// iterators already holding the previous snapshot keep observing the
// pre-clear state.
func (m *Map[K, V]) Clear() {
	read := m.loadReadOnly()
	if read.len() == 0 && !read.amended {
		return
	}
	m.mu.Lock()
	read = m.loadReadOnly()
	if read.len() > 0 || read.amended {
		m.read.Store(&readOnly[K, V]{m: m.newBacking(0)})
	}
	m.dirty = nil
	m.misses = 0
	m.mu.Unlock()
}

// Size returns the number of live entries. It is O(n) over the snapshot:
// tombstoned and expunged slots are filtered out rather than counted.
func (m *Map[K, V]) Size() int {
	read := m.promoteIfAmended()
	size := 0
	if read.m != nil {
		read.m.Range(func(_ K, e *ExpungingValue[V]) bool {
			if _, ok := e.load(); ok {
				size++
			}
			return true
		})
	}
	return size
}

// IsEmpty reports whether the map holds no live entries. Like Size, it is
// O(n) in the worst case.
func (m *Map[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

// ContainsValue reports whether any live entry holds a value equal to
// value. It is O(n) over the snapshot.
//
// ContainsValue panics if V is not of a comparable type.
func (m *Map[K, V]) ContainsValue(value V) bool {
	assertValueComparable[V]("ContainsValue")
	read := m.promoteIfAmended()
	found := false
	if read.m != nil {
		read.m.Range(func(_ K, e *ExpungingValue[V]) bool {
			if v, ok := e.Load(); ok && valueEqual(v, value) {
				found = true
				return false
			}
			return true
		})
	}
	return found
}

// Range calls yield for each live entry. It first forces a promotion if a
// dirty map exists, so the traversal streams a single stable snapshot;
// entries written after Range starts may or may not be visited.
func (m *Map[K, V]) Range(yield func(key K, value V) bool) {
	read := m.promoteIfAmended()
	if read.m == nil {
		return
	}
	read.m.Range(func(key K, e *ExpungingValue[V]) bool {
		v, ok := e.Load()
		if !ok {
			return true
		}
		return yield(key, v)
	})
}

// All returns an iterator over the map's live entries.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.Range
}

// promoteIfAmended returns the current read snapshot, promoting the dirty
// map first if it may hold keys the snapshot lacks.
func (m *Map[K, V]) promoteIfAmended() readOnly[K, V] {
	read := m.loadReadOnly()
	if read.amended {
		m.mu.Lock()
		read = m.loadReadOnly()
		if read.amended && m.dirty != nil {
			m.promoteLocked()
			read = m.loadReadOnly()
		}
		m.mu.Unlock()
	}
	return read
}

// promoteLocked swaps the dirty map into the read role and resets the
// bookkeeping. The swap is O(1): the dirty map is a superset of the live
// snapshot keys by construction.
func (m *Map[K, V]) promoteLocked() {
	if m.dirty != nil {
		m.read.Store(&readOnly[K, V]{m: m.dirty})
	}
	m.dirty = nil
	m.misses = 0
}

// missLocked records a lookup that had to consult the dirty map, promoting
// once misses exceed the dirty map's size.
func (m *Map[K, V]) missLocked() {
	m.misses++
	length := 0
	if m.dirty != nil {
		length = m.dirty.Len()
	}
	if m.misses > length {
		m.promoteLocked()
	}
}

// dirtyLocked materializes the dirty map from the read snapshot. Every
// live slot is carried over by reference; tombstoned slots are marked
// expunged instead, so the next promotion drops their keys.
func (m *Map[K, V]) dirtyLocked() {
	if m.dirty != nil {
		return
	}
	read := m.loadReadOnly()
	m.dirty = m.newBacking(read.len())
	if read.m == nil {
		return
	}
	read.m.Range(func(key K, e *ExpungingValue[V]) bool {
		if !e.tryExpungeLocked() {
			m.dirty.Store(key, e)
		}
		return true
	})
}

func (m *Map[K, V]) dirtyLoad(key K) (*ExpungingValue[V], bool) {
	if m.dirty == nil {
		return nil, false
	}
	return m.dirty.Load(key)
}

// ToMap collects all live entries into a map[K]V.
func (m *Map[K, V]) ToMap() map[K]V {
	a := make(map[K]V)
	m.Range(func(key K, value V) bool {
		a[key] = value
		return true
	})
	return a
}

// String implements fmt.Stringer.
func (m *Map[K, V]) String() string {
	return strings.Replace(fmt.Sprint(m.ToMap()), "map[", "Map[", 1)
}

// MarshalJSON implements json.Marshaler.
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON implements json.Unmarshaler, storing the decoded entries
// into the map.
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.StoreAll(a)
	return nil
}

func valueEqual[V any](a, b V) bool {
	return any(a) == any(b)
}

func assertValueComparable[V any](op string) {
	if !reflect.TypeFor[V]().Comparable() {
		panic("called " + op + " when value is not of comparable type")
	}
}
