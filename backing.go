package syncmap

// A BackingMap is the plain, unsynchronized associative store a Map builds
// both of its sides on. The read side is only ever mutated before it is
// published, and the dirty side only under the map's lock, so
// implementations need no synchronization of their own. Supplying an
// ordered implementation yields deterministic iteration.
type BackingMap[K comparable, V any] interface {
	// Load returns the slot stored for key, if any.
	Load(key K) (*ExpungingValue[V], bool)
	// Store sets the slot for key.
	Store(key K, e *ExpungingValue[V])
	// Delete removes the slot for key, if any.
	Delete(key K)
	// Len returns the number of stored slots, live or not.
	Len() int
	// Range calls f for every stored slot until f returns false.
	Range(f func(key K, e *ExpungingValue[V]) bool)
}

// A BackingFactory allocates a fresh BackingMap with room for capacity
// entries. It is invoked for the initial read map, for each dirty-map
// materialization, and when the map is cleared.
type BackingFactory[K comparable, V any] func(capacity int) BackingMap[K, V]

// HashBacking is the default BackingFactory, wrapping a built-in map.
func HashBacking[K comparable, V any](capacity int) BackingMap[K, V] {
	return make(hashBacking[K, V], capacity)
}

type hashBacking[K comparable, V any] map[K]*ExpungingValue[V]

func (b hashBacking[K, V]) Load(key K) (*ExpungingValue[V], bool) {
	e, ok := b[key]
	return e, ok
}

func (b hashBacking[K, V]) Store(key K, e *ExpungingValue[V]) {
	b[key] = e
}

func (b hashBacking[K, V]) Delete(key K) {
	delete(b, key)
}

func (b hashBacking[K, V]) Len() int {
	return len(b)
}

func (b hashBacking[K, V]) Range(f func(key K, e *ExpungingValue[V]) bool) {
	for key, e := range b {
		if !f(key, e) {
			return
		}
	}
}
