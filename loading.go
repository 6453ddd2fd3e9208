package syncmap

// A LoadingMap is a memoizing facade over Map: Get computes missing values
// through the loader on first access and caches the result. It suits
// grow-only caches such as memoized lookups keyed by an identity.
//
// The loader runs outside the map's lock. Racing callers for the same key
// may each invoke it; only the first stored result is kept, so the loader
// should be pure.
type LoadingMap[K comparable, V any] struct {
	m    Map[K, V]
	load func(K) V
}

// NewLoadingMap creates a loading map that computes missing values with
// load.
func NewLoadingMap[K comparable, V any](load func(K) V) *LoadingMap[K, V] {
	return &LoadingMap[K, V]{load: load}
}

// Get returns the cached value for key, computing and caching it first if
// absent.
func (l *LoadingMap[K, V]) Get(key K) V {
	v, _ := l.m.LoadOrCompute(key, func() V {
		return l.load(key)
	})
	return v
}

// Peek returns the cached value for key without computing it.
func (l *LoadingMap[K, V]) Peek(key K) (V, bool) {
	return l.m.Load(key)
}

// Delete evicts the cached value for key, if any.
func (l *LoadingMap[K, V]) Delete(key K) {
	l.m.Delete(key)
}

// Size returns the number of cached values.
func (l *LoadingMap[K, V]) Size() int {
	return l.m.Size()
}
