package syncmap

import (
	"sync/atomic"
	"unsafe"
)

// expunged is an arbitrary pointer that marks entries which have been
// deleted from the dirty map.
var expunged = unsafe.Pointer(new(any))

// An ExpungingValue is the slot a Map keeps for a single key. The same slot
// is shared by the read and dirty maps, so a mutation through either side is
// visible through the other.
//
// The slot holds one of three states behind a single atomic pointer:
//
//   - nil: the entry has been deleted (a tombstone), and either m.dirty is
//     nil or m.dirty holds this same slot.
//   - expunged: the entry has been deleted, m.dirty is non-nil, and the
//     entry is absent from m.dirty. It will not be carried into the next
//     promoted snapshot.
//   - otherwise: the entry is live and holds a value.
//
// A tombstone becomes expunged only while the map's lock is held, during
// dirty-map materialization. An expunged slot can be revived only after it
// has been re-inserted into the dirty map, again under the lock. Everything
// else is a plain atomic swap on the slot, which is what lets writers on
// disjoint keys proceed without touching the map-wide lock.
type ExpungingValue[V any] struct {
	p atomic.Pointer[V]
}

func newEntry[V any](v *V) *ExpungingValue[V] {
	e := &ExpungingValue[V]{}
	e.p.Store(v)
	return e
}

// Load returns the stored value, if any. A tombstoned or expunged slot
// reports ok == false.
func (e *ExpungingValue[V]) Load() (value V, ok bool) {
	p := e.p.Load()
	if p == nil || p == (*V)(expunged) {
		return value, false
	}
	return *p, true
}

// Expunged reports whether the slot has been excluded from the dirty map.
func (e *ExpungingValue[V]) Expunged() bool {
	return e.p.Load() == (*V)(expunged)
}

func (e *ExpungingValue[V]) load() (value *V, ok bool) {
	p := e.p.Load()
	if p == nil || p == (*V)(expunged) {
		return nil, false
	}
	return p, true
}

// trySwap swaps a value if the entry has not been expunged.
//
// If the entry is expunged, trySwap returns false and leaves the entry
// unchanged: the caller must take the lock and revive the slot through the
// dirty map first.
func (e *ExpungingValue[V]) trySwap(v *V) (*V, bool) {
	for {
		p := e.p.Load()
		if p == (*V)(expunged) {
			return nil, false
		}
		if e.p.CompareAndSwap(p, v) {
			return p, true
		}
	}
}

// swapLocked unconditionally swaps a value into the entry.
//
// The entry must be known not to be expunged.
func (e *ExpungingValue[V]) swapLocked(v *V) *V {
	return e.p.Swap(v)
}

// tryLoadOrStore atomically loads or stores a value if the entry is not
// expunged.
//
// If the entry is expunged, tryLoadOrStore leaves the entry unchanged and
// returns with ok == false.
func (e *ExpungingValue[V]) tryLoadOrStore(v *V) (actual *V, loaded, ok bool) {
	p := e.p.Load()
	if p == (*V)(expunged) {
		return nil, false, false
	}
	if p != nil {
		return p, true, true
	}
	for {
		if e.p.CompareAndSwap(nil, v) {
			return v, false, true
		}
		p = e.p.Load()
		if p == (*V)(expunged) {
			return nil, false, false
		}
		if p != nil {
			return p, true, true
		}
	}
}

// delete tombstones the entry, returning the value it held.
func (e *ExpungingValue[V]) delete() (value *V, ok bool) {
	for {
		p := e.p.Load()
		if p == nil || p == (*V)(expunged) {
			return nil, false
		}
		if e.p.CompareAndSwap(p, nil) {
			return p, true
		}
	}
}

// tryCompareAndDelete tombstones the entry only if it currently holds a
// value equal to old.
func (e *ExpungingValue[V]) tryCompareAndDelete(old V) bool {
	for {
		p := e.p.Load()
		if p == nil || p == (*V)(expunged) || !valueEqual(*p, old) {
			return false
		}
		if e.p.CompareAndSwap(p, nil) {
			return true
		}
	}
}

// unexpungeLocked ensures that the entry is not marked as expunged.
//
// If the entry was previously expunged, it must be added to the dirty map
// before the map's lock is released.
func (e *ExpungingValue[V]) unexpungeLocked() (wasExpunged bool) {
	return e.p.CompareAndSwap((*V)(expunged), nil)
}

// tryExpungeLocked marks a tombstoned entry as expunged so that it is left
// out of the dirty map being materialized. It reports whether the entry
// ended up expunged.
func (e *ExpungingValue[V]) tryExpungeLocked() (isExpunged bool) {
	p := e.p.Load()
	for p == nil {
		if e.p.CompareAndSwap(nil, (*V)(expunged)) {
			return true
		}
		p = e.p.Load()
	}
	return p == (*V)(expunged)
}
