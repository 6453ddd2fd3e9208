package syncmap

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestInitialization(t *testing.T) {
	m := New[string, int](16)
	require.True(t, m.IsEmpty())
	require.Equal(t, 0, m.Size())
	_, ok := m.Load("a")
	require.False(t, ok)
	require.False(t, m.HasKey("a"))
}

func TestZeroValueReady(t *testing.T) {
	var m Map[string, int]
	require.True(t, m.IsEmpty())
	m.Store("a", 1)
	v, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 1, m.Size())
}

func TestLoadStore(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	v, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	prev, loaded := m.Swap("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, prev)
	v, _ = m.Load("a")
	require.Equal(t, 2, v)

	prev, loaded = m.Swap("b", 10)
	require.False(t, loaded)
	require.Zero(t, prev)
}

func TestLoadAndDelete(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)

	v, loaded := m.LoadAndDelete("a")
	require.True(t, loaded)
	require.Equal(t, 1, v)

	_, ok := m.Load("a")
	require.False(t, ok)
	require.False(t, m.HasKey("a"))

	_, loaded = m.LoadAndDelete("a")
	require.False(t, loaded)

	m.Delete("missing") // no-op
}

func TestCompareAndDelete(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)

	require.False(t, m.CompareAndDelete("a", 2))
	require.True(t, m.HasKey("a"))

	require.True(t, m.CompareAndDelete("a", 1))
	require.False(t, m.HasKey("a"))

	require.False(t, m.CompareAndDelete("missing", 1))
}

func TestCompareAndDeleteDirtyOnlyKey(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1) // lives only in the dirty map
	require.True(t, m.CompareAndDelete("a", 1))
	require.False(t, m.HasKey("a"))
	require.Equal(t, 0, m.Size())
}

func TestCompareAndDeleteUncomparablePanics(t *testing.T) {
	m := New[string, []int](0)
	m.Store("a", []int{1})
	require.PanicsWithValue(t,
		"called CompareAndDelete when value is not of comparable type",
		func() { m.CompareAndDelete("a", []int{1}) })
}

func TestContainsValue(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	m.Store("b", 2)
	require.True(t, m.ContainsValue(2))
	require.False(t, m.ContainsValue(3))

	m.Delete("b")
	require.False(t, m.ContainsValue(2))
}

func TestLoadOrStore(t *testing.T) {
	m := New[string, int](0)

	actual, loaded := m.LoadOrStore("a", 1)
	require.False(t, loaded)
	require.Equal(t, 1, actual)

	actual, loaded = m.LoadOrStore("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, actual)
}

func TestLoadOrStoreAfterDelete(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	m.Delete("a")
	actual, loaded := m.LoadOrStore("a", 2)
	require.False(t, loaded)
	require.Equal(t, 2, actual)
}

func TestLoadOrCompute(t *testing.T) {
	m := New[string, int](0)
	calls := 0
	v, loaded := m.LoadOrCompute("a", func() int {
		calls++
		return 7
	})
	require.False(t, loaded)
	require.Equal(t, 7, v)
	require.Equal(t, 1, calls)

	v, loaded = m.LoadOrCompute("a", func() int {
		calls++
		return 8
	})
	require.True(t, loaded)
	require.Equal(t, 7, v)
	require.Equal(t, 1, calls)
}

func TestStoreAllRoundTrip(t *testing.T) {
	m := New[string, int](0)
	src := map[string]int{"a": 1, "b": 2, "c": 3}
	m.StoreAll(src)
	for k, want := range src {
		v, ok := m.Load(k)
		require.True(t, ok, k)
		require.Equal(t, want, v, k)
	}
	require.Equal(t, len(src), m.Size())
}

func TestClearIdempotent(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	m.Store("b", 2)

	m.Clear()
	require.Equal(t, 0, m.Size())
	require.True(t, m.IsEmpty())

	m.Clear()
	require.Equal(t, 0, m.Size())
	require.True(t, m.IsEmpty())

	// The map stays usable after a clear.
	m.Store("c", 3)
	require.Equal(t, 1, m.Size())
}

// A fresh key lives only in the dirty map until enough read misses force a
// promotion. Exceeding the dirty map's size must swap it into the read role
// and clear the bookkeeping.
func TestPromotionViaMisses(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)

	read := m.loadReadOnly()
	require.True(t, read.amended)

	// dirty holds one key, so the second counted miss exceeds its size.
	for i := 0; i < 2; i++ {
		v, ok := m.Load("a")
		require.True(t, ok)
		require.Equal(t, 1, v)
	}

	read = m.loadReadOnly()
	require.False(t, read.amended)
	require.Nil(t, m.dirty)
	v, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

// put, remove, then put again: the key's slot transitions through the
// expunged state when a new key materializes the dirty map in between, and
// the rewrite must revive it through the dirty path.
func TestSoftDeleteThenReadd(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	for i := 0; i < 2; i++ {
		m.Load("a") // force a promotion so "a" lives in the read snapshot
	}
	m.Delete("a") // soft delete: tombstone in the read snapshot

	m.Store("b", 2) // materializes the dirty map, expunging "a"

	read := m.loadReadOnly()
	e, ok := read.load("a")
	require.True(t, ok)
	require.True(t, e.Expunged())

	m.Store("a", 3) // must un-expunge and re-insert into the dirty map

	v, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
	require.Equal(t, 2, m.Size())

	got := m.ToMap()
	require.Equal(t, map[string]int{"a": 3, "b": 2}, got)
}

func TestSizeSkipsTombstones(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	m.Store("b", 2)
	m.Delete("a")
	require.Equal(t, 1, m.Size())
	require.False(t, m.IsEmpty())
}

func TestConcurrentDisjointWriters(t *testing.T) {
	const (
		writers       = 8
		keysPerWriter = 1000
	)
	m := New[int, int](0)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := w * keysPerWriter
			for i := 0; i < keysPerWriter; i++ {
				m.Store(base+i, base+i+1)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, writers*keysPerWriter, m.Size())
	for k := 0; k < writers*keysPerWriter; k++ {
		v, ok := m.Load(k)
		require.True(t, ok, k)
		require.Equal(t, k+1, v, k)
	}
}

// Writers keep inserting fresh keys while readers hammer keys that start
// out dirty-only, forcing repeated promotions mid-burst. Nothing may be
// lost or duplicated.
func TestConcurrentPromotionStress(t *testing.T) {
	const (
		writers      = 4
		keysPerRound = 500
	)
	m := New[int, int](0)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := w * keysPerRound
			for i := 0; i < keysPerRound; i++ {
				key := base + i
				m.Store(key, key)
				// Re-read our own writes: misses on dirty-only keys drive
				// the promotion counter.
				for j := 0; j < 4; j++ {
					if v, ok := m.Load(key); !ok || v != key {
						t.Errorf("key %d: got (%v, %v)", key, v, ok)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, writers*keysPerRound, m.Size())
	seen := make(map[int]bool)
	m.Range(func(k, v int) bool {
		require.False(t, seen[k], "key visited twice: %d", k)
		seen[k] = true
		require.Equal(t, k, v)
		return true
	})
	require.Len(t, seen, writers*keysPerRound)
}

func TestConcurrentSameKeySwap(t *testing.T) {
	const goroutines = 8
	m := New[string, int](0)
	m.Store("k", -1)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.Store("k", g*1000+i)
			}
		}(g)
	}
	wg.Wait()

	// Last writer wins; any of the written values is coherent.
	v, ok := m.Load("k")
	require.True(t, ok)
	require.GreaterOrEqual(t, v, 0)
	require.Less(t, v, goroutines*1000)
	require.Equal(t, 1, m.Size())
}

func TestRangeSeesStableSnapshot(t *testing.T) {
	m := New[int, int](0)
	for i := 0; i < 100; i++ {
		m.Store(i, i)
	}
	count := 0
	m.Range(func(k, v int) bool {
		if k == 0 {
			// Mutations during traversal affect the live map, not the
			// snapshot being walked.
			m.Store(1000, 1000)
			m.Delete(99)
		}
		count++
		return true
	})
	require.GreaterOrEqual(t, count, 99)
}

func TestAllSeq(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	m.Store("b", 2)

	got := map[string]int{}
	for k, v := range m.All() {
		got[k] = v
	}
	require.Equal(t, map[string]int{"a": 1, "b": 2}, got)
}

func TestString(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	s := m.String()
	require.True(t, strings.HasPrefix(s, "Map["), s)
	require.Contains(t, s, "a:1")
}

func TestJSONRoundTrip(t *testing.T) {
	m := New[string, int](0)
	m.Store("a", 1)
	m.Store("b", 2)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var plain map[string]int
	require.NoError(t, json.Unmarshal(data, &plain))
	require.Equal(t, map[string]int{"a": 1, "b": 2}, plain)

	decoded := New[string, int](0)
	require.NoError(t, json.Unmarshal(data, decoded))
	require.Equal(t, map[string]int{"a": 1, "b": 2}, decoded.ToMap())
}

func TestStructLayout(t *testing.T) {
	t.Logf("CacheLineSize: %d", CacheLineSize)
	t.Logf("Map size: %d", unsafe.Sizeof(Map[string, int]{}))
	t.Logf("ExpungingValue size: %d", unsafe.Sizeof(ExpungingValue[int]{}))
}

func TestSequentialMatchesReferenceMap(t *testing.T) {
	m := New[int, int](0)
	ref := make(map[int]int)

	// A fixed pseudo-random op sequence; no tombstone or promotion
	// machinery may be observable from a single goroutine.
	x := uint32(12345)
	next := func() uint32 {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		return x
	}
	for i := 0; i < 20000; i++ {
		key := int(next() % 256)
		switch next() % 4 {
		case 0, 1:
			val := int(next())
			m.Store(key, val)
			ref[key] = val
		case 2:
			m.Delete(key)
			delete(ref, key)
		case 3:
			v, ok := m.Load(key)
			want, wantOK := ref[key]
			if ok != wantOK || v != want {
				t.Fatalf("op %d: Load(%d) = (%v, %v), want (%v, %v)",
					i, key, v, ok, want, wantOK)
			}
		}
	}
	require.Equal(t, len(ref), m.Size())
	require.Equal(t, ref, m.ToMap())
}

func ExampleMap() {
	m := New[string, int](8)
	m.Store("answer", 42)
	if v, ok := m.Load("answer"); ok {
		fmt.Println(v)
	}
	// Output: 42
}
