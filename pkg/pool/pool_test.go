package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

// countingPool returns a Pool[int64] whose create function counts how many
// objects were ever allocated.
func countingPool() (*Pool[int64], *atomic.Int64) {
	var created atomic.Int64
	p := New(func() int64 {
		created.Add(1)
		return 0
	})
	return p, &created
}

func mustPanic(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic %q, got none", want)
		}
		if msg, ok := r.(string); !ok || msg != want {
			t.Errorf("panic = %v, expected %q", r, want)
		}
	}()
	fn()
}

func TestNewAllocatesNothing(t *testing.T) {
	p, created := countingPool()

	if got := created.Load(); got != 0 {
		t.Errorf("create called %d times before first Get, expected 0", got)
	}
	if p.head.Load() != nil {
		t.Error("fresh pool should have an empty free list")
	}
}

func TestNewNilCreatePanics(t *testing.T) {
	mustPanic(t, "pool: New with nil create function", func() {
		New[int](nil)
	})
}

func TestGetGrowsOnDemand(t *testing.T) {
	p, created := countingPool()

	g1 := p.Get()
	g2 := p.Get()
	g3 := p.Get()

	if got := created.Load(); got != 3 {
		t.Errorf("create called %d times for 3 concurrent guards, expected 3", got)
	}

	g1.Release()
	g2.Release()
	g3.Release()
}

func TestGuardsHoldDistinctObjects(t *testing.T) {
	p, _ := countingPool()

	const n = 16
	guards := make([]Guard[int64], n)
	for i := range guards {
		guards[i] = p.Get()
		*guards[i].Value() = int64(i)
	}

	seen := make(map[*int64]bool, n)
	for i := range guards {
		ptr := guards[i].Value()
		if seen[ptr] {
			t.Fatalf("guard %d shares its object with an earlier guard", i)
		}
		seen[ptr] = true
		if *ptr != int64(i) {
			t.Errorf("guard %d holds value %d, expected %d", i, *ptr, i)
		}
	}

	for i := range guards {
		guards[i].Release()
	}
}

func TestReleaseMakesObjectReusable(t *testing.T) {
	p, created := countingPool()

	g1 := p.Get()
	ptr := g1.Value()
	*ptr = 42
	g1.Release()

	g2 := p.Get()
	defer g2.Release()

	if got := created.Load(); got != 1 {
		t.Errorf("create called %d times across a release/get round trip, expected 1", got)
	}
	if g2.Value() != ptr {
		t.Error("Get after Release returned a different object")
	}
	if *g2.Value() != 42 {
		t.Errorf("recycled object holds %d, expected the previous contents 42", *g2.Value())
	}
}

func TestReuseIsMostRecentFirst(t *testing.T) {
	p, _ := countingPool()

	a := p.Get()
	b := p.Get()
	aPtr, bPtr := a.Value(), b.Value()

	a.Release()
	b.Release()

	// b was released last, so it sits on top of the free list.
	first := p.Get()
	second := p.Get()
	defer first.Release()
	defer second.Release()

	if first.Value() != bPtr {
		t.Error("first Get should return the most recently released object")
	}
	if second.Value() != aPtr {
		t.Error("second Get should return the earlier released object")
	}
}

func TestValuePointerIsStable(t *testing.T) {
	p, _ := countingPool()

	g := p.Get()
	defer g.Release()

	if g.Value() != g.Value() {
		t.Error("Value returned different pointers for the same guard")
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p, _ := countingPool()

	g := p.Get()
	g.Release()

	mustPanic(t, "pool: guard released twice", func() {
		g.Release()
	})
}

func TestValueAfterReleasePanics(t *testing.T) {
	p, _ := countingPool()

	g := p.Get()
	g.Release()

	mustPanic(t, "pool: Value on released guard", func() {
		g.Value()
	})
}

func TestDrainCountsEveryFreeObject(t *testing.T) {
	p, created := countingPool()

	const n = 8
	guards := make([]Guard[int64], n)
	for i := range guards {
		guards[i] = p.Get()
	}
	for i := range guards {
		guards[i].Release()
	}

	if got := p.Drain(); got != n {
		t.Errorf("Drain discarded %d objects, expected %d", got, n)
	}
	if got := created.Load(); got != n {
		t.Errorf("create called %d times, expected %d", got, n)
	}
	if got := p.Drain(); got != 0 {
		t.Errorf("second Drain discarded %d objects, expected 0", got)
	}
}

func TestDrainSkipsCheckedOutObjects(t *testing.T) {
	p, _ := countingPool()

	live := p.Get()
	free := p.Get()
	free.Release()

	if got := p.Drain(); got != 1 {
		t.Errorf("Drain discarded %d objects with one still checked out, expected 1", got)
	}

	// The live guard is untouched by Drain.
	*live.Value() = 7
	if *live.Value() != 7 {
		t.Error("checked-out object unusable after Drain")
	}
	live.Release()

	if got := p.Drain(); got != 1 {
		t.Errorf("Drain after releasing the survivor discarded %d objects, expected 1", got)
	}
}

func TestPoolUsableAfterDrain(t *testing.T) {
	p, created := countingPool()

	g := p.Get()
	g.Release()
	p.Drain()

	g = p.Get()
	defer g.Release()

	if got := created.Load(); got != 2 {
		t.Errorf("create called %d times, expected a fresh allocation after Drain", got)
	}
}

func TestDrainDuringGetPanics(t *testing.T) {
	p, _ := countingPool()

	// Simulate a Get that has claimed the list but not yet published the
	// successor.
	p.head.Store(p.locked)

	mustPanic(t, "pool: Drain during concurrent Get", func() {
		p.Drain()
	})
}

// TestConcurrentRoundTrip churns the pool from many goroutines and then
// checks conservation: every object the pool ever created comes back out of
// Drain exactly once.
func TestConcurrentRoundTrip(t *testing.T) {
	p, created := countingPool()

	const (
		goroutines = 8
		iterations = 5000
	)

	var wg sync.WaitGroup
	for w := 0; w < goroutines; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				g := p.Get()
				v := g.Value()
				token := int64(w)<<32 | int64(i)
				*v = token
				if i%64 == 0 {
					runtime.Gosched()
				}
				if *v != token {
					t.Errorf("object mutated while checked out: got %d, expected %d", *v, token)
				}
				g.Release()
			}
		}(w)
	}
	wg.Wait()

	drained := p.Drain()
	if int64(drained) != created.Load() {
		t.Errorf("Drain discarded %d objects but create ran %d times; objects leaked or duplicated", drained, created.Load())
	}
	if drained < 1 {
		t.Error("expected at least one object after churn")
	}
}

// TestConcurrentHoldersStayDisjoint has every goroutine hold its object
// across a yield and verify nobody else wrote to it.
func TestConcurrentHoldersStayDisjoint(t *testing.T) {
	p, _ := countingPool()

	const (
		goroutines = 16
		iterations = 2000
	)

	var wg sync.WaitGroup
	for w := 0; w < goroutines; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				g := p.Get()
				v := g.Value()
				*v = int64(w + 1)
				runtime.Gosched()
				if *v != int64(w+1) {
					t.Errorf("object shared between goroutines: found %d, expected %d", *v, w+1)
				}
				*v = 0
				g.Release()
			}
		}(w)
	}
	wg.Wait()
}

