// Package pool_test provides example usage of the lock-free object pool.
package pool_test

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/matklad/spin-of-death/pkg/pool"
)

// Example demonstrates the basic check-out / check-in cycle.
func Example() {
	// Create a pool of reusable buffers. Nothing is allocated yet.
	bufs := pool.New(func() *bytes.Buffer { return &bytes.Buffer{} })

	// Check a buffer out. The guard is the only handle to it.
	g := bufs.Get()
	buf := *g.Value()
	buf.WriteString("hello, pool")
	fmt.Println(buf.String())

	// Check it back in so the next Get can reuse it.
	buf.Reset()
	g.Release()

	// Output:
	// hello, pool
}

// ExampleNew shows that objects are created lazily, one per Get that finds
// the free list empty.
func ExampleNew() {
	allocs := 0
	p := pool.New(func() int {
		allocs++
		return 0
	})
	fmt.Printf("after New: %d allocations\n", allocs)

	g := p.Get()
	fmt.Printf("after Get: %d allocations\n", allocs)
	g.Release()

	// The released object is reused, so no new allocation happens.
	g = p.Get()
	fmt.Printf("after second Get: %d allocations\n", allocs)
	g.Release()

	// Output:
	// after New: 0 allocations
	// after Get: 1 allocations
	// after second Get: 1 allocations
}

// ExamplePool_Drain demonstrates teardown accounting.
func ExamplePool_Drain() {
	p := pool.New(func() int { return 0 })

	// Three guards held at once force three allocations.
	a, b, c := p.Get(), p.Get(), p.Get()
	a.Release()
	b.Release()
	c.Release()

	fmt.Printf("discarded %d objects\n", p.Drain())
	fmt.Printf("discarded %d objects\n", p.Drain())

	// Output:
	// discarded 3 objects
	// discarded 0 objects
}

// Example_concurrent demonstrates concurrent use from several goroutines.
func Example_concurrent() {
	type scratch struct {
		sums []int
	}
	p := pool.New(func() *scratch {
		return &scratch{sums: make([]int, 0, 64)}
	})

	var wg sync.WaitGroup
	var total sync.Map
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			g := p.Get()
			s := *g.Value()
			s.sums = append(s.sums[:0], w)
			total.Store(w, s.sums[0])
			g.Release()
		}(w)
	}
	wg.Wait()

	done := 0
	total.Range(func(_, _ any) bool { done++; return true })
	fmt.Printf("%d workers used the pool\n", done)

	// Output:
	// 4 workers used the pool
}
