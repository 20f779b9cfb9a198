package pool

import (
	"runtime"
	"sync/atomic"
)

// node is an entry in the intrusive free list. The pooled value lives
// inline, so one node is one allocation. next is meaningful only while the
// node sits in the free list; a checked-out node always has next == nil.
type node[T any] struct {
	value T
	next  *node[T]
}

// Pool is a lock-free, grow-on-demand object pool. The zero value is not
// usable; construct pools with New. A Pool must not be copied after first
// use.
//
// Pool is safe for concurrent use. Values of T are handed across
// goroutines by Get and Release, so T must itself be safe to move between
// goroutines (true for almost all Go types; not true for types that, for
// example, cache a goroutine-local resource).
type Pool[T any] struct {
	// head is the top of the free list: nil when empty, locked while a
	// Get detaches the head node, otherwise the first free node.
	head     atomic.Pointer[node[T]]
	_padding [7]uint64 //nolint:unused // 56 bytes padding to keep the contended head on its own cache line

	// locked is this pool's sentinel. It is never linked into the list
	// and never dereferenced; only its address is compared against.
	locked *node[T]
	create func() T
}

// Guard is the exclusive handle to one pooled object. It is returned by
// Get and gives access to the object via Value until Release returns the
// object to the pool.
//
// Each Guard must be released exactly once. Guards must not be copied;
// releasing through one copy does not invalidate the others.
type Guard[T any] struct {
	pool *Pool[T]
	node *node[T]
}

// New creates an empty pool that allocates objects with create. No objects
// are allocated up front; the first allocation happens on the first Get.
//
// Parameters:
//   - create: Factory function invoked whenever the free list is empty
//     and a fresh object is needed. It is called without any pool-internal
//     locking and may be called concurrently from multiple goroutines.
//
// Example:
//
//	p := pool.New(func() *bytes.Buffer { return &bytes.Buffer{} })
func New[T any](create func() T) *Pool[T] {
	if create == nil {
		panic("pool: New with nil create function")
	}
	return &Pool[T]{
		locked: new(node[T]),
		create: create,
	}
}

// Get checks an object out of the pool, reusing the most recently released
// one when the free list is non-empty and allocating a fresh one via the
// create function otherwise. The returned Guard is the sole handle to the
// object until it is released.
//
// Get never blocks. If it catches another Get mid-detach it spins with
// runtime.Gosched until the list is published again, so a Get that loses
// its timeslice at the wrong moment can stall every peer; keep that in
// mind when mixing pools with goroutines pinned at wildly different OS
// priorities.
func (p *Pool[T]) Get() Guard[T] {
	for {
		head := p.head.Load()
		if head == p.locked {
			// Another Get owns the list head; wait for it to
			// publish the successor.
			runtime.Gosched()
			continue
		}
		if head == nil {
			// Free list is empty; grow by one object.
			return Guard[T]{pool: p, node: &node[T]{value: p.create()}}
		}
		// Claim the list before touching head.next. If head were
		// popped and recycled under us, next could be rewritten
		// between our read and our swap; holding the sentinel rules
		// that out.
		if !p.head.CompareAndSwap(head, p.locked) {
			// Lost the race for this head, reload and retry.
			continue
		}
		next := head.next
		p.head.Store(next)
		head.next = nil
		return Guard[T]{pool: p, node: head}
	}
}

// Drain discards every object currently sitting in the free list and
// returns how many were discarded. Objects still checked out are not
// affected; the pool stays usable and grows again on demand.
//
// Drain must not run concurrently with Get or Release on the same pool,
// and it panics if it catches a Get mid-detach. Callers are expected to
// quiesce the pool first, typically at shutdown.
func (p *Pool[T]) Drain() int {
	head := p.head.Swap(nil)
	if head == p.locked {
		panic("pool: Drain during concurrent Get")
	}
	freed := 0
	for n := head; n != nil; {
		next := n.next
		// Unlink so one retained node cannot keep the whole chain
		// reachable.
		n.next = nil
		n = next
		freed++
	}
	return freed
}

// Value returns a pointer to the pooled object held by the guard. The
// pointer stays valid until Release; after that the object may be handed
// to another goroutine, so Value panics on a released guard instead of
// returning a stale pointer.
func (g *Guard[T]) Value() *T {
	if g.node == nil {
		panic("pool: Value on released guard")
	}
	return &g.node.value
}

// Release returns the object to its pool, making it available for reuse.
// The guard is dead afterwards: calling Release a second time panics, as
// does any further Value call.
//
// Release is a lock-free push. It never takes the list sentinel itself,
// but it spins with runtime.Gosched while a concurrent Get holds it.
func (g *Guard[T]) Release() {
	n := g.node
	if n == nil {
		panic("pool: guard released twice")
	}
	g.node = nil

	p := g.pool
	for {
		head := p.head.Load()
		if head == p.locked {
			// A Get is detaching the head; push on top of its
			// published successor instead of the sentinel.
			runtime.Gosched()
			continue
		}
		n.next = head
		if p.head.CompareAndSwap(head, n) {
			return
		}
	}
}
