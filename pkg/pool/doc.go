// Package pool implements a lock-free object pool built on an intrusive
// free list. Checked-out objects are owned exclusively through a Guard,
// released objects are recycled, and the pool grows lazily one object at a
// time, so memory use tracks the peak number of objects held concurrently.
//
// # Architecture
//
// The pool is a Treiber-style stack of nodes, each carrying one pooled
// value inline. A single atomic head pointer encodes three states:
//
//   - nil: the free list is empty
//   - the pool's sentinel node: a Get is briefly detaching the head
//   - any other node: the first free node
//
// Popping a node cannot be done with a plain compare-and-swap on the head,
// because reading the head's next pointer races with another goroutine
// recycling that same node and rewriting next (the classic ABA hazard).
// Get therefore swings the head to the sentinel first, reads next while
// holding that exclusive claim, and then publishes the successor. Release
// is a plain CAS push and never takes the sentinel.
//
// All waiting is done by spinning with runtime.Gosched; no operation ever
// blocks on a mutex or channel, and no operation has a timeout.
//
// # Usage
//
//	bufs := pool.New(func() []byte { return make([]byte, 0, 4096) })
//
//	g := bufs.Get()
//	b := g.Value()
//	*b = append((*b)[:0], payload...)
//	// ... use *b ...
//	g.Release()
//
// Guards are move-only in spirit: exactly one Release per Get, and the
// value must not be touched after Release. Both misuses panic rather than
// corrupt the free list.
//
// # Teardown
//
// Drain detaches every free node in one atomic swap and returns how many
// objects were discarded, which is also the number of objects the pool had
// allocated and gotten back. It requires that no Get or Release is in
// flight. The pool remains usable afterwards and simply grows again on
// demand.
//
// # Performance
//
// The steady-state Get/Release round trip allocates nothing: the Guard is
// returned by value and nodes are recycled in LIFO order, keeping recently
// used objects cache-warm. Objects are only allocated when Get finds the
// free list empty, so a pool that is never used costs a few words.
package pool
