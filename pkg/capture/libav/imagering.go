package libav

import (
	"sync"
	"sync/atomic"

	"github.com/cgutman/sunshine/pkg/capture"
)

// imageRingSize is the fixed depth of the producer's reusable ring.
const imageRingSize = 12

// imageSlot pairs an Image with the outstanding-reader count the async
// producer must see drop to the "only the ring holds it" threshold
// before it dares overwrite the slot.
type imageSlot struct {
	img      *capture.Image
	refCount atomic.Int32
}

// imageRing hands out pre-allocated images in strict round-robin order.
// Before a slot is reused the producer waits, on a condition variable,
// until every outstanding reader of that slot has released it; reuse
// order (not just reuse) is part of the contract, which is why this is
// a fixed ring rather than a free-list pool.
type imageRing struct {
	slots  [imageRingSize]*imageSlot
	cursor int

	mu   sync.Mutex
	cond *sync.Cond
}

func newImageRing(alloc func() *capture.Image) *imageRing {
	r := &imageRing{}
	r.cond = sync.NewCond(&r.mu)
	for i := range r.slots {
		slot := &imageSlot{img: alloc()}
		slot.refCount.Store(1)
		r.slots[i] = slot
	}
	return r
}

// Acquire waits until the next slot in round-robin order is down to at
// most the "only the ring holds it" reference count (1), then returns
// it for the producer to refill via Display.Snapshot. The returned
// slot's ref count is left at 1 (the ring's own implicit hold).
func (r *imageRing) Acquire() *imageSlot {
	r.mu.Lock()
	slot := r.slots[r.cursor]
	r.cursor = (r.cursor + 1) % imageRingSize
	// The wait must run under the same lock Release broadcasts under, or
	// a release between the count check and the wait is lost forever.
	for slot.refCount.Load() > 1 {
		r.cond.Wait()
	}
	r.mu.Unlock()
	return slot
}

// Borrow increments a slot's reader count; a consumer holding a borrowed
// image must call Release when done with it.
func (s *imageSlot) Borrow() *capture.Image {
	s.refCount.Add(1)
	return s.img
}

func (r *imageRing) Release(s *imageSlot) {
	for {
		n := s.refCount.Load()
		if n <= 1 {
			return
		}
		if s.refCount.CompareAndSwap(n, n-1) {
			if n-1 <= 1 {
				r.mu.Lock()
				r.cond.Broadcast()
				r.mu.Unlock()
			}
			return
		}
	}
}

// Release never drives refCount below 1 while the ring itself still
// holds the slot: the ring's own claim is the initial count of 1 set at
// construction and never explicitly released.
