// Package idalloc implements the compacting connection-ID allocator of
// spec.md 3: it always returns the smallest free ID, and recycled IDs
// that abut next_id are folded back in so the reusable space never
// fragments upward.
package idalloc

import (
	"container/heap"
	"errors"
)

// ErrExhausted is returned once no ID remains between min and max.
var ErrExhausted = errors.New("idalloc: no id available")

// idHeap is a min-heap of recycled IDs below next_id, letting Allocate
// pull the smallest recycled ID in O(log n). container/heap is stdlib;
// no example repo in the retrieval pack carries a priority-queue
// dependency for this kind of small in-process bookkeeping, so this is
// one of the few places this codebase reaches for the standard library
// over a third-party package (see DESIGN.md).
type idHeap []uint16

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint16)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Allocator hands out uint16 connection IDs in [min, max].
type Allocator struct {
	min, max uint16
	next     uint16
	recycled idHeap
	inHeap   map[uint16]bool
}

// New creates an allocator over [min, max] inclusive.
func New(min, max uint16) *Allocator {
	return &Allocator{
		min:    min,
		max:    max,
		next:   min,
		inHeap: make(map[uint16]bool),
	}
}

// Allocate returns the smallest currently-free ID.
func (a *Allocator) Allocate() (uint16, error) {
	if len(a.recycled) > 0 {
		id := heap.Pop(&a.recycled).(uint16)
		delete(a.inHeap, id)
		return id, nil
	}
	// next wraps to 0 after handing out 65535, which is below any min>0.
	if a.next > a.max || a.next < a.min {
		return 0, ErrExhausted
	}
	id := a.next
	a.next++
	return id, nil
}

// Free recycles id. If id is exactly next-1, next shrinks, and the
// shrink cascades through any recycled IDs that now abut it, keeping
// the invariant that next-1 is never itself in the recycled set
// (spec.md 8 "ID compactness").
func (a *Allocator) Free(id uint16) {
	// IDs below min or at/above next (unless next has wrapped to 0) are
	// not currently handed out, so freeing them again changes nothing.
	if id < a.min || (a.next != 0 && id >= a.next) {
		return
	}
	if id == a.next-1 {
		a.next--
		for a.next > a.min && a.inHeap[a.next-1] {
			stale := a.next - 1
			removeFromHeap(&a.recycled, stale)
			delete(a.inHeap, stale)
			a.next--
		}
		return
	}
	if a.inHeap[id] {
		return
	}
	heap.Push(&a.recycled, id)
	a.inHeap[id] = true
}

func removeFromHeap(h *idHeap, id uint16) {
	for i, v := range *h {
		if v == id {
			heap.Remove(h, i)
			return
		}
	}
}
