package registry

import (
	"container/heap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// entry is a provider record plus its position in the score heap.
// heapIndex is -1 while the provider is not ranked (inactive).
type entry struct {
	provider  types.StorageProvider
	heapIndex int
}

func higherRanked(a, b *entry) bool {
	sa, sb := a.provider.Score(), b.provider.Score()
	if sa != sb {
		return sa > sb
	}
	return a.provider.ID < b.provider.ID
}

// scoreHeap is a max-heap of active providers keyed by score, ties broken by
// id. It is updated in place on every reservation and release.
type scoreHeap []*entry

func (h scoreHeap) Len() int           { return len(h) }
func (h scoreHeap) Less(i, j int) bool { return higherRanked(h[i], h[j]) }

func (h scoreHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *scoreHeap) Push(x interface{}) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// frontier orders heap positions for a best-first walk of scoreHeap.
type frontier struct {
	positions []int
	h         scoreHeap
}

func (f *frontier) Len() int           { return len(f.positions) }
func (f *frontier) Less(i, j int) bool { return f.h.Less(f.positions[i], f.positions[j]) }
func (f *frontier) Swap(i, j int)      { f.positions[i], f.positions[j] = f.positions[j], f.positions[i] }

func (f *frontier) Push(x interface{}) {
	f.positions = append(f.positions, x.(int))
}

func (f *frontier) Pop() interface{} {
	old := f.positions
	n := len(old)
	p := old[n-1]
	f.positions = old[:n-1]
	return p
}

// walk visits heap entries in rank order without mutating the heap, stopping
// when visit returns false. A parent always outranks its children, so
// expanding the best frontier node yields a sorted sequence in O(k log k).
func (h scoreHeap) walk(visit func(*entry) bool) {
	if len(h) == 0 {
		return
	}
	f := &frontier{h: h, positions: []int{0}}
	for f.Len() > 0 {
		pos := heap.Pop(f).(int)
		if !visit(h[pos]) {
			return
		}
		for _, child := range []int{2*pos + 1, 2*pos + 2} {
			if child < len(h) {
				heap.Push(f, child)
			}
		}
	}
}
