package netevent

import (
	"container/heap"
)

// deadlineHeap orders registrations by deadline, earliest first.
type deadlineHeap []*registration

func (h deadlineHeap) Len() int {
	return len(h)
}

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	reg := x.(*registration)
	reg.index = len(*h)
	*h = append(*h, reg)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	reg := old[n-1]
	old[n-1] = nil
	reg.index = -1
	*h = old[:n-1]
	return reg
}

func (h *deadlineHeap) remove(reg *registration) {
	if reg.index < 0 || reg.index >= len(*h) || (*h)[reg.index] != reg {
		return
	}
	heap.Remove(h, reg.index)
}
