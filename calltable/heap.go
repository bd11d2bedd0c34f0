package calltable

import "container/heap"

// deadlineHeap is a min-heap of pending calls ordered by deadline. Each call records its
// index so that a resolved call can be removed in O(log n).
type deadlineHeap []*PendingCall

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	call := x.(*PendingCall)
	call.index = len(*h)
	*h = append(*h, call)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	call := old[n-1]
	old[n-1] = nil // let the GC reclaim it
	call.index = -1
	*h = old[:n-1]
	return call
}

func (h *deadlineHeap) peek() *PendingCall {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

func (h *deadlineHeap) add(call *PendingCall) {
	heap.Push(h, call)
}

func (h *deadlineHeap) remove(call *PendingCall) {
	if call.index < 0 || call.index >= len(*h) || (*h)[call.index] != call {
		return
	}
	heap.Remove(h, call.index)
}
