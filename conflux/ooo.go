package conflux

import "container/heap"

// ooHeap implements heap.Interface over buffered messages, smallest
// sequence number first.
type ooHeap []*OooMsg

func (h ooHeap) Len() int            { return len(h) }
func (h ooHeap) Less(i, j int) bool  { return h[i].Seqno < h[j].Seqno }
func (h ooHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ooHeap) Push(x interface{}) { *h = append(*h, x.(*OooMsg)) }

func (h *ooHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// OooQueue buffers messages that arrived ahead of their sequence
// number, ordered so the next deliverable message is always at the
// front. Memory here is bounded by the peer's congestion window; the
// reactor stops reading a leg whose buffered backlog grows too large.
type OooQueue struct {
	h ooHeap
}

// Len returns the number of buffered messages.
func (q *OooQueue) Len() int {
	return q.h.Len()
}

// Push buffers a message.
func (q *OooQueue) Push(msg *OooMsg) {
	heap.Push(&q.h, msg)
}

// Peek returns the lowest-seqno message without removing it, or nil if
// the queue is empty.
func (q *OooQueue) Peek() *OooMsg {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the lowest-seqno message, or nil if the
// queue is empty.
func (q *OooQueue) Pop() *OooMsg {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*OooMsg)
}
