package scheduler

import (
	"container/heap"
	"sync"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// queueItem orders by origin key, then by submission sequence
type queueItem struct {
	req *domain.GenerationRequest
	seq uint64
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].req.OriginKey != h[j].req.OriginKey {
		return h[i].req.OriginKey < h[j].req.OriginKey
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queueItem{}
	*h = old[:n-1]
	return item
}

// requestQueue is an unbounded, mutex-guarded priority queue for one class.
// The smallest OriginKey is served first; equal keys are FIFO.
type requestQueue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
}

func (q *requestQueue) push(req *domain.GenerationRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.items, queueItem{req: req, seq: q.seq})
}

// tryPop never blocks; ok is false when the queue is empty
func (q *requestQueue) tryPop() (*domain.GenerationRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(queueItem)
	return item.req, true
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
