package stage

import (
	"container/heap"
	"time"

	"github.com/xtreemfs/flease"
)

type timerEntry struct {
	at         time.Time
	seq        uint64
	event      flease.Message
	generation uint64
}

// timerHeap orders proposer events by due time, ties by insertion.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// removeGeneration drops all timers of a closed cell.
func (h *timerHeap) removeGeneration(generation uint64) int {
	kept := (*h)[:0]
	removed := 0
	for _, entry := range *h {
		if entry.generation == generation {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	*h = kept
	heap.Init(h)
	return removed
}

type leaseEntry struct {
	cellID  string
	timeout int64
}

// leaseHeap orders learned leases by expiry. Entries are removed lazily, an
// entry is current only while it matches the expiry recorded for its cell.
type leaseHeap []leaseEntry

func (h leaseHeap) Len() int           { return len(h) }
func (h leaseHeap) Less(i, j int) bool { return h[i].timeout < h[j].timeout }
func (h leaseHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *leaseHeap) Push(x interface{}) {
	*h = append(*h, x.(leaseEntry))
}

func (h *leaseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
