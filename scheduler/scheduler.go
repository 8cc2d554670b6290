// Package scheduler implements the per-channel EWMA fairness scheduler of
// spec.md §4.6: at each write opportunity it picks the queued circuit with
// the lowest exponentially-weighted moving average of recent service,
// bounded by a KIST-style target write-queue depth so one channel's buffers
// never balloon past what the kernel can drain. No corpus dependency
// addresses cross-circuit fair-share scheduling; this is grounded directly
// in spec.md's algorithm description and built on stdlib container/heap,
// the idiomatic choice for a repeatedly-reprioritized work queue.
package scheduler

import (
	"container/heap"
	"sync"
)

// CircuitID identifies a circuit within one channel's schedule. The
// scheduler does not care which numeric space this comes from (global
// handle, per-channel circuit id); callers key consistently.
type CircuitID uint64

// Cell is anything the scheduler can hand off to a channel writer: the
// scheduler only reasons about ordering and fairness, not content.
type Cell interface{}

// ewmaDecay is the smoothing factor for the moving average: lower values
// make the scheduler forget history faster and favor recent bursts less.
const ewmaDecay = 0.9

type circuitQueue struct {
	id       CircuitID
	ewma     float64
	cells    []Cell
	index    int // heap index, maintained by container/heap
	padding  bool
}

// queueHeap is a min-heap on ewma, so the circuit due for service next is
// always at the root. Padding-class circuits are ranked after all real
// circuits regardless of ewma (spec.md §4.6: "padding cells are scheduled
// with a lower priority than real cells").
type queueHeap []*circuitQueue

func (h queueHeap) Len() int { return len(h) }
func (h queueHeap) Less(i, j int) bool {
	if h[i].padding != h[j].padding {
		return !h[i].padding
	}
	return h[i].ewma < h[j].ewma
}
func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *queueHeap) Push(x interface{}) {
	cq := x.(*circuitQueue)
	cq.index = len(*h)
	*h = append(*h, cq)
}
func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	cq := old[n-1]
	old[n-1] = nil
	cq.index = -1
	*h = old[:n-1]
	return cq
}

// Channel schedules cell emission across however many circuits share one
// underlying transport connection.
type Channel struct {
	mu sync.Mutex

	queues map[CircuitID]*circuitQueue
	h      queueHeap

	// targetQueueBytes is the KIST bound: the scheduler will not report
	// capacity beyond this many bytes of unacknowledged kernel write queue.
	targetQueueBytes int
	unackedBytes     int
}

// NewChannel builds a scheduler for one channel with the given KIST target
// kernel queue depth (config.Config.KISTTargetKernelQueueBytes).
func NewChannel(targetQueueBytes int) *Channel {
	return &Channel{
		queues:           make(map[CircuitID]*circuitQueue),
		targetQueueBytes: targetQueueBytes,
	}
}

// Enqueue adds a cell to id's queue, creating the queue (with zero EWMA, so
// a bursty newcomer is served immediately) if this is its first cell.
func (c *Channel) Enqueue(id CircuitID, cell Cell, padding bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cq, ok := c.queues[id]
	if !ok {
		cq = &circuitQueue{id: id, padding: padding}
		c.queues[id] = cq
		heap.Push(&c.h, cq)
	}
	cq.cells = append(cq.cells, cell)
	if cq.index >= 0 {
		heap.Fix(&c.h, cq.index)
	}
}

// Capacity returns remaining KIST write capacity given the current reported
// unacknowledged byte count, clamped at zero (spec.md §4.6 step 1).
func (c *Channel) Capacity(unackedBytes int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unackedBytes = unackedBytes
	cap := c.targetQueueBytes - unackedBytes
	if cap < 0 {
		return 0
	}
	return cap
}

// Next pops and returns the single next cell to emit on this channel (the
// queued circuit with the lowest EWMA among those with cells pending),
// updating that circuit's EWMA. Returns false if every queue is empty.
func (c *Channel) Next() (id CircuitID, cell Cell, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.h.Len() > 0 {
		cq := c.h[0]
		if len(cq.cells) == 0 {
			heap.Remove(&c.h, cq.index)
			delete(c.queues, cq.id)
			continue
		}
		cell = cq.cells[0]
		cq.cells = cq.cells[1:]
		cq.ewma = cq.ewma*ewmaDecay + 1
		heap.Fix(&c.h, cq.index)
		return cq.id, cell, true
	}
	return 0, nil, false
}

// Remove drops id's queue entirely, discarding any cells still queued
// (spec.md §4.6 "Cancellation": when a circuit closes, all its queued cells
// are dropped and it is removed from every channel it appeared on).
func (c *Channel) Remove(id CircuitID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cq, ok := c.queues[id]
	if !ok {
		return
	}
	if cq.index >= 0 {
		heap.Remove(&c.h, cq.index)
	}
	delete(c.queues, id)
}

// QueueDepth reports how many cells id has queued right now, for
// circuitstore's OOM-shedding heuristic.
func (c *Channel) QueueDepth(id CircuitID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cq, ok := c.queues[id]
	if !ok {
		return 0
	}
	return len(cq.cells)
}

// HasWork reports whether any circuit on this channel has a queued cell.
func (c *Channel) HasWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cq := range c.queues {
		if len(cq.cells) > 0 {
			return true
		}
	}
	return false
}
