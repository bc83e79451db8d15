// Package timer is the in-memory index of pending fire times.
//
// It only holds (id, fireAt) pairs; the store stays the source of truth and
// the recovery loader rebuilds the index after a restart.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

type entry struct {
	id     int64
	fireAt time.Time
	seq    uint64
	index  int
}

// entryHeap orders by fire time, then by insertion sequence.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Engine is safe for concurrent use.
type Engine struct {
	mu   sync.Mutex
	h    entryHeap
	byID map[int64]*entry
	seq  uint64
}

func New() *Engine {
	return &Engine{byID: map[int64]*entry{}}
}

// Schedule arms id at fireAt, replacing any existing entry for id.
// A replaced entry takes a fresh sequence number.
func (e *Engine) Schedule(id int64, fireAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if it, ok := e.byID[id]; ok {
		it.fireAt = fireAt
		it.seq = e.seq
		heap.Fix(&e.h, it.index)
		return
	}
	it := &entry{id: id, fireAt: fireAt, seq: e.seq}
	heap.Push(&e.h, it)
	e.byID[id] = it
}

// Cancel removes id and reports whether it was armed.
func (e *Engine) Cancel(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&e.h, it.index)
	delete(e.byID, id)
	return true
}

// PopDue removes and returns every id with fireAt <= now, earliest first.
func (e *Engine) PopDue(now time.Time) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int64
	for len(e.h) > 0 && !e.h[0].fireAt.After(now) {
		it := heap.Pop(&e.h).(*entry)
		delete(e.byID, it.id)
		out = append(out, it.id)
	}
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.h)
}

// Next returns the earliest fire time.
func (e *Engine) Next() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.h) == 0 {
		return time.Time{}, false
	}
	return e.h[0].fireAt, true
}

// Lookup returns the fire time armed for id.
func (e *Engine) Lookup(id int64) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return it.fireAt, true
}

// Reset drops every entry.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h = nil
	e.byID = map[int64]*entry{}
}
