package scheduler

import (
	"container/heap"
	"time"

	"discord-restrict/model"
)

// Entry is one queued removal.
type Entry struct {
	FireAt  time.Time
	Subject model.Subject

	seq   uint64
	index int
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].FireAt.Before(h[j].FireAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
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

// TimerQueue holds far-future removals ordered by fire time. A subject has at
// most one entry; scheduling it again replaces the old one.
//
// TimerQueue is not safe for concurrent use. Scheduler guards it.
type TimerQueue struct {
	h     entryHeap
	index map[model.Subject]*Entry
	seq   uint64
}

func NewTimerQueue() *TimerQueue {
	return &TimerQueue{index: make(map[model.Subject]*Entry)}
}

func (q *TimerQueue) Schedule(fireAt time.Time, subject model.Subject) {
	q.seq++
	if e, ok := q.index[subject]; ok {
		e.FireAt = fireAt
		e.seq = q.seq
		heap.Fix(&q.h, e.index)
		return
	}
	e := &Entry{FireAt: fireAt, Subject: subject, seq: q.seq}
	heap.Push(&q.h, e)
	q.index[subject] = e
}

// Cancel removes the subject's entry. It reports whether one existed.
func (q *TimerQueue) Cancel(subject model.Subject) bool {
	e, ok := q.index[subject]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.index, subject)
	return true
}

// DrainDue pops every entry whose fire time is within lookahead of now and
// returns them in fire order.
func (q *TimerQueue) DrainDue(now time.Time, lookahead time.Duration) []Entry {
	var due []Entry
	for len(q.h) > 0 {
		next := q.h[0]
		if next.FireAt.Sub(now) > lookahead {
			break
		}
		heap.Pop(&q.h)
		delete(q.index, next.Subject)
		due = append(due, Entry{FireAt: next.FireAt, Subject: next.Subject})
	}
	return due
}

// Peek returns the earliest entry without removing it.
func (q *TimerQueue) Peek() (Entry, bool) {
	if len(q.h) == 0 {
		return Entry{}, false
	}
	return Entry{FireAt: q.h[0].FireAt, Subject: q.h[0].Subject}, true
}

func (q *TimerQueue) Len() int { return len(q.h) }

func (q *TimerQueue) Contains(subject model.Subject) bool {
	_, ok := q.index[subject]
	return ok
}

func (q *TimerQueue) Clear() {
	q.h = nil
	q.index = make(map[model.Subject]*Entry)
}
