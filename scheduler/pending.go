package scheduler

import (
	"sync"
	"time"

	"discord-restrict/model"
)

type pendingTask struct {
	id    uint64
	timer *time.Timer
}

// PendingTaskTable holds the near-term removals, one armed timer per subject.
// A task removes itself from the table before its callback runs.
type PendingTaskTable struct {
	mu     sync.Mutex
	tasks  map[model.Subject]*pendingTask
	nextID uint64
	wg     sync.WaitGroup
}

func NewPendingTaskTable() *PendingTaskTable {
	return &PendingTaskTable{tasks: make(map[model.Subject]*pendingTask)}
}

// Schedule arms cb to run after delay, replacing any task already held for
// the subject. A negative delay is treated as zero.
func (t *PendingTaskTable) Schedule(subject model.Subject, delay time.Duration, cb func()) {
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked(subject)

	t.nextID++
	task := &pendingTask{id: t.nextID}
	t.wg.Add(1)
	task.timer = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.fire(subject, task.id, cb)
	})
	t.tasks[subject] = task
}

func (t *PendingTaskTable) fire(subject model.Subject, id uint64, cb func()) {
	t.mu.Lock()
	cur, ok := t.tasks[subject]
	if !ok || cur.id != id {
		// cancelled or replaced after the timer had already expired
		t.mu.Unlock()
		return
	}
	delete(t.tasks, subject)
	t.mu.Unlock()

	cb()
}

// Cancel removes the subject's task. It reports whether one was held.
func (t *PendingTaskTable) Cancel(subject model.Subject) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(subject)
}

func (t *PendingTaskTable) cancelLocked(subject model.Subject) bool {
	task, ok := t.tasks[subject]
	if !ok {
		return false
	}
	delete(t.tasks, subject)
	if task.timer.Stop() {
		t.wg.Done()
	}
	return true
}

// CancelAll drops every task without running it and returns how many were held.
func (t *PendingTaskTable) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.tasks)
	for subject := range t.tasks {
		t.cancelLocked(subject)
	}
	return n
}

func (t *PendingTaskTable) Contains(subject model.Subject) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[subject]
	return ok
}

func (t *PendingTaskTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Wait blocks until every armed timer has either been stopped or finished
// running its callback.
func (t *PendingTaskTable) Wait() {
	t.wg.Wait()
}
