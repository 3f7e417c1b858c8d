package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"discord-restrict/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLookahead       = 30 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultCallbackTimeout = time.Minute
)

// Callback is run once per removal that comes due.
type Callback func(ctx context.Context, subject model.Subject) error

// Location tells which structure currently holds a subject's removal.
type Location int

const (
	LocationNone Location = iota
	LocationQueue
	LocationPending
)

func (l Location) String() string {
	switch l {
	case LocationQueue:
		return "queue"
	case LocationPending:
		return "pending"
	default:
		return "none"
	}
}

// Stats is a snapshot of the scheduler's state.
type Stats struct {
	Queued       int
	Pending      int
	Fired        uint64
	Failed       uint64
	NextFireAt   *time.Time
	Lookahead    time.Duration
	PollInterval time.Duration
}

type Option func(*Scheduler)

func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) { s.lookahead = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

func WithCallbackTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.callbackTimeout = d }
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithName sets the kind label used in logs and metrics.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

func WithPromRegistry(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.promRegistry = reg }
}

// Scheduler decides where a removal waits. Removals due within the lookahead
// get an armed timer in the PendingTaskTable; everything later sits in the
// TimerQueue until a poll promotes it. A subject is never held by both.
type Scheduler struct {
	mu      sync.Mutex
	queue   *TimerQueue
	pending *PendingTaskTable
	fire    Callback

	name            string
	lookahead       time.Duration
	interval        time.Duration
	callbackTimeout time.Duration
	now             func() time.Time
	log             *logrus.Entry
	promRegistry    prometheus.Registerer
	metrics         *schedulerMetrics

	cron    *cron.Cron
	stopped bool

	statsMu sync.Mutex
	fired   uint64
	failed  uint64
}

func New(fire Callback, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:           NewTimerQueue(),
		pending:         NewPendingTaskTable(),
		fire:            fire,
		lookahead:       DefaultLookahead,
		interval:        DefaultPollInterval,
		callbackTimeout: DefaultCallbackTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.WithField("module", "scheduler")
	}
	if s.name != "" {
		s.log = s.log.WithField("kind", s.name)
	}
	s.initMetrics(s.promRegistry)
	return s
}

// Schedule arranges for the subject's removal at fireAt, replacing any
// earlier schedule for it. A fireAt in the past fires as soon as possible.
func (s *Scheduler) Schedule(subject model.Subject, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.log.WithField("subject", subject.String()).Debug("scheduler stopped, dropping schedule")
		return
	}

	s.queue.Cancel(subject)
	s.pending.Cancel(subject)

	remaining := fireAt.Sub(s.now())
	if remaining <= s.lookahead {
		s.pending.Schedule(subject, remaining, s.runner(subject))
	} else {
		s.queue.Schedule(fireAt, subject)
	}
	s.updateGauges()
}

// Cancel drops the subject's removal from whichever structure holds it.
func (s *Scheduler) Cancel(subject model.Subject) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.queue.Cancel(subject)
	pending := s.pending.Cancel(subject)
	s.updateGauges()
	return queued || pending
}

func (s *Scheduler) Location(subject model.Subject) Location {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.pending.Contains(subject):
		return LocationPending
	case s.queue.Contains(subject):
		return LocationQueue
	default:
		return LocationNone
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Queued:       s.queue.Len(),
		Pending:      s.pending.Len(),
		Lookahead:    s.lookahead,
		PollInterval: s.interval,
	}
	if next, ok := s.queue.Peek(); ok {
		at := next.FireAt
		st.NextFireAt = &at
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	st.Fired = s.fired
	st.Failed = s.failed
	s.statsMu.Unlock()
	return st
}

// Poll moves every queued removal due within the lookahead into the pending
// table. Removals already overdue run synchronously on the calling goroutine.
func (s *Scheduler) Poll() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.now()
	due := s.queue.DrainDue(now, s.lookahead)
	var overdue []model.Subject
	for _, e := range due {
		remaining := e.FireAt.Sub(now)
		if remaining <= 0 {
			overdue = append(overdue, e.Subject)
			continue
		}
		s.pending.Schedule(e.Subject, remaining, s.runner(e.Subject))
	}
	s.updateGauges()
	s.mu.Unlock()

	s.metrics.polls.Inc()
	if len(due) > 0 {
		s.log.WithFields(logrus.Fields{
			"promoted": len(due) - len(overdue),
			"overdue":  len(overdue),
		}).Debug("polled timer queue")
	}

	for _, subject := range overdue {
		s.invoke(subject)
	}
}

// Start runs Poll every poll interval until Stop is called.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid poll interval %s", s.interval)
	}

	logger := cron.PrintfLogger(s.log)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.Poll); err != nil {
		return fmt.Errorf("failed to add poll job: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.WithFields(logrus.Fields{
		"interval":  s.interval,
		"lookahead": s.lookahead,
	}).Info("scheduler started")
	return nil
}

// Stop halts polling, discards every queued and pending removal without
// running it, and waits for callbacks already in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	cancelled := s.pending.CancelAll()
	queued := s.queue.Len()
	s.queue.Clear()
	s.updateGauges()
	s.mu.Unlock()

	s.pending.Wait()
	s.log.WithFields(logrus.Fields{
		"cancelled": cancelled,
		"discarded": queued,
	}).Info("scheduler stopped")
}

func (s *Scheduler) runner(subject model.Subject) func() {
	return func() {
		s.invoke(subject)
		s.mu.Lock()
		s.updateGauges()
		s.mu.Unlock()
	}
}

// invoke runs the callback, turning errors and panics into log lines.
func (s *Scheduler) invoke(subject model.Subject) {
	entry := s.log.WithFields(logrus.Fields{
		"guild_id": subject.GuildID,
		"user_id":  subject.UserID,
	})
	ok := false
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("removal callback panicked")
		}
		s.statsMu.Lock()
		s.fired++
		if !ok {
			s.failed++
		}
		s.statsMu.Unlock()
		s.metrics.fired.Inc()
		if !ok {
			s.metrics.failed.Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.callbackTimeout)
	defer cancel()
	if err := s.fire(ctx, subject); err != nil {
		entry.WithError(err).Error("removal callback failed")
		return
	}
	ok = true
}
