package restriction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"discord-restrict/model"
	"discord-restrict/scheduler"
	"discord-restrict/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Timers may fire a little ahead of the stored end time when wall clock and
// monotonic clock disagree.
const expirySkew = time.Second

type Option func(*Engine)

func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPromRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.promRegistry = reg }
}

// WithSchedulerOptions passes options through to the engine's scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, opts...) }
}

// Engine applies and releases one kind of restriction. It owns the scheduler
// that releases timed restrictions when they run out.
type Engine struct {
	kind     model.KindConfig
	platform Platform
	config   ConfigStore
	store    *Store
	cases    ModLog
	sched    *scheduler.Scheduler

	log          *logrus.Entry
	now          func() time.Time
	promRegistry prometheus.Registerer
	schedOpts    []scheduler.Option
	metrics      *engineMetrics

	// held across every read-mutate-write of one subject
	locks utils.KeyedMutex
}

// New builds an engine for kind. cases may be nil, in which case no
// moderation-log cases are written.
func New(kind model.KindConfig, platform Platform, config ConfigStore, cases ModLog, opts ...Option) *Engine {
	e := &Engine{
		kind:     kind,
		platform: platform,
		config:   config,
		store:    NewStore(config, kind.Namespace),
		cases:    cases,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.WithField("module", "restriction")
	}
	e.log = e.log.WithField("kind", kind.Name)
	e.initMetrics(e.promRegistry)

	schedOpts := append([]scheduler.Option{
		scheduler.WithClock(e.now),
		scheduler.WithLogger(e.log),
		scheduler.WithName(kind.Name),
		scheduler.WithPromRegistry(e.promRegistry),
	}, e.schedOpts...)
	e.sched = scheduler.New(e.expire, schedOpts...)
	return e
}

func (e *Engine) Kind() model.KindConfig { return e.kind }

func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

func (e *Engine) Store() *Store { return e.store }

// Records returns the active restrictions of a guild keyed by user id.
func (e *Engine) Records(ctx context.Context, guildID string) (map[string]*model.RestrictionRecord, error) {
	return e.store.Guild(ctx, guildID)
}

// Record returns the subject's active restriction, or nil.
func (e *Engine) Record(ctx context.Context, subject model.Subject) (*model.RestrictionRecord, error) {
	return e.store.Get(ctx, subject)
}

// History returns the subject's cases written by this kind, newest first.
func (e *Engine) History(ctx context.Context, subject model.Subject) ([]model.Case, error) {
	if e.cases == nil {
		return nil, nil
	}
	all, err := e.cases.ListCases(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		return nil, err
	}
	var cases []model.Case
	for _, c := range all {
		if c.ActionType == e.kind.Name {
			cases = append(cases, c)
		}
	}
	return cases, nil
}

// Start begins polling the timer queue. Call Reconcile first so the queue
// reflects what is stored.
func (e *Engine) Start() error {
	return e.sched.Start()
}

// Stop halts the scheduler. Pending removals are dropped, not run; the next
// Reconcile rebuilds them from the store.
func (e *Engine) Stop() {
	e.sched.Stop()
}

func (e *Engine) key(name string) string {
	return e.kind.Namespace + "." + name
}

func (e *Engine) schedule(subject model.Subject, rec *model.RestrictionRecord) {
	if rec.Until == nil {
		e.sched.Cancel(subject)
		return
	}
	e.sched.Schedule(subject, *rec.Until)
}

// expire is the scheduler callback. The record is read again so a removal
// that raced with a renewal does not release the renewed restriction.
func (e *Engine) expire(ctx context.Context, subject model.Subject) error {
	unlock := e.locks.Lock(subject.String())
	defer unlock()

	rec, err := e.store.Get(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to load record for %s: %w", subject, err)
	}
	if rec == nil {
		return nil
	}
	if !rec.Expired(e.now().Add(expirySkew)) {
		e.log.WithFields(logrus.Fields{
			"guild_id": subject.GuildID,
			"user_id":  subject.UserID,
		}).Debug("timer fired before the restriction is due, rescheduling")
		// the fired entry is gone; a timed record must stay scheduled
		e.schedule(subject, rec)
		return nil
	}
	_, err = e.removeRestriction(ctx, subject, ReleaseOptions{
		Reason:       "Restriction expired",
		RestoreRoles: true,
		UpdateCase:   true,
		Trigger:      TriggerExpired,
	})
	return err
}

// ExemptRole returns the guild's exempt role, falling back to the kind's
// configured default.
func (e *Engine) ExemptRole(ctx context.Context, guildID string) (string, error) {
	var roleID string
	found, err := e.getJSON(ctx, model.GuildScope(guildID), e.key("exempt_role_id"), &roleID)
	if err != nil {
		return "", err
	}
	if !found {
		return e.kind.ExemptRoleID, nil
	}
	return roleID, nil
}

// SetExemptRole stores the guild's exempt role. An empty roleID clears it.
func (e *Engine) SetExemptRole(ctx context.Context, guildID, roleID string) error {
	scope := model.GuildScope(guildID)
	if roleID == "" {
		return e.config.Set(ctx, scope, e.key("exempt_role_id"), nil)
	}
	raw, err := json.Marshal(roleID)
	if err != nil {
		return err
	}
	return e.config.Set(ctx, scope, e.key("exempt_role_id"), raw)
}

func (e *Engine) getJSON(ctx context.Context, scope model.Scope, key string, v interface{}) (bool, error) {
	raw, err := e.config.Get(ctx, scope, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (e *Engine) subjectLog(subject model.Subject) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{
		"guild_id": subject.GuildID,
		"user_id":  subject.UserID,
	})
}
