package restriction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const (
	testGuild = "100"
	testUser  = "200"
	testMod   = "300"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type roleCall struct {
	GuildID, UserID string
	Roles           []string
}

type voiceCall struct {
	UserID     string
	Mute, Deaf *bool
}

type fakePlatform struct {
	mu        sync.Mutex
	roles     map[string]*discordgo.Role
	botTop    int
	channels  []*discordgo.Channel
	members   map[string]*discordgo.Member
	voice     map[string]*discordgo.VoiceState
	audit     []*discordgo.AuditLogEntry
	nextID    int
	failRoles error
	// beforeCreateRole runs at the start of CreateRole, without the lock.
	beforeCreateRole func()

	roleCalls      []roleCall
	voiceCalls     []voiceCall
	createdRoles   []string
	deletedRoles   []string
	overwriteCalls []string
	dms            map[string][]string
}

func newFakePlatform() *fakePlatform {
	p := &fakePlatform{
		roles:   make(map[string]*discordgo.Role),
		botTop:  50,
		members: make(map[string]*discordgo.Member),
		voice:   make(map[string]*discordgo.VoiceState),
		dms:     make(map[string][]string),
		nextID:  900,
	}
	p.addRole(testGuild, "@everyone", 0)
	return p
}

func (p *fakePlatform) addRole(id, name string, position int) {
	p.roles[id] = &discordgo.Role{ID: id, Name: name, Position: position}
}

func (p *fakePlatform) addMember(userID string, roles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[userID] = &discordgo.Member{
		GuildID: testGuild,
		User:    &discordgo.User{ID: userID},
		Roles:   append([]string(nil), roles...),
	}
}

func (p *fakePlatform) removeMember(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, userID)
}

func (p *fakePlatform) memberRoles(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[userID]
	if !ok {
		return nil
	}
	out := append([]string(nil), m.Roles...)
	sort.Strings(out)
	return out
}

func (p *fakePlatform) Member(_ context.Context, guildID, userID string) (*discordgo.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[userID]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", userID, model.ErrNotFound)
	}
	cp := *m
	cp.Roles = append([]string(nil), m.Roles...)
	return &cp, nil
}

func (p *fakePlatform) Roles(_ context.Context, guildID string) ([]*discordgo.Role, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*discordgo.Role, 0, len(p.roles))
	for _, r := range p.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (p *fakePlatform) BotTopRolePosition(context.Context, string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.botTop, nil
}

func (p *fakePlatform) Channels(context.Context, string) ([]*discordgo.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*discordgo.Channel(nil), p.channels...), nil
}

func (p *fakePlatform) SetMemberRoles(_ context.Context, guildID, userID string, roleIDs []string, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRoles != nil {
		return p.failRoles
	}
	m, ok := p.members[userID]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, model.ErrNotFound)
	}
	m.Roles = append([]string(nil), roleIDs...)
	p.roleCalls = append(p.roleCalls, roleCall{GuildID: guildID, UserID: userID, Roles: append([]string(nil), roleIDs...)})
	return nil
}

func (p *fakePlatform) VoiceState(_ context.Context, guildID, userID string) (*discordgo.VoiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vs, ok := p.voice[userID]
	if !ok {
		return nil, nil
	}
	cp := *vs
	return &cp, nil
}

func (p *fakePlatform) SetVoiceState(_ context.Context, guildID, userID string, mute, deaf *bool, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	vs, ok := p.voice[userID]
	if !ok {
		return fmt.Errorf("voice state %s: %w", userID, model.ErrNotFound)
	}
	if mute != nil {
		vs.Mute = *mute
	}
	if deaf != nil {
		vs.Deaf = *deaf
	}
	p.voiceCalls = append(p.voiceCalls, voiceCall{UserID: userID, Mute: mute, Deaf: deaf})
	return nil
}

func (p *fakePlatform) CreateRole(_ context.Context, guildID, name string, permissions int64, _ string) (*discordgo.Role, error) {
	if p.beforeCreateRole != nil {
		p.beforeCreateRole()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := strconv.Itoa(p.nextID)
	r := &discordgo.Role{ID: id, Name: name, Permissions: permissions, Position: 1}
	p.roles[id] = r
	p.createdRoles = append(p.createdRoles, id)
	cp := *r
	return &cp, nil
}

func (p *fakePlatform) DeleteRole(_ context.Context, guildID, roleID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.roles, roleID)
	p.deletedRoles = append(p.deletedRoles, roleID)
	return nil
}

func (p *fakePlatform) SetChannelOverwrite(_ context.Context, channelID, roleID string, allow, deny int64, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overwriteCalls = append(p.overwriteCalls, channelID)
	return nil
}

func (p *fakePlatform) SendDM(_ context.Context, userID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dms[userID] = append(p.dms[userID], content)
	return nil
}

func (p *fakePlatform) RecentAuditLog(_ context.Context, guildID string, action discordgo.AuditLogAction, limit int) ([]*discordgo.AuditLogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*discordgo.AuditLogEntry
	for _, e := range p.audit {
		if e.ActionType != nil && *e.ActionType == action {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakePlatform) roleCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.roleCalls)
}

// snowflakeAt builds an id whose embedded timestamp is t.
func snowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - 1420070400000
	return strconv.FormatInt(ms<<22, 10)
}

type fakeConfig struct {
	mu     sync.Mutex
	values map[string][]byte
	scopes map[string]model.Scope
	calls  map[string]int
	// failOn makes the n-th AtomicUpdate of a key fail.
	failOn map[string]int
	// updating is set while an AtomicUpdate mutator runs.
	updating atomic.Bool
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{
		values: make(map[string][]byte),
		scopes: make(map[string]model.Scope),
		calls:  make(map[string]int),
		failOn: make(map[string]int),
	}
}

func cfgKey(scope model.Scope, key string) string {
	return scope.GuildID + "|" + scope.RoleID + "|" + key
}

func (c *fakeConfig) Get(_ context.Context, scope model.Scope, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.values[cfgKey(scope, key)]
	if v == nil {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (c *fakeConfig) Set(_ context.Context, scope model.Scope, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(scope, key, value)
	return nil
}

func (c *fakeConfig) setLocked(scope model.Scope, key string, value []byte) {
	k := cfgKey(scope, key)
	if value == nil {
		delete(c.values, k)
		delete(c.scopes, k)
		return
	}
	c.values[k] = append([]byte(nil), value...)
	c.scopes[k] = scope
}

func (c *fakeConfig) AtomicUpdate(_ context.Context, scope model.Scope, key string, fn func(cur []byte) ([]byte, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cfgKey(scope, key)
	c.calls[k]++
	if n, ok := c.failOn[key]; ok && c.calls[k] == n {
		return errors.New("storage unavailable")
	}
	var cur []byte
	if v := c.values[k]; v != nil {
		cur = append([]byte(nil), v...)
	}
	c.updating.Store(true)
	next, err := fn(cur)
	c.updating.Store(false)
	if err != nil {
		return err
	}
	c.setLocked(scope, key, next)
	return nil
}

func (c *fakeConfig) Scopes(_ context.Context, key string) ([]model.Scope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Scope
	for k, scope := range c.scopes {
		if cfgKey(scope, key) == k {
			out = append(out, scope)
		}
	}
	return out, nil
}

type fakeModLog struct {
	mu    sync.Mutex
	cases map[int64]*model.Case
	next  int64
}

func newFakeModLog() *fakeModLog {
	return &fakeModLog{cases: make(map[int64]*model.Case)}
}

func (m *fakeModLog) CreateCase(_ context.Context, c model.Case) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	c.CaseNumber = m.next
	m.cases[c.CaseNumber] = &c
	return c.CaseNumber, nil
}

func (m *fakeModLog) AmendCase(_ context.Context, guildID string, n int64, a model.CaseAmendment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[n]
	if !ok {
		return model.ErrNotFound
	}
	if a.ClearUntil {
		c.Until = nil
	} else if a.Until != nil {
		c.Until = a.Until
	}
	if a.EndedAt != nil {
		c.EndedAt = a.EndedAt
	}
	if a.EndReason != nil {
		c.EndReason = *a.EndReason
	}
	if a.AmendedBy != nil {
		c.AmendedBy = *a.AmendedBy
	}
	if a.Reason != nil {
		c.Reason = *a.Reason
	}
	return nil
}

func (m *fakeModLog) GetCase(_ context.Context, guildID string, n int64) (*model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[n]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *fakeModLog) ListCases(_ context.Context, guildID, userID string) ([]model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Case
	for n := m.next; n > 0; n-- {
		if c, ok := m.cases[n]; ok && c.GuildID == guildID && c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *fakeModLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cases)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	reactor  *Reactor
	platform *fakePlatform
	config   *fakeConfig
	modlog   *fakeModLog
	clock    *clock
}

func testKind() model.KindConfig {
	return model.KindConfig{
		Name:         "punish",
		RoleName:     "Punished",
		Namespace:    "punish",
		Deny:         discordgo.PermissionSendMessages | discordgo.PermissionVoiceSpeak,
		CaseMinimum:  time.Minute,
		DMOnRestrict: true,
		DMOnRelease:  true,
	}
}

func newHarness(t *testing.T, kind model.KindConfig) *harness {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)

	h := &harness{
		t:        t,
		platform: newFakePlatform(),
		config:   newFakeConfig(),
		modlog:   newFakeModLog(),
		clock:    &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.platform.addRole("low", "Member", 5)
	h.platform.addRole("mid", "Regular", 10)
	h.platform.addRole("high", "Staff", 80)
	h.platform.addRole("vip", "Supporter", 6)
	h.platform.channels = []*discordgo.Channel{{ID: "c1"}, {ID: "c2"}}

	h.engine = New(kind, h.platform, h.config, h.modlog,
		WithLogger(logrus.NewEntry(l)),
		WithClock(h.clock.Now),
	)
	h.reactor = NewReactor(h.engine)
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) subject() model.Subject {
	return model.Subject{GuildID: testGuild, UserID: testUser}
}
