package restriction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"discord-restrict/model"
	"discord-restrict/scheduler"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictSnapshotsManageableRoles(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low", "mid", "high", "vip")
	ctx := context.Background()

	res, err := h.engine.Restrict(ctx, RestrictRequest{
		Subject:     h.subject(),
		Duration:    10 * time.Minute,
		Reason:      "spam",
		ModeratorID: testMod,
	})
	require.NoError(t, err)
	assert.False(t, res.Renewed)
	assert.Equal(t, OutcomePartial, res.Outcome())
	assert.Equal(t, []string{"high"}, res.KeptRoleIDs)

	// one atomic role change
	require.Equal(t, 1, h.platform.roleCallCount())
	assert.ElementsMatch(t, []string{"high", res.RoleID}, h.platform.memberRoles(testUser))

	until := h.clock.Now().Add(10 * time.Minute)
	caseNumber := int64(1)
	want := &model.RestrictionRecord{
		StartTime:      h.clock.Now(),
		Until:          &until,
		ModeratorID:    testMod,
		Reason:         "spam",
		RemovedRoleIDs: []string{"low", "mid", "vip"},
		CaseNumber:     &caseNumber,
	}
	got, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, scheduler.LocationQueue, h.engine.Scheduler().Location(h.subject()))
	assert.Len(t, h.platform.dms[testUser], 1)
}

func TestRestrictKeepsExemptRole(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low", "vip")
	ctx := context.Background()
	require.NoError(t, h.engine.SetExemptRole(ctx, testGuild, "vip"))

	res, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome())
	assert.Equal(t, []string{"low"}, res.Record.RemovedRoleIDs)
	assert.ElementsMatch(t, []string{"vip", res.RoleID}, h.platform.memberRoles(testUser))
}

func TestRestrictExpiresAndRestores(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low", "mid")
	ctx := context.Background()

	res, err := h.engine.Restrict(ctx, RestrictRequest{
		Subject:     h.subject(),
		Duration:    300 * time.Second,
		Reason:      "flooding",
		ModeratorID: testMod,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Record.CaseNumber)

	h.clock.Advance(301 * time.Second)
	h.engine.Scheduler().Poll()

	rec, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, []string{"low", "mid"}, h.platform.memberRoles(testUser))
	assert.Equal(t, scheduler.LocationNone, h.engine.Scheduler().Location(h.subject()))

	c, err := h.modlog.GetCase(ctx, testGuild, *res.Record.CaseNumber)
	require.NoError(t, err)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, h.clock.Now().Unix(), *c.EndedAt)
	assert.Equal(t, "Restriction expired", c.EndReason)

	st := h.engine.Scheduler().Stats()
	assert.Equal(t, uint64(1), st.Fired)
	assert.Equal(t, uint64(0), st.Failed)
}

func TestRestrictIndefiniteIsNeverScheduled(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	res, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), ModeratorID: testMod})
	require.NoError(t, err)
	assert.True(t, res.Record.Indefinite())
	assert.Equal(t, scheduler.LocationNone, h.engine.Scheduler().Location(h.subject()))

	require.NotNil(t, res.Record.CaseNumber)
	c, err := h.modlog.GetCase(ctx, testGuild, *res.Record.CaseNumber)
	require.NoError(t, err)
	assert.Nil(t, c.Until)

	h.clock.Advance(365 * 24 * time.Hour)
	h.engine.Scheduler().Poll()
	rec, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestRenewalKeepsStartAndOwner(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()
	start := h.clock.Now()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: 600 * time.Second, ModeratorID: testMod})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	res, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: 60 * time.Second, ModeratorID: "301"})
	require.NoError(t, err)
	assert.True(t, res.Renewed)

	recs, err := h.engine.Records(ctx, testGuild)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[testUser]
	assert.True(t, rec.StartTime.Equal(start))
	assert.Equal(t, testMod, rec.ModeratorID)
	assert.Equal(t, []string{"low"}, rec.RemovedRoleIDs)
	require.NotNil(t, rec.Until)
	assert.True(t, rec.Until.Equal(start.Add(70*time.Second)))

	st := h.engine.Scheduler().Stats()
	assert.Equal(t, 1, st.Queued+st.Pending)
	require.NotNil(t, st.NextFireAt)
	assert.True(t, st.NextFireAt.Equal(start.Add(70*time.Second)))

	c, err := h.modlog.GetCase(ctx, testGuild, *rec.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, rec.Until.Unix(), *c.Until)
	assert.Equal(t, 1, h.modlog.count())
}

func TestRenewalCanReassignModerator(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser)
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour, ModeratorID: testMod})
	require.NoError(t, err)
	res, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), ModeratorID: "301", ReassignModerator: true})
	require.NoError(t, err)
	assert.Equal(t, "301", res.Record.ModeratorID)
	assert.True(t, res.Record.Indefinite())
	assert.Equal(t, scheduler.LocationNone, h.engine.Scheduler().Location(h.subject()))

	c, err := h.modlog.GetCase(ctx, testGuild, *res.Record.CaseNumber)
	require.NoError(t, err)
	assert.Nil(t, c.Until)
}

func TestRestrictHierarchyFailureChangesNothing(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	roleID, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	h.platform.mu.Lock()
	h.platform.roles[roleID].Position = 90
	h.platform.mu.Unlock()

	_, err = h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrHierarchy))
	var herr *model.HierarchyError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, roleID, herr.RoleID)

	assert.Zero(t, h.platform.roleCallCount())
	rec, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, h.modlog.count())
}

func TestRestrictPermissionDeniedIsHierarchyError(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	h.platform.failRoles = model.ErrPermission

	_, err := h.engine.Restrict(context.Background(), RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	assert.True(t, errors.Is(err, model.ErrHierarchy))
	rec, err := h.engine.Record(context.Background(), h.subject())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRestrictMissingMember(t *testing.T) {
	h := newHarness(t, testKind())
	_, err := h.engine.Restrict(context.Background(), RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRestrictRevertsWhenSaveFails(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low", "mid")
	// first update is the renewal check, second the save
	h.config.failOn["punish.restricted"] = 2

	_, err := h.engine.Restrict(context.Background(), RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.Error(t, err)
	assert.Equal(t, []string{"low", "mid"}, h.platform.memberRoles(testUser))
	assert.Equal(t, scheduler.LocationNone, h.engine.Scheduler().Location(h.subject()))
}

func TestShortRestrictionSkipsCase(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser)

	res, err := h.engine.Restrict(context.Background(), RestrictRequest{Subject: h.subject(), Duration: 45 * time.Second})
	require.NoError(t, err)
	assert.Nil(t, res.Record.CaseNumber)
	assert.Zero(t, h.modlog.count())
}

func TestRemoveRestrictionIsIdempotent(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)

	opts := ReleaseOptions{Reason: "appeal accepted", ModeratorID: testMod, RestoreRoles: true, UpdateCase: true}
	released, err := h.engine.RemoveRestriction(ctx, h.subject(), opts)
	require.NoError(t, err)
	assert.True(t, released)
	calls := h.platform.roleCallCount()

	released, err = h.engine.RemoveRestriction(ctx, h.subject(), opts)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, calls, h.platform.roleCallCount())
	assert.Equal(t, []string{"low"}, h.platform.memberRoles(testUser))
	assert.Equal(t, scheduler.LocationNone, h.engine.Scheduler().Location(h.subject()))
}

func TestReleaseSkipsUnmanageableAndDeletedRoles(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low", "mid", "vip")
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)

	h.platform.mu.Lock()
	delete(h.platform.roles, "vip")
	h.platform.roles["mid"].Position = 70
	h.platform.mu.Unlock()

	released, err := h.engine.RemoveRestriction(ctx, h.subject(), ReleaseOptions{RestoreRoles: true})
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, []string{"low"}, h.platform.memberRoles(testUser))

	dms := h.platform.dms[testUser]
	require.NotEmpty(t, dms)
	assert.Contains(t, dms[len(dms)-2], "Regular")
}

func TestReleaseOfAbsentMemberStillClears(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)
	h.platform.removeMember(testUser)

	released, err := h.engine.RemoveRestriction(ctx, h.subject(), ReleaseOptions{RestoreRoles: true})
	require.NoError(t, err)
	assert.True(t, released)
	rec, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	assert.Nil(t, rec)
	// the release notice is still attempted
	require.Len(t, h.platform.dms[testUser], 2)
	assert.Contains(t, h.platform.dms[testUser][1], "has ended")
}

func TestExpireIgnoresRenewedRecord(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)

	require.NoError(t, h.engine.expire(ctx, h.subject()))
	rec, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestEnsureRoleIsIdempotent(t *testing.T) {
	h := newHarness(t, testKind())
	ctx := context.Background()

	first, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	second, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, h.platform.createdRoles, 1)
	assert.Equal(t, []string{"c1", "c2"}, h.platform.overwriteCalls)

	h.platform.mu.Lock()
	h.platform.channels = append(h.platform.channels, &discordgo.Channel{ID: "c3"})
	h.platform.mu.Unlock()
	_, err = h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, h.platform.overwriteCalls)
}

func TestEnsureRoleRecreatesDeletedRole(t *testing.T) {
	h := newHarness(t, testKind())
	ctx := context.Background()

	first, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	h.platform.mu.Lock()
	delete(h.platform.roles, first)
	h.platform.mu.Unlock()

	second, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	stored, err := h.engine.RoleID(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, second, stored)
}

func TestExemptRoleFallsBackToKindDefault(t *testing.T) {
	kind := testKind()
	kind.ExemptRoleID = "vip"
	h := newHarness(t, kind)
	ctx := context.Background()

	got, err := h.engine.ExemptRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, "vip", got)

	require.NoError(t, h.engine.SetExemptRole(ctx, testGuild, "low"))
	got, err = h.engine.ExemptRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, "low", got)

	require.NoError(t, h.engine.SetExemptRole(ctx, testGuild, ""))
	got, err = h.engine.ExemptRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, "vip", got)
}

func TestReconcileRestoresState(t *testing.T) {
	h := newHarness(t, testKind())
	ctx := context.Background()
	roleID, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)

	now := h.clock.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	seed := map[string]*model.RestrictionRecord{
		"201": {StartTime: now.Add(-time.Hour), Until: &past, RemovedRoleIDs: []string{"low"}},
		"202": {StartTime: now, Until: &future},
		"203": {StartTime: now},
	}
	for user, rec := range seed {
		rec := rec
		_, err := h.engine.Store().Update(ctx, model.Subject{GuildID: testGuild, UserID: user}, func(*model.RestrictionRecord) (*model.RestrictionRecord, error) {
			return rec, nil
		})
		require.NoError(t, err)
	}
	h.platform.addMember("201", roleID)
	// lost the role while the bot was offline
	h.platform.addMember("202")
	h.platform.addMember("203", roleID)

	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Records: 3, Released: 1, Reapplied: 1, Scheduled: 1}, report)

	recs, err := h.engine.Records(ctx, testGuild)
	require.NoError(t, err)
	assert.NotContains(t, recs, "201")
	assert.Len(t, recs, 2)

	assert.Equal(t, []string{"low"}, h.platform.memberRoles("201"))
	assert.Equal(t, []string{roleID}, h.platform.memberRoles("202"))
	assert.Equal(t, scheduler.LocationQueue, h.engine.Scheduler().Location(model.Subject{GuildID: testGuild, UserID: "202"}))
	assert.Equal(t, scheduler.LocationNone, h.engine.Scheduler().Location(model.Subject{GuildID: testGuild, UserID: "203"}))
}

func TestVoiceMuteIsLiftedOnRelease(t *testing.T) {
	kind := testKind()
	kind.VoiceMute = true
	h := newHarness(t, kind)
	h.platform.addMember(testUser)
	h.platform.voice[testUser] = &discordgo.VoiceState{GuildID: testGuild, UserID: testUser, ChannelID: "v1"}
	ctx := context.Background()

	res, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)
	assert.True(t, res.Record.UnmuteOnRelease)
	assert.True(t, h.platform.voice[testUser].Mute)

	_, err = h.engine.RemoveRestriction(ctx, h.subject(), ReleaseOptions{})
	require.NoError(t, err)
	assert.False(t, h.platform.voice[testUser].Mute)
}

func TestVoiceMuteAlreadyAppliedIsLeftAlone(t *testing.T) {
	kind := testKind()
	kind.VoiceMute = true
	h := newHarness(t, kind)
	h.platform.addMember(testUser)
	h.platform.voice[testUser] = &discordgo.VoiceState{GuildID: testGuild, UserID: testUser, ChannelID: "v1", Mute: true}

	res, err := h.engine.Restrict(context.Background(), RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)
	assert.False(t, res.Record.UnmuteOnRelease)
	assert.Empty(t, h.platform.voiceCalls)
}

func TestConcurrentRestrictOpensOneCase(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low", "mid")

	var wg sync.WaitGroup
	results := make([]*RestrictResult, 2)
	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := h.engine.Restrict(context.Background(), RestrictRequest{
				Subject:     h.subject(),
				Duration:    time.Hour,
				ModeratorID: testMod,
			})
			assert.NoError(t, err)
			results[n] = res
		}(n)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.NotEqual(t, results[0].Renewed, results[1].Renewed)
	assert.Equal(t, 1, h.modlog.count())

	rec, err := h.engine.Record(context.Background(), h.subject())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"low", "mid"}, rec.RemovedRoleIDs)
}

func TestHistoryFiltersByKind(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	_, err := h.modlog.CreateCase(ctx, model.Case{GuildID: testGuild, UserID: testUser, ActionType: "isolate"})
	require.NoError(t, err)
	res, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour, ModeratorID: testMod})
	require.NoError(t, err)
	require.NotNil(t, res.Record.CaseNumber)

	cases, err := h.engine.History(ctx, h.subject())
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, *res.Record.CaseNumber, cases[0].CaseNumber)
	assert.Equal(t, "punish", cases[0].ActionType)
}

func TestEarlyTimerReschedules(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: 10 * time.Minute})
	require.NoError(t, err)

	// the timer has fired and left the scheduler, but the clock says it is early
	h.engine.Scheduler().Cancel(h.subject())
	h.clock.Advance(9 * time.Minute)
	require.NoError(t, h.engine.expire(ctx, h.subject()))

	rec, err := h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, scheduler.LocationQueue, h.engine.Scheduler().Location(h.subject()))

	h.clock.Advance(2 * time.Minute)
	h.engine.Scheduler().Poll()
	rec, err = h.engine.Record(ctx, h.subject())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.ElementsMatch(t, []string{"low"}, h.platform.memberRoles(testUser))
}

func TestCreateRoleRunsOutsideStoreUpdate(t *testing.T) {
	h := newHarness(t, testKind())
	var inUpdate bool
	h.platform.beforeCreateRole = func() {
		inUpdate = h.config.updating.Load()
	}

	_, err := h.engine.EnsureRole(context.Background(), testGuild)
	require.NoError(t, err)
	require.Len(t, h.platform.createdRoles, 1)
	assert.False(t, inUpdate)
}

func TestEnsureRoleKeepsConcurrentWinner(t *testing.T) {
	h := newHarness(t, testKind())
	ctx := context.Background()
	h.platform.beforeCreateRole = func() {
		h.platform.beforeCreateRole = nil
		// another caller stores its role while this one is still creating
		require.NoError(t, h.config.Set(ctx, model.GuildScope(testGuild), "punish.role_id", []byte(`"low"`)))
	}

	roleID, err := h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, "low", roleID)
	require.Len(t, h.platform.createdRoles, 1)
	assert.Equal(t, h.platform.createdRoles, h.platform.deletedRoles)

	stored, err := h.engine.RoleID(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, "low", stored)
}

func TestRoleStoreFailureDeletesCreatedRole(t *testing.T) {
	h := newHarness(t, testKind())
	h.config.failOn["punish.role_id"] = 1

	_, err := h.engine.EnsureRole(context.Background(), testGuild)
	require.Error(t, err)
	require.Len(t, h.platform.createdRoles, 1)
	assert.Equal(t, h.platform.createdRoles, h.platform.deletedRoles)
}

func TestRestrictSkipsChannelWiringForExistingRole(t *testing.T) {
	h := newHarness(t, testKind())
	h.platform.addMember(testUser, "low")
	h.platform.addMember("201", "mid")
	ctx := context.Background()

	_, err := h.engine.Restrict(ctx, RestrictRequest{Subject: h.subject(), Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, h.platform.overwriteCalls)

	h.platform.mu.Lock()
	h.platform.channels = append(h.platform.channels, &discordgo.Channel{ID: "c3"})
	h.platform.mu.Unlock()
	_, err = h.engine.Restrict(ctx, RestrictRequest{Subject: model.Subject{GuildID: testGuild, UserID: "201"}, Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, h.platform.overwriteCalls)

	_, err = h.engine.EnsureRole(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, h.platform.overwriteCalls)
}
