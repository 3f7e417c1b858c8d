package restriction

import (
	"context"
	"fmt"
	"time"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const (
	auditLogLimit = 10
	// Audit-log entries older than this are not tied to a live event.
	auditLogWindow = 2 * time.Minute
)

// Reactor turns platform events into engine calls.
type Reactor struct {
	engine *Engine
	log    *logrus.Entry
}

func NewReactor(engine *Engine) *Reactor {
	return &Reactor{engine: engine, log: engine.log.WithField("component", "reactor")}
}

func (r *Reactor) Engine() *Engine { return r.engine }

// OnMemberLeave leaves the record and its timer running. Time spent outside
// the guild still counts.
func (r *Reactor) OnMemberLeave(ctx context.Context, guildID, userID string) {
	subject := model.Subject{GuildID: guildID, UserID: userID}
	rec, err := r.engine.store.Get(ctx, subject)
	if err != nil || rec == nil {
		return
	}
	r.log.WithFields(logrus.Fields{
		"guild_id": guildID,
		"user_id":  userID,
		"until":    rec.Until,
	}).Info("restricted member left, restriction kept")
}

// OnMemberJoin restores an unexpired restriction on a returning member and
// releases an expired one.
func (r *Reactor) OnMemberJoin(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	subject := model.Subject{GuildID: member.GuildID, UserID: member.User.ID}
	log := r.engine.subjectLog(subject)

	rec, err := r.engine.store.Get(ctx, subject)
	if err != nil {
		log.WithError(err).Error("failed to load restriction on join")
		return
	}
	if rec == nil {
		return
	}

	if rec.Expired(r.engine.now()) {
		if _, err := r.engine.RemoveRestriction(ctx, subject, ReleaseOptions{
			Reason:       "Restriction expired while away",
			RestoreRoles: true,
			UpdateCase:   true,
			Trigger:      TriggerExpired,
		}); err != nil {
			log.WithError(err).Error("failed to release expired restriction on join")
		}
		return
	}

	if _, err := r.engine.reapplyRole(ctx, subject, log); err != nil {
		log.WithError(err).Error("failed to re-apply restriction role on join")
	}
	// the original end time stands
	r.engine.schedule(subject, rec)
}

// OnMemberUpdate treats removal of the restriction role by someone else as an
// early release. before may be nil when the previous state was not cached; the
// removal must then be confirmed by the audit log.
func (r *Reactor) OnMemberUpdate(ctx context.Context, before, after *discordgo.Member) {
	if after == nil || after.User == nil {
		return
	}
	subject := model.Subject{GuildID: after.GuildID, UserID: after.User.ID}
	log := r.engine.subjectLog(subject)

	roleID, err := r.engine.RoleID(ctx, subject.GuildID)
	if err != nil || roleID == "" {
		return
	}
	if containsRole(after.Roles, roleID) {
		return
	}
	if before != nil && !containsRole(before.Roles, roleID) {
		return
	}

	rec, err := r.engine.store.Get(ctx, subject)
	if err != nil {
		log.WithError(err).Error("failed to load restriction on member update")
		return
	}
	if rec == nil {
		return
	}

	entry := r.findAuditEntry(ctx, subject, discordgo.AuditLogActionMemberRoleUpdate, func(e *discordgo.AuditLogEntry) bool {
		return removesRole(e, roleID)
	})
	if before == nil && entry == nil {
		log.Debug("restriction role missing but no matching audit-log entry, ignoring")
		return
	}

	opts := ReleaseOptions{
		Reason:       "Restriction role removed manually",
		RestoreRoles: true,
		UpdateCase:   true,
		Trigger:      TriggerManual,
	}
	if entry != nil {
		opts.ModeratorID = entry.UserID
		if entry.Reason != "" {
			opts.Reason = entry.Reason
		}
	}
	if _, err := r.engine.RemoveRestriction(ctx, subject, opts); err != nil {
		log.WithError(err).Error("failed to release after manual role removal")
	}
}

// OnBan releases the restriction without restoring roles.
func (r *Reactor) OnBan(ctx context.Context, guildID, userID string) {
	subject := model.Subject{GuildID: guildID, UserID: userID}
	rec, err := r.engine.store.Get(ctx, subject)
	if err != nil || rec == nil {
		return
	}

	opts := ReleaseOptions{
		Reason:       "Member banned",
		RestoreRoles: false,
		UpdateCase:   true,
		Trigger:      TriggerBan,
	}
	if entry := r.findAuditEntry(ctx, subject, discordgo.AuditLogActionMemberBanAdd, nil); entry != nil {
		opts.ModeratorID = entry.UserID
		if entry.Reason != "" {
			opts.Reason = "Banned: " + entry.Reason
		}
	}
	if _, err := r.engine.RemoveRestriction(ctx, subject, opts); err != nil {
		r.engine.subjectLog(subject).WithError(err).Error("failed to release banned member")
	}
}

// OnVoiceStateUpdate applies a queued unmute once the user is back in voice,
// and silences a restricted user who joins voice unmuted.
func (r *Reactor) OnVoiceStateUpdate(ctx context.Context, vs *discordgo.VoiceState) {
	if vs == nil || vs.ChannelID == "" {
		return
	}
	subject := model.Subject{GuildID: vs.GuildID, UserID: vs.UserID}
	log := r.engine.subjectLog(subject)

	rec, err := r.engine.store.Get(ctx, subject)
	if err != nil {
		log.WithError(err).Error("failed to load restriction on voice update")
		return
	}

	if rec != nil {
		// restricted again since the unmute was queued
		if _, err := r.engine.takeQueuedUnmute(ctx, subject); err != nil {
			log.WithError(err).Warn("failed to clear queued unmute")
		}
		r.enforceVoice(ctx, subject, vs, log)
		return
	}

	queued, err := r.engine.takeQueuedUnmute(ctx, subject)
	if err != nil {
		log.WithError(err).Warn("failed to read queued unmute")
		return
	}
	if !queued {
		return
	}
	if !r.engine.liftVoice(ctx, subject, log) {
		r.engine.queueUnmute(ctx, subject, log)
		return
	}
	log.Info("applied queued voice unmute")
}

func (r *Reactor) enforceVoice(ctx context.Context, subject model.Subject, vs *discordgo.VoiceState, log *logrus.Entry) {
	kind := r.engine.kind
	if !(kind.VoiceMute && !vs.Mute) && !(kind.VoiceDeafen && !vs.Deaf) {
		return
	}
	if !r.engine.forceVoice(ctx, subject, log) {
		return
	}
	_, err := r.engine.store.Update(ctx, subject, func(cur *model.RestrictionRecord) (*model.RestrictionRecord, error) {
		if cur == nil || cur.UnmuteOnRelease {
			return nil, nil
		}
		next := *cur
		next.UnmuteOnRelease = true
		return &next, nil
	})
	if err != nil {
		log.WithError(err).Warn("failed to record forced voice mute")
	}
}

// findAuditEntry returns the newest recent audit-log entry of the given
// action targeting the subject, or nil.
func (r *Reactor) findAuditEntry(ctx context.Context, subject model.Subject, action discordgo.AuditLogAction, match func(*discordgo.AuditLogEntry) bool) *discordgo.AuditLogEntry {
	entries, err := r.engine.platform.RecentAuditLog(ctx, subject.GuildID, action, auditLogLimit)
	if err != nil {
		r.engine.subjectLog(subject).WithError(err).Debug("failed to read audit log")
		return nil
	}
	cutoff := r.engine.now().Add(-auditLogWindow)
	for _, e := range entries {
		if e == nil || e.TargetID != subject.UserID {
			continue
		}
		if ts, err := discordgo.SnowflakeTimestamp(e.ID); err == nil && ts.Before(cutoff) {
			continue
		}
		if match != nil && !match(e) {
			continue
		}
		return e
	}
	return nil
}

// removesRole reports whether a member-role-update entry removed roleID.
func removesRole(e *discordgo.AuditLogEntry, roleID string) bool {
	for _, c := range e.Changes {
		if c == nil || c.Key == nil || *c.Key != discordgo.AuditLogChangeKeyRoleRemove {
			continue
		}
		roles, ok := c.NewValue.([]interface{})
		if !ok {
			continue
		}
		for _, raw := range roles {
			role, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if fmt.Sprint(role["id"]) == roleID {
				return true
			}
		}
	}
	return false
}
