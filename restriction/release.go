package restriction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"discord-restrict/model"

	"github.com/sirupsen/logrus"
)

// ReleaseOptions controls RemoveRestriction.
type ReleaseOptions struct {
	Reason      string
	ModeratorID string
	// RestoreRoles puts back the roles removed at restrict time.
	RestoreRoles bool
	// UpdateCase closes the linked moderation-log case.
	UpdateCase bool
	// Trigger labels the release in metrics and logs.
	Trigger string
}

// RemoveRestriction lifts the subject's restriction. It returns false when
// there was nothing to release. Only a storage failure is returned as an
// error; every platform side effect is best effort.
func (e *Engine) RemoveRestriction(ctx context.Context, subject model.Subject, opts ReleaseOptions) (bool, error) {
	unlock := e.locks.Lock(subject.String())
	defer unlock()
	return e.removeRestriction(ctx, subject, opts)
}

func (e *Engine) removeRestriction(ctx context.Context, subject model.Subject, opts ReleaseOptions) (bool, error) {
	rec, err := e.store.Delete(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("failed to delete restriction: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	// before any role change, so the resulting member update sees no record
	e.sched.Cancel(subject)

	if opts.Trigger == "" {
		opts.Trigger = TriggerCommand
	}
	log := e.subjectLog(subject).WithField("trigger", opts.Trigger)

	present := e.restoreMember(ctx, subject, rec, opts, log)

	if rec.UnmuteOnRelease {
		if !present || !e.liftVoice(ctx, subject, log) {
			e.queueUnmute(ctx, subject, log)
		}
	}

	if opts.UpdateCase && rec.CaseNumber != nil && e.cases != nil {
		ended := e.now().Unix()
		reason := opts.Reason
		amend := model.CaseAmendment{EndedAt: &ended, EndReason: &reason}
		if opts.ModeratorID != "" {
			amend.AmendedBy = &opts.ModeratorID
		}
		if err := e.cases.AmendCase(ctx, subject.GuildID, *rec.CaseNumber, amend); err != nil {
			log.WithError(err).WithField("case", *rec.CaseNumber).Warn("failed to amend case")
		}
	}

	if e.kind.DMOnRelease {
		e.dm(ctx, subject, releaseMessage(e.kind, opts.Reason), log)
	}

	e.metrics.released.WithLabelValues(opts.Trigger).Inc()
	log.WithField("reason", opts.Reason).Info("restriction released")
	return true, nil
}

// restoreMember takes the restriction role off and, when asked, puts back
// the snapshot roles the bot can still manage. It reports whether the member
// is still in the guild.
func (e *Engine) restoreMember(ctx context.Context, subject model.Subject, rec *model.RestrictionRecord, opts ReleaseOptions, log *logrus.Entry) bool {
	member, err := e.platform.Member(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Debug("member not in guild, roles not restored")
		} else {
			log.WithError(err).Warn("failed to get member for release")
		}
		return false
	}

	roleID, err := e.RoleID(ctx, subject.GuildID)
	if err != nil {
		log.WithError(err).Warn("failed to read restriction role")
	}
	next := withoutRole(member.Roles, roleID)

	var unrestorable []string
	if opts.RestoreRoles && len(rec.RemovedRoleIDs) > 0 {
		gr, err := e.loadRoles(ctx, subject.GuildID)
		if err != nil {
			log.WithError(err).Warn("failed to load roles, restriction role removed without restoring")
		} else {
			for _, id := range rec.RemovedRoleIDs {
				switch {
				case gr.byID[id] == nil:
					// deleted since the restriction began
				case gr.manageable(id):
					next = appendMissing(next, id)
				default:
					unrestorable = append(unrestorable, gr.byID[id].Name)
				}
			}
		}
	}

	if !sameRoles(next, member.Roles) {
		if err := e.platform.SetMemberRoles(ctx, subject.GuildID, subject.UserID, next, auditReason(opts.Reason, opts.ModeratorID)); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return false
			}
			log.WithError(err).Warn("failed to restore member roles")
		}
	}

	if len(unrestorable) > 0 {
		log.WithField("roles", unrestorable).Warn("some roles could not be restored")
		e.dm(ctx, subject, unrestorableMessage(e.kind, unrestorable), log)
	}
	return true
}

func sameRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// liftVoice undoes forceVoice for a connected member. It reports whether the
// change was made.
func (e *Engine) liftVoice(ctx context.Context, subject model.Subject, log *logrus.Entry) bool {
	vs, err := e.platform.VoiceState(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		log.WithError(err).Debug("failed to read voice state")
		return false
	}
	if vs == nil || vs.ChannelID == "" {
		return false
	}
	var mute, deaf *bool
	no := false
	if e.kind.VoiceMute {
		mute = &no
	}
	if e.kind.VoiceDeafen {
		deaf = &no
	}
	if mute == nil && deaf == nil {
		return true
	}
	if err := e.platform.SetVoiceState(ctx, subject.GuildID, subject.UserID, mute, deaf, "Restriction lifted: "+e.kind.Name); err != nil {
		log.WithError(err).Warn("failed to lift voice mute")
		return false
	}
	return true
}

func (e *Engine) queueUnmute(ctx context.Context, subject model.Subject, log *logrus.Entry) {
	err := e.config.AtomicUpdate(ctx, model.GuildScope(subject.GuildID), e.key("pending_unmute"), func(cur []byte) ([]byte, error) {
		var ids []string
		if cur != nil {
			if err := json.Unmarshal(cur, &ids); err != nil {
				return nil, err
			}
		}
		return json.Marshal(appendMissing(ids, subject.UserID))
	})
	if err != nil {
		log.WithError(err).Warn("failed to queue voice unmute")
		return
	}
	log.Debug("voice unmute queued until the member reconnects")
}

// takeQueuedUnmute removes the subject from the unmute queue and reports
// whether it was there.
func (e *Engine) takeQueuedUnmute(ctx context.Context, subject model.Subject) (bool, error) {
	found := false
	err := e.config.AtomicUpdate(ctx, model.GuildScope(subject.GuildID), e.key("pending_unmute"), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, nil
		}
		var ids []string
		if err := json.Unmarshal(cur, &ids); err != nil {
			return nil, err
		}
		if !containsRole(ids, subject.UserID) {
			return cur, nil
		}
		found = true
		ids = withoutRole(ids, subject.UserID)
		if len(ids) == 0 {
			return nil, nil
		}
		return json.Marshal(ids)
	})
	return found, err
}

func (e *Engine) dm(ctx context.Context, subject model.Subject, content string, log *logrus.Entry) {
	if err := e.platform.SendDM(ctx, subject.UserID, content); err != nil {
		log.WithError(err).Debug("failed to send direct message")
	}
}

func restrictMessage(kind model.KindConfig, rec *model.RestrictionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have been placed under **%s**", kind.Name)
	if rec.Until != nil {
		fmt.Fprintf(&b, " until <t:%d:F> (<t:%d:R>)", rec.Until.Unix(), rec.Until.Unix())
	} else {
		b.WriteString(" indefinitely")
	}
	b.WriteString(".")
	if rec.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", rec.Reason)
	}
	return b.String()
}

func releaseMessage(kind model.KindConfig, reason string) string {
	msg := fmt.Sprintf("Your **%s** has ended.", kind.Name)
	if reason != "" {
		msg += "\nReason: " + reason
	}
	return msg
}

func unrestorableMessage(kind model.KindConfig, roles []string) string {
	return fmt.Sprintf("Your **%s** has ended, but these roles could not be given back automatically: %s. Please ask a moderator to restore them.",
		kind.Name, strings.Join(roles, ", "))
}
