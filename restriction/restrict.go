package restriction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-restrict/model"

	"github.com/sirupsen/logrus"
)

// RestrictRequest describes one restrict call.
type RestrictRequest struct {
	Subject model.Subject
	// Duration 0 means indefinite.
	Duration    time.Duration
	Reason      string
	ModeratorID string
	// ExemptRoleID overrides the guild's exempt role for this call.
	ExemptRoleID string
	// ReassignModerator makes a renewal record ModeratorID as the new owner.
	ReassignModerator bool
}

type Outcome int

const (
	// OutcomeApplied means every removable role was removed.
	OutcomeApplied Outcome = iota
	// OutcomePartial means some roles stayed because the bot cannot manage them.
	OutcomePartial
)

// RestrictResult reports what Restrict did.
type RestrictResult struct {
	Record *model.RestrictionRecord
	RoleID string
	// Renewed is set when an existing restriction was updated in place.
	Renewed bool
	// KeptRoleIDs are roles left on the member because of hierarchy.
	KeptRoleIDs []string
}

func (r *RestrictResult) Outcome() Outcome {
	if len(r.KeptRoleIDs) > 0 {
		return OutcomePartial
	}
	return OutcomeApplied
}

// Restrict applies the restriction to the subject, or renews it if the
// subject is already restricted. A *model.HierarchyError means nothing was
// changed.
func (e *Engine) Restrict(ctx context.Context, req RestrictRequest) (*RestrictResult, error) {
	subject := req.Subject
	log := e.subjectLog(subject)

	unlock := e.locks.Lock(subject.String())
	defer unlock()

	gr, err := e.loadRoles(ctx, subject.GuildID)
	if err != nil {
		return nil, err
	}
	role, created, err := e.ensureRole(ctx, subject.GuildID, gr)
	if err != nil {
		if errors.Is(err, model.ErrHierarchy) {
			e.metrics.hierarchyFailure.Inc()
		}
		return nil, err
	}
	// later channels are covered by EnsureRole and the channel-create handler
	if created {
		if err := e.applyOverwrites(ctx, subject.GuildID, role.ID); err != nil {
			log.WithError(err).Warn("failed to apply channel overwrites")
		}
	}
	if err := gr.checkManageable(subject.GuildID, role.ID); err != nil {
		if errors.Is(err, model.ErrHierarchy) {
			e.metrics.hierarchyFailure.Inc()
		}
		return nil, err
	}

	now := e.now()
	var until *time.Time
	if req.Duration > 0 {
		u := now.Add(req.Duration)
		until = &u
	}

	renewed, err := e.store.Update(ctx, subject, func(cur *model.RestrictionRecord) (*model.RestrictionRecord, error) {
		if cur == nil {
			return nil, nil
		}
		next := *cur
		next.Until = until
		if req.Reason != "" {
			next.Reason = req.Reason
		}
		if req.ReassignModerator && req.ModeratorID != "" {
			next.ModeratorID = req.ModeratorID
		}
		return &next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to renew restriction: %w", err)
	}
	if renewed != nil {
		return e.finishRenewal(ctx, subject, role.ID, renewed, req)
	}

	member, err := e.platform.Member(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	exempt := req.ExemptRoleID
	if exempt == "" {
		if exempt, err = e.ExemptRole(ctx, subject.GuildID); err != nil {
			log.WithError(err).Warn("failed to read exempt role")
		}
	}

	var removed, kept, next []string
	for _, id := range member.Roles {
		switch {
		case id == subject.GuildID, id == role.ID:
			continue
		case id == exempt:
			next = append(next, id)
		case gr.manageable(id):
			removed = append(removed, id)
		default:
			kept = append(kept, id)
			next = append(next, id)
		}
	}
	next = append(next, role.ID)

	if err := e.platform.SetMemberRoles(ctx, subject.GuildID, subject.UserID, next, auditReason(req.Reason, req.ModeratorID)); err != nil {
		if errors.Is(err, model.ErrPermission) {
			e.metrics.hierarchyFailure.Inc()
			return nil, &model.HierarchyError{GuildID: subject.GuildID, RoleID: role.ID, Reason: "missing permission to change the member's roles"}
		}
		return nil, fmt.Errorf("failed to update member roles: %w", err)
	}

	unmute := e.forceVoice(ctx, subject, log)

	rec := &model.RestrictionRecord{
		StartTime:       now,
		Until:           until,
		ModeratorID:     req.ModeratorID,
		Reason:          req.Reason,
		RemovedRoleIDs:  removed,
		UnmuteOnRelease: unmute,
	}
	stored, err := e.store.Update(ctx, subject, func(cur *model.RestrictionRecord) (*model.RestrictionRecord, error) {
		if cur == nil {
			return rec, nil
		}
		// another restrict won the race; keep its start and owner
		merged := *cur
		merged.Until = until
		if req.Reason != "" {
			merged.Reason = req.Reason
		}
		merged.RemovedRoleIDs = appendMissing(append([]string(nil), cur.RemovedRoleIDs...), removed...)
		merged.UnmuteOnRelease = cur.UnmuteOnRelease || unmute
		return &merged, nil
	})
	if err != nil {
		e.revert(ctx, subject, member.Roles, unmute, log)
		return nil, fmt.Errorf("failed to save restriction: %w", err)
	}

	e.schedule(subject, stored)
	e.metrics.applied.Inc()
	if len(kept) > 0 {
		e.metrics.rolesKept.Add(float64(len(kept)))
	}

	if stored.CaseNumber == nil && e.wantsCase(req.Duration) {
		if n, ok := e.createCase(ctx, subject, stored); ok {
			stored = e.setCaseNumber(ctx, subject, n, stored)
		}
	}

	if e.kind.DMOnRestrict {
		e.dm(ctx, subject, restrictMessage(e.kind, stored), log)
	}

	log.WithFields(logrus.Fields{
		"role_id": role.ID,
		"removed": len(removed),
		"kept":    len(kept),
		"until":   stored.Until,
	}).Info("restriction applied")

	return &RestrictResult{Record: stored, RoleID: role.ID, KeptRoleIDs: kept}, nil
}

func (e *Engine) finishRenewal(ctx context.Context, subject model.Subject, roleID string, rec *model.RestrictionRecord, req RestrictRequest) (*RestrictResult, error) {
	log := e.subjectLog(subject)
	e.schedule(subject, rec)
	e.metrics.renewed.Inc()

	// a member who lost the role while away gets it back
	member, err := e.platform.Member(ctx, subject.GuildID, subject.UserID)
	switch {
	case err == nil && !containsRole(member.Roles, roleID):
		roles := append(append([]string(nil), member.Roles...), roleID)
		if err := e.platform.SetMemberRoles(ctx, subject.GuildID, subject.UserID, roles, auditReason(req.Reason, req.ModeratorID)); err != nil {
			log.WithError(err).Warn("failed to re-add restriction role on renewal")
		}
	case err != nil && !errors.Is(err, model.ErrNotFound):
		log.WithError(err).Warn("failed to get member on renewal")
	}

	if rec.CaseNumber != nil && e.cases != nil {
		amend := model.CaseAmendment{Until: unixPtr(rec.Until), ClearUntil: rec.Until == nil}
		if req.Reason != "" {
			amend.Reason = &rec.Reason
		}
		if err := e.cases.AmendCase(ctx, subject.GuildID, *rec.CaseNumber, amend); err != nil {
			log.WithError(err).WithField("case", *rec.CaseNumber).Warn("failed to amend case on renewal")
		}
	} else if rec.CaseNumber == nil && e.wantsCase(req.Duration) {
		if n, ok := e.createCase(ctx, subject, rec); ok {
			rec = e.setCaseNumber(ctx, subject, n, rec)
		}
	}

	log.WithField("until", rec.Until).Info("restriction renewed")
	return &RestrictResult{Record: rec, RoleID: roleID, Renewed: true}, nil
}

// forceVoice mutes and deafens a connected member per the kind's settings.
// It reports whether the engine changed anything that must be undone later.
func (e *Engine) forceVoice(ctx context.Context, subject model.Subject, log *logrus.Entry) bool {
	if !e.kind.VoiceMute && !e.kind.VoiceDeafen {
		return false
	}
	vs, err := e.platform.VoiceState(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		log.WithError(err).Debug("failed to read voice state")
		return false
	}
	if vs == nil || vs.ChannelID == "" {
		return false
	}
	var mute, deaf *bool
	yes := true
	if e.kind.VoiceMute && !vs.Mute {
		mute = &yes
	}
	if e.kind.VoiceDeafen && !vs.Deaf {
		deaf = &yes
	}
	if mute == nil && deaf == nil {
		// already silenced by someone else; leave it to them
		return false
	}
	if err := e.platform.SetVoiceState(ctx, subject.GuildID, subject.UserID, mute, deaf, "Restricted: "+e.kind.Name); err != nil {
		log.WithError(err).Warn("failed to force voice mute")
		return false
	}
	return true
}

// revert puts back the roles the member had before a failed restrict.
func (e *Engine) revert(ctx context.Context, subject model.Subject, roles []string, unmute bool, log *logrus.Entry) {
	if err := e.platform.SetMemberRoles(ctx, subject.GuildID, subject.UserID, roles, "Reverting failed restriction"); err != nil {
		log.WithError(err).Error("failed to revert member roles after save failure")
	}
	if unmute {
		e.liftVoice(ctx, subject, log)
	}
}

func (e *Engine) wantsCase(d time.Duration) bool {
	if e.cases == nil {
		return false
	}
	return d == 0 || d >= e.kind.CaseMinimum
}

func (e *Engine) createCase(ctx context.Context, subject model.Subject, rec *model.RestrictionRecord) (int64, bool) {
	n, err := e.cases.CreateCase(ctx, model.Case{
		GuildID:     subject.GuildID,
		ActionType:  e.kind.Name,
		UserID:      subject.UserID,
		ModeratorID: rec.ModeratorID,
		Reason:      rec.Reason,
		CreatedAt:   rec.StartTime.Unix(),
		Until:       unixPtr(rec.Until),
	})
	if err != nil {
		e.subjectLog(subject).WithError(err).Warn("failed to create case")
		return 0, false
	}
	return n, true
}

func (e *Engine) setCaseNumber(ctx context.Context, subject model.Subject, n int64, fallback *model.RestrictionRecord) *model.RestrictionRecord {
	stored, err := e.store.Update(ctx, subject, func(cur *model.RestrictionRecord) (*model.RestrictionRecord, error) {
		if cur == nil {
			return nil, nil
		}
		next := *cur
		next.CaseNumber = &n
		return &next, nil
	})
	if err != nil || stored == nil {
		e.subjectLog(subject).WithError(err).WithField("case", n).Warn("failed to link case to restriction")
		return fallback
	}
	return stored
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

func auditReason(reason, moderatorID string) string {
	if moderatorID == "" {
		return reason
	}
	if reason == "" {
		return "By " + moderatorID
	}
	return reason + " (by " + moderatorID + ")"
}
