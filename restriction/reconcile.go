package restriction

import (
	"context"
	"errors"
	"fmt"

	"discord-restrict/model"

	"github.com/sirupsen/logrus"
)

// ReconcileReport counts what a Reconcile pass did.
type ReconcileReport struct {
	Records   int
	Released  int
	Reapplied int
	Scheduled int
	Failed    int
}

// Reconcile brings the scheduler and the guilds in line with the store after
// a restart: overdue restrictions are released, members who lost the
// restriction role while the bot was away get it back, and every timed
// restriction is scheduled again.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	all, err := e.store.All(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load restrictions: %w", err)
	}
	report.Records = len(all)

	for subject, rec := range all {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := e.subjectLog(subject)

		if rec.Expired(e.now()) {
			released, err := e.RemoveRestriction(ctx, subject, ReleaseOptions{
				Reason:       "Restriction expired while the bot was offline",
				RestoreRoles: true,
				UpdateCase:   true,
				Trigger:      TriggerStartup,
			})
			if err != nil {
				report.Failed++
				log.WithError(err).Error("failed to release overdue restriction")
				continue
			}
			if released {
				report.Released++
			}
			continue
		}

		reapplied, err := e.reapplyRole(ctx, subject, log)
		if err != nil {
			report.Failed++
			log.WithError(err).Error("failed to re-apply restriction role")
		}
		if reapplied {
			report.Reapplied++
		}

		if rec.Until != nil {
			e.sched.Schedule(subject, *rec.Until)
			report.Scheduled++
		}
	}

	e.log.WithFields(logrus.Fields{
		"records":   report.Records,
		"released":  report.Released,
		"reapplied": report.Reapplied,
		"scheduled": report.Scheduled,
		"failed":    report.Failed,
	}).Info("reconciled restrictions")
	return report, nil
}

// reapplyRole gives a present member the restriction role if they lack it.
// Absent members are left alone; the join handler deals with them.
func (e *Engine) reapplyRole(ctx context.Context, subject model.Subject, log *logrus.Entry) (bool, error) {
	roleID, err := e.RoleID(ctx, subject.GuildID)
	if err != nil {
		return false, err
	}
	if roleID == "" {
		return false, fmt.Errorf("no restriction role configured for guild %s", subject.GuildID)
	}

	member, err := e.platform.Member(ctx, subject.GuildID, subject.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get member: %w", err)
	}
	if containsRole(member.Roles, roleID) {
		return false, nil
	}

	gr, err := e.loadRoles(ctx, subject.GuildID)
	if err != nil {
		return false, err
	}
	if err := gr.checkManageable(subject.GuildID, roleID); err != nil {
		return false, err
	}

	roles := append(append([]string(nil), member.Roles...), roleID)
	if err := e.platform.SetMemberRoles(ctx, subject.GuildID, subject.UserID, roles, "Restriction still active"); err != nil {
		return false, fmt.Errorf("failed to re-add restriction role: %w", err)
	}
	log.WithField("role_id", roleID).Info("re-applied restriction role")
	return true, nil
}
