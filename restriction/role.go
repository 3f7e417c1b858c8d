package restriction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// guildRoles is a snapshot of a guild's roles and the bot's place among them.
type guildRoles struct {
	byID   map[string]*discordgo.Role
	botTop int
}

func (e *Engine) loadRoles(ctx context.Context, guildID string) (*guildRoles, error) {
	roles, err := e.platform.Roles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	botTop, err := e.platform.BotTopRolePosition(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot role position: %w", err)
	}
	gr := &guildRoles{byID: make(map[string]*discordgo.Role, len(roles)), botTop: botTop}
	for _, r := range roles {
		gr.byID[r.ID] = r
	}
	return gr, nil
}

// manageable reports whether the bot may add or remove the role.
func (gr *guildRoles) manageable(roleID string) bool {
	r, ok := gr.byID[roleID]
	if !ok {
		return false
	}
	return !r.Managed && r.Position < gr.botTop
}

func (gr *guildRoles) checkManageable(guildID, roleID string) error {
	r, ok := gr.byID[roleID]
	switch {
	case !ok:
		return fmt.Errorf("role %s: %w", roleID, model.ErrNotFound)
	case r.Managed:
		return &model.HierarchyError{GuildID: guildID, RoleID: roleID, Reason: "role is managed by an integration"}
	case r.Position >= gr.botTop:
		return &model.HierarchyError{GuildID: guildID, RoleID: roleID, Reason: "role is not below the bot's highest role"}
	}
	return nil
}

// RoleID returns the restriction role recorded for the guild without
// creating one. It is empty when the guild has not been set up.
func (e *Engine) RoleID(ctx context.Context, guildID string) (string, error) {
	var roleID string
	if _, err := e.getJSON(ctx, model.GuildScope(guildID), e.key("role_id"), &roleID); err != nil {
		return "", err
	}
	return roleID, nil
}

// EnsureRole resolves the guild's restriction role, creating it when it is
// missing, and writes the kind's deny overwrite on every channel that does not
// have it yet. Running it again changes nothing.
func (e *Engine) EnsureRole(ctx context.Context, guildID string) (string, error) {
	gr, err := e.loadRoles(ctx, guildID)
	if err != nil {
		return "", err
	}
	role, _, err := e.ensureRole(ctx, guildID, gr)
	if err != nil {
		return "", err
	}
	if err := e.applyOverwrites(ctx, guildID, role.ID); err != nil {
		// channels missed here are retried on the next call
		e.log.WithField("guild_id", guildID).WithError(err).Warn("failed to apply channel overwrites")
	}
	return role.ID, nil
}

// ensureRole resolves the restriction role and creates it when the stored
// one is missing. The role is created outside any store transaction; the new
// id is then stored only if the stored id is still the one read before, and a
// role that lost that race is deleted again. created reports whether the
// returned role is new.
func (e *Engine) ensureRole(ctx context.Context, guildID string, gr *guildRoles) (role *discordgo.Role, created bool, err error) {
	log := e.log.WithField("guild_id", guildID)

	stale, err := e.RoleID(ctx, guildID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read restriction role: %w", err)
	}
	if r, ok := gr.byID[stale]; ok && stale != "" {
		return r, false, nil
	}
	if stale != "" {
		log.WithField("role_id", stale).Warn("stored restriction role no longer exists, creating a new one")
	}

	fresh, err := e.platform.CreateRole(ctx, guildID, e.kind.RoleName, e.kind.Permissions, "Restriction role for "+e.kind.Name)
	if err != nil {
		if errors.Is(err, model.ErrPermission) {
			return nil, false, &model.HierarchyError{GuildID: guildID, Reason: "missing permission to create the restriction role"}
		}
		return nil, false, fmt.Errorf("failed to create restriction role: %w", err)
	}

	var winner string
	err = e.config.AtomicUpdate(ctx, model.GuildScope(guildID), e.key("role_id"), func(cur []byte) ([]byte, error) {
		var roleID string
		if cur != nil {
			if err := json.Unmarshal(cur, &roleID); err != nil {
				return nil, fmt.Errorf("failed to decode role id: %w", err)
			}
		}
		if roleID != "" && roleID != stale {
			winner = roleID
			return cur, nil
		}
		return json.Marshal(fresh.ID)
	})
	if err != nil {
		e.discardRole(ctx, guildID, fresh.ID, log)
		return nil, false, fmt.Errorf("failed to store restriction role: %w", err)
	}
	if winner == "" {
		gr.byID[fresh.ID] = fresh
		log.WithField("role_id", fresh.ID).Info("created restriction role")
		return fresh, true, nil
	}

	e.discardRole(ctx, guildID, fresh.ID, log)
	if r, ok := gr.byID[winner]; ok {
		return r, false, nil
	}
	reloaded, err := e.loadRoles(ctx, guildID)
	if err != nil {
		return nil, false, err
	}
	*gr = *reloaded
	if r, ok := gr.byID[winner]; ok {
		return r, false, nil
	}
	return nil, false, fmt.Errorf("role %s: %w", winner, model.ErrNotFound)
}

func (e *Engine) discardRole(ctx context.Context, guildID, roleID string, log *logrus.Entry) {
	if err := e.platform.DeleteRole(ctx, guildID, roleID, "Duplicate restriction role"); err != nil {
		log.WithField("role_id", roleID).WithError(err).Warn("failed to delete duplicate restriction role")
	}
}

// applyOverwrites denies the kind's permissions to roleID on every channel
// not yet recorded under the (guild, role) scope.
func (e *Engine) applyOverwrites(ctx context.Context, guildID, roleID string) error {
	if e.kind.Deny == 0 {
		return nil
	}
	channels, err := e.platform.Channels(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	scope := model.RoleScope(guildID, roleID)
	var done []string
	if _, err := e.getJSON(ctx, scope, e.key("overwritten"), &done); err != nil {
		return err
	}
	seen := make(map[string]bool, len(done))
	for _, id := range done {
		seen[id] = true
	}

	var applied []string
	var failed int
	for _, ch := range channels {
		if seen[ch.ID] {
			continue
		}
		err := e.platform.SetChannelOverwrite(ctx, ch.ID, roleID, 0, e.kind.Deny, "Restriction role overwrite for "+e.kind.Name)
		if err != nil {
			failed++
			e.log.WithFields(logrus.Fields{
				"guild_id":   guildID,
				"channel_id": ch.ID,
			}).WithError(err).Debug("failed to set channel overwrite")
			continue
		}
		applied = append(applied, ch.ID)
	}

	if len(applied) > 0 {
		err := e.config.AtomicUpdate(ctx, scope, e.key("overwritten"), func(cur []byte) ([]byte, error) {
			var ids []string
			if cur != nil {
				if err := json.Unmarshal(cur, &ids); err != nil {
					return nil, err
				}
			}
			ids = appendMissing(ids, applied...)
			return json.Marshal(ids)
		})
		if err != nil {
			return fmt.Errorf("failed to record overwritten channels: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d channels could not be updated", failed)
	}
	return nil
}

// appendMissing appends the ids not already present in s.
func appendMissing(s []string, ids ...string) []string {
	have := make(map[string]bool, len(s))
	for _, id := range s {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			have[id] = true
			s = append(s, id)
		}
	}
	return s
}

func containsRole(roles []string, roleID string) bool {
	for _, r := range roles {
		if r == roleID {
			return true
		}
	}
	return false
}

func withoutRole(roles []string, roleID string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r != roleID {
			out = append(out, r)
		}
	}
	return out
}
