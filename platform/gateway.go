package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
)

// Gateway implements restriction.Platform on a discordgo session.
type Gateway struct {
	s *discordgo.Session
}

func New(s *discordgo.Session) *Gateway {
	return &Gateway{s: s}
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		o = append(o, discordgo.WithAuditLogReason(truncate(reason, 512)))
	}
	return o
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// mapError translates REST failures into the model sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser, discordgo.ErrCodeUnknownRole,
			discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownGuild:
			return fmt.Errorf("%s: %w", restErr.Message.Message, model.ErrNotFound)
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return fmt.Errorf("%s: %w", restErr.Message.Message, model.ErrPermission)
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%v: %w", err, model.ErrNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("%v: %w", err, model.ErrPermission)
		}
	}
	return err
}

func (g *Gateway) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	m, err := g.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	m.GuildID = guildID
	return m, nil
}

func (g *Gateway) Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	if guild, err := g.s.State.Guild(guildID); err == nil && len(guild.Roles) > 0 {
		return guild.Roles, nil
	}
	roles, err := g.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	return roles, mapError(err)
}

// BotTopRolePosition returns the highest position among the bot's roles, or
// 0 when it only has @everyone.
func (g *Gateway) BotTopRolePosition(ctx context.Context, guildID string) (int, error) {
	if g.s.State.User == nil {
		return 0, errors.New("session has no user, is it open?")
	}
	me, err := g.Member(ctx, guildID, g.s.State.User.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to get bot member: %w", err)
	}
	roles, err := g.Roles(ctx, guildID)
	if err != nil {
		return 0, err
	}
	mine := make(map[string]bool, len(me.Roles))
	for _, id := range me.Roles {
		mine[id] = true
	}
	top := 0
	for _, r := range roles {
		if mine[r.ID] && r.Position > top {
			top = r.Position
		}
	}
	return top, nil
}

func (g *Gateway) Channels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	channels, err := g.s.GuildChannels(guildID, discordgo.WithContext(ctx))
	return channels, mapError(err)
}

func (g *Gateway) SetMemberRoles(ctx context.Context, guildID, userID string, roleIDs []string, reason string) error {
	roles := append([]string{}, roleIDs...)
	_, err := g.s.GuildMemberEdit(guildID, userID, &discordgo.GuildMemberParams{Roles: &roles}, opts(ctx, reason)...)
	return mapError(err)
}

func (g *Gateway) VoiceState(ctx context.Context, guildID, userID string) (*discordgo.VoiceState, error) {
	vs, err := g.s.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return vs, nil
}

func (g *Gateway) SetVoiceState(ctx context.Context, guildID, userID string, mute, deaf *bool, reason string) error {
	_, err := g.s.GuildMemberEdit(guildID, userID, &discordgo.GuildMemberParams{Mute: mute, Deaf: deaf}, opts(ctx, reason)...)
	return mapError(err)
}

func (g *Gateway) CreateRole(ctx context.Context, guildID, name string, permissions int64, reason string) (*discordgo.Role, error) {
	mentionable := false
	role, err := g.s.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        name,
		Permissions: &permissions,
		Mentionable: &mentionable,
	}, opts(ctx, reason)...)
	return role, mapError(err)
}

func (g *Gateway) DeleteRole(ctx context.Context, guildID, roleID, reason string) error {
	return mapError(g.s.GuildRoleDelete(guildID, roleID, opts(ctx, reason)...))
}

func (g *Gateway) SetChannelOverwrite(ctx context.Context, channelID, roleID string, allow, deny int64, reason string) error {
	err := g.s.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole, allow, deny, opts(ctx, reason)...)
	return mapError(err)
}

func (g *Gateway) SendDM(ctx context.Context, userID, content string) error {
	channel, err := g.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create private channel with user %s: %w", userID, mapError(err))
	}
	if _, err := g.s.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send private message to user %s: %w", userID, mapError(err))
	}
	return nil
}

func (g *Gateway) RecentAuditLog(ctx context.Context, guildID string, action discordgo.AuditLogAction, limit int) ([]*discordgo.AuditLogEntry, error) {
	log, err := g.s.GuildAuditLog(guildID, "", "", int(action), limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return log.AuditLogEntries, nil
}
