package restriction

import (
	"context"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
)

// Platform is the slice of the chat platform the engine needs. Failures are
// reported as model.ErrNotFound or model.ErrPermission where they can be told
// apart; anything else is returned as is.
type Platform interface {
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	// BotTopRolePosition is the position of the bot's highest role.
	BotTopRolePosition(ctx context.Context, guildID string) (int, error)
	Channels(ctx context.Context, guildID string) ([]*discordgo.Channel, error)
	// SetMemberRoles replaces the member's whole role set in one call.
	SetMemberRoles(ctx context.Context, guildID, userID string, roleIDs []string, reason string) error
	// VoiceState returns nil when the user is not connected to voice.
	VoiceState(ctx context.Context, guildID, userID string) (*discordgo.VoiceState, error)
	SetVoiceState(ctx context.Context, guildID, userID string, mute, deaf *bool, reason string) error
	CreateRole(ctx context.Context, guildID, name string, permissions int64, reason string) (*discordgo.Role, error)
	DeleteRole(ctx context.Context, guildID, roleID, reason string) error
	SetChannelOverwrite(ctx context.Context, channelID, roleID string, allow, deny int64, reason string) error
	SendDM(ctx context.Context, userID, content string) error
	RecentAuditLog(ctx context.Context, guildID string, action discordgo.AuditLogAction, limit int) ([]*discordgo.AuditLogEntry, error)
}

// ConfigStore holds opaque per-scope values. AtomicUpdate must not interleave
// with other writers of the same key; fn receives nil for an unset key and
// returning nil deletes it.
type ConfigStore interface {
	Get(ctx context.Context, scope model.Scope, key string) ([]byte, error)
	Set(ctx context.Context, scope model.Scope, key string, value []byte) error
	AtomicUpdate(ctx context.Context, scope model.Scope, key string, fn func(cur []byte) ([]byte, error)) error
	Scopes(ctx context.Context, key string) ([]model.Scope, error)
}

// ModLog is the external moderation log.
type ModLog interface {
	CreateCase(ctx context.Context, c model.Case) (int64, error)
	AmendCase(ctx context.Context, guildID string, caseNumber int64, a model.CaseAmendment) error
	GetCase(ctx context.Context, guildID string, caseNumber int64) (*model.Case, error)
	// ListCases returns a user's cases in a guild, newest first.
	ListCases(ctx context.Context, guildID, userID string) ([]model.Case, error)
}
