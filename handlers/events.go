package handlers

import (
	"context"
	"time"

	"discord-restrict/bot"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const eventTimeout = time.Minute

// addEventHandlers feeds gateway events to every kind's reactor.
func addEventHandlers(b *bot.Bot) {
	b.Session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.Member == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		for _, r := range b.Reactors {
			r.OnMemberJoin(ctx, m.Member)
		}
	})

	b.Session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.Member == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		for _, r := range b.Reactors {
			r.OnMemberUpdate(ctx, m.BeforeUpdate, m.Member)
		}
	})

	b.Session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.Member == nil || m.User == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		for _, r := range b.Reactors {
			r.OnMemberLeave(ctx, m.GuildID, m.User.ID)
		}
	})

	b.Session.AddHandler(func(s *discordgo.Session, ban *discordgo.GuildBanAdd) {
		if ban.User == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		for _, r := range b.Reactors {
			r.OnBan(ctx, ban.GuildID, ban.User.ID)
		}
	})

	b.Session.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v.VoiceState == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		for _, r := range b.Reactors {
			r.OnVoiceStateUpdate(ctx, v.VoiceState)
		}
	})

	// new channels get the overwrite of every role already set up
	b.Session.AddHandler(func(s *discordgo.Session, c *discordgo.ChannelCreate) {
		if c.Channel == nil || c.GuildID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		for _, e := range b.Engines {
			roleID, err := e.RoleID(ctx, c.GuildID)
			if err != nil || roleID == "" {
				continue
			}
			if _, err := e.EnsureRole(ctx, c.GuildID); err != nil {
				logrus.WithFields(logrus.Fields{
					"kind":       e.Kind().Name,
					"guild_id":   c.GuildID,
					"channel_id": c.ID,
				}).WithError(err).Warn("failed to apply overwrite to new channel")
			}
		}
	})
}
