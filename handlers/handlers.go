package handlers

import (
	"discord-restrict/bot"
	"discord-restrict/commands/defs"
	"discord-restrict/handlers/restrict"
	"discord-restrict/model"
	"discord-restrict/restriction"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

type commandHandler = func(s *discordgo.Session, i *discordgo.InteractionCreate)

func Register(b *bot.Bot) {
	b.CommandHandlers = commandHandlers(b)
	b.ComponentHandlers = componentHandlers(b)
	addHandlers(b)
}

func commandHandlers(b *bot.Bot) map[string]commandHandler {
	handlers := map[string]commandHandler{
		defs.SystemInfo.Name: func(s *discordgo.Session, i *discordgo.InteractionCreate) {
			SystemInfoHandler(s, i, b)
		},
	}
	for _, e := range b.Engines {
		name := e.Kind().Name
		handlers[defs.RestrictName(name)] = bind(b, e, restrict.HandleRestrictCommand)
		handlers[defs.ReleaseName(name)] = bind(b, e, restrict.HandleReleaseCommand)
		handlers[defs.ListName(name)] = bind(b, e, restrict.HandleListCommand)
		handlers[defs.ExemptName(name)] = bind(b, e, restrict.HandleExemptCommand)
		handlers[defs.SetupName(name)] = bind(b, e, restrict.HandleSetupCommand)
		handlers[defs.StatusName(name)] = bind(b, e, restrict.HandleStatusCommand)
	}
	return handlers
}

func componentHandlers(b *bot.Bot) map[string]commandHandler {
	handlers := make(map[string]commandHandler, len(b.Engines))
	for _, e := range b.Engines {
		handlers[defs.ListName(e.Kind().Name)] = bind(b, e, restrict.HandleListPage)
	}
	return handlers
}

func bind(b model.Bot, e *restriction.Engine, h func(*discordgo.Session, *discordgo.InteractionCreate, model.Bot, *restriction.Engine)) commandHandler {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		h(s, i, b, e)
	}
}

func addHandlers(b *bot.Bot) {
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logrus.WithField("guilds", len(r.Guilds)).Infof("Logged in as: %v", s.State.User.Username)
	})
	b.Session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		handleInteractionCreate(s, i, b)
	})
	addEventHandlers(b)
}
