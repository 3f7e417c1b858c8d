package handlers

import (
	"strings"

	"discord-restrict/bot"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

func handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate, b *bot.Bot) {
	var (
		name string
		h    commandHandler
		ok   bool
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name = i.ApplicationCommandData().Name
		h, ok = b.CommandHandlers[name]
	case discordgo.InteractionMessageComponent:
		name, _, _ = strings.Cut(i.MessageComponentData().CustomID, ":")
		h, ok = b.ComponentHandlers[name]
	default:
		return
	}
	if !ok {
		logrus.WithField("handler", name).Debug("no handler for interaction")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"handler": name,
				"panic":   r,
			}).Error("interaction handler panicked")
		}
	}()
	h(s, i)
}
