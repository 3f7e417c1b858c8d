package commands

import (
	"discord-restrict/commands/defs"
	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
)

// GenerateCommands returns every global command: the restriction commands of
// each configured kind plus the system commands.
func GenerateCommands(kinds []model.KindConfig) []*discordgo.ApplicationCommand {
	cmds := []*discordgo.ApplicationCommand{defs.SystemInfo}
	for _, kind := range kinds {
		cmds = append(cmds, defs.RestrictCommands(kind)...)
	}
	return cmds
}
