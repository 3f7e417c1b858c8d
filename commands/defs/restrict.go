package defs

import (
	"fmt"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
)

// Command names generated for a restriction kind.
func RestrictName(kind string) string { return kind }
func ReleaseName(kind string) string  { return "un" + kind }
func ListName(kind string) string     { return kind + "_list" }
func ExemptName(kind string) string   { return kind + "_exempt" }
func SetupName(kind string) string    { return kind + "_setup" }
func StatusName(kind string) string   { return kind + "_status" }

func moderatorOnly() (*int64, *[]discordgo.InteractionContextType) {
	perm := int64(discordgo.PermissionManageRoles)
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &perm, &contexts
}

// RestrictCommands builds the slash commands for one restriction kind.
func RestrictCommands(kind model.KindConfig) []*discordgo.ApplicationCommand {
	perm, contexts := moderatorOnly()
	cmd := func(name, description, zh string, options ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:        name,
			Description: description,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.ChineseCN: zh,
			},
			DefaultMemberPermissions: perm,
			Contexts:                 contexts,
			Options:                  options,
		}
	}
	user := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        "user",
		Description: "目标用户",
		Required:    true,
	}
	reason := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "reason",
		Description: "原因",
		Required:    false,
		MaxLength:   400,
	}

	return []*discordgo.ApplicationCommand{
		cmd(RestrictName(kind.Name), fmt.Sprintf("Apply %s: remove the user's roles until it ends", kind.Name),
			fmt.Sprintf("对用户执行 %s，移除其身份组直到结束", kind.Name),
			user,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "duration",
				Description: "时长，例如 30m、12h、7d；留空或 forever 为永久",
				Required:    false,
			},
			reason,
		),
		cmd(ReleaseName(kind.Name), fmt.Sprintf("Lift %s and give the user's roles back", kind.Name),
			fmt.Sprintf("解除 %s 并恢复用户的身份组", kind.Name),
			user,
			reason,
		),
		cmd(ListName(kind.Name), fmt.Sprintf("List active %s restrictions in this server", kind.Name),
			fmt.Sprintf("列出本服务器当前的 %s 记录", kind.Name)),
		cmd(ExemptName(kind.Name), fmt.Sprintf("Set the role that %s never removes", kind.Name),
			fmt.Sprintf("设置 %s 不会移除的豁免身份组", kind.Name),
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        "role",
				Description: "豁免身份组，留空则清除",
				Required:    false,
			},
		),
		cmd(SetupName(kind.Name), fmt.Sprintf("Create the %s role and apply its channel overwrites", kind.Name),
			fmt.Sprintf("创建 %s 身份组并写入频道权限覆盖", kind.Name)),
		cmd(StatusName(kind.Name), fmt.Sprintf("Show a user's %s status and case history", kind.Name),
			fmt.Sprintf("查看用户的 %s 状态与案件记录", kind.Name),
			user,
		),
	}
}
