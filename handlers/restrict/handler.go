package restrict

import (
	"context"
	"time"

	"discord-restrict/model"
	"discord-restrict/restriction"
	"discord-restrict/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const commandTimeout = 30 * time.Second

// denyReason returns the reply for a caller who may not use the commands,
// or "" when the caller is allowed.
func denyReason(member *discordgo.Member, developerUserIDs []string) string {
	if member == nil {
		return "该命令只能在服务器中使用。"
	}
	if utils.CheckPermission(member, developerUserIDs) == utils.GuestPermission {
		return "你没有权限使用此命令。"
	}
	return ""
}

// guard rejects callers below moderator level. It responds on its own and
// reports whether the handler may continue.
func guard(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot) bool {
	if msg := denyReason(i.Member, b.GetConfig().DeveloperUserIDs); msg != "" {
		utils.SendErrorResponse(s, i, msg)
		return false
	}
	return true
}

func commandLog(i *discordgo.InteractionCreate, e *restriction.Engine) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"module":    "commands",
		"kind":      e.Kind().Name,
		"guild_id":  i.GuildID,
		"moderator": i.Member.User.ID,
	})
}

// HandleRestrictCommand applies or renews a restriction.
func HandleRestrictCommand(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	// 1. Defer initial response
	if err := utils.DeferResponse(s, i, true); err != nil {
		logrus.WithError(err).Warn("failed to defer interaction")
		return
	}
	log := commandLog(i, e)

	// 2. Parse command options
	opts, err := parseOptions(i.ApplicationCommandData())
	if err != nil {
		utils.SendFollowUpError(s, i.Interaction, err.Error())
		return
	}
	target := opts.TargetUser
	if target == nil {
		utils.SendFollowUpError(s, i.Interaction, "未指定用户。")
		return
	}
	if target.ID == i.Member.User.ID {
		utils.SendFollowUpError(s, i.Interaction, "不能对自己执行此操作。")
		return
	}
	if target.Bot {
		utils.SendFollowUpError(s, i.Interaction, "不能对机器人执行此操作。")
		return
	}

	// 3. Apply
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	res, err := e.Restrict(ctx, restriction.RestrictRequest{
		Subject:     model.Subject{GuildID: i.GuildID, UserID: target.ID},
		Duration:    opts.Duration,
		Reason:      opts.Reason,
		ModeratorID: i.Member.User.ID,
	})
	if err != nil {
		log.WithError(err).WithField("user_id", target.ID).Warn("restrict command failed")
		utils.SendFollowUpError(s, i.Interaction, errorMessage(err))
		return
	}

	// 4. Report the outcome
	utils.SendFollowUp(s, i.Interaction, restrictReply(e.Kind().Name, target.ID, res))
}

// HandleReleaseCommand lifts a restriction early.
func HandleReleaseCommand(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	if err := utils.DeferResponse(s, i, true); err != nil {
		logrus.WithError(err).Warn("failed to defer interaction")
		return
	}
	log := commandLog(i, e)

	opts, err := parseOptions(i.ApplicationCommandData())
	if err != nil || opts.TargetUser == nil {
		utils.SendFollowUpError(s, i.Interaction, "未指定用户。")
		return
	}
	reason := opts.Reason
	if reason == "" {
		reason = "Released by a moderator"
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	released, err := e.RemoveRestriction(ctx, model.Subject{GuildID: i.GuildID, UserID: opts.TargetUser.ID}, restriction.ReleaseOptions{
		Reason:       reason,
		ModeratorID:  i.Member.User.ID,
		RestoreRoles: true,
		UpdateCase:   true,
		Trigger:      restriction.TriggerCommand,
	})
	if err != nil {
		log.WithError(err).WithField("user_id", opts.TargetUser.ID).Error("release command failed")
		utils.SendFollowUpError(s, i.Interaction, errorMessage(err))
		return
	}
	if !released {
		utils.SendFollowUpError(s, i.Interaction, "该用户当前没有 **"+e.Kind().Name+"**。")
		return
	}
	utils.SendFollowUp(s, i.Interaction, "✅ 已解除 <@"+opts.TargetUser.ID+"> 的 **"+e.Kind().Name+"**，身份组已恢复。")
}

// HandleListCommand shows the guild's active restrictions.
func HandleListCommand(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	if err := utils.DeferResponse(s, i, true); err != nil {
		logrus.WithError(err).Warn("failed to defer interaction")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	recs, err := e.Records(ctx, i.GuildID)
	if err != nil {
		commandLog(i, e).WithError(err).Error("failed to list restrictions")
		utils.SendFollowUpError(s, i.Interaction, "读取记录失败。")
		return
	}
	embed, page, pages := listEmbed(e.Kind().Name, recs, time.Now(), 0)
	utils.SendFollowUpEmbed(s, i.Interaction, embed, utils.CreatePaginationComponents(listPrefix(e), page, pages)...)
}

// listPrefix matches the list command's name so buttons route back here.
func listPrefix(e *restriction.Engine) string {
	return e.Kind().Name + "_list"
}

// HandleListPage answers the list's page buttons by editing the message.
func HandleListPage(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	_, page, ok := utils.ParsePageID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	recs, err := e.Records(ctx, i.GuildID)
	if err != nil {
		commandLog(i, e).WithError(err).Error("failed to list restrictions")
		utils.SendErrorResponse(s, i, "读取记录失败。")
		return
	}
	embed, page, pages := listEmbed(e.Kind().Name, recs, time.Now(), page)
	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: utils.CreatePaginationComponents(listPrefix(e), page, pages),
		},
	})
	if err != nil {
		commandLog(i, e).WithError(err).Warn("failed to update list page")
	}
}

// HandleExemptCommand sets or clears the exempt role.
func HandleExemptCommand(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	if err := utils.DeferResponse(s, i, true); err != nil {
		logrus.WithError(err).Warn("failed to defer interaction")
		return
	}

	opts, _ := parseOptions(i.ApplicationCommandData())
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := e.SetExemptRole(ctx, i.GuildID, opts.RoleID); err != nil {
		commandLog(i, e).WithError(err).Error("failed to set exempt role")
		utils.SendFollowUpError(s, i.Interaction, "保存豁免身份组失败。")
		return
	}
	if opts.RoleID == "" {
		utils.SendFollowUp(s, i.Interaction, "✅ 已清除本服务器的豁免身份组。")
		return
	}
	utils.SendFollowUp(s, i.Interaction, "✅ **"+e.Kind().Name+"** 将不再移除 <@&"+opts.RoleID+">。")
}

// HandleSetupCommand creates the restriction role and its overwrites.
func HandleSetupCommand(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	if err := utils.DeferResponse(s, i, true); err != nil {
		logrus.WithError(err).Warn("failed to defer interaction")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*commandTimeout)
	defer cancel()
	roleID, err := e.EnsureRole(ctx, i.GuildID)
	if err != nil {
		commandLog(i, e).WithError(err).Error("setup failed")
		utils.SendFollowUpError(s, i.Interaction, errorMessage(err))
		return
	}
	utils.SendFollowUp(s, i.Interaction, "✅ <@&"+roleID+"> 已就绪，频道权限覆盖已写入。")
}

// HandleStatusCommand shows one user's restriction and case history.
func HandleStatusCommand(s *discordgo.Session, i *discordgo.InteractionCreate, b model.Bot, e *restriction.Engine) {
	if !guard(s, i, b) {
		return
	}
	if err := utils.DeferResponse(s, i, true); err != nil {
		logrus.WithError(err).Warn("failed to defer interaction")
		return
	}

	opts, err := parseOptions(i.ApplicationCommandData())
	if err != nil || opts.TargetUser == nil {
		utils.SendFollowUpError(s, i.Interaction, "未指定用户。")
		return
	}
	subject := model.Subject{GuildID: i.GuildID, UserID: opts.TargetUser.ID}
	log := commandLog(i, e).WithField("user_id", subject.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	rec, err := e.Record(ctx, subject)
	if err != nil {
		log.WithError(err).Error("failed to read restriction")
		utils.SendFollowUpError(s, i.Interaction, "读取记录失败。")
		return
	}
	cases, err := e.History(ctx, subject)
	if err != nil {
		// the record alone is still worth showing
		log.WithError(err).Warn("failed to list cases")
	}
	utils.SendFollowUpEmbed(s, i.Interaction, statusEmbed(e.Kind().Name, subject.UserID, rec, cases, time.Now()))
}
