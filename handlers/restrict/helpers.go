package restrict

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"discord-restrict/model"
	"discord-restrict/restriction"
	"discord-restrict/utils"

	"github.com/bwmarrin/discordgo"
)

// ParsedOptions holds the parsed options of a restriction command.
type ParsedOptions struct {
	TargetUser *discordgo.User
	Duration   time.Duration
	RawDur     string
	Reason     string
	RoleID     string
	OptionMap  map[string]*discordgo.ApplicationCommandInteractionDataOption
}

// parseOptions extracts the command options. Users are taken from the
// resolved data so no extra REST call is made.
func parseOptions(data discordgo.ApplicationCommandInteractionData) (ParsedOptions, error) {
	optionMap := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, opt := range data.Options {
		optionMap[opt.Name] = opt
	}

	var parsed ParsedOptions
	parsed.OptionMap = optionMap

	if opt, ok := optionMap["user"]; ok {
		id, _ := opt.Value.(string)
		if data.Resolved != nil && data.Resolved.Users[id] != nil {
			parsed.TargetUser = data.Resolved.Users[id]
		} else {
			parsed.TargetUser = opt.UserValue(nil)
		}
	}
	if opt, ok := optionMap["reason"]; ok {
		parsed.Reason = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := optionMap["role"]; ok {
		parsed.RoleID, _ = opt.Value.(string)
	}
	if opt, ok := optionMap["duration"]; ok {
		parsed.RawDur = opt.StringValue()
	}
	d, err := utils.ParseRestrictDuration(parsed.RawDur)
	if err != nil {
		return parsed, fmt.Errorf("无法解析时长 `%s`：%w", parsed.RawDur, err)
	}
	parsed.Duration = d
	return parsed, nil
}

// errorMessage turns an engine error into a reply for the moderator.
func errorMessage(err error) string {
	var herr *model.HierarchyError
	switch {
	case errors.As(err, &herr):
		return "机器人权限不足：" + herr.Reason + "。请把机器人的身份组移到更高位置，或授予管理身份组权限。"
	case errors.Is(err, model.ErrNotFound):
		return "该用户不在本服务器中。"
	case errors.Is(err, model.ErrPermission):
		return "机器人缺少执行此操作所需的权限。"
	default:
		return "操作失败，请稍后再试。"
	}
}

func untilText(rec *model.RestrictionRecord) string {
	if rec.Until == nil {
		return "**永久**"
	}
	return fmt.Sprintf("<t:%d:F>（<t:%d:R>）", rec.Until.Unix(), rec.Until.Unix())
}

// restrictReply renders the three outcomes: applied, renewed and partial.
func restrictReply(kind string, userID string, res *restriction.RestrictResult) string {
	var b strings.Builder
	if res.Renewed {
		fmt.Fprintf(&b, "🔁 已更新 <@%s> 的 **%s**，结束时间：%s", userID, kind, untilText(res.Record))
	} else {
		fmt.Fprintf(&b, "✅ 已对 <@%s> 执行 **%s**，结束时间：%s", userID, kind, untilText(res.Record))
	}
	if res.Record.CaseNumber != nil {
		fmt.Fprintf(&b, "\n📁 案件 #%d", *res.Record.CaseNumber)
	}
	if res.Outcome() == restriction.OutcomePartial {
		mentions := make([]string, len(res.KeptRoleIDs))
		for i, id := range res.KeptRoleIDs {
			mentions[i] = "<@&" + id + ">"
		}
		fmt.Fprintf(&b, "\n⚠️ 以下身份组高于机器人，未能移除：%s", strings.Join(mentions, " "))
	}
	return b.String()
}

type listEntry struct {
	UserID string
	Record *model.RestrictionRecord
}

// sortedEntries orders records by end time, soonest first, indefinite last.
func sortedEntries(recs map[string]*model.RestrictionRecord) []listEntry {
	entries := make([]listEntry, 0, len(recs))
	for id, rec := range recs {
		entries = append(entries, listEntry{UserID: id, Record: rec})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Record.Until, entries[j].Record.Until
		switch {
		case a == nil && b == nil:
			return entries[i].UserID < entries[j].UserID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return entries[i].UserID < entries[j].UserID
		}
		return a.Before(*b)
	})
	return entries
}

const listPageSize = 20

// listEmbed renders one zero-based page of the guild's records. The page is
// clamped and returned along with the page count.
func listEmbed(kind string, recs map[string]*model.RestrictionRecord, now time.Time, page int) (*discordgo.MessageEmbed, int, int) {
	entries := sortedEntries(recs)
	pages := utils.PageCount(len(entries), listPageSize)
	page = utils.ClampPage(page, pages)

	start := page * listPageSize
	end := start + listPageSize
	if end > len(entries) {
		end = len(entries)
	}
	var lines []string
	for _, e := range entries[start:end] {
		var line string
		switch {
		case e.Record.Indefinite():
			line = fmt.Sprintf("<@%s> · 永久", e.UserID)
		case e.Record.Expired(now):
			line = fmt.Sprintf("<@%s> · 即将解除", e.UserID)
		default:
			line = fmt.Sprintf("<@%s> · 剩余 %s", e.UserID, utils.FormatRemaining(e.Record.Remaining(now)))
		}
		if e.Record.Reason != "" {
			line += " · " + e.Record.Reason
		}
		lines = append(lines, line)
	}
	desc := strings.Join(lines, "\n")
	if desc == "" {
		desc = "当前没有记录。"
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s 列表（%d）", kind, len(entries)),
		Description: desc,
		Color:       0x5865F2,
		Timestamp:   now.Format(time.RFC3339),
	}
	if pages > 1 {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("第 %d/%d 页", page+1, pages)}
	}
	return embed, page, pages
}

const maxStatusCases = 10

func caseLine(c model.Case) string {
	line := fmt.Sprintf("**#%d** · <t:%d:d>", c.CaseNumber, c.CreatedAt)
	switch {
	case c.EndedAt != nil:
		line += " · 已结束"
		if c.EndReason != "" {
			line += "（" + c.EndReason + "）"
		}
	case c.Until == nil:
		line += " · 永久"
	default:
		line += fmt.Sprintf(" · 至 <t:%d:f>", *c.Until)
	}
	if c.Reason != "" {
		line += " · " + c.Reason
	}
	return line
}

// statusEmbed shows a user's current restriction, if any, and their cases.
func statusEmbed(kind, userID string, rec *model.RestrictionRecord, cases []model.Case, now time.Time) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s 状态", kind),
		Description: fmt.Sprintf("<@%s>", userID),
		Color:       0x5865F2,
		Timestamp:   now.Format(time.RFC3339),
	}

	if rec == nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "🟢 当前状态", Value: "未受限制"})
	} else {
		embed.Color = 0xED4245
		state := "永久"
		if rec.Until != nil {
			state = fmt.Sprintf("剩余 %s，结束于 <t:%d:F>", utils.FormatRemaining(rec.Remaining(now)), rec.Until.Unix())
		}
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "🔴 当前状态", Value: state},
			&discordgo.MessageEmbedField{Name: "👮 执行人", Value: mentionOr(rec.ModeratorID, "未知"), Inline: true},
			&discordgo.MessageEmbedField{Name: "🕒 开始时间", Value: fmt.Sprintf("<t:%d:f>", rec.StartTime.Unix()), Inline: true},
			&discordgo.MessageEmbedField{Name: "📦 已移除身份组", Value: fmt.Sprintf("%d 个", len(rec.RemovedRoleIDs)), Inline: true},
		)
		if rec.Reason != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "📝 原因", Value: rec.Reason})
		}
	}

	history := "无"
	if len(cases) > 0 {
		lines := make([]string, 0, maxStatusCases+1)
		for i, c := range cases {
			if i == maxStatusCases {
				lines = append(lines, fmt.Sprintf("……以及更早的 %d 条", len(cases)-maxStatusCases))
				break
			}
			lines = append(lines, caseLine(c))
		}
		history = strings.Join(lines, "\n")
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  fmt.Sprintf("📁 案件记录（%d）", len(cases)),
		Value: history,
	})
	return embed
}

func mentionOr(userID, fallback string) string {
	if userID == "" {
		return fallback
	}
	return "<@" + userID + ">"
}
