package handlers

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"discord-restrict/bot"

	"github.com/bwmarrin/discordgo"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

func SystemInfoHandler(s *discordgo.Session, i *discordgo.InteractionCreate, b *bot.Bot) {
	// Get CPU info
	cpuCount, _ := cpu.Counts(true)
	cpuPercent, _ := cpu.Percent(0, false)
	cpuUsage := 0.0
	if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	// Get memory info
	var memText string
	if vm, err := mem.VirtualMemory(); err == nil {
		memText = fmt.Sprintf("%.1f%% (%d MB / %d MB)", vm.UsedPercent, vm.Used/1024/1024, vm.Total/1024/1024)
	} else {
		memText = "未知"
	}

	// Get host info
	platform, kernel := "未知", "未知"
	if hostInfo, err := host.Info(); err == nil {
		platform = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		kernel = hostInfo.KernelVersion
	}

	// Get database size
	var pageCount, pageSize int64
	dbSize := "未知"
	if err := b.DB.Get(&pageCount, "PRAGMA page_count"); err == nil {
		if err := b.DB.Get(&pageSize, "PRAGMA page_size"); err == nil {
			dbSize = fmt.Sprintf("%.2f MB", float64(pageCount*pageSize)/1024/1024)
		}
	}

	uptime := "未启动"
	if !b.StartedAt.IsZero() {
		uptime = time.Since(b.StartedAt).Truncate(time.Second).String()
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "💻 OS 版本", Value: platform, Inline: true},
		{Name: "🔧 内核版本", Value: kernel, Inline: true},
		{Name: "🐹 Go 版本", Value: runtime.Version(), Inline: true},
		{Name: "🔼 CPU 数量", Value: fmt.Sprintf("%d", cpuCount), Inline: true},
		{Name: "🔥 CPU 使用率", Value: fmt.Sprintf("%.1f%%", cpuUsage), Inline: true},
		{Name: "🧠 系统内存", Value: memText, Inline: true},
		{Name: "🗃️ 数据库大小", Value: dbSize, Inline: true},
		{Name: "⏱️ WebSocket 延迟", Value: s.HeartbeatLatency().String(), Inline: true},
		{Name: "🚀 Goroutines", Value: fmt.Sprintf("%d", runtime.NumGoroutine()), Inline: true},
		{Name: "🌍 缓存服务器数", Value: fmt.Sprintf("%d", len(s.State.Guilds)), Inline: true},
		{Name: "🕒 运行时间", Value: uptime, Inline: true},
	}

	// One field per kind with its timer state
	for _, e := range b.Engines {
		st := e.Scheduler().Stats()
		var sb strings.Builder
		fmt.Fprintf(&sb, "队列 %d · 待触发 %d\n已执行 %d · 失败 %d", st.Queued, st.Pending, st.Fired, st.Failed)
		if st.NextFireAt != nil {
			fmt.Fprintf(&sb, "\n下次：<t:%d:R>", st.NextFireAt.Unix())
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "⏳ " + e.Kind().Name,
			Value:  sb.String(),
			Inline: true,
		})
	}

	embed := &discordgo.MessageEmbed{
		Title:  "系统信息",
		Color:  0x5865F2, // Discord Blurple
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("系统监控・今天%s", time.Now().Format("15:04")),
		},
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	})
	if err != nil {
		logrus.WithError(err).Warn("failed to respond with system info")
	}
}
