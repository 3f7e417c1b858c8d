package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"discord-restrict/model"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

// InitLogger 初始化日志系统（同时输出到控制台和按天轮转的文件）
func InitLogger(cfg model.LogConfig) error {
	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	writer, err := rotatelogs.New(
		filepath.Join(logDir, "restrict_%Y%m%d.log"),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithLinkName(filepath.Join(logDir, "restrict_latest.log")),
	)
	if err != nil {
		return err
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		PadLevelText:    true,
	})
	logrus.SetOutput(io.MultiWriter(os.Stdout, writer))

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.WebhookURL != "" {
		logrus.AddHook(NewDiscordHook(cfg.WebhookURL))
	}

	logrus.WithFields(logrus.Fields{
		"dir":     logDir,
		"max_age": maxAge,
		"level":   level.String(),
		"webhook": cfg.WebhookURL != "",
	}).Info("logger initialised")
	return nil
}

type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type DiscordEmbed struct {
	Title     string              `json:"title"`
	Color     int                 `json:"color"`
	Fields    []DiscordEmbedField `json:"fields"`
	Timestamp string              `json:"timestamp,omitempty"`
}

type DiscordWebhookPayload struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

func getColor(level logrus.Level) int {
	switch level {
	case logrus.InfoLevel:
		return 3066993 // Green
	case logrus.WarnLevel:
		return 15105570 // Orange
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return 15158332 // Red
	default:
		return 3447003 // Blue
	}
}

// DiscordHook forwards warnings and errors to a Discord webhook as embeds.
type DiscordHook struct {
	webhookURL string
	client     *http.Client
	levels     []logrus.Level
}

func NewDiscordHook(webhookURL string) *DiscordHook {
	return &DiscordHook{
		webhookURL: webhookURL,
		client:     NewHTTPClient(10 * time.Second),
		levels:     []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel},
	}
}

func (h *DiscordHook) Levels() []logrus.Level {
	return h.levels
}

// Fire posts the entry. A failed post is written to stderr and otherwise
// ignored; the log line itself has already been written.
func (h *DiscordHook) Fire(entry *logrus.Entry) error {
	if err := h.send(embedFor(entry)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send log to discord: %v\n", err)
	}
	return nil
}

func embedFor(entry *logrus.Entry) DiscordEmbed {
	fields := []DiscordEmbedField{{Name: "消息", Value: entry.Message}}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(entry.Data[k])
		if len(v) > 1024 {
			v = v[:1021] + "..."
		}
		fields = append(fields, DiscordEmbedField{Name: k, Value: v, Inline: true})
		// embeds take at most 25 fields
		if len(fields) == 25 {
			break
		}
	}
	return DiscordEmbed{
		Title:     fmt.Sprintf("%s Log", entry.Level.String()),
		Color:     getColor(entry.Level),
		Fields:    fields,
		Timestamp: entry.Time.UTC().Format(time.RFC3339),
	}
}

func (h *DiscordHook) send(embed DiscordEmbed) error {
	jsonPayload, err := json.Marshal(DiscordWebhookPayload{Embeds: []DiscordEmbed{embed}})
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", h.webhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status: %s, body: %s", resp.Status, string(body))
	}
	return nil
}
