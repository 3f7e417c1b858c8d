package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"discord-restrict/model"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "RESTRICT"

// Load 从 .env、配置文件和环境变量加载配置。配置文件不存在时只使用默认值和环境变量。
func Load(path string) (*model.Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("Info: .env file not found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the bare names the bot has always used
	for key, env := range map[string]string{
		"bot_token":          "BOT_TOKEN",
		"app_id":             "APP_ID",
		"log.webhook_url":    "LOG_WEBHOOK_URL",
		"log.level":          "LOG_LEVEL",
		"developer_user_ids": "DEVELOPER_USER_IDS",
	} {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DeveloperUserIDs = compact(cfg.DeveloperUserIDs)
	for i := range cfg.Kinds {
		fillKind(&cfg.Kinds[i])
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("bot_token", "")
	v.SetDefault("app_id", "")
	v.SetDefault("database_path", "data/restrict.db")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("developer_user_ids", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.max_age", 7*24*time.Hour)
	v.SetDefault("log.webhook_url", "")

	v.SetDefault("scheduler.lookahead", 30*time.Second)
	v.SetDefault("scheduler.poll_interval", 5*time.Second)

	v.SetDefault("kinds", []map[string]interface{}{
		{
			"name":           "punish",
			"role_name":      "Punished",
			"namespace":      "punish",
			"deny":           discordgo.PermissionSendMessages | discordgo.PermissionSendMessagesInThreads | discordgo.PermissionAddReactions | discordgo.PermissionVoiceSpeak,
			"case_minimum":   "1h",
			"voice_mute":     true,
			"dm_on_restrict": true,
			"dm_on_release":  true,
		},
		{
			"name":           "isolate",
			"role_name":      "Isolated",
			"namespace":      "isolate",
			"deny":           discordgo.PermissionViewChannel,
			"case_minimum":   "0s",
			"voice_mute":     true,
			"voice_deafen":   true,
			"dm_on_restrict": true,
			"dm_on_release":  false,
		},
	})
}

func fillKind(k *model.KindConfig) {
	if k.Namespace == "" {
		k.Namespace = k.Name
	}
	if k.RoleName == "" {
		k.RoleName = k.Name
	}
}

func compact(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Validate 检查配置是否可用
func Validate(cfg *model.Config) error {
	var errs []error
	if cfg.BotToken == "" {
		errs = append(errs, errors.New("bot token is not set (BOT_TOKEN)"))
	}
	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval must be positive, got %s", cfg.Scheduler.PollInterval))
	}
	if cfg.Scheduler.Lookahead <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.lookahead must be positive, got %s", cfg.Scheduler.Lookahead))
	}
	if len(cfg.Kinds) == 0 {
		errs = append(errs, errors.New("at least one restriction kind is required"))
	}

	names := make(map[string]bool)
	namespaces := make(map[string]bool)
	for _, k := range cfg.Kinds {
		switch {
		case k.Name == "":
			errs = append(errs, errors.New("restriction kind without a name"))
			continue
		case names[k.Name]:
			errs = append(errs, fmt.Errorf("duplicate restriction kind %q", k.Name))
		case namespaces[k.Namespace]:
			errs = append(errs, fmt.Errorf("restriction kind %q reuses namespace %q", k.Name, k.Namespace))
		}
		if k.CaseMinimum < 0 {
			errs = append(errs, fmt.Errorf("restriction kind %q has a negative case_minimum", k.Name))
		}
		names[k.Name] = true
		namespaces[k.Namespace] = true
	}
	return errors.Join(errs...)
}
