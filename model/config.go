package model

import "time"

// KindConfig describes one restriction kind. Each kind gets its own engine,
// its own role per guild and its own namespace in the config store.
type KindConfig struct {
	Name      string `mapstructure:"name"`
	RoleName  string `mapstructure:"role_name"`
	Namespace string `mapstructure:"namespace"`
	// Permissions granted to the restriction role when it is created.
	Permissions int64 `mapstructure:"permissions"`
	// Deny bits written as a channel overwrite for the restriction role.
	Deny         int64         `mapstructure:"deny"`
	CaseMinimum  time.Duration `mapstructure:"case_minimum"`
	VoiceMute    bool          `mapstructure:"voice_mute"`
	VoiceDeafen  bool          `mapstructure:"voice_deafen"`
	DMOnRestrict bool          `mapstructure:"dm_on_restrict"`
	DMOnRelease  bool          `mapstructure:"dm_on_release"`
	// Default exempt role, used when a guild has not set its own.
	ExemptRoleID string `mapstructure:"exempt_role_id"`
}

// SchedulerConfig 定时器配置
type SchedulerConfig struct {
	Lookahead    time.Duration `mapstructure:"lookahead"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level      string        `mapstructure:"level"`
	Dir        string        `mapstructure:"dir"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	WebhookURL string        `mapstructure:"webhook_url"`
}

// Config 存储应用程序的配置
type Config struct {
	BotToken         string          `mapstructure:"bot_token"`
	AppID            string          `mapstructure:"app_id"`
	DatabasePath     string          `mapstructure:"database_path"`
	MetricsAddr      string          `mapstructure:"metrics_addr"`
	DeveloperUserIDs []string        `mapstructure:"developer_user_ids"`
	Log              LogConfig       `mapstructure:"log"`
	Scheduler        SchedulerConfig `mapstructure:"scheduler"`
	Kinds            []KindConfig    `mapstructure:"kinds"`
}
