// Package conf loads and validates application settings.
package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the root configuration for the alerting service.
type Settings struct {
	Main         MainSettings         `mapstructure:"main"`
	WebServer    WebServerSettings    `mapstructure:"webserver"`
	Alerting     AlertingSettings     `mapstructure:"alerting"`
	Notification NotificationSettings `mapstructure:"notification"`
	Incident     IncidentSettings     `mapstructure:"incident"`
	Sysmon       SysmonSettings       `mapstructure:"sysmon"`
}

// MainSettings holds application-wide options.
type MainSettings struct {
	LogLevel string `mapstructure:"loglevel"`
	DataPath string `mapstructure:"datapath"`
}

// WebServerSettings configures the HTTP API server.
type WebServerSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Debug   bool   `mapstructure:"debug"`
}

// AlertingSettings configures rule evaluation, deduplication, suppression,
// escalation, and retention behavior.
type AlertingSettings struct {
	TickInterval        Duration `mapstructure:"tick_interval"`
	DeduplicationWindow Duration `mapstructure:"deduplication_window"`
	EscalationAge       Duration `mapstructure:"escalation_age"`
	CorrelationWindow   Duration `mapstructure:"correlation_window"`
	ResolvedRetention   Duration `mapstructure:"resolved_retention"`
	DefaultChannels     []string `mapstructure:"default_channels"`
	// RepeatEscalations preserves the behavior of re-sending escalation
	// notifications on every tick while an alert stays active past the age
	// threshold. When false, each policy level fires at most once per alert.
	RepeatEscalations    bool `mapstructure:"repeat_escalations"`
	HistoryRetentionDays int  `mapstructure:"history_retention_days"`
}

// NotificationSettings configures delivery workers and retry behavior.
type NotificationSettings struct {
	MaxAttempts int      `mapstructure:"max_attempts"`
	BackoffBase Duration `mapstructure:"backoff_base"`
	Workers     int      `mapstructure:"workers"`
	SendTimeout Duration `mapstructure:"send_timeout"`
}

// IncidentSettings configures incident lifecycle behavior.
type IncidentSettings struct {
	AutoAssign         bool     `mapstructure:"auto_assign"`
	DefaultAssignee    string   `mapstructure:"default_assignee"`
	PostMortemsEnabled bool     `mapstructure:"post_mortems_enabled"`
	ActionDelay        Duration `mapstructure:"action_delay"`
}

// SysmonSettings configures the built-in system metric source.
type SysmonSettings struct {
	Enabled        bool     `mapstructure:"enabled"`
	SampleInterval Duration `mapstructure:"sample_interval"`
}

// Defaults returns settings with production defaults applied.
func Defaults() *Settings {
	return &Settings{
		Main: MainSettings{
			LogLevel: "info",
			DataPath: "data",
		},
		WebServer: WebServerSettings{
			Enabled: true,
			Port:    8090,
		},
		Alerting: AlertingSettings{
			TickInterval:         Duration(15 * time.Second),
			DeduplicationWindow:  Duration(5 * time.Minute),
			EscalationAge:        Duration(5 * time.Minute),
			CorrelationWindow:    Duration(5 * time.Minute),
			ResolvedRetention:    Duration(7 * 24 * time.Hour),
			RepeatEscalations:    true,
			HistoryRetentionDays: 30,
		},
		Notification: NotificationSettings{
			MaxAttempts: 3,
			BackoffBase: Duration(30 * time.Second),
			Workers:     4,
			SendTimeout: Duration(30 * time.Second),
		},
		Incident: IncidentSettings{
			AutoAssign:         true,
			DefaultAssignee:    "on-call",
			PostMortemsEnabled: true,
			ActionDelay:        Duration(2 * time.Second),
		},
		Sysmon: SysmonSettings{
			Enabled:        true,
			SampleInterval: Duration(30 * time.Second),
		},
	}
}

// Load reads settings from the given config file (optional) and OPSGATE_*
// environment variables, layered over Defaults.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OPSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
			}
		}
	}

	settings := Defaults()
	if err := v.Unmarshal(settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate rejects settings the scheduler and dispatcher cannot run with.
func (s *Settings) Validate() error {
	if s.Alerting.TickInterval.Std() <= 0 {
		return fmt.Errorf("alerting.tick_interval must be positive, got %s", s.Alerting.TickInterval.Std())
	}
	if s.Notification.MaxAttempts < 1 {
		return fmt.Errorf("notification.max_attempts must be at least 1, got %d", s.Notification.MaxAttempts)
	}
	if s.Notification.Workers < 1 {
		return fmt.Errorf("notification.workers must be at least 1, got %d", s.Notification.Workers)
	}
	if s.WebServer.Enabled && (s.WebServer.Port < 1 || s.WebServer.Port > 65535) {
		return fmt.Errorf("webserver.port must be in 1..65535, got %d", s.WebServer.Port)
	}
	return nil
}
