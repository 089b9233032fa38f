package config

import (
	"log/slog"
	"strings"
	"time"
)

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format is json or text.
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Sanitize normalises logging configuration values.
func (l *LoggingConfig) Sanitize() {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	if l.Format != "text" {
		l.Format = "json"
	}
}

// SlogLevel maps the configured level name onto a slog.Level, defaulting
// to info for unknown names.
func (l *LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsConfig controls emission of metrics to a StatsD-compatible sink.
type MetricsConfig struct {
	Enabled       bool   `env:"METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"METRICS_PREFIX"         envDefault:"ingest"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *MetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	if c.Prefix == "" {
		c.Prefix = "ingest"
	}
}

// IsEnabled returns true when metrics emission is active after
// sanitisation.
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// NotificationsConfig controls outbound job failure notifications.
type NotificationsConfig struct {
	Enabled    bool          `env:"NOTIFICATIONS_ENABLED"     envDefault:"false"`
	Timeout    time.Duration `env:"NOTIFICATIONS_TIMEOUT"     envDefault:"5s"`
	RetryLimit int           `env:"NOTIFICATIONS_RETRY_LIMIT" envDefault:"3"`

	SlackWebhookURL     string `env:"NOTIFICATIONS_SLACK_WEBHOOK_URL"`
	SlackChannel        string `env:"NOTIFICATIONS_SLACK_CHANNEL"`
	PagerDutyRoutingKey string `env:"NOTIFICATIONS_PAGERDUTY_ROUTING_KEY"`
}

// Sanitize normalises notification configuration values.
func (c *NotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	c.SlackWebhookURL = strings.TrimSpace(c.SlackWebhookURL)
	c.SlackChannel = strings.TrimSpace(c.SlackChannel)
	c.PagerDutyRoutingKey = strings.TrimSpace(c.PagerDutyRoutingKey)
	if !c.Enabled {
		c.SlackWebhookURL = ""
		c.PagerDutyRoutingKey = ""
	}
}
