// Package config loads and validates the mcwatch configuration file.
//
// Files may be YAML or TOML (chosen by extension). Every scalar key can be
// overridden from the environment with the MCWATCH_ prefix, for example
// MCWATCH_MONITOR_LOG_PATH or MCWATCH_DELIVERY_WEBHOOK_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/mcwatch/internal/model"
	"github.com/tinytelemetry/mcwatch/internal/tracker"
)

// Delivery types.
const (
	DeliveryLog     = "log"
	DeliveryWebhook = "webhook"
)

const (
	envPrefix = "MCWATCH"

	defaultConfigPath     = "~/.config/mcwatch/config.yml"
	defaultDBPath         = "~/.local/share/mcwatch/mcwatch.duckdb"
	defaultJournalPath    = "~/.local/state/mcwatch/history.journal"
	defaultAPIAddr        = "127.0.0.1:7480"
	defaultTimeoutSeconds = 10
	defaultRetentionDays  = 30
)

// Config is the validated runtime configuration.
type Config struct {
	LogPath       string
	Frequency     time.Duration
	StartupDelay  time.Duration
	ReadFromStart bool
	Rotation      tracker.RotationMode
	Notifications []model.Notification

	Delivery Delivery
	API      API
	History  History

	// ConfigPath is the file the values were read from, empty if none.
	ConfigPath string
}

// Delivery selects where forwarded messages go.
type Delivery struct {
	Type       string
	WebhookURL string
	Timeout    time.Duration
	QueueSize  int
}

// API controls the optional status endpoint.
type API struct {
	Enabled bool
	Addr    string
}

// History controls the optional record store. An empty DBPath keeps the
// store in memory. With Journal set, records are staged in JournalPath until
// they are written so a crash does not lose them.
type History struct {
	Enabled       bool
	DBPath        string
	RetentionDays int
	Journal       bool
	JournalPath   string
}

// File mirrors the on-disk layout. Include lists are pointers so an absent
// key can be told apart from an explicitly empty list.
type File struct {
	Monitor  MonitorFile  `mapstructure:"monitor" yaml:"monitor" toml:"monitor"`
	Delivery DeliveryFile `mapstructure:"delivery" yaml:"delivery" toml:"delivery"`
	API      APIFile      `mapstructure:"api" yaml:"api" toml:"api"`
	History  HistoryFile  `mapstructure:"history" yaml:"history" toml:"history"`
}

type MonitorFile struct {
	LogPath             string             `mapstructure:"log_path" yaml:"log_path" toml:"log_path"`
	FrequencySeconds    int                `mapstructure:"frequency_seconds" yaml:"frequency_seconds" toml:"frequency_seconds"`
	StartupDelaySeconds int                `mapstructure:"startup_delay_seconds" yaml:"startup_delay_seconds" toml:"startup_delay_seconds"`
	ReadFromStart       bool               `mapstructure:"read_from_start" yaml:"read_from_start" toml:"read_from_start"`
	Rotation            string             `mapstructure:"rotation" yaml:"rotation" toml:"rotation"`
	Notification        []NotificationFile `mapstructure:"notification" yaml:"notification" toml:"notification"`
}

type NotificationFile struct {
	Name         string    `mapstructure:"name" yaml:"name" toml:"name"`
	IncludeLevel *[]string `mapstructure:"include_level" yaml:"include_level" toml:"include_level"`
	IncludeClass *[]string `mapstructure:"include_class" yaml:"include_class" toml:"include_class"`
}

type DeliveryFile struct {
	Type           string `mapstructure:"type" yaml:"type" toml:"type"`
	WebhookURL     string `mapstructure:"webhook_url" yaml:"webhook_url,omitempty" toml:"webhook_url,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	QueueSize      int    `mapstructure:"queue_size" yaml:"queue_size" toml:"queue_size"`
}

type APIFile struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" toml:"addr"`
}

type HistoryFile struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	DBPath        string `mapstructure:"db_path" yaml:"db_path" toml:"db_path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days" toml:"retention_days"`
	Journal       bool   `mapstructure:"journal" yaml:"journal" toml:"journal"`
	JournalPath   string `mapstructure:"journal_path" yaml:"journal_path" toml:"journal_path"`
}

// Load reads path (or the default location when path is empty), applies
// defaults and environment overrides, and validates the result. A missing
// file is not an error by itself, but monitor.log_path must then come from
// the environment.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	setDefaults(v)

	v.SetConfigFile(resolved)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", resolved, err)
		}
	}

	var raw File
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg, err := raw.Validate()
	if err != nil {
		return Config{}, err
	}
	if _, statErr := os.Stat(resolved); statErr == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.log_path", "")
	v.SetDefault("monitor.frequency_seconds", int(model.DefaultFrequency/time.Second))
	v.SetDefault("monitor.startup_delay_seconds", 0)
	v.SetDefault("monitor.read_from_start", false)
	v.SetDefault("monitor.rotation", tracker.RotationAuto.String())
	v.SetDefault("delivery.type", DeliveryLog)
	v.SetDefault("delivery.webhook_url", "")
	v.SetDefault("delivery.timeout_seconds", defaultTimeoutSeconds)
	v.SetDefault("delivery.queue_size", model.DefaultQueueSize)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", defaultAPIAddr)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.db_path", defaultDBPath)
	v.SetDefault("history.retention_days", defaultRetentionDays)
	v.SetDefault("history.journal", false)
	v.SetDefault("history.journal_path", defaultJournalPath)
}

// Validate converts the raw file shape into a Config.
func (f File) Validate() (Config, error) {
	var cfg Config

	logPath := strings.TrimSpace(f.Monitor.LogPath)
	if logPath == "" {
		return cfg, fmt.Errorf("monitor.log_path is required")
	}
	expanded, err := expandPath(logPath)
	if err != nil {
		return cfg, fmt.Errorf("monitor.log_path: %w", err)
	}
	cfg.LogPath = expanded

	if f.Monitor.FrequencySeconds <= 0 {
		return cfg, fmt.Errorf("monitor.frequency_seconds must be positive, got %d", f.Monitor.FrequencySeconds)
	}
	cfg.Frequency = time.Duration(f.Monitor.FrequencySeconds) * time.Second

	if f.Monitor.StartupDelaySeconds < 0 {
		return cfg, fmt.Errorf("monitor.startup_delay_seconds must not be negative, got %d", f.Monitor.StartupDelaySeconds)
	}
	cfg.StartupDelay = time.Duration(f.Monitor.StartupDelaySeconds) * time.Second
	cfg.ReadFromStart = f.Monitor.ReadFromStart

	rotation := f.Monitor.Rotation
	if strings.TrimSpace(rotation) == "" {
		rotation = tracker.RotationAuto.String()
	}
	cfg.Rotation, err = tracker.ParseRotationMode(rotation)
	if err != nil {
		return cfg, fmt.Errorf("monitor.rotation: %w", err)
	}

	cfg.Notifications, err = buildNotifications(f.Monitor.Notification)
	if err != nil {
		return cfg, err
	}

	cfg.Delivery, err = buildDelivery(f.Delivery)
	if err != nil {
		return cfg, err
	}

	cfg.API = API{Enabled: f.API.Enabled, Addr: strings.TrimSpace(f.API.Addr)}
	if cfg.API.Addr == "" {
		cfg.API.Addr = defaultAPIAddr
	}

	cfg.History, err = buildHistory(f.History)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func buildNotifications(raw []NotificationFile) ([]model.Notification, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("monitor.notification needs at least one entry")
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]model.Notification, 0, len(raw))
	for i, n := range raw {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			return nil, fmt.Errorf("monitor.notification[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("monitor.notification[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		levels := model.DefaultIncludeLevel()
		if n.IncludeLevel != nil {
			levels = model.NewLevelSet()
			for _, s := range *n.IncludeLevel {
				l, err := model.ParseLogLevel(s)
				if err != nil {
					return nil, fmt.Errorf("monitor.notification[%d] (%s): %w", i, name, err)
				}
				levels[l] = struct{}{}
			}
		}

		classes := model.DefaultIncludeClass()
		if n.IncludeClass != nil {
			classes = model.NewClassSet()
			for _, s := range *n.IncludeClass {
				c, err := model.ParseLogClass(s)
				if err != nil {
					return nil, fmt.Errorf("monitor.notification[%d] (%s): %w", i, name, err)
				}
				classes[c] = struct{}{}
			}
		}

		out = append(out, model.Notification{Name: name, IncludeLevel: levels, IncludeClass: classes})
	}
	return out, nil
}

func buildDelivery(raw DeliveryFile) (Delivery, error) {
	d := Delivery{
		Type:       strings.ToLower(strings.TrimSpace(raw.Type)),
		WebhookURL: strings.TrimSpace(raw.WebhookURL),
		Timeout:    time.Duration(raw.TimeoutSeconds) * time.Second,
		QueueSize:  raw.QueueSize,
	}
	if d.Type == "" {
		d.Type = DeliveryLog
	}
	switch d.Type {
	case DeliveryLog:
	case DeliveryWebhook:
		if d.WebhookURL == "" {
			return d, fmt.Errorf("delivery.webhook_url is required for webhook delivery")
		}
	default:
		return d, fmt.Errorf("delivery.type must be %q or %q, got %q", DeliveryLog, DeliveryWebhook, raw.Type)
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeoutSeconds * time.Second
	}
	if d.QueueSize <= 0 {
		return d, fmt.Errorf("delivery.queue_size must be positive, got %d", raw.QueueSize)
	}
	return d, nil
}

func buildHistory(raw HistoryFile) (History, error) {
	h := History{Enabled: raw.Enabled, RetentionDays: raw.RetentionDays, Journal: raw.Journal}
	if h.RetentionDays < 0 {
		return h, fmt.Errorf("history.retention_days must not be negative, got %d", raw.RetentionDays)
	}
	if p := strings.TrimSpace(raw.DBPath); p != "" {
		expanded, err := expandPath(p)
		if err != nil {
			return h, fmt.Errorf("history.db_path: %w", err)
		}
		h.DBPath = expanded
	}
	journalPath := strings.TrimSpace(raw.JournalPath)
	if journalPath == "" {
		journalPath = defaultJournalPath
	}
	expanded, err := expandPath(journalPath)
	if err != nil {
		return h, fmt.Errorf("history.journal_path: %w", err)
	}
	h.JournalPath = expanded
	return h, nil
}

// File returns the effective configuration in its on-disk shape.
func (c Config) File() File {
	f := File{
		Monitor: MonitorFile{
			LogPath:             c.LogPath,
			FrequencySeconds:    int(c.Frequency / time.Second),
			StartupDelaySeconds: int(c.StartupDelay / time.Second),
			ReadFromStart:       c.ReadFromStart,
			Rotation:            c.Rotation.String(),
		},
		Delivery: DeliveryFile{
			Type:           c.Delivery.Type,
			WebhookURL:     c.Delivery.WebhookURL,
			TimeoutSeconds: int(c.Delivery.Timeout / time.Second),
			QueueSize:      c.Delivery.QueueSize,
		},
		API: APIFile{Enabled: c.API.Enabled, Addr: c.API.Addr},
		History: HistoryFile{
			Enabled:       c.History.Enabled,
			DBPath:        c.History.DBPath,
			RetentionDays: c.History.RetentionDays,
			Journal:       c.History.Journal,
			JournalPath:   c.History.JournalPath,
		},
	}
	for _, n := range c.Notifications {
		levels := make([]string, 0, len(n.IncludeLevel))
		for _, l := range n.IncludeLevel.Sorted() {
			levels = append(levels, l.String())
		}
		classes := make([]string, 0, len(n.IncludeClass))
		for _, cl := range n.IncludeClass.Sorted() {
			classes = append(classes, cl.String())
		}
		f.Monitor.Notification = append(f.Monitor.Notification, NotificationFile{
			Name:         n.Name,
			IncludeLevel: &levels,
			IncludeClass: &classes,
		})
	}
	return f
}

// DefaultPath returns the expanded default config file location.
func DefaultPath() string {
	p, err := expandPath(defaultConfigPath)
	if err != nil {
		return defaultConfigPath
	}
	return p
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
