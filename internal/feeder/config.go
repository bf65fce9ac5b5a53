package feeder

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/events"
	"github.com/John-Hauff/smart-bird-feeder/notify"
	"github.com/John-Hauff/smart-bird-feeder/seriallink"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir = "/etc/smart-feeder"
	ConfigFileName   = "config.toml"
	SecretsFileName  = ".env"

	SerialKey        = "serial"
	DetectionKey     = "detection"
	HatchKey         = "hatch"
	FeedLevelKey     = "feed-level"
	LoopKey          = "loop"
	NotificationsKey = "notifications"
	MemoryKey        = "memory"
	EventsKey        = "events"
	MetricsKey       = "metrics"
)

type DetectionConfig struct {
	AcceptThreshold    float64       `mapstructure:"accept-threshold"`
	IgnoreWindowFrames int           `mapstructure:"ignore-window-frames"`
	FrameTimeout       time.Duration `mapstructure:"frame-timeout"`
	CataloguePath      string        `mapstructure:"catalogue"`
}

func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		AcceptThreshold:    0.90,
		IgnoreWindowFrames: 150,
		FrameTimeout:       time.Second,
	}
}

type HatchConfig struct {
	PestLabels        []string `mapstructure:"pest-labels"`
	PestThreshold     float64  `mapstructure:"pest-threshold"`
	ReopenDelayFrames int      `mapstructure:"reopen-delay-frames"`
}

func DefaultHatch() HatchConfig {
	return HatchConfig{
		PestLabels:        []string{"squirrel"},
		PestThreshold:     0.90,
		ReopenDelayFrames: 150,
	}
}

type FeedLevelConfig struct {
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	RenotifyInterval time.Duration `mapstructure:"renotify-interval"`
}

func DefaultFeedLevel() FeedLevelConfig {
	return FeedLevelConfig{
		PollInterval:     15 * time.Second,
		RenotifyInterval: time.Hour,
	}
}

type LoopConfig struct {
	// WaitForRunSignal starts the loop paused until the device sends 'r'.
	WaitForRunSignal bool          `mapstructure:"wait-for-run-signal"`
	PausedInterval   time.Duration `mapstructure:"paused-interval"`
	StatsInterval    time.Duration `mapstructure:"stats-interval"`
}

func DefaultLoop() LoopConfig {
	return LoopConfig{
		PausedInterval: 100 * time.Millisecond,
		StatsInterval:  time.Hour,
	}
}

type NotificationsConfig struct {
	QueueSize    int                `mapstructure:"queue-size"`
	JobTimeout   time.Duration      `mapstructure:"job-timeout"`
	RecipientsDB string             `mapstructure:"recipients-db"`
	Push         notify.PushConfig  `mapstructure:"push"`
	Email        notify.EmailConfig `mapstructure:"email"`
}

func DefaultNotifications() NotificationsConfig {
	return NotificationsConfig{
		QueueSize:    16,
		JobTimeout:   2 * time.Minute,
		RecipientsDB: "/var/lib/smart-feeder/recipients.db",
		Push:         notify.DefaultPushConfig(),
		Email:        notify.DefaultEmailConfig(),
	}
}

type EventsConfig struct {
	// EventReporter sends events to the event-reporter DBus service, which
	// must be installed on the device.
	EventReporter bool              `mapstructure:"event-reporter"`
	NATS          events.NATSConfig `mapstructure:"nats"`
}

func DefaultEvents() EventsConfig {
	return EventsConfig{
		EventReporter: false,
		NATS:          events.DefaultNATSConfig(),
	}
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

func DefaultMetrics() MetricsConfig {
	return MetricsConfig{}
}

type Config struct {
	Serial        seriallink.Config
	Detection     DetectionConfig
	Hatch         HatchConfig
	FeedLevel     FeedLevelConfig
	Loop          LoopConfig
	Notifications NotificationsConfig
	Memory        notify.MemoryConfig
	Events        EventsConfig
	Metrics       MetricsConfig
}

func DefaultConfig() Config {
	return Config{
		Serial:        seriallink.DefaultConfig(),
		Detection:     DefaultDetection(),
		Hatch:         DefaultHatch(),
		FeedLevel:     DefaultFeedLevel(),
		Loop:          DefaultLoop(),
		Notifications: DefaultNotifications(),
		Memory:        notify.DefaultMemoryConfig(),
		Events:        DefaultEvents(),
		Metrics:       DefaultMetrics(),
	}
}

// ParseConfig reads config.toml from configDir. A missing file gives the defaults,
// missing sections and keys keep their default values.
func ParseConfig(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(configDir, ConfigFileName))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	c := DefaultConfig()
	sections := []struct {
		key string
		val interface{}
	}{
		{SerialKey, &c.Serial},
		{DetectionKey, &c.Detection},
		{HatchKey, &c.Hatch},
		{FeedLevelKey, &c.FeedLevel},
		{LoopKey, &c.Loop},
		{NotificationsKey, &c.Notifications},
		{MemoryKey, &c.Memory},
		{EventsKey, &c.Events},
		{MetricsKey, &c.Metrics},
	}
	for _, s := range sections {
		if err := v.UnmarshalKey(s.key, s.val); err != nil {
			return nil, fmt.Errorf("failed to parse %s config: %w", s.key, err)
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Detection.AcceptThreshold < 0 || c.Detection.AcceptThreshold > 1 {
		return fmt.Errorf("detection accept-threshold must be between 0 and 1, got %v", c.Detection.AcceptThreshold)
	}
	if c.Hatch.PestThreshold < 0 || c.Hatch.PestThreshold > 1 {
		return fmt.Errorf("hatch pest-threshold must be between 0 and 1, got %v", c.Hatch.PestThreshold)
	}
	if c.Detection.IgnoreWindowFrames <= 0 {
		return fmt.Errorf("detection ignore-window-frames must be positive")
	}
	if c.Hatch.ReopenDelayFrames <= 0 {
		return fmt.Errorf("hatch reopen-delay-frames must be positive")
	}
	if c.FeedLevel.PollInterval <= 0 {
		return fmt.Errorf("feed-level poll-interval must be positive")
	}
	if c.Notifications.QueueSize <= 0 {
		return fmt.Errorf("notifications queue-size must be positive")
	}
	return nil
}

// Secrets are kept out of config.toml. They come from the environment, or a
// .env file in the config directory.
type Secrets struct {
	SMTPUser        string `env:"FEEDER_SMTP_USER"`
	SMTPPassword    string `env:"FEEDER_SMTP_PASSWORD"`
	PushAccessToken string `env:"FEEDER_PUSH_ACCESS_TOKEN"`
}

func LoadSecrets(configDir string) (Secrets, error) {
	err := godotenv.Load(filepath.Join(configDir, SecretsFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Secrets{}, fmt.Errorf("failed to load %s: %w", SecretsFileName, err)
	}
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}
