package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Snapshot        SnapshotConfig `mapstructure:"snapshot"`
	Realm           RealmConfig    `mapstructure:"realm"`
	State           StateConfig    `mapstructure:"state"`
	Batch           BatchConfig    `mapstructure:"batch"`
	Retry           RetryConfig    `mapstructure:"retry"`
	QuarantineAfter int            `mapstructure:"quarantine_after"`
	HTTPTimeout     time.Duration  `mapstructure:"http_timeout"`
	WebAPI          WebAPIConfig   `mapstructure:"web_api"`
	Sheets          SheetsConfig   `mapstructure:"sheets"`
	Notify          NotifyConfig   `mapstructure:"notify"`
	Status          StatusConfig   `mapstructure:"status"`
	Logging         LoggingConfig  `mapstructure:"logging"`
}

type SnapshotConfig struct {
	Path         string        `mapstructure:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RealmConfig struct {
	Default string `mapstructure:"default"`
}

type StateConfig struct {
	Directory string `mapstructure:"directory"`
}

type BatchConfig struct {
	Initial   int            `mapstructure:"initial"`
	Min       int            `mapstructure:"min"`
	Max       int            `mapstructure:"max"`
	GrowAfter int            `mapstructure:"grow_after"`
	PerStream map[string]int `mapstructure:"per_stream"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type WebAPIConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	URL             string   `mapstructure:"url"`
	APIKey          string   `mapstructure:"api_key"`
	Streams         []string `mapstructure:"streams"`
	RatePerSecond   float64  `mapstructure:"rate_per_second"`
	Compress        bool     `mapstructure:"compress"`
	MaxPayloadBytes int      `mapstructure:"max_payload_bytes"`
}

type SheetsConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	URL             string            `mapstructure:"url"`
	Token           string            `mapstructure:"token"`
	Streams         []string          `mapstructure:"streams"`
	SheetNames      map[string]string `mapstructure:"sheet_names"`
	RatePerSecond   float64           `mapstructure:"rate_per_second"`
	MaxPayloadBytes int               `mapstructure:"max_payload_bytes"`
}

type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Server    string `mapstructure:"server"`
	Topic     string `mapstructure:"topic"`
	Priority  string `mapstructure:"priority"`
	Tags      string `mapstructure:"tags"`
	Token     string `mapstructure:"token"`
	OnSuccess bool   `mapstructure:"on_success"`
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

var allStreams = []string{"roster", "chat", "activity", "scores"}

// legacySeconds lists keys whose older environment variables carried plain
// seconds rather than durations.
var legacySeconds = []string{"snapshot.poll_interval", "http_timeout"}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("snapshot.path", "guild_snapshot.json")
	v.SetDefault("snapshot.poll_interval", "5s")
	v.SetDefault("realm.default", "")
	v.SetDefault("state.directory", "state")
	v.SetDefault("batch.initial", 80)
	v.SetDefault("batch.min", 1)
	v.SetDefault("batch.max", 200)
	v.SetDefault("batch.grow_after", 3)
	v.SetDefault("batch.per_stream", map[string]int{"scores": 80})
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "20s")
	v.SetDefault("retry.multiplier", 1.6)
	v.SetDefault("quarantine_after", 3)
	v.SetDefault("http_timeout", "120s")
	v.SetDefault("web_api.enabled", true)
	v.SetDefault("web_api.streams", allStreams)
	v.SetDefault("web_api.rate_per_second", 2)
	v.SetDefault("web_api.compress", false)
	v.SetDefault("web_api.max_payload_bytes", 0)
	v.SetDefault("sheets.enabled", false)
	v.SetDefault("sheets.streams", allStreams)
	v.SetDefault("sheets.rate_per_second", 1)
	v.SetDefault("sheets.max_payload_bytes", 0)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "crossed_swords")
	v.SetDefault("notify.on_success", false)
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.addr", "127.0.0.1:8089")
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind secrets and the names used by earlier releases
	_ = v.BindEnv("web_api.api_key", "BRIDGE_WEB_API_API_KEY", "WEB_API_KEY")
	_ = v.BindEnv("web_api.url", "BRIDGE_WEB_API_URL", "WEB_API_URL")
	_ = v.BindEnv("sheets.token", "BRIDGE_SHEETS_TOKEN", "SHEETS_TOKEN")
	_ = v.BindEnv("snapshot.poll_interval", "BRIDGE_SNAPSHOT_POLL_INTERVAL", "POLL_INTERVAL")
	_ = v.BindEnv("http_timeout", "BRIDGE_HTTP_TIMEOUT", "HTTP_TIMEOUT")
	_ = v.BindEnv("batch.initial", "BRIDGE_BATCH_INITIAL", "BATCH_SIZE")
	_ = v.BindEnv("batch.per_stream.scores", "BRIDGE_BATCH_PER_STREAM_SCORES", "STATS_BATCH_SIZE")
	_ = v.BindEnv("realm.default", "BRIDGE_REALM_DEFAULT", "GUILD_REALM")
	_ = v.BindEnv("notify.token", "BRIDGE_NOTIFY_TOKEN", "NTFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	for _, key := range legacySeconds {
		if secs, err := strconv.ParseFloat(v.GetString(key), 64); err == nil {
			v.Set(key, time.Duration(secs*float64(time.Second)).String())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that apply to every destination. Problems with a
// single destination are reported by DestinationErrors instead.
func (c *Config) Validate() error {
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	if c.Snapshot.PollInterval <= 0 {
		return fmt.Errorf("snapshot.poll_interval must be positive")
	}
	if c.State.Directory == "" {
		return fmt.Errorf("state.directory is required")
	}
	if c.Batch.Min < 1 {
		return fmt.Errorf("batch.min must be >= 1")
	}
	if c.Batch.Max < c.Batch.Min {
		return fmt.Errorf("batch.max must be >= batch.min")
	}
	if c.Batch.Initial < c.Batch.Min || c.Batch.Initial > c.Batch.Max {
		return fmt.Errorf("batch.initial must be within [%d, %d]", c.Batch.Min, c.Batch.Max)
	}
	if c.Batch.GrowAfter < 1 {
		return fmt.Errorf("batch.grow_after must be >= 1")
	}
	for stream, size := range c.Batch.PerStream {
		if !validStream(stream) {
			return fmt.Errorf("batch.per_stream: unknown stream %q", stream)
		}
		if size < c.Batch.Min || size > c.Batch.Max {
			return fmt.Errorf("batch.per_stream.%s must be within [%d, %d]", stream, c.Batch.Min, c.Batch.Max)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= initial_delay <= max_delay")
	}
	if c.QuarantineAfter < 0 {
		return fmt.Errorf("quarantine_after must be >= 0")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if !c.WebAPI.Enabled && !c.Sheets.Enabled {
		return fmt.Errorf("at least one destination (web_api, sheets) must be enabled")
	}
	return nil
}

func validStream(name string) bool {
	for _, s := range allStreams {
		if s == name {
			return true
		}
	}
	return false
}
