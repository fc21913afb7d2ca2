package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"gridwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Source   SourceConfig   `mapstructure:"source"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	API      APIConfig      `mapstructure:"api"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string          `mapstructure:"dsn"`
	MaxOpenConns    int             `mapstructure:"max_open_conns"`
	MaxIdleConns    int             `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration   `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool            `mapstructure:"ensure_schema"`
	AdvisoryLockKey int64           `mapstructure:"advisory_lock_key"`
	RecordReadings  bool            `mapstructure:"record_readings"`
	RecordAlerts    bool            `mapstructure:"record_alerts"`
	Retention       RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig prunes old history on a fixed cadence. A zero MaxAge keeps everything.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

// PipelineConfig tunes the processing core.
type PipelineConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	DebounceDelay   time.Duration `mapstructure:"debounce_delay"`
	SpikePrecedence string        `mapstructure:"spike_precedence"`
	Spike           SpikeConfig   `mapstructure:"spike"`
}

// SpikeConfig holds the current-spike hysteresis thresholds.
type SpikeConfig struct {
	Trigger     float64       `mapstructure:"trigger"`
	JumpFactor  float64       `mapstructure:"jump_factor"`
	Recovery    float64       `mapstructure:"recovery"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// Source modes.
const (
	SourceSimulation = "simulation"
	SourceMQTT       = "mqtt"
	SourceHTTP       = "http"
)

// SourceConfig selects the live feed and the generator cadence.
type SourceConfig struct {
	Mode              string         `mapstructure:"mode"`
	ThrottleInterval  time.Duration  `mapstructure:"throttle_interval"`
	GeneratorInterval time.Duration  `mapstructure:"generator_interval"`
	RetryInterval     time.Duration  `mapstructure:"retry_interval"`
	Seed              int64          `mapstructure:"seed"`
	MQTT              MQTTFeedConfig `mapstructure:"mqtt"`
	HTTP              HTTPFeedConfig `mapstructure:"http"`
}

// MQTTFeedConfig describes the MQTT live feed.
type MQTTFeedConfig struct {
	Broker         string        `mapstructure:"broker"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// HTTPFeedConfig describes the polled JSON endpoint.
type HTTPFeedConfig struct {
	URL         string        `mapstructure:"url"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// DevicesConfig points at the device registry file and the selection policy.
type DevicesConfig struct {
	File      string `mapstructure:"file"`
	Selection string `mapstructure:"selection"`
}

// AlertingConfig defines alert fan-out and routing.
type AlertingConfig struct {
	AnnounceStart bool           `mapstructure:"announce_start"`
	QueueSize     int            `mapstructure:"queue_size"`
	Workers       int            `mapstructure:"workers"`
	NotifyTimeout time.Duration  `mapstructure:"notify_timeout"`
	Log           LogSinkConfig  `mapstructure:"log"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
	MQTT          MQTTSinkConfig `mapstructure:"mqtt"`
	AMQP          AMQPConfig     `mapstructure:"amqp"`
	Kafka         KafkaConfig    `mapstructure:"kafka"`
	EventHub      EventHubConfig `mapstructure:"eventhub"`
}

// LogSinkConfig toggles writing alerts to the application log.
type LogSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BotToken    string `mapstructure:"bot_token"`
	ChatID      string `mapstructure:"chat_id"`
	APIBase     string `mapstructure:"api_base"`
	MinSeverity string `mapstructure:"min_severity"`
}

// MQTTSinkConfig publishes alerts to an MQTT topic.
type MQTTSinkConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	QoS      int           `mapstructure:"qos"`
	Retain   bool          `mapstructure:"retain"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AMQPConfig publishes alerts to a durable queue.
type AMQPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
}

// KafkaConfig writes alerts to a topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EventHubConfig sends alerts to Azure Event Hubs.
type EventHubConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ConnectionString string `mapstructure:"connection_string"`
	Name             string `mapstructure:"name"`
}

// APIConfig controls the HTTP/websocket surface.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Listen       string `mapstructure:"listen"`
	Mode         string `mapstructure:"mode"`
	AlertHistory int    `mapstructure:"alert_history"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("GRIDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports variables from path without overriding the real environment.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gridwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.compress", true)

	// 敏感项通常来自环境变量，需先登记键名才能被 AutomaticEnv 覆盖。
	for _, key := range []string{
		"database.dsn",
		"source.mqtt.broker",
		"source.mqtt.username",
		"source.mqtt.password",
		"source.http.url",
		"alerting.telegram.bot_token",
		"alerting.telegram.chat_id",
		"alerting.mqtt.broker",
		"alerting.mqtt.username",
		"alerting.mqtt.password",
		"alerting.amqp.url",
		"alerting.eventhub.connection_string",
		"alerting.eventhub.name",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.advisory_lock_key", int64(0x67726964))
	v.SetDefault("database.record_readings", true)
	v.SetDefault("database.record_alerts", true)
	v.SetDefault("database.retention.max_age", "0s")
	v.SetDefault("database.retention.interval", "1h")

	v.SetDefault("pipeline.capacity", 300)
	v.SetDefault("pipeline.debounce_delay", "7s")
	v.SetDefault("pipeline.spike_precedence", "independent")
	v.SetDefault("pipeline.spike.trigger", 2.0)
	v.SetDefault("pipeline.spike.jump_factor", 2.0)
	v.SetDefault("pipeline.spike.recovery", 1.5)
	v.SetDefault("pipeline.spike.min_interval", "2500ms")

	v.SetDefault("source.mode", SourceSimulation)
	v.SetDefault("source.throttle_interval", "3s")
	v.SetDefault("source.generator_interval", "500ms")
	v.SetDefault("source.retry_interval", "30s")
	v.SetDefault("source.seed", int64(0))
	v.SetDefault("source.mqtt.topic", "gridwatch/readings")
	v.SetDefault("source.mqtt.qos", 0)
	v.SetDefault("source.mqtt.connect_timeout", "10s")
	v.SetDefault("source.http.interval", "3s")
	v.SetDefault("source.http.timeout", "5s")
	v.SetDefault("source.http.user_agent", "gridwatch/1.0")
	v.SetDefault("source.http.max_failures", 3)

	v.SetDefault("devices.selection", "round_robin")

	v.SetDefault("alerting.announce_start", true)
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.workers", 1)
	v.SetDefault("alerting.notify_timeout", "10s")
	v.SetDefault("alerting.log.enabled", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.min_severity", "warning")
	v.SetDefault("alerting.mqtt.topic", "gridwatch/alerts")
	v.SetDefault("alerting.mqtt.qos", 1)
	v.SetDefault("alerting.mqtt.timeout", "5s")
	v.SetDefault("alerting.amqp.queue", "gridwatch.alerts")
	v.SetDefault("alerting.kafka.brokers", []string{})
	v.SetDefault("alerting.kafka.topic", "gridwatch-alerts")
	v.SetDefault("alerting.kafka.write_timeout", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.mode", "release")
	v.SetDefault("api.alert_history", 200)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Pipeline.Capacity <= 0 {
		return fmt.Errorf("pipeline.capacity must be greater than zero")
	}
	if c.Pipeline.DebounceDelay <= 0 {
		return fmt.Errorf("pipeline.debounce_delay must be greater than zero")
	}
	switch c.Pipeline.SpikePrecedence {
	case "", "independent", "spike_suppresses_voltage":
	default:
		return fmt.Errorf("pipeline.spike_precedence %q is not supported", c.Pipeline.SpikePrecedence)
	}
	if s := c.Pipeline.Spike; s.Recovery > s.Trigger {
		return fmt.Errorf("pipeline.spike.recovery must not exceed pipeline.spike.trigger")
	}
	if c.Source.GeneratorInterval <= 0 {
		return fmt.Errorf("source.generator_interval must be greater than zero")
	}
	if c.Source.ThrottleInterval < 0 {
		return fmt.Errorf("source.throttle_interval cannot be negative")
	}
	switch c.Source.Mode {
	case SourceSimulation:
	case SourceMQTT:
		if c.Source.MQTT.Broker == "" || c.Source.MQTT.Topic == "" {
			return fmt.Errorf("source.mqtt.broker 与 source.mqtt.topic 必须配置")
		}
		if c.Source.MQTT.QoS < 0 || c.Source.MQTT.QoS > 2 {
			return fmt.Errorf("source.mqtt.qos must be 0, 1 or 2")
		}
	case SourceHTTP:
		if c.Source.HTTP.URL == "" {
			return fmt.Errorf("source.http.url 必须配置")
		}
	default:
		return fmt.Errorf("source.mode %q is not supported", c.Source.Mode)
	}
	switch c.Devices.Selection {
	case "", "round_robin", "random":
	default:
		return fmt.Errorf("devices.selection %q is not supported", c.Devices.Selection)
	}
	if c.Alerting.QueueSize <= 0 {
		return fmt.Errorf("alerting.queue_size must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.MQTT.Enabled && c.Alerting.MQTT.Broker == "" {
		return fmt.Errorf("alerting.mqtt.broker 必须配置")
	}
	if c.Alerting.AMQP.Enabled && c.Alerting.AMQP.URL == "" {
		return fmt.Errorf("alerting.amqp.url 必须配置")
	}
	if c.Alerting.Kafka.Enabled && len(c.Alerting.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerting.kafka.brokers 必须配置")
	}
	if c.Alerting.EventHub.Enabled && c.Alerting.EventHub.ConnectionString == "" {
		return fmt.Errorf("alerting.eventhub.connection_string 必须配置")
	}
	if r := c.Database.Retention; r.MaxAge < 0 || (r.MaxAge > 0 && r.Interval <= 0) {
		return fmt.Errorf("database.retention needs a non-negative max_age and a positive interval")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must be set when the api is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
