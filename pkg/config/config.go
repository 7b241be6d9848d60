package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Streamer StreamerConfig `mapstructure:"streamer"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json or console
	OutputFile string `mapstructure:"output_file"` // optional, rotated
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// StreamerConfig tunes the broadcast, heartbeat and cache behaviour.
type StreamerConfig struct {
	BroadcastInterval time.Duration      `mapstructure:"broadcast_interval"`
	HeartbeatInterval time.Duration      `mapstructure:"heartbeat_interval"`
	CacheTTL          time.Duration      `mapstructure:"cache_ttl"`
	MaxSymbols        int                `mapstructure:"max_symbols"`
	SendBuffer        int                `mapstructure:"send_buffer"`
	AlertTimeout      time.Duration      `mapstructure:"alert_timeout"`
	FallbackPrices    map[string]float64 `mapstructure:"fallback_prices"`
}

type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchDelay     time.Duration `mapstructure:"batch_delay"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type GatewayConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxMessageSize int64    `mapstructure:"max_message_size"`
}

// LoadConfig reads configuration from an optional config file, the .env file,
// environment variables, and defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	// Load .env into the process environment so APP_PORT etc. resolve below
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	for _, p := range paths {
		if p == "" {
			continue
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", p, err)
		}
	}

	// "app.port" -> "APP_PORT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env vars only reach nested structs through explicit binds
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.format", "logger.output_file")
	bindEnv(v, "redis.enabled", "redis.addr", "redis.password", "redis.db", "redis.snapshot_ttl")
	bindEnv(v, "kafka.enabled", "kafka.brokers", "kafka.topic")
	bindEnv(v, "postgres.enabled", "postgres.host", "postgres.port", "postgres.user", "postgres.password",
		"postgres.dbname", "postgres.sslmode", "postgres.timezone", "postgres.password_ssm_param",
		"postgres.auto_migrate")
	bindEnv(v, "streamer.broadcast_interval", "streamer.heartbeat_interval", "streamer.cache_ttl",
		"streamer.max_symbols", "streamer.send_buffer", "streamer.alert_timeout")
	bindEnv(v, "upstream.base_url", "upstream.api_key", "upstream.batch_size", "upstream.batch_delay",
		"upstream.timeout", "upstream.max_concurrency")
	bindEnv(v, "gateway.allowed_origins", "gateway.max_message_size")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_file", "")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "price_alerts")

	v.SetDefault("postgres.enabled", true)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "trading")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.password_ssm_param", "")
	v.SetDefault("postgres.auto_migrate", false)

	v.SetDefault("streamer.broadcast_interval", 10*time.Second)
	v.SetDefault("streamer.heartbeat_interval", 30*time.Second)
	v.SetDefault("streamer.cache_ttl", 30*time.Second)
	v.SetDefault("streamer.max_symbols", 50)
	v.SetDefault("streamer.send_buffer", 64)
	v.SetDefault("streamer.alert_timeout", 5*time.Second)
	v.SetDefault("streamer.fallback_prices", map[string]float64{})

	v.SetDefault("upstream.base_url", "http://localhost:8090")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.batch_size", 20)
	v.SetDefault("upstream.batch_delay", 250*time.Millisecond)
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.max_concurrency", 4)

	v.SetDefault("gateway.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("gateway.max_message_size", 64*1024)
}

// Validate rejects configurations the streamer cannot run with.
func (c *Config) Validate() error {
	if c.Streamer.BroadcastInterval <= 0 {
		return fmt.Errorf("streamer.broadcast_interval must be positive")
	}
	if c.Streamer.HeartbeatInterval <= 0 {
		return fmt.Errorf("streamer.heartbeat_interval must be positive")
	}
	if c.Streamer.MaxSymbols <= 0 {
		return fmt.Errorf("streamer.max_symbols must be positive")
	}
	if c.Upstream.BatchSize <= 0 {
		return fmt.Errorf("upstream.batch_size must be positive")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url cannot be empty")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
