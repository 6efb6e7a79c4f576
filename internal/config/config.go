package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/brainDensed/theramine-session/pkg/config"
	"github.com/brainDensed/theramine-session/pkg/cas"
	"github.com/brainDensed/theramine-session/pkg/database"
	"github.com/brainDensed/theramine-session/pkg/log"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Auth      AuthConfig
	Archive   ArchiveConfig
	Redis     RedisConfig
	Database  database.Config
	S3        cas.S3Config
	Log       log.Config
}

type ServerConfig struct {
	Host             string
	Port             int
	AdvertiseAddress string `mapstructure:"advertise_address"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type SessionConfig struct {
	// RequestTTL bounds how long an unresolved appointment request is held.
	// Zero disables expiry.
	RequestTTL time.Duration `mapstructure:"request_ttl"`
}

type AuthConfig struct {
	// TokenSecret verifies the phone-auth idToken users present on connection.
	TokenSecret string `mapstructure:"token_secret"`
}

type ArchiveConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	RetryMax       int           `mapstructure:"retry_max"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type RedisConfig struct {
	Address           string
	Password          string
	DB                int
	RegistryPrefix    string        `mapstructure:"registry_prefix"`
	CachePrefix       string        `mapstructure:"cache_prefix"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.advertise_address", "localhost:8080")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("session.request_ttl", "15m")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("archive.queue_size", 256)
	v.SetDefault("archive.retry_max", 5)
	v.SetDefault("archive.retry_base_delay", "500ms")
	v.SetDefault("archive.cache_ttl", "30s")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.registry_prefix", "session:registry")
	v.SetDefault("redis.cache_prefix", "session:archive")
	v.SetDefault("redis.heartbeat_interval", "10s")
	v.SetDefault("redis.key_ttl", "30s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "theramine.db")
	v.SetDefault("s3.bucket", "theramine-archive")
	v.SetDefault("s3.prefix", "cas/")
	v.SetDefault("s3.use_path_style", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "session-gateway")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.advertise_address", "ADVERTISE_ADDRESS")
	v.BindEnv("auth.token_secret", "AUTH_TOKEN_SECRET")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("s3.bucket", "S3_BUCKET")
	v.BindEnv("s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("s3.secret_access_key", "S3_SECRET_ACCESS_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Session.RequestTTL = parseDuration(v, "session.request_ttl", 15*time.Minute)
	cfg.Archive.RetryBaseDelay = parseDuration(v, "archive.retry_base_delay", 500*time.Millisecond)
	cfg.Archive.CacheTTL = parseDuration(v, "archive.cache_ttl", 30*time.Second)
	cfg.Redis.HeartbeatInterval = parseDuration(v, "redis.heartbeat_interval", 10*time.Second)
	cfg.Redis.KeyTTL = parseDuration(v, "redis.key_ttl", 30*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
