package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/beech80/clipt-sub000/pkg/config"
	"github.com/beech80/clipt-sub000/pkg/database"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
	"github.com/beech80/clipt-sub000/pkg/storage"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Database  database.Config `mapstructure:"database"`
	Cassandra CassandraConfig `mapstructure:"cassandra"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    pubsub.Config   `mapstructure:"pubsub"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   storage.Config  `mapstructure:"storage"`
	IDs       IDConfig        `mapstructure:"ids"`
	Log       log.Config      `mapstructure:"log"`
}

type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	InternalToken string `mapstructure:"internal_token"` // guards /internal routes; empty disables them
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type CassandraConfig struct {
	Hosts          []string      `mapstructure:"hosts"`
	Keyspace       string        `mapstructure:"keyspace"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Consistency    string        `mapstructure:"consistency"`
	NumConns       int           `mapstructure:"num_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CreateSchema   bool          `mapstructure:"create_schema"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChatConfig holds message and moderation policy.
type ChatConfig struct {
	Store           string          `mapstructure:"store"` // "sql" or "cassandra"
	HistoryLimit    int             `mapstructure:"history_limit"`
	MaxHistoryLimit int             `mapstructure:"max_history_limit"`
	MaxMessageLen   int             `mapstructure:"max_message_length"`
	CommandPrefix   string          `mapstructure:"command_prefix"`
	RateWindow      time.Duration   `mapstructure:"rate_window"`
	RateLimit       int             `mapstructure:"rate_limit"`
	Cooldown        time.Duration   `mapstructure:"cooldown"`
	BanDuration     time.Duration   `mapstructure:"ban_duration"`
	TimeoutPresets  []time.Duration `mapstructure:"-"`
	DefaultTimeout  time.Duration   `mapstructure:"default_timeout"`
	RequireLive     bool            `mapstructure:"require_live"`
	ProfileCacheTTL time.Duration   `mapstructure:"profile_cache_ttl"`
}

type PresenceConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type IDConfig struct {
	Generator string `mapstructure:"generator"` // ulid, snowflake, uuid, ksuid, nanoid, cuid2
	MachineID int64  `mapstructure:"machine_id"`
}

// Load reads config/config.yaml (if present) and the environment.
func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and env bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":                  "PORT",
		"server.internal_token":        "INTERNAL_TOKEN",
		"database.driver":              "DATABASE_DRIVER",
		"database.host":                "DATABASE_HOST",
		"database.port":                "DATABASE_PORT",
		"database.user":                "DATABASE_USER",
		"database.password":            "DATABASE_PASSWORD",
		"database.dbname":              "DATABASE_NAME",
		"database.file_path":           "DATABASE_FILE_PATH",
		"cassandra.keyspace":           "CASSANDRA_KEYSPACE",
		"redis.address":                "REDIS_ADDRESS",
		"redis.password":               "REDIS_PASSWORD",
		"pubsub.driver":                "PUBSUB_DRIVER",
		"pubsub.kafka.brokers":         "KAFKA_BROKERS",
		"pubsub.kafka.group_id":        "KAFKA_GROUP_ID",
		"chat.store":                   "CHAT_STORE",
		"auth.jwt_secret":              "JWT_SECRET",
		"storage.driver":               "STORAGE_DRIVER",
		"storage.s3.endpoint":          "S3_ENDPOINT",
		"storage.s3.bucket":            "S3_BUCKET",
		"storage.s3.access_key_id":     "S3_ACCESS_KEY_ID",
		"storage.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
		"ids.machine_id":               "MACHINE_ID",
		"log.level":                    "LOG_LEVEL",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Cassandra.ConnectTimeout = pkgconfig.Duration(v, "cassandra.connect_timeout", 10*time.Second)
	cfg.Cassandra.Timeout = pkgconfig.Duration(v, "cassandra.timeout", 5*time.Second)
	cfg.Chat.RateWindow = pkgconfig.Duration(v, "chat.rate_window", 30*time.Second)
	cfg.Chat.Cooldown = pkgconfig.Duration(v, "chat.cooldown", 10*time.Second)
	cfg.Chat.BanDuration = pkgconfig.Duration(v, "chat.ban_duration", 365*24*time.Hour)
	cfg.Chat.DefaultTimeout = pkgconfig.Duration(v, "chat.default_timeout", 10*time.Minute)
	cfg.Chat.ProfileCacheTTL = pkgconfig.Duration(v, "chat.profile_cache_ttl", 5*time.Minute)
	cfg.Chat.TimeoutPresets = parsePresets(v.GetStringSlice("chat.timeout_presets"))
	cfg.Presence.TTL = pkgconfig.Duration(v, "presence.ttl", 60*time.Second)
	cfg.Presence.HeartbeatInterval = pkgconfig.Duration(v, "presence.heartbeat_interval", 20*time.Second)
	cfg.Auth.TokenTTL = pkgconfig.Duration(v, "auth.token_ttl", time.Hour)
	cfg.PubSub.Redis.ReadTimeout = pkgconfig.Duration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = pkgconfig.Duration(v, "pubsub.redis.write_timeout", 3*time.Second)

	// CASSANDRA_HOSTS: comma-separated, e.g. "cassandra:9042" or "host1:9042,host2:9042"
	if hosts := os.Getenv("CASSANDRA_HOSTS"); hosts != "" {
		cfg.Cassandra.Hosts = splitList(hosts)
	}
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.WebSocket.AllowedOrigins = splitList(origins)
	}

	// The redis pub/sub driver shares the main redis instance unless configured.
	if cfg.PubSub.Redis.Address == "" {
		cfg.PubSub.Redis.Address = cfg.Redis.Address
		cfg.PubSub.Redis.Password = cfg.Redis.Password
		cfg.PubSub.Redis.DB = cfg.Redis.DB
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "chat.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30)
	v.SetDefault("cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("cassandra.keyspace", "chat")
	v.SetDefault("cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("cassandra.num_conns", 2)
	v.SetDefault("cassandra.create_schema", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("chat.store", "sql")
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("chat.max_history_limit", 100)
	v.SetDefault("chat.max_message_length", 500)
	v.SetDefault("chat.command_prefix", "/")
	v.SetDefault("chat.rate_window", "30s")
	v.SetDefault("chat.rate_limit", 20)
	v.SetDefault("chat.cooldown", "10s")
	v.SetDefault("chat.ban_duration", "8760h")
	v.SetDefault("chat.default_timeout", "10m")
	v.SetDefault("chat.timeout_presets", []string{"1m", "10m", "1h", "24h"})
	v.SetDefault("chat.require_live", true)
	v.SetDefault("chat.profile_cache_ttl", "5m")
	v.SetDefault("presence.ttl", "60s")
	v.SetDefault("presence.heartbeat_interval", "20s")
	v.SetDefault("auth.issuer", "clipt")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.base_path", "./data")
	v.SetDefault("storage.s3.use_path_style", true)
	v.SetDefault("ids.generator", "ulid")
	v.SetDefault("ids.machine_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "chat-service")
}

func parsePresets(raw []string) []time.Duration {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil || d <= 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func splitList(s string) []string {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
