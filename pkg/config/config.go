package config

import (
	"os"
	"strconv"
	"time"

	"openbudget/pkg/otel"
)

// Config 服务完整配置
type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	DB         DBConfig         `yaml:"db"`
	MQ         MQConfig         `yaml:"mq"`
	Redis      RedisConfig      `yaml:"redis"`
	JWT        JWTConfig        `yaml:"jwt"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Projection ProjectionConfig `yaml:"projection"`
	Query      QueryConfig      `yaml:"query"`
	Otel       otel.Config      `yaml:"otel"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port            string        `yaml:"port" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// StoreConfig selects the account store backend.
type StoreConfig struct {
	Driver string       `yaml:"driver" validate:"oneof=badger postgres"`
	Badger BadgerConfig `yaml:"badger"`
}

type BadgerConfig struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// DBConfig 数据库配置
type DBConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"sslmode"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string        `yaml:"secret" validate:"required,min=16"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// OutboxConfig Outbox Dispatcher 配置
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size" validate:"gte=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
}

// ProjectionConfig 读模型投影 worker 配置
type ProjectionConfig struct {
	QueuePrefix string        `yaml:"queue_prefix"`
	MaxRetries  int           `yaml:"max_retries" validate:"gte=0"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
	// ActivityLimit caps the recent-activity feed.
	ActivityLimit int `yaml:"activity_limit" validate:"gte=0"`
}

// QueryConfig 查询缓存配置
type QueryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// IdempotencyTTL is how long a receipt is kept for Idempotency-Key replays.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideStoreFromEnv 从环境变量覆盖存储配置
func OverrideStoreFromEnv(cfg *StoreConfig) {
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.Driver = driver
	}
	if path := os.Getenv("BADGER_PATH"); path != "" {
		cfg.Badger.Path = path
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
		cfg.Enabled = true
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
		cfg.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// Defaults fills zero values with working defaults.
func (c *Config) Defaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "badger"
	}
	if c.DB.SSLMode == "" {
		c.DB.SSLMode = "disable"
	}
	if c.DB.MaxConns == 0 {
		c.DB.MaxConns = 10
	}
	if c.DB.MinConns == 0 {
		c.DB.MinConns = 2
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "openbudget"
	}
	if c.JWT.TTL == 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Projection.QueuePrefix == "" {
		c.Projection.QueuePrefix = "projection"
	}
	if c.Projection.MaxRetries == 0 {
		c.Projection.MaxRetries = 3
	}
	if c.Query.IdempotencyTTL == 0 {
		c.Query.IdempotencyTTL = 24 * time.Hour
	}
	if c.Projection.DedupTTL == 0 {
		c.Projection.DedupTTL = 24 * time.Hour
	}
	if c.Projection.ActivityLimit == 0 {
		c.Projection.ActivityLimit = 200
	}
	if c.Query.CacheTTL == 0 {
		c.Query.CacheTTL = 5 * time.Second
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "openbudget"
	}
}
