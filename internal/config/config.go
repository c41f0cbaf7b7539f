package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"watchmyparent-telemetry/common/config"
)

// Config 遥测中继服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig
	Backend  config.BackendConfig

	Telemetry struct {
		// Store memory | postgres
		Store string
		// Transport http | mqtt | kafka | stream
		Transport string
		// LockMode local | redis
		LockMode string

		BatchSize    int
		MaxAttempts  int
		UseBatch     bool
		BackoffBase  time.Duration
		BackoffMax   time.Duration
		SendTimeout  time.Duration
		StuckTimeout time.Duration

		CycleInterval    time.Duration
		SamplingInterval time.Duration
		SweepInterval    time.Duration
		PurgeInterval    time.Duration
		RetentionDays    int

		// SubscribeSamples 通过 MQTT 订阅设备样本（采集来源）
		SubscribeSamples bool
		// 设备样本新鲜度窗口
		SampleFreshness time.Duration
		LatestCacheTTL  time.Duration

		MQTTTopicPrefix string
		OutboundStream  string
	}

	Events struct {
		Enabled       bool
		Stream        string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "postgres", Password: "postgres",
		Database: "telemetry", SSLMode: "disable", MaxConns: 10, MaxIdle: 5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	hostname, _ := os.Hostname()
	cfg.MQTT = config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "telemetry-relay-" + hostname, QoS: 1}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Kafka = config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "telemetry.readings"}
	cfg.Kafka.LoadFromEnv("KAFKA")

	cfg.Backend = config.BackendConfig{BaseURL: "http://localhost:8080", Timeout: 30 * time.Second}
	cfg.Backend.LoadFromEnv("BACKEND")

	t := &cfg.Telemetry
	t.Store = strings.ToLower(getEnv("TELEMETRY_STORE", "postgres"))
	t.Transport = strings.ToLower(getEnv("TELEMETRY_TRANSPORT", "http"))
	t.LockMode = strings.ToLower(getEnv("TELEMETRY_LOCK_MODE", "local"))
	t.BatchSize = getEnvInt("TELEMETRY_BATCH_SIZE", 20)
	t.MaxAttempts = getEnvInt("TELEMETRY_MAX_ATTEMPTS", 5)
	t.UseBatch = getEnv("TELEMETRY_USE_BATCH", "true") == "true"
	t.BackoffBase = getEnvDuration("TELEMETRY_BACKOFF_BASE", time.Minute)
	t.BackoffMax = getEnvDuration("TELEMETRY_BACKOFF_MAX", 30*time.Minute)
	t.SendTimeout = getEnvDuration("TELEMETRY_SEND_TIMEOUT", 30*time.Second)
	t.StuckTimeout = getEnvDuration("TELEMETRY_STUCK_TIMEOUT", 5*time.Minute)
	t.CycleInterval = getEnvDuration("TELEMETRY_CYCLE_INTERVAL", 30*time.Second)
	t.SamplingInterval = getEnvDuration("TELEMETRY_SAMPLING_INTERVAL", 10*time.Second)
	t.SweepInterval = getEnvDuration("TELEMETRY_SWEEP_INTERVAL", time.Minute)
	t.PurgeInterval = getEnvDuration("TELEMETRY_PURGE_INTERVAL", time.Hour)
	t.RetentionDays = getEnvInt("TELEMETRY_RETENTION_DAYS", 7)
	t.SubscribeSamples = getEnv("TELEMETRY_SUBSCRIBE_SAMPLES", "true") == "true"
	t.SampleFreshness = getEnvDuration("TELEMETRY_SAMPLE_FRESHNESS", 5*time.Minute)
	t.LatestCacheTTL = getEnvDuration("TELEMETRY_LATEST_CACHE_TTL", 10*time.Minute)
	t.MQTTTopicPrefix = getEnv("TELEMETRY_MQTT_TOPIC_PREFIX", "telemetry")
	t.OutboundStream = getEnv("TELEMETRY_OUTBOUND_STREAM", "telemetry:readings")

	cfg.Events.Enabled = getEnv("TELEMETRY_EVENTS_ENABLED", "true") == "true"
	cfg.Events.Stream = getEnv("TELEMETRY_EVENT_STREAM", "telemetry:events")
	cfg.Events.ConsumerGroup = getEnv("TELEMETRY_CONSUMER_GROUP", "telemetry-relay-group")
	cfg.Events.ConsumerName = getEnv("TELEMETRY_CONSUMER_NAME", "telemetry-relay-1")
	cfg.Events.BatchSize = getEnvInt("TELEMETRY_EVENT_BATCH_SIZE", 10)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验枚举型配置
func (c *Config) Validate() error {
	switch c.Telemetry.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid TELEMETRY_STORE %q (memory|postgres)", c.Telemetry.Store)
	}
	switch c.Telemetry.Transport {
	case "http", "mqtt", "kafka", "stream":
	default:
		return fmt.Errorf("invalid TELEMETRY_TRANSPORT %q (http|mqtt|kafka|stream)", c.Telemetry.Transport)
	}
	switch c.Telemetry.LockMode {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid TELEMETRY_LOCK_MODE %q (local|redis)", c.Telemetry.LockMode)
	}
	if c.Telemetry.BatchSize < 1 {
		return fmt.Errorf("TELEMETRY_BATCH_SIZE must be positive")
	}
	if c.Telemetry.MaxAttempts < 1 {
		return fmt.Errorf("TELEMETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Telemetry.RetentionDays < 1 {
		return fmt.Errorf("TELEMETRY_RETENTION_DAYS must be positive")
	}
	return nil
}

// NeedsMQTT 是否需要 MQTT 连接
func (c *Config) NeedsMQTT() bool {
	return c.Telemetry.Transport == "mqtt" || c.Telemetry.SubscribeSamples
}

// NeedsRedis 是否需要 Redis 连接
func (c *Config) NeedsRedis() bool {
	return c.Telemetry.LockMode == "redis" || c.Telemetry.Transport == "stream" || c.Events.Enabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

// getEnvDuration 支持 "90s" 形式，纯数字按秒处理
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
