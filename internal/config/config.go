package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ChannelMesh configuration. Values come from a YAML file
// (optional, MESH_CONFIG_FILE) overridden by MESH_* environment variables.
type Config struct {
	// Listeners
	HTTPPort   string `yaml:"http_port"`
	StreamPort string `yaml:"stream_port"`

	// Storage
	DBPath string `yaml:"db_path"`

	// Delivery
	DefaultReceiveLimit int           `yaml:"default_receive_limit"`
	MaxReceiveLimit     int           `yaml:"max_receive_limit"`
	LongPoll            time.Duration `yaml:"-"`
	EphemeralTTL        time.Duration `yaml:"-"`
	ChannelDefaultAge   time.Duration `yaml:"-"`
	SessionIdleTTL      time.Duration `yaml:"-"`

	// DurableRetention prunes durable events older than this from live
	// channels. Zero disables event-level retention; channel expiry still
	// applies.
	DurableRetention time.Duration `yaml:"-"`

	// Developer API keys, keyId -> secret. Authorizes channel create/delete.
	DevAPIKeys map[string]string `yaml:"dev_api_keys"`

	// ICE servers handed to clients on connect, comma-separated URLs.
	// Entries may carry credentials as "url|username|credential".
	ICEServers string `yaml:"ice_servers"`

	// Ops notifications
	MQTTBroker           string `yaml:"mqtt_broker"`
	MQTTTopic            string `yaml:"mqtt_topic"`
	NotifyWebhookURL     string `yaml:"notify_webhook_url"`
	NotifyWebhookHeaders string `yaml:"notify_webhook_headers"`

	// MetricsTextfile, when set, is a path the housekeeping scheduler writes
	// mesh_ metrics to for node_exporter's textfile collector.
	MetricsTextfile string `yaml:"metrics_textfile"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// yamlDurations mirrors the millisecond fields for file parsing.
type yamlDurations struct {
	LongPollMs          int64 `yaml:"long_poll_ms"`
	EphemeralTTLMs      int64 `yaml:"ephemeral_ttl_ms"`
	ChannelDefaultAgeMs int64 `yaml:"channel_default_age_ms"`
	SessionIdleTTLMs    int64 `yaml:"session_idle_ttl_ms"`
	DurableRetentionMs  int64 `yaml:"durable_retention_ms"`
}

// Load reads configuration: defaults, then the optional YAML file, then
// environment variables on top.
func Load() *Config {
	cfg := &Config{
		HTTPPort:            "8080",
		StreamPort:          "8081",
		DBPath:              "/data/channelmesh.db",
		DefaultReceiveLimit: 50,
		MaxReceiveLimit:     500,
		LongPoll:            40 * time.Second,
		EphemeralTTL:        30 * time.Second,
		ChannelDefaultAge:   24 * time.Hour,
		SessionIdleTTL:      2 * time.Minute,
		LogJSON:             true,
		LogLevel:            "info",
	}

	if path := os.Getenv("MESH_CONFIG_FILE"); path != "" {
		cfg.loadFile(path)
	}

	cfg.HTTPPort = envStr("MESH_HTTP_PORT", cfg.HTTPPort)
	cfg.StreamPort = envStr("MESH_STREAM_PORT", cfg.StreamPort)
	cfg.DBPath = envStr("MESH_DB_PATH", cfg.DBPath)
	cfg.DefaultReceiveLimit = envInt("MESH_DEFAULT_RECEIVE_LIMIT", cfg.DefaultReceiveLimit)
	cfg.MaxReceiveLimit = envInt("MESH_MAX_RECEIVE_LIMIT", cfg.MaxReceiveLimit)
	cfg.LongPoll = envMillis("MESH_LONG_POLL_MS", cfg.LongPoll)
	cfg.EphemeralTTL = envMillis("MESH_EPHEMERAL_TTL_MS", cfg.EphemeralTTL)
	cfg.ChannelDefaultAge = envMillis("MESH_CHANNEL_DEFAULT_AGE_MS", cfg.ChannelDefaultAge)
	cfg.SessionIdleTTL = envMillis("MESH_SESSION_IDLE_TTL_MS", cfg.SessionIdleTTL)
	cfg.DurableRetention = envMillis("MESH_DURABLE_RETENTION_MS", cfg.DurableRetention)
	cfg.ICEServers = envStr("MESH_ICE_SERVERS", cfg.ICEServers)
	cfg.MQTTBroker = envStr("MESH_MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopic = envStr("MESH_MQTT_TOPIC", cfg.MQTTTopic)
	cfg.NotifyWebhookURL = envStr("MESH_NOTIFY_WEBHOOK_URL", cfg.NotifyWebhookURL)
	cfg.NotifyWebhookHeaders = envStr("MESH_NOTIFY_WEBHOOK_HEADERS", cfg.NotifyWebhookHeaders)
	cfg.MetricsTextfile = envStr("MESH_METRICS_TEXTFILE", cfg.MetricsTextfile)
	cfg.LogJSON = envBool("MESH_LOG_JSON", cfg.LogJSON)
	cfg.LogLevel = envStr("MESH_LOG_LEVEL", cfg.LogLevel)

	if keys := os.Getenv("MESH_DEV_API_KEYS"); keys != "" {
		cfg.DevAPIKeys = ParseAPIKeys(keys)
	}
	if cfg.DevAPIKeys == nil {
		cfg.DevAPIKeys = map[string]string{}
	}

	return cfg
}

// loadFile merges a YAML config file into cfg. A missing or malformed file is
// ignored; env vars and defaults still apply.
func (c *Config) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = yaml.Unmarshal(data, c)

	var d yamlDurations
	if err := yaml.Unmarshal(data, &d); err == nil {
		if d.LongPollMs > 0 {
			c.LongPoll = time.Duration(d.LongPollMs) * time.Millisecond
		}
		if d.EphemeralTTLMs > 0 {
			c.EphemeralTTL = time.Duration(d.EphemeralTTLMs) * time.Millisecond
		}
		if d.ChannelDefaultAgeMs > 0 {
			c.ChannelDefaultAge = time.Duration(d.ChannelDefaultAgeMs) * time.Millisecond
		}
		if d.SessionIdleTTLMs > 0 {
			c.SessionIdleTTL = time.Duration(d.SessionIdleTTLMs) * time.Millisecond
		}
		if d.DurableRetentionMs > 0 {
			c.DurableRetention = time.Duration(d.DurableRetentionMs) * time.Millisecond
		}
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultReceiveLimit <= 0 {
		errs = append(errs, fmt.Errorf("MESH_DEFAULT_RECEIVE_LIMIT must be > 0, got %d", c.DefaultReceiveLimit))
	}
	if c.MaxReceiveLimit < c.DefaultReceiveLimit {
		errs = append(errs, fmt.Errorf("MESH_MAX_RECEIVE_LIMIT must be >= default limit, got %d", c.MaxReceiveLimit))
	}
	if c.LongPoll < 0 {
		errs = append(errs, fmt.Errorf("MESH_LONG_POLL_MS must be >= 0, got %s", c.LongPoll))
	}
	if c.EphemeralTTL <= 0 {
		errs = append(errs, fmt.Errorf("MESH_EPHEMERAL_TTL_MS must be > 0, got %s", c.EphemeralTTL))
	}
	if c.SessionIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("MESH_SESSION_IDLE_TTL_MS must be > 0, got %s", c.SessionIdleTTL))
	}
	return errors.Join(errs...)
}

// ParseAPIKeys parses comma-separated "keyId:secret" pairs.
func ParseAPIKeys(s string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 && kv[0] != "" {
			keys[kv[0]] = kv[1]
		}
	}
	return keys
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
