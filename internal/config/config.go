// Package config loads the JSON configuration file shared by the web
// gateway, database gateway, and orchestration worker binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the full set of options recognized by `-config <path>` (spec §6).
// Every binary decodes the same file and reads only the fields it needs.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	HTTPAddr   string `json:"http_addr"`
	HTTPSAddr  string `json:"https_addr"`
	EnableHTTPS bool  `json:"enable_https"`

	KubeConfigPath string `json:"kube_config_path"`
	LabelSelector  string `json:"label_selector"`
	ClusterSuffix  string `json:"cluster_suffix"`

	MaxConnections    int `json:"max_connections"`
	ConnectionTimeoutMS int `json:"connection_timeout_ms"`
	ReadBufferSize     int `json:"read_buffer_size"`
	WriteBufferSize    int `json:"write_buffer_size"`
	UseProxyProto      bool `json:"use_proxy_proto"`

	Email         string `json:"email"`
	ACMEServerURL string `json:"acme_server_url"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	QueueName     string `json:"queue_name"`

	IdleTimeoutMinutes   int `json:"idle_timeout_minutes"`
	CheckIntervalSeconds int `json:"check_interval_seconds"`

	ProxyReadTimeoutSeconds     int `json:"proxy_read_timeout"`
	ProxyWriteTimeoutSeconds    int `json:"proxy_write_timeout"`
	WebSocketReadTimeoutSeconds int `json:"websocket_read_timeout"`
	WebSocketWriteTimeoutSeconds int `json:"websocket_write_timeout"`

	WildcardDomain      string `json:"wildcard_domain"`
	CloudflareAPIToken  string `json:"cloudflare_api_token"`
	EnableWildcard      bool   `json:"enable_wildcard"`

	StatusCallbackURL string `json:"status_callback_url"`

	CrashLoopIntervalSeconds int `json:"crashloop_interval_seconds"`
}

// Defaults matching spec.md's stated defaults.
const (
	DefaultIdleTimeoutMinutes      = 10
	DefaultCheckIntervalSeconds    = 60
	DefaultCrashLoopIntervalSeconds = 180
	DefaultProxyTimeoutSeconds     = 3600
	DefaultReadBufferSize          = 64 * 1024
	DefaultWriteBufferSize         = 64 * 1024
	DefaultConnectionTimeoutMS     = 1000
	DefaultClusterSuffix           = "svc.cluster.local"
	DefaultQueueName               = "platformcore:queue"
)

// Load reads and decodes the JSON config file at path, applying defaults
// for any option the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:3306"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "0.0.0.0:8080"
	}
	if cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = "0.0.0.0:8443"
	}
	if cfg.ClusterSuffix == "" {
		cfg.ClusterSuffix = DefaultClusterSuffix
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 256
	}
	if cfg.ConnectionTimeoutMS <= 0 {
		cfg.ConnectionTimeoutMS = DefaultConnectionTimeoutMS
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultWriteBufferSize
	}
	if cfg.IdleTimeoutMinutes <= 0 {
		cfg.IdleTimeoutMinutes = DefaultIdleTimeoutMinutes
	}
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = DefaultCheckIntervalSeconds
	}
	if cfg.CrashLoopIntervalSeconds <= 0 {
		cfg.CrashLoopIntervalSeconds = DefaultCrashLoopIntervalSeconds
	}
	if cfg.ProxyReadTimeoutSeconds <= 0 {
		cfg.ProxyReadTimeoutSeconds = DefaultProxyTimeoutSeconds
	}
	if cfg.ProxyWriteTimeoutSeconds <= 0 {
		cfg.ProxyWriteTimeoutSeconds = DefaultProxyTimeoutSeconds
	}
	if cfg.WebSocketReadTimeoutSeconds <= 0 {
		cfg.WebSocketReadTimeoutSeconds = DefaultProxyTimeoutSeconds
	}
	if cfg.WebSocketWriteTimeoutSeconds <= 0 {
		cfg.WebSocketWriteTimeoutSeconds = DefaultProxyTimeoutSeconds
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
}

// ConnectionTimeout returns the configured database dial timeout as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMS) * time.Millisecond
}

// IdleTimeout returns the configured idle-scaler timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// CheckInterval returns the configured idle-scaler scan interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// CrashLoopInterval returns the configured crash-loop sweeper interval.
func (c *Config) CrashLoopInterval() time.Duration {
	return time.Duration(c.CrashLoopIntervalSeconds) * time.Second
}

// ProxyTimeouts returns (read, write) transport timeouts for the reverse proxy.
func (c *Config) ProxyTimeouts() (time.Duration, time.Duration) {
	return time.Duration(c.ProxyReadTimeoutSeconds) * time.Second,
		time.Duration(c.ProxyWriteTimeoutSeconds) * time.Second
}

// WebSocketTimeouts returns (read, write) transport timeouts for upgraded connections.
func (c *Config) WebSocketTimeouts() (time.Duration, time.Duration) {
	return time.Duration(c.WebSocketReadTimeoutSeconds) * time.Second,
		time.Duration(c.WebSocketWriteTimeoutSeconds) * time.Second
}
