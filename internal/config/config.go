// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port     string
	DBPath   string
	LogLevel slog.Level
	// CORSOrigins lists browser origins allowed to call the API. "*" allows any.
	CORSOrigins []string

	Oracle          OracleConfig
	Agent           AgentConfig
	Auth            AuthConfig
	HTTP            HTTPConfig
	Retention       RetentionConfig
	MQTT            MQTTConfig
	Cluster         ClusterConfig
	ConversationLog ConversationLogConfig
}

// OracleConfig selects and configures the reasoning oracle.
type OracleConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	// GrpcAddr switches to the gRPC oracle when set.
	GrpcAddr string
	Timeout  time.Duration
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxIterations    int
	OperationTimeout time.Duration
}

// AuthConfig holds the accepted API keys. Both empty disables auth.
type AuthConfig struct {
	AdminKey string
	UserKey  string
}

// HTTPConfig controls the chat endpoints.
type HTTPConfig struct {
	ChatRateLimit   int
	StreamRateLimit int
	MaxRequestBody  int64
	SSEKeepalive    time.Duration
}

// RetentionConfig controls the session retention sweep. A zero MaxAge disables it.
type RetentionConfig struct {
	MaxAge   time.Duration
	Schedule string
}

// MQTTConfig controls the audit publisher. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
}

// ClusterConfig selects the container host backend.
type ClusterConfig struct {
	// Backend is "docker" or "memory".
	Backend     string
	LabelPrefix string
	Runtime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/clusterchat.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		Oracle: OracleConfig{
			BaseURL:     getEnv("ORACLE_BASE_URL", getEnv("URL", "http://localhost:11434/v1")),
			Model:       getEnv("ORACLE_MODEL", getEnv("MODEL", "")),
			APIKey:      getEnv("ORACLE_API_KEY", getEnv("KEY", "")),
			Temperature: getEnvFloat("ORACLE_TEMPERATURE", 0),
			GrpcAddr:    getEnv("ORACLE_GRPC_ADDR", ""),
			Timeout:     getEnvDuration("ORACLE_TIMEOUT", 120*time.Second),
		},
		Agent: AgentConfig{
			MaxIterations:    getEnvInt("AGENT_MAX_ITERATIONS", 10),
			OperationTimeout: getEnvDuration("OPERATION_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			AdminKey: getEnv("ADMIN_API_KEY", ""),
			UserKey:  getEnv("USER_API_KEY", ""),
		},
		HTTP: HTTPConfig{
			ChatRateLimit:   getEnvInt("RATE_LIMIT_CHAT", 20),
			StreamRateLimit: getEnvInt("RATE_LIMIT_STREAM", 10),
			MaxRequestBody:  int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 64*1024)),
			SSEKeepalive:    getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
		},
		Retention: RetentionConfig{
			MaxAge:   getEnvDuration("SESSION_RETENTION", 0),
			Schedule: getEnv("SESSION_RETENTION_SCHEDULE", "@hourly"),
		},
		MQTT: MQTTConfig{
			Broker:      getEnv("MQTT_BROKER", ""),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "clusterchat"),
			ClientID:    getEnv("MQTT_CLIENT_ID", ""),
			Username:    getEnv("MQTT_USERNAME", ""),
			Password:    getEnv("MQTT_PASSWORD", ""),
		},
		Cluster: ClusterConfig{
			Backend:     strings.ToLower(getEnv("CLUSTER_BACKEND", "docker")),
			LabelPrefix: getEnv("DOCKER_LABEL_PREFIX", "clusterchat"),
			Runtime:     getEnv("CONTAINER_RUNTIME", ""),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Oracle.GrpcAddr == "" && c.Oracle.BaseURL == "" {
		return fmt.Errorf("ORACLE_BASE_URL cannot be empty when ORACLE_GRPC_ADDR is unset")
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be > 0")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be > 0")
	}
	if c.Agent.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must be > 0")
	}
	if c.HTTP.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("SESSION_RETENTION cannot be negative")
	}
	switch c.Cluster.Backend {
	case "docker", "memory":
	default:
		return fmt.Errorf("CLUSTER_BACKEND must be docker or memory, got %q", c.Cluster.Backend)
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// AuthEnabled reports whether API keys are required.
func (c *Config) AuthEnabled() bool {
	return c.Auth.AdminKey != "" || c.Auth.UserKey != ""
}

// OriginHosts returns CORSOrigins reduced to host patterns for WebSocket origin checks.
func (c *Config) OriginHosts() []string {
	hosts := make([]string, 0, len(c.CORSOrigins))
	for _, o := range c.CORSOrigins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return hosts
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s", "24h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
