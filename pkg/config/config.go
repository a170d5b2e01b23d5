// Package config holds runtime configuration for the orchestration core.
// Each concern has its own config struct with built-in defaults; Load
// applies environment overrides on top of the defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every subsystem's configuration.
type Config struct {
	Database  *DatabaseConfig
	Runner    *RunnerConfig
	Queue     *QueueConfig
	Dispatch  *DispatchConfig
	Cache     *CacheConfig
	Events    *EventsConfig
	Retention *RetentionConfig
	Workspace *WorkspaceConfig
	Secrets   *SecretsConfig
	Server    *ServerConfig
}

// Load builds a Config from defaults plus environment overrides.
func Load() *Config {
	return &Config{
		Database:  LoadDatabaseConfig(),
		Runner:    DefaultRunnerConfig(),
		Queue:     DefaultQueueConfig(),
		Dispatch:  LoadDispatchConfig(),
		Cache:     DefaultCacheConfig(),
		Events:    DefaultEventsConfig(),
		Retention: DefaultRetentionConfig(),
		Workspace: LoadWorkspaceConfig(),
		Secrets:   LoadSecretsConfig(),
		Server:    LoadServerConfig(),
	}
}

// ServerConfig holds HTTP server settings for the master process.
type ServerConfig struct {
	Port string

	// AgentToken is the shared bearer token agents present on the
	// agent-authenticated write paths. Empty disables agent auth
	// (development only).
	AgentToken string
}

// LoadServerConfig reads server settings from the environment.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:       getEnvOrDefault("HTTP_PORT", "8080"),
		AgentToken: os.Getenv("AGENT_TOKEN"),
	}
}

// WorkspaceConfig controls per-build workspace allocation and the
// artifact store location.
type WorkspaceConfig struct {
	// Root is the directory under which per-build workspaces are created.
	// Empty means a temp directory per build.
	Root string

	// ArtifactsDir is the on-disk root for collected build artifacts.
	ArtifactsDir string
}

// LoadWorkspaceConfig reads workspace settings from the environment.
func LoadWorkspaceConfig() *WorkspaceConfig {
	return &WorkspaceConfig{
		Root:         os.Getenv("WORKSPACE_ROOT"),
		ArtifactsDir: getEnvOrDefault("ARTIFACTS_DIR", "artifacts"),
	}
}

// AgentConfig holds settings for the agent worker process.
type AgentConfig struct {
	// Port the agent's own HTTP server listens on.
	Port string

	// MasterURL is the base URL of the master this agent reports to.
	MasterURL string

	// AdvertiseURL is the URL the master dispatches builds to. It must
	// be reachable from the master.
	AdvertiseURL string

	// Token is the shared bearer token for the agent write paths.
	Token string

	Name      string
	Labels    []string
	OrgID     string
	Region    string
	MaxBuilds int

	HeartbeatInterval time.Duration
}

// LoadAgentConfig reads agent worker settings from the environment.
func LoadAgentConfig() *AgentConfig {
	cfg := &AgentConfig{
		Port:              getEnvOrDefault("AGENT_HTTP_PORT", "8081"),
		MasterURL:         os.Getenv("MASTER_URL"),
		AdvertiseURL:      os.Getenv("AGENT_ADVERTISE_URL"),
		Token:             os.Getenv("AGENT_TOKEN"),
		Name:              os.Getenv("AGENT_NAME"),
		OrgID:             os.Getenv("AGENT_ORG_ID"),
		Region:            os.Getenv("AGENT_REGION"),
		MaxBuilds:         getEnvInt("AGENT_MAX_BUILDS", 2),
		HeartbeatInterval: getEnvDuration("AGENT_HEARTBEAT_INTERVAL", 30*time.Second),
	}
	if raw := os.Getenv("AGENT_LABELS"); raw != "" {
		cfg.Labels = strings.Split(raw, ",")
	}
	if cfg.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Name = host
		}
	}
	return cfg
}

// SecretsConfig holds the process-wide secrets master key.
type SecretsConfig struct {
	// MasterKey is the base64-encoded 32-byte AES-256 key. The key is
	// only ever held in memory; it never reaches the store.
	MasterKey string
}

// LoadSecretsConfig reads the master key from the environment.
func LoadSecretsConfig() *SecretsConfig {
	return &SecretsConfig{MasterKey: os.Getenv("SECRETS_MASTER_KEY")}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
