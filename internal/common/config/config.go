// Package config provides configuration management for the agent
// supervisor. It supports loading configuration from environment
// variables, a config file, and defaults, following the same viper-based
// layout as the rest of the kandev stack.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Coalescer CoalescerConfig `mapstructure:"coalescer"`
	Docker   DockerConfig   `mapstructure:"docker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig configures the durable event log.
type StoreConfig struct {
	// Dir is the writable directory holding the metadata database and
	// events/<sessionId>.jsonl files. Default ".agent-store".
	Dir string `mapstructure:"dir"`
	// MaxSessionEvents caps the tail length surfaced to subscribers at
	// load time.
	MaxSessionEvents int `mapstructure:"maxSessionEvents"`
	// MetadataFlushDelayMs is how long after the last append the
	// debounced updated_at UPDATE fires.
	MetadataFlushDelayMs int `mapstructure:"metadataFlushDelayMs"`
}

// AgentConfig configures the agent kind registry and spawn behavior.
type AgentConfig struct {
	// BinDir, if set, is prepended to the PATH in each agent child's
	// environment. The exec launcher still looks the agent executable up
	// on the supervisor's own PATH.
	BinDir string `mapstructure:"binDir"`
	// SpawnTimeoutSeconds bounds how long findOrSpawn waits for the
	// child's ACP initialize handshake.
	SpawnTimeoutSeconds int `mapstructure:"spawnTimeoutSeconds"`
	// ShutdownGraceSeconds is the grace period given to a client during
	// stop before it is force-terminated.
	ShutdownGraceSeconds int `mapstructure:"shutdownGraceSeconds"`
}

// CoalescerConfig configures the write coalescer.
type CoalescerConfig struct {
	FlushIntervalMs int `mapstructure:"flushIntervalMs"`
}

// DockerConfig configures the optional Docker-backed process launcher.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// NATSConfig configures the optional NATS mirror.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig toggles optional event fan-out behavior.
type EventsConfig struct {
	NATSEnabled     bool   `mapstructure:"natsEnabled"`
	SubjectPrefix   string `mapstructure:"subjectPrefix"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (c CoalescerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (s StoreConfig) MetadataFlushDelay() time.Duration {
	return time.Duration(s.MetadataFlushDelayMs) * time.Millisecond
}

func (a AgentConfig) SpawnTimeout() time.Duration {
	return time.Duration(a.SpawnTimeoutSeconds) * time.Second
}

func (a AgentConfig) ShutdownGrace() time.Duration {
	return time.Duration(a.ShutdownGraceSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dir", ".agent-store")
	v.SetDefault("store.maxSessionEvents", 20000)
	v.SetDefault("store.metadataFlushDelayMs", 2000)

	v.SetDefault("agent.binDir", "")
	v.SetDefault("agent.spawnTimeoutSeconds", 30)
	v.SetDefault("agent.shutdownGraceSeconds", 5)

	v.SetDefault("coalescer.flushIntervalMs", 500)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agent-supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.natsEnabled", false)
	v.SetDefault("events.subjectPrefix", "agentsupervisor.sessions")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults, looking for config.yaml in the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (in addition
// to the current directory and defaults).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
