// Package config handles configuration loading, validation, and persistence
// for the chat relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/registry"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultRelayPort  = 5050
	DefaultAPIPort    = 5051
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Relay           RelayConfig     `json:"relay"`
	Protocol        ProtocolConfig  `json:"protocol"`
	Palette         []string        `json:"palette"`
	ApplicationData ApplicationData `json:"application_data"`
}

// RelayConfig contains the chat listener settings.
type RelayConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	// Password is the shared chat password in clear text. PasswordHash, a
	// bcrypt digest, takes precedence when both are set. Both empty means
	// clients are authenticated on connect.
	Password       string `json:"password"`
	PasswordHash   string `json:"password_hash"`
	BcryptCost     int    `json:"bcrypt_cost"`
	PromptPassword bool   `json:"prompt_password"`

	// Zero disables the corresponding deadline.
	ReadTimeoutSec  int `json:"read_timeout_sec"`
	WriteTimeoutSec int `json:"write_timeout_sec"`

	OutboxSize       int `json:"outbox_size"`
	ShutdownGraceSec int `json:"shutdown_grace_sec"`
	MaxSessions      int `json:"max_sessions"`
}

// ProtocolConfig contains wire format settings.
type ProtocolConfig struct {
	// MaxFrameBytes caps a single frame; zero means unlimited.
	MaxFrameBytes int `json:"max_frame_bytes"`
	// PayloadTimeoutSec bounds the wait for payload frames after a code.
	PayloadTimeoutSec int `json:"payload_timeout_sec"`
	// Codes overrides wire tokens by code name (e.g. "message": "!MSG").
	Codes map[string]string `json:"codes"`
}

// ApplicationData contains settings for the components around the relay.
type ApplicationData struct {
	Logging   LoggingConfig   `json:"logging"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	CLI       CLIConfig       `json:"cli"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds audit store settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// SchedulerConfig holds periodic task intervals.
type SchedulerConfig struct {
	AuditCleanupIntervalSec int `json:"audit_cleanup_interval_sec"`
	StatsIntervalSec        int `json:"stats_interval_sec"`
	DiskCheckIntervalSec    int `json:"disk_check_interval_sec"`
	SessionCheckIntervalSec int `json:"session_check_interval_sec"`
}

// CLIConfig holds operator console settings.
type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Name:             "Chat Relay",
			Address:          "0.0.0.0",
			Port:             DefaultRelayPort,
			OutboxSize:       256,
			ShutdownGraceSec: 2,
		},
		Protocol: ProtocolConfig{
			Codes: map[string]string{},
		},
		Palette: append([]string(nil), registry.DefaultPalette...),
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
			API: APIConfig{
				Enabled:      true,
				Address:      "127.0.0.1",
				Port:         DefaultAPIPort,
				TLSCertFile:  "config/tls/api.crt",
				TLSKeyFile:   "config/tls/api.key",
				RateLimitRPS: 20,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "chatrelay",
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          "config/audit.db",
				RetentionDays: 30,
			},
			Scheduler: SchedulerConfig{
				AuditCleanupIntervalSec: 3600,
				StatsIntervalSec:        60,
				DiskCheckIntervalSec:    300,
				SessionCheckIntervalSec: 60,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
	}
}

// Load reads configuration from configDir, creating it with defaults when
// missing. Values present in the file overlay the defaults, and the file is
// re-saved so new fields appear in it.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// SetRelay updates the relay configuration.
func (c *Config) SetRelay(relay RelayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay = relay
}

// GetProtocol returns a copy of the protocol configuration.
func (c *Config) GetProtocol() ProtocolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Protocol
	if c.Protocol.Codes != nil {
		p.Codes = make(map[string]string, len(c.Protocol.Codes))
		for k, v := range c.Protocol.Codes {
			p.Codes[k] = v
		}
	}
	return p
}

// GetPalette returns a copy of the configured palette.
func (c *Config) GetPalette() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Palette...)
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// ListenAddr returns the relay bind address in host:port form.
func (r RelayConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", r.Address, r.Port)
}

// ReadTimeout returns the idle read deadline, zero when disabled.
func (r RelayConfig) ReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the per-write deadline, zero when disabled.
func (r RelayConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutSec) * time.Second
}

// ShutdownGrace is how long shutdown notices are given to drain.
func (r RelayConfig) ShutdownGrace() time.Duration {
	return time.Duration(r.ShutdownGraceSec) * time.Second
}

// PayloadTimeout returns the deadline for payload frames, zero when disabled.
func (p ProtocolConfig) PayloadTimeout() time.Duration {
	return time.Duration(p.PayloadTimeoutSec) * time.Second
}

// ListenAddr returns the API bind address in host:port form.
func (a APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", a.Address, a.Port)
}
