package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/chatrelay-project/chatrelay/internal/protocol"
	"github.com/chatrelay-project/chatrelay/internal/registry"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for errors that prevent startup and
// settings worth warning about.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateRelay(&cfg.Relay, result)
	validateProtocol(&cfg.Protocol, result)
	validatePalette(cfg.Palette, result)
	validateApplicationData(&cfg.ApplicationData, cfg.Relay.Port, result)

	return result
}

func validateRelay(relay *RelayConfig, result *ValidationResult) {
	validatePort(relay.Port, "relay.port", result)

	if relay.Address != "" && net.ParseIP(relay.Address) == nil && relay.Address != "localhost" {
		result.AddWarning("relay.address",
			fmt.Sprintf("%q is not an IP address and will be resolved at bind time", relay.Address))
	}

	if relay.PasswordHash == "" && relay.Password == "" && !relay.PromptPassword {
		result.AddWarning("relay.password", "no password configured, every client is authenticated on connect")
	}
	if relay.PasswordHash != "" && !strings.HasPrefix(relay.PasswordHash, "$2") {
		result.AddError("relay.password_hash", "password hash must be a bcrypt digest")
	}
	if relay.BcryptCost != 0 && (relay.BcryptCost < 4 || relay.BcryptCost > 31) {
		result.AddError("relay.bcrypt_cost", "bcrypt cost must be between 4 and 31, or 0 for the default")
	}

	if relay.ReadTimeoutSec < 0 || relay.WriteTimeoutSec < 0 {
		result.AddError("relay.timeouts", "timeouts cannot be negative")
	}
	if relay.OutboxSize < 1 {
		result.AddError("relay.outbox_size", "outbox must hold at least one message")
	}
	if relay.MaxSessions < 0 {
		result.AddError("relay.max_sessions", "max sessions cannot be negative")
	}
}

func validateProtocol(p *ProtocolConfig, result *ValidationResult) {
	if p.MaxFrameBytes < 0 || p.MaxFrameBytes > protocol.MaxPayloadLength {
		result.AddError("protocol.max_frame_bytes",
			fmt.Sprintf("must be between 0 and %d", protocol.MaxPayloadLength))
	}
	if p.MaxFrameBytes == 0 {
		result.AddWarning("protocol.max_frame_bytes", "frame size is unlimited, a client can make the relay allocate up to 100MB per frame")
	}
	if p.PayloadTimeoutSec < 0 {
		result.AddError("protocol.payload_timeout_sec", "timeout cannot be negative")
	}
	if _, err := protocol.NewVocabulary(p.Codes); err != nil {
		result.AddError("protocol.codes", err.Error())
	}
}

func validatePalette(palette []string, result *ValidationResult) {
	normalized, err := registry.NormalizePalette(palette)
	if err != nil {
		result.AddError("palette", err.Error())
		return
	}
	if len(normalized) < len(palette) {
		result.AddWarning("palette", "duplicate colours ignored")
	}
	if len(normalized) < 4 {
		result.AddWarning("palette",
			fmt.Sprintf("only %d colours, at most %d clients can connect at once", len(normalized), len(normalized)))
	}
}

func validateApplicationData(data *ApplicationData, relayPort int, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.Port == relayPort {
			result.AddError("application_data.api.port", "API port conflicts with relay port")
		}
		if data.API.TLSEnabled {
			if strings.TrimSpace(data.API.TLSCertFile) == "" || strings.TrimSpace(data.API.TLSKeyFile) == "" {
				result.AddError("application_data.api.tls",
					"certificate and key files are required when TLS is enabled")
			}
		}
		if data.API.Token == "" && data.API.Address != "127.0.0.1" && data.API.Address != "localhost" {
			result.AddWarning("application_data.api.token",
				"API is reachable beyond localhost without a token")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Database.Enabled {
		if strings.TrimSpace(data.Database.Path) == "" {
			result.AddError("application_data.database.path", "database path is required when enabled")
		}
		if data.Database.RetentionDays < 1 {
			result.AddError("application_data.database.retention_days", "retention days must be at least 1")
		}
	}

	if data.Scheduler.StatsIntervalSec != 0 && data.Scheduler.StatsIntervalSec < 5 {
		result.AddWarning("application_data.scheduler.stats_interval_sec",
			"stats interval less than 5s may cause excessive traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port can be bound on all interfaces.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
