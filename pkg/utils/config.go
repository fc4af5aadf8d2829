package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Configuration errors
var (
	ErrConfigValueInvalid  = errors.New("config value invalid")
	ErrConfigValueRequired = errors.New("config value required")
	ErrConfigOutOfRange    = errors.New("config value out of range")
	ErrSecretTooShort      = errors.New("secret value too short")
)

// MinSecretLength is the minimum accepted length for secret values
const MinSecretLength = 16

// ConfigSource abstracts where configuration values come from.
// The default source reads the process environment; tests supply a map.
type ConfigSource interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	List() map[string]string
}

// ConfigManager reads typed configuration values from a source,
// falling back to defaults with a log line when values are absent
// or unparseable.
type ConfigManager struct {
	source ConfigSource
	logger *Logger

	mu            sync.RWMutex
	sensitiveKeys map[string]bool
}

// ConfigManagerConfig configures a ConfigManager
type ConfigManagerConfig struct {
	Source        ConfigSource
	Logger        *Logger
	SensitiveKeys []string
}

// NewConfigManager creates a config manager. A nil config or source
// falls back to the process environment.
func NewConfigManager(cfg *ConfigManagerConfig) *ConfigManager {
	if cfg == nil {
		cfg = &ConfigManagerConfig{}
	}
	source := cfg.Source
	if source == nil {
		source = &envSource{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = GetLogger()
	}

	cm := &ConfigManager{
		source:        source,
		logger:        logger,
		sensitiveKeys: make(map[string]bool),
	}
	for _, key := range cfg.SensitiveKeys {
		cm.sensitiveKeys[strings.ToUpper(key)] = true
	}
	return cm
}

// GetString returns the string value for key, or defaultValue when unset
func (cm *ConfigManager) GetString(key, defaultValue string) string {
	value, exists := cm.source.Get(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	value = strings.TrimSpace(value)
	if value == "" {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	return value
}

// GetStringRequired returns the value for key or an error when unset
func (cm *ConfigManager) GetStringRequired(key string) (string, error) {
	value, exists := cm.source.Get(key)
	if !exists || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s", ErrConfigValueRequired, key)
	}
	return strings.TrimSpace(value), nil
}

// GetInt returns the integer value for key, or defaultValue when unset
// or unparseable
func (cm *ConfigManager) GetInt(key string, defaultValue int) int {
	value, exists := cm.source.Get(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		cm.logInvalid(key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// GetIntRange returns the integer value for key clamped to [min, max].
// Out-of-range values fall back to defaultValue with a warning.
func (cm *ConfigManager) GetIntRange(key string, defaultValue, min, max int) int {
	value := cm.GetInt(key, defaultValue)
	if value < min || value > max {
		cm.logger.Warn("Config value out of range, using default",
			ZapString("key", key),
			ZapInt("value", value),
			ZapInt("min", min),
			ZapInt("max", max),
			ZapInt("default", defaultValue))
		return defaultValue
	}
	return value
}

// GetBool returns the boolean value for key. Accepts 1/true/t/yes/y/on/enabled
// as true and 0/false/f/no/n/off/disabled as false.
func (cm *ConfigManager) GetBool(key string, defaultValue bool) bool {
	value, exists := cm.source.Get(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on", "enabled":
		return true
	case "0", "false", "f", "no", "n", "off", "disabled":
		return false
	default:
		cm.logInvalid(key, value, defaultValue)
		return defaultValue
	}
}

// GetDuration returns the duration value for key. Values parse either as
// a Go duration string ("30s", "5m") or a plain integer of seconds.
func (cm *ConfigManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := cm.source.Get(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	value = strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	cm.logInvalid(key, value, defaultValue)
	return defaultValue
}

// GetStringSlice returns the comma-separated values for key with
// whitespace trimmed and empty entries dropped
func (cm *ConfigManager) GetStringSlice(key string, defaultValue []string) []string {
	value, exists := cm.source.Get(key)
	if !exists || strings.TrimSpace(value) == "" {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// GetSecret returns a secret value for key. The value must be present,
// at least MinSecretLength characters, and not an obvious placeholder.
// The key is marked sensitive so List() redacts it.
func (cm *ConfigManager) GetSecret(key string) (string, error) {
	value, exists := cm.source.Get(key)
	if !exists || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s", ErrConfigValueRequired, key)
	}
	value = strings.TrimSpace(value)
	if len(value) < MinSecretLength {
		return "", fmt.Errorf("%w: %s must be at least %d characters", ErrSecretTooShort, key, MinSecretLength)
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "changeme") || strings.Contains(lower, "placeholder") || strings.Contains(lower, "example") {
		return "", fmt.Errorf("%w: %s looks like a placeholder", ErrConfigValueInvalid, key)
	}
	cm.markSensitive(key)
	return value, nil
}

// List returns all known configuration values with sensitive keys redacted
func (cm *ConfigManager) List() map[string]string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	values := cm.source.List()
	result := make(map[string]string, len(values))
	for key, value := range values {
		if cm.sensitiveKeys[strings.ToUpper(key)] || isSensitiveKey(key) {
			result[key] = "[REDACTED]"
		} else {
			result[key] = value
		}
	}
	return result
}

func (cm *ConfigManager) markSensitive(key string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sensitiveKeys[strings.ToUpper(key)] = true
}

func (cm *ConfigManager) logDefault(key string, defaultValue interface{}) {
	cm.logger.Debug("Config value not set, using default",
		ZapString("key", key),
		ZapAny("default", defaultValue))
}

func (cm *ConfigManager) logInvalid(key, value string, defaultValue interface{}) {
	if cm.sensitiveKeys[strings.ToUpper(key)] || isSensitiveKey(key) {
		value = "[REDACTED]"
	}
	cm.logger.Warn("Config value invalid, using default",
		ZapString("key", key),
		ZapString("value", value),
		ZapAny("default", defaultValue))
}

// envSource reads from the process environment
type envSource struct{}

func (e *envSource) Get(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (e *envSource) Set(key, value string) error {
	return os.Setenv(key, value)
}

func (e *envSource) Delete(key string) error {
	return os.Unsetenv(key)
}

func (e *envSource) List() map[string]string {
	result := make(map[string]string)
	for _, entry := range os.Environ() {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if isSensitiveKey(parts[0]) {
			result[parts[0]] = "[REDACTED]"
		} else {
			result[parts[0]] = parts[1]
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"SECRET", "PASSWORD", "TOKEN", "KEY", "SEED", "CREDENTIAL"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
