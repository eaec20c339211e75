// Package config loads relay and agent configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Relay holds configuration for the relay server process.
type Relay struct {
	// Host is the listen address.
	Host string
	// Port is the listen port.
	Port int
	// DatabasePath is the SQLite file backing sessions and updates.
	DatabasePath string
	// JWTSecret signs and verifies relay-issued tokens.
	JWTSecret string
	// JWKSEndpoint, when set, enables validating externally issued tokens
	// in addition to relay-issued ones.
	JWKSEndpoint string
	// AllowedOrigins restricts websocket upgrades. Empty means same-origin
	// checks are skipped.
	AllowedOrigins []string
	// ReadTimeout and WriteTimeout bound plain HTTP requests.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PushEndpoint, when set, receives permission-request notifications.
	PushEndpoint string
	// PushToken authenticates against PushEndpoint.
	PushToken string
	// LogLevel and LogFormat configure logging (debug/info/warn/error,
	// json/text).
	LogLevel  string
	LogFormat string
}

// Agent holds configuration for the agent-side sync client process.
type Agent struct {
	// ServerURL is the relay base URL (http or https).
	ServerURL string
	// Token authenticates against the relay.
	Token string
	// SessionID is the session this agent syncs.
	SessionID string
	// MachineID identifies the host for machine-scoped events.
	MachineID string
	// EncryptionKey is the base64url legacy master key. May be empty when
	// DataKey is set.
	EncryptionKey string
	// DataKey is the base64url per-session AES-256-GCM key. Preferred over
	// EncryptionKey for new sessions.
	DataKey string
	// OutboxPath is the SQLite file buffering unsent messages.
	OutboxPath string
	// ReconnectInitialDelay and ReconnectMaxDelay bound reconnect backoff.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// FlushInterval is how often the outbox attempts a flush while the
	// relay is reachable.
	FlushInterval time.Duration
	// ShutdownDrainTimeout bounds how long Shutdown waits for the outbox
	// to drain.
	ShutdownDrainTimeout time.Duration
	// PermissionMode is one of default, acceptEdits, safe-yolo, yolo.
	PermissionMode string
	// Provider selects the CLI dialect (claude, codex, gemini).
	Provider string
	// Command and Args launch the provider CLI.
	Command string
	Args    []string
	// WorkDir is the CLI's working directory.
	WorkDir string
	// UsePTY runs the CLI under a pseudo-terminal.
	UsePTY bool
	// LogLevel and LogFormat configure logging.
	LogLevel  string
	LogFormat string
}

// LoadRelay reads relay configuration from the environment.
func LoadRelay() (*Relay, error) {
	cfg := &Relay{
		Host:           getEnv("RELAY_HOST", "0.0.0.0"),
		Port:           getEnvInt("RELAY_PORT", 8080),
		DatabasePath:   getEnv("RELAY_DB_PATH", "/var/lib/agent-relay/relay.db"),
		JWTSecret:      getEnv("RELAY_JWT_SECRET", ""),
		JWKSEndpoint:   getEnv("RELAY_JWKS_ENDPOINT", ""),
		AllowedOrigins: getEnvStringSlice("RELAY_ALLOWED_ORIGINS", nil),
		ReadTimeout:    getEnvDuration("RELAY_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getEnvDuration("RELAY_WRITE_TIMEOUT", 30*time.Second),
		PushEndpoint:   getEnv("RELAY_PUSH_ENDPOINT", ""),
		PushToken:      getEnv("RELAY_PUSH_TOKEN", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("RELAY_JWT_SECRET is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("RELAY_PORT out of range: %d", cfg.Port)
	}
	return cfg, nil
}

// LoadAgent reads agent configuration from the environment.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		ServerURL:             getEnv("AGENT_SERVER_URL", ""),
		Token:                 getEnv("AGENT_TOKEN", ""),
		SessionID:             getEnv("AGENT_SESSION_ID", ""),
		MachineID:             getEnv("AGENT_MACHINE_ID", ""),
		EncryptionKey:         getEnv("AGENT_ENCRYPTION_KEY", ""),
		DataKey:               getEnv("AGENT_DATA_KEY", ""),
		OutboxPath:            getEnv("AGENT_OUTBOX_PATH", "outbox.db"),
		ReconnectInitialDelay: getEnvDuration("AGENT_RECONNECT_INITIAL_DELAY", time.Second),
		ReconnectMaxDelay:     getEnvDuration("AGENT_RECONNECT_MAX_DELAY", 30*time.Second),
		FlushInterval:         getEnvDuration("AGENT_FLUSH_INTERVAL", 2*time.Second),
		ShutdownDrainTimeout:  getEnvDuration("AGENT_SHUTDOWN_DRAIN_TIMEOUT", 10*time.Second),
		PermissionMode:        getEnv("AGENT_PERMISSION_MODE", "default"),
		Provider:              getEnv("AGENT_PROVIDER", "codex"),
		Command:               getEnv("AGENT_COMMAND", ""),
		Args:                  getEnvStringSlice("AGENT_ARGS", nil),
		WorkDir:               getEnv("AGENT_WORKDIR", ""),
		UsePTY:                getEnvBool("AGENT_USE_PTY", false),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("AGENT_SERVER_URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("AGENT_TOKEN is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("AGENT_SESSION_ID is required")
	}
	switch cfg.PermissionMode {
	case "default", "acceptEdits", "safe-yolo", "yolo":
	default:
		return nil, fmt.Errorf("invalid AGENT_PERMISSION_MODE: %q", cfg.PermissionMode)
	}
	switch cfg.Provider {
	case "claude", "codex", "gemini":
	default:
		return nil, fmt.Errorf("invalid AGENT_PROVIDER: %q", cfg.Provider)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
