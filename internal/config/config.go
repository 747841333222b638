// Package config holds the root configuration for the memory service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config is the root configuration for the memory gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Sessions  SessionsConfig  `json:"sessions"`
	OpenClaw  OpenClawConfig  `json:"openclaw,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the MCP HTTP+SSE transport (C10).
type GatewayConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	MaxConnectionsPerKey   int    `json:"max_connections_per_key"`
	MaxConnectionsPerIP    int    `json:"max_connections_per_ip"`
	SessionIdleMs          int    `json:"session_idle_ms"`
}

// DatabaseConfig configures the default/local tenant database (C1/C11).
// Turso/libsql credentials are resolved per-request by the tenancy router
// and are never read from the config file (secret, env-only).
type DatabaseConfig struct {
	Path        string `json:"path"`
	TursoURL    string `json:"-"`
	TursoToken  string `json:"-"`
}

// EmbeddingConfig configures the embedding provider and queue (C4/C5).
type EmbeddingConfig struct {
	GatewayBaseURL     string `json:"-"`
	GatewayAPIKey      string `json:"-"`
	DefaultModelID     string `json:"default_model_id"`
	MaxAttempts        int    `json:"max_attempts"`
	RetryBaseMs        int    `json:"retry_base_ms"`
	RetryMaxMs         int    `json:"retry_max_ms"`
	ProcessingTimeoutMs int   `json:"processing_timeout_ms"`
	WorkerBatchSize    int    `json:"worker_batch_size"`
	BackfillBatchSize  int    `json:"backfill_batch_size"`
	BackfillThrottleMs int    `json:"backfill_throttle_ms"`
}

// MemoryConfig configures working-memory TTL defaults (C2).
type MemoryConfig struct {
	WorkingMemoryTTLHours int `json:"working_memory_ttl_hours"`
}

// SessionsConfig configures the session/compaction machine (C7).
type SessionsConfig struct {
	InactivityMinutes int `json:"inactivity_minutes"`
	CompactionLimit   int `json:"compaction_limit"`
	EventWindow       int `json:"event_window"`
}

// OpenClawConfig configures the optional best-effort daily-log collaborator (C7/§6).
type OpenClawConfig struct {
	FileModeEnabled bool   `json:"file_mode_enabled"`
	DailyLogDir     string `json:"daily_log_dir,omitempty"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                 "0.0.0.0",
			Port:                 8787,
			MaxConnectionsPerKey: 5,
			MaxConnectionsPerIP:  20,
			SessionIdleMs:        15 * 60 * 1000,
		},
		Database: DatabaseConfig{
			Path: "~/.memoryd/memory.db",
		},
		Embedding: EmbeddingConfig{
			DefaultModelID:      "text-embedding-3-small",
			MaxAttempts:         5,
			RetryBaseMs:         500,
			RetryMaxMs:          60_000,
			ProcessingTimeoutMs: 5 * 60 * 1000,
			WorkerBatchSize:     10,
			BackfillBatchSize:   50,
			BackfillThrottleMs:  50,
		},
		Memory: MemoryConfig{
			WorkingMemoryTTLHours: 24,
		},
		Sessions: SessionsConfig{
			InactivityMinutes: 60,
			CompactionLimit:   25,
			EventWindow:       8,
		},
	}
}

// ReplaceFrom atomically swaps in src's data fields, preserving c's mutex.
// Used by the config hot-reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Embedding = src.Embedding
	c.Memory = src.Memory
	c.Sessions = src.Sessions
	c.OpenClaw = src.OpenClaw
}

// Snapshot returns a copy of the config safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// WorkingMemoryTTL returns the configured TTL as a duration.
func (c *Config) WorkingMemoryTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hours := c.Memory.WorkingMemoryTTLHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true"
	}
}

// applyEnvOverrides overlays environment variables per spec.md §6.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envInt("MCP_MAX_CONNECTIONS_PER_KEY", &c.Gateway.MaxConnectionsPerKey)
	envInt("MCP_MAX_CONNECTIONS_PER_IP", &c.Gateway.MaxConnectionsPerIP)
	envInt("MCP_SESSION_IDLE_MS", &c.Gateway.SessionIdleMs)

	if v := os.Getenv("MEMORIES_WORKING_MEMORY_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.WorkingMemoryTTLHours = n
		}
	}
	if v := os.Getenv("MCP_WORKING_MEMORY_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.WorkingMemoryTTLHours = n
		}
	}

	envInt("SDK_EMBEDDING_JOB_MAX_ATTEMPTS", &c.Embedding.MaxAttempts)
	envInt("SDK_EMBEDDING_JOB_RETRY_BASE_MS", &c.Embedding.RetryBaseMs)
	envInt("SDK_EMBEDDING_JOB_RETRY_MAX_MS", &c.Embedding.RetryMaxMs)
	envInt("SDK_EMBEDDING_JOB_PROCESSING_TIMEOUT_MS", &c.Embedding.ProcessingTimeoutMs)
	envInt("SDK_EMBEDDING_JOB_WORKER_BATCH_SIZE", &c.Embedding.WorkerBatchSize)
	envInt("SDK_EMBEDDING_JOB_BACKFILL_BATCH_SIZE", &c.Embedding.BackfillBatchSize)
	envInt("SDK_EMBEDDING_JOB_BACKFILL_THROTTLE_MS", &c.Embedding.BackfillThrottleMs)
	envStr("SDK_DEFAULT_EMBEDDING_MODEL_ID", &c.Embedding.DefaultModelID)

	envStr("AI_GATEWAY_API_KEY", &c.Embedding.GatewayAPIKey)
	envStr("AI_GATEWAY_BASE_URL", &c.Embedding.GatewayBaseURL)

	envStr("MEMORYD_DB_PATH", &c.Database.Path)
	envStr("MEMORYD_TURSO_URL", &c.Database.TursoURL)
	envStr("MEMORYD_TURSO_TOKEN", &c.Database.TursoToken)

	envBool("MEMORY_OPENCLAW_FILE_MODE_ENABLED", &c.OpenClaw.FileModeEnabled)
}

func resolveConfigEnvVar() string {
	return os.Getenv("MEMORYD_CONFIG")
}

// validationError is returned by Load when the file exists but cannot be parsed.
func validationError(path string, err error) error {
	return fmt.Errorf("parse config %s: %w", path, err)
}
