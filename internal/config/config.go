// Package config provides centralized configuration management for sheetnorm.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// Every setting is read from the environment; see Load for naming.
type Config struct {
	Engine   EngineConfig
	Sandbox  SandboxConfig
	Snapshot SnapshotConfig
	Database DatabaseConfig
	Server   ServerConfig
	Logging  LoggingConfig
}

// EngineConfig holds pipeline runner settings.
type EngineConfig struct {
	// MaxConcurrentRuns is the maximum number of parallel runs (default: 5)
	MaxConcurrentRuns int `env:"ENGINE_MAX_CONCURRENT_RUNS" default:"5" min:"1" max:"256"`

	// MaxWaitTime is how long to wait for a run slot (default: 30s)
	MaxWaitTime time.Duration `env:"ENGINE_MAX_WAIT_TIME" default:"30s" min:"1ms"`

	// RunTimeout bounds a whole run including I/O (default: 10m)
	RunTimeout time.Duration `env:"ENGINE_RUN_TIMEOUT" default:"10m" min:"1s"`

	// ColumnConcurrency bounds concurrent column work inside passes 2-4 (default: 4)
	ColumnConcurrency int `env:"ENGINE_COLUMN_CONCURRENCY" default:"4" min:"1" max:"64"`

	// SpoolDir holds per-run row and column spools (default: OS temp dir)
	SpoolDir string `env:"ENGINE_SPOOL_DIR"`

	// MaxInputSize is the maximum accepted input file size (default: 512MiB)
	MaxInputSize int64 `env:"ENGINE_MAX_INPUT_SIZE" default:"512MiB" unit:"bytes" min:"1"`

	// MappingScoreThreshold, when set, replaces the manifest's
	// engine.defaults.mapping_score_threshold. The --threshold flag wins over both.
	MappingScoreThreshold *float64 `env:"ENGINE_MAPPING_SCORE_THRESHOLD" min:"0" max:"100"`
}

// SandboxConfig holds defaults for out-of-process rule workers.
// Manifest engine.defaults override the per-call limits.
type SandboxConfig struct {
	// CallTimeout is the default wall-clock budget per rule call (default: 5s)
	CallTimeout time.Duration `env:"SANDBOX_CALL_TIMEOUT" default:"5s" min:"10ms" max:"1h"`

	// StartTimeout bounds worker start plus describe handshake (default: 10s)
	StartTimeout time.Duration `env:"SANDBOX_START_TIMEOUT" default:"10s" min:"100ms" max:"10m"`

	// MemoryLimitMB is the default address-space ceiling per worker; 0 disables it (default: 512)
	MemoryLimitMB int `env:"SANDBOX_MEMORY_LIMIT_MB" default:"512" min:"0" max:"65536"`

	// NetIsolation selects how network access is denied: auto, namespace, env (default: auto)
	NetIsolation string `env:"SANDBOX_NET_ISOLATION" default:"auto" oneof:"auto namespace env"`

	// PassEnv lists extra environment variables forwarded to workers
	PassEnv []string `env:"SANDBOX_PASS_ENV"`

	// StderrLimit caps captured worker stderr (default: 64KiB)
	StderrLimit int `env:"SANDBOX_STDERR_LIMIT" default:"64KiB" unit:"bytes" min:"0" max:"16777216"`
}

// SnapshotConfig holds build/snapshot cache settings.
type SnapshotConfig struct {
	// Root is the snapshot cache directory (default: .sheetnorm/snapshots)
	Root string `env:"SNAPSHOT_ROOT" default:".sheetnorm/snapshots"`

	// BuildTimeout bounds a dependency install step (default: 10m)
	BuildTimeout time.Duration `env:"SNAPSHOT_BUILD_TIMEOUT" default:"10m" min:"1s"`

	// LockTimeout is how long to wait for another process's build (default: 15m)
	LockTimeout time.Duration `env:"SNAPSHOT_LOCK_TIMEOUT" default:"15m" min:"1ms"`

	// ManifestCacheSize is the number of parsed manifests kept in memory (default: 64)
	ManifestCacheSize int `env:"SNAPSHOT_MANIFEST_CACHE_SIZE" default:"64" min:"1" max:"4096"`
}

// DatabaseConfig holds the optional snapshot metadata index connection.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string; empty disables the index.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10" min:"1"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1" min:"0"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 127.0.0.1)
	Host string `env:"SERVER_HOST" default:"127.0.0.1"`

	// Port is the port to listen on (default: 9090)
	Port int `env:"SERVER_PORT" default:"9090" min:"1" max:"65535"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s" min:"1ms"`

	// RequestTimeout is the middleware timeout for requests (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`

	// APIKeys guard the /api routes via X-API-Key; empty leaves them open.
	APIKeys []string `env:"SERVER_API_KEYS"`

	// TrustedProxies are CIDRs whose X-Real-IP / X-Forwarded-For are honored.
	TrustedProxies []string `env:"SERVER_TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info" oneof:"debug info warn error"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text" oneof:"text json"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
