package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/conflict"
	"github.com/marcus/rowsync/internal/crypto"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/transport"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DataDir         string // one <scope>.db per served scope
	SchemaPath      string // schema file or directory; each schema is a scope
	SpoolDir        string // empty keeps batch parts in memory
	EncryptSpool    bool   // seal spooled parts with a per-process key
	ShutdownTimeout time.Duration
	SessionTTL      time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	// APIKeys are accepted bearer tokens. Empty disables authentication.
	APIKeys []string

	RateLimitSync  int // sync steps per API key per minute (default: 600)
	RateLimitOther int // all other per API key per minute (default: 120)

	BatchRows      int
	BatchSize      string
	ConflictPolicy string
	MaxBodyBytes   int64
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DataDir:         "./data/scopes",
		SchemaPath:      "./schemas",
		ShutdownTimeout: 30 * time.Second,
		SessionTTL:      transport.DefaultSessionTTL,
		LogFormat:       "json",
		LogLevel:        "info",

		RateLimitSync:  600,
		RateLimitOther: 120,

		BatchSize:      "1MiB",
		ConflictPolicy: "server-wins",
		MaxBodyBytes:   32 << 20,
	}

	if v := os.Getenv("ROWSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ROWSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ROWSYNC_SCHEMA_PATH"); v != "" {
		cfg.SchemaPath = v
	}
	if v := os.Getenv("ROWSYNC_SPOOL_DIR"); v != "" {
		cfg.SpoolDir = v
	}
	if v := os.Getenv("ROWSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("ROWSYNC_SESSION_TTL"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.SessionTTL = d
		}
	}
	if v := os.Getenv("ROWSYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("ROWSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("ROWSYNC_API_KEYS"); v != "" {
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}

	if v := os.Getenv("ROWSYNC_RATE_LIMIT_SYNC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitSync = n
		}
	}
	if v := os.Getenv("ROWSYNC_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}

	if v := os.Getenv("ROWSYNC_BATCH_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchRows = n
		}
	}
	if v := os.Getenv("ROWSYNC_BATCH_SIZE"); v != "" {
		cfg.BatchSize = v
	}
	if v := os.Getenv("ROWSYNC_CONFLICT_POLICY"); v != "" {
		cfg.ConflictPolicy = v
	}
	if v := os.Getenv("ROWSYNC_ENCRYPT_SPOOL"); v != "" {
		cfg.EncryptSpool, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("ROWSYNC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}

	return cfg
}

// Options builds the orchestrator options every served scope runs with.
func (c Config) Options() (orchestrator.Options, error) {
	policy, err := conflict.ParsePolicy(c.ConflictPolicy)
	if err != nil {
		return orchestrator.Options{}, err
	}
	budget, err := batch.ParseBudget(c.BatchRows, c.BatchSize)
	if err != nil {
		return orchestrator.Options{}, err
	}
	opts := orchestrator.Options{
		Policy:   policy,
		Budget:   budget,
		SpoolDir: c.SpoolDir,
	}
	if policy == conflict.Merge {
		opts.Merge = conflict.MergeNonNull
	}
	if c.EncryptSpool && c.SpoolDir != "" {
		if opts.SpoolKey, err = crypto.GenerateKey(); err != nil {
			return orchestrator.Options{}, err
		}
	}
	return opts, nil
}

// parseDaysDuration parses a string like "1d", "7d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
