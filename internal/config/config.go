// Package config loads the rowsync CLI configuration from an optional YAML
// file, ROWSYNC_* environment variables and defaults, in increasing order of
// precedence: defaults < file < environment < flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/conflict"
	"github.com/marcus/rowsync/internal/crypto"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/suggest"
)

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "rowsync.yaml"

// EnvPrefix prefixes every environment override, e.g. ROWSYNC_REMOTE_URL.
const EnvPrefix = "ROWSYNC"

// Config is the CLI configuration.
type Config struct {
	Database string `mapstructure:"database" yaml:"database"`
	// Schema is a schema file or a directory of them; every schema is one
	// scope named after it.
	Schema string `mapstructure:"schema" yaml:"schema"`
	// Scopes limits sync to the named scopes. Empty syncs every scope.
	Scopes []string `mapstructure:"scopes" yaml:"scopes,omitempty"`

	Remote      RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	Batch       BatchConfig    `mapstructure:"batch" yaml:"batch"`
	Conflict    ConflictConfig `mapstructure:"conflict" yaml:"conflict"`
	Retry       RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Webhook     WebhookConfig  `mapstructure:"webhook" yaml:"webhook"`
	LockTimeout time.Duration  `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	LogLevel    string         `mapstructure:"log_level" yaml:"log_level"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type BatchConfig struct {
	Rows     int    `mapstructure:"rows" yaml:"rows"`
	Size     string `mapstructure:"size" yaml:"size"`
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir,omitempty"`
	// EncryptSpool seals spooled parts with a key that never leaves the process.
	EncryptSpool bool `mapstructure:"encrypt_spool" yaml:"encrypt_spool"`
}

type ConflictConfig struct {
	Policy string `mapstructure:"policy" yaml:"policy"`
}

type RetryConfig struct {
	Max      int           `mapstructure:"max" yaml:"max"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// WebhookConfig enables a POST after every session. Empty URL disables it.
type WebhookConfig struct {
	URL    string `mapstructure:"url" yaml:"url,omitempty"`
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`
}

// SetDefaults registers the default of every key. Environment overrides
// only apply to keys viper knows about, so every key needs one.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", "rowsync.db")
	v.SetDefault("schema", "schema.yaml")
	v.SetDefault("scopes", []string{})

	v.SetDefault("remote.url", "http://localhost:8080")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("batch.rows", batch.DefaultBudget.MaxRows)
	v.SetDefault("batch.size", "1MiB")
	v.SetDefault("batch.spool_dir", "")
	v.SetDefault("batch.encrypt_spool", false)

	v.SetDefault("conflict.policy", string(conflict.DefaultPolicy))

	v.SetDefault("retry.max", orchestrator.DefaultMaxRetries)
	v.SetDefault("retry.interval", orchestrator.DefaultRetryInterval)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")

	v.SetDefault("lock_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
}

// New returns a viper instance with defaults and environment binding. Flags
// can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads path, or DefaultFile in the working directory when path is
// empty. A missing default file is not an error; a missing explicit one is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations no session could run with.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("config: database must be set")
	}
	if c.Schema == "" {
		return errors.New("config: schema must be set")
	}
	seen := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		if strings.TrimSpace(s) == "" {
			return errors.New("config: empty scope name")
		}
		if seen[s] {
			return errors.Newf("config: scope %q listed twice", s)
		}
		seen[s] = true
	}
	if _, err := conflict.ParsePolicy(c.Conflict.Policy); err != nil {
		return errors.Wrap(err, "config")
	}
	if _, err := batch.ParseBudget(c.Batch.Rows, c.Batch.Size); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.Retry.Interval < 0 || c.LockTimeout < 0 || c.Remote.Timeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// Options builds the orchestrator options the configuration describes.
func (c *Config) Options() (orchestrator.Options, error) {
	policy, err := conflict.ParsePolicy(c.Conflict.Policy)
	if err != nil {
		return orchestrator.Options{}, err
	}
	budget, err := batch.ParseBudget(c.Batch.Rows, c.Batch.Size)
	if err != nil {
		return orchestrator.Options{}, err
	}
	opts := orchestrator.Options{
		Policy:        policy,
		Budget:        budget,
		SpoolDir:      c.Batch.SpoolDir,
		MaxRetries:    c.Retry.Max,
		RetryInterval: c.Retry.Interval,
	}
	if policy == conflict.Merge {
		opts.Merge = conflict.MergeNonNull
	}
	if c.Batch.EncryptSpool {
		if opts.SpoolKey, err = crypto.GenerateKey(); err != nil {
			return orchestrator.Options{}, err
		}
	}
	return opts, nil
}

// LoadSchemas loads the configured schemas and keeps the ones Scopes names,
// in Scopes order. An unknown scope is an error.
func (c *Config) LoadSchemas() ([]*schema.Schema, error) {
	all, err := schema.LoadPath(c.Schema)
	if err != nil {
		return nil, err
	}
	out, err := selectScopes(all, c.Scopes)
	if err != nil {
		return nil, errors.Wrapf(err, "schema %s", c.Schema)
	}
	return out, nil
}

func selectScopes(all []*schema.Schema, scopes []string) ([]*schema.Schema, error) {
	if len(scopes) == 0 {
		return all, nil
	}
	byName := make(map[string]*schema.Schema, len(all))
	names := make([]string, 0, len(all))
	for _, s := range all {
		byName[s.Name] = s
		names = append(names, s.Name)
	}
	out := make([]*schema.Schema, 0, len(scopes))
	for _, name := range scopes {
		s, ok := byName[name]
		if !ok {
			err := errors.Newf("scope %q has no schema", name)
			if hint := suggest.Hint(suggest.Names(name, names)); hint != "" {
				err = errors.WithHint(err, hint)
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Save writes cfg to path as YAML using an atomic write (temp file + rename).
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	tmp, err := os.CreateTemp(dir, "rowsync-*.yaml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
