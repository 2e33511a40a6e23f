package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/conflict"
	"github.com/marcus/rowsync/internal/schema"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File != "" {
		t.Fatalf("File: got %q, want empty", cfg.File)
	}
	if cfg.Database != "rowsync.db" {
		t.Fatalf("Database: got %q, want %q", cfg.Database, "rowsync.db")
	}
	if len(cfg.Scopes) != 0 {
		t.Fatalf("Scopes: got %v, want none", cfg.Scopes)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Fatalf("Remote.Timeout: got %v, want 30s", cfg.Remote.Timeout)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	data := []byte(`database: data/app.db
scopes: [inventory, orders]
remote:
  url: https://sync.example.com
  timeout: 5s
batch:
  rows: 50
  size: 64KiB
conflict:
  policy: client-wins
retry:
  max: 2
  interval: 10ms
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROWSYNC_REMOTE_API_KEY", "secret")
	t.Setenv("ROWSYNC_BATCH_ROWS", "75")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File != path {
		t.Fatalf("File: got %q, want %q", cfg.File, path)
	}
	if cfg.Remote.URL != "https://sync.example.com" || cfg.Remote.Timeout != 5*time.Second {
		t.Fatalf("Remote: got %+v", cfg.Remote)
	}
	if cfg.Remote.APIKey != "secret" {
		t.Fatalf("APIKey from env: got %q", cfg.Remote.APIKey)
	}
	if cfg.Batch.Rows != 75 {
		t.Fatalf("Batch.Rows: env should win, got %d", cfg.Batch.Rows)
	}
	if len(cfg.Scopes) != 2 {
		t.Fatalf("Scopes: got %v", cfg.Scopes)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.Policy != conflict.LocalWins {
		t.Fatalf("Policy: got %q, want %q", opts.Policy, conflict.LocalWins)
	}
	if opts.Budget.MaxRows != 75 || opts.Budget.MaxBytes != 64*1024 {
		t.Fatalf("Budget: got %+v", opts.Budget)
	}
	if opts.MaxRetries != 2 || opts.RetryInterval != 10*time.Millisecond {
		t.Fatalf("retry: got %d/%v", opts.MaxRetries, opts.RetryInterval)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no database", func(c *Config) { c.Database = "" }},
		{"no schema", func(c *Config) { c.Schema = "" }},
		{"duplicate scope", func(c *Config) { c.Scopes = []string{"a", "a"} }},
		{"bad policy", func(c *Config) { c.Conflict.Policy = "coin-flip" }},
		{"bad size", func(c *Config) { c.Batch.Size = "lots" }},
		{"negative timeout", func(c *Config) { c.LockTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate: expected error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate defaults: %v", err)
	}
}

func TestMergePolicyGetsBuiltinMerge(t *testing.T) {
	cfg := Default()
	cfg.Conflict.Policy = "merge"
	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.Merge == nil {
		t.Fatal("merge policy without a merge function")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)
	cfg := Default()
	cfg.Scopes = []string{"inventory"}
	cfg.Remote.URL = "https://example.com"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Remote.URL != cfg.Remote.URL || got.Scopes[0] != "inventory" {
		t.Fatalf("round trip: got %+v", got)
	}
	if got.LockTimeout != cfg.LockTimeout {
		t.Fatalf("LockTimeout: got %v, want %v", got.LockTimeout, cfg.LockTimeout)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestSelectScopes(t *testing.T) {
	all := []*schema.Schema{{Name: "inventory"}, {Name: "orders"}}

	got, err := selectScopes(all, nil)
	if err != nil || len(got) != 2 {
		t.Fatalf("no filter: got %d, err %v", len(got), err)
	}
	got, err = selectScopes(all, []string{"orders"})
	if err != nil || len(got) != 1 || got[0].Name != "orders" {
		t.Fatalf("filter: got %v, err %v", got, err)
	}
	if _, err := selectScopes(all, []string{"billing"}); err == nil {
		t.Fatal("expected error for a scope without schema")
	}
	_, err = selectScopes(all, []string{"order"})
	if err == nil {
		t.Fatal("expected error for a mistyped scope")
	}
	if hints := errors.GetAllHints(err); len(hints) != 1 || hints[0] != "did you mean orders?" {
		t.Fatalf("hints: got %v, want [did you mean orders?]", hints)
	}
}
