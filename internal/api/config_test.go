package api

import (
	"testing"
	"time"

	"github.com/marcus/rowsync/internal/conflict"
	"github.com/marcus/rowsync/internal/transport"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr: got %q", cfg.ListenAddr)
	}
	if cfg.SessionTTL != transport.DefaultSessionTTL {
		t.Fatalf("SessionTTL: got %v", cfg.SessionTTL)
	}
	if len(cfg.APIKeys) != 0 {
		t.Fatalf("APIKeys: got %v, want none", cfg.APIKeys)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("ROWSYNC_LISTEN_ADDR", ":9090")
	t.Setenv("ROWSYNC_DATA_DIR", "/srv/rowsync")
	t.Setenv("ROWSYNC_API_KEYS", " k1, ,k2 ")
	t.Setenv("ROWSYNC_SESSION_TTL", "1d")
	t.Setenv("ROWSYNC_RATE_LIMIT_SYNC", "-3")
	t.Setenv("ROWSYNC_BATCH_ROWS", "25")
	t.Setenv("ROWSYNC_CONFLICT_POLICY", "merge")

	cfg := LoadConfig()
	if cfg.ListenAddr != ":9090" || cfg.DataDir != "/srv/rowsync" {
		t.Fatalf("addr/dir: got %q %q", cfg.ListenAddr, cfg.DataDir)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "k1" || cfg.APIKeys[1] != "k2" {
		t.Fatalf("APIKeys: got %q", cfg.APIKeys)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL: got %v, want 24h", cfg.SessionTTL)
	}
	if cfg.RateLimitSync != 600 {
		t.Fatalf("RateLimitSync: invalid value should keep default, got %d", cfg.RateLimitSync)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.Policy != conflict.Merge || opts.Merge == nil {
		t.Fatalf("merge policy: got %q, merge set %v", opts.Policy, opts.Merge != nil)
	}
	if opts.Budget.MaxRows != 25 {
		t.Fatalf("Budget.MaxRows: got %d", opts.Budget.MaxRows)
	}
}

func TestOptionsRejectsBadPolicy(t *testing.T) {
	cfg := LoadConfig()
	cfg.ConflictPolicy = "coin-flip"
	if _, err := cfg.Options(); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestParseDaysDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"45m", 45 * time.Minute},
		{" 2h ", 2 * time.Hour},
		{"0d", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseDaysDuration(tt.in); got != tt.want {
			t.Errorf("parseDaysDuration(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}
