package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("OBSERVER_DATA_DIR", "var")
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Enabled {
		t.Fatalf("remote observation must be off by default")
	}
	if cfg.DBPath != filepath.Join("var", "observer.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.Adapter != AdapterWebsocket || len(cfg.Channels) != 1 || cfg.Channels[0] != "events" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Actions) != 1 || cfg.Actions[0] != "upload" {
		t.Fatalf("unexpected actions %v", cfg.Actions)
	}
	if cfg.MemberTimeout != 5*time.Second {
		t.Fatalf("unexpected member timeout %v", cfg.MemberTimeout)
	}
}

func TestParseLists(t *testing.T) {
	t.Setenv("OBSERVER_ENABLED", "true")
	t.Setenv("OBSERVER_CHANNELS", "events, admin ,")
	t.Setenv("OBSERVER_ADAPTER", " Memory ")
	t.Setenv("OBSERVER_PEERS", "http://10.0.0.2:8080,http://10.0.0.3:8080")
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Enabled || cfg.Adapter != AdapterMemory {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if strings.Join(cfg.Channels, "|") != "events|admin" {
		t.Fatalf("unexpected channels %q", cfg.Channels)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("unexpected peers %v", cfg.Peers)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	t.Setenv("OBSERVER_ADAPTER", "carrier-pigeon")
	if _, err := Parse(); err == nil {
		t.Fatalf("expected unknown adapter error")
	}
	t.Setenv("OBSERVER_ADAPTER", "memory")
	t.Setenv("OBSERVER_PING_INTERVAL", "soon")
	_, err := Parse()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	content := "OBSERVER_NODE_ID=node-from-file\nOBSERVER_HTTP_ADDR=:9999\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("OBSERVER_HTTP_ADDR", ":7000")
	// Cleared so the value from .env does not leak into other tests.
	t.Setenv("OBSERVER_NODE_ID", "")
	os.Unsetenv("OBSERVER_NODE_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-from-file" {
		t.Fatalf("expected node id from .env, got %q", cfg.NodeID)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Fatalf("environment must win over .env, got %q", cfg.HTTPAddr)
	}
}
