package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != "8080" || cfg.StreamPort != "8081" {
		t.Errorf("ports = %s/%s", cfg.HTTPPort, cfg.StreamPort)
	}
	if cfg.LongPoll != 40*time.Second {
		t.Errorf("LongPoll = %s", cfg.LongPoll)
	}
	if cfg.DefaultReceiveLimit != 50 || cfg.MaxReceiveLimit != 500 {
		t.Errorf("limits = %d/%d", cfg.DefaultReceiveLimit, cfg.MaxReceiveLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESH_HTTP_PORT", "9090")
	t.Setenv("MESH_LONG_POLL_MS", "1500")
	t.Setenv("MESH_DEV_API_KEYS", "devK1:secret1,devK2:secret2")
	t.Setenv("MESH_LOG_JSON", "false")

	cfg := Load()
	if cfg.HTTPPort != "9090" {
		t.Errorf("HTTPPort = %s", cfg.HTTPPort)
	}
	if cfg.LongPoll != 1500*time.Millisecond {
		t.Errorf("LongPoll = %s", cfg.LongPoll)
	}
	if cfg.LogJSON {
		t.Error("LogJSON override ignored")
	}
	if cfg.DevAPIKeys["devK2"] != "secret2" {
		t.Errorf("DevAPIKeys = %v", cfg.DevAPIKeys)
	}
}

func TestYAMLFileUnderEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	body := "http_port: \"7070\"\nlong_poll_ms: 2000\nephemeral_ttl_ms: 5000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("MESH_CONFIG_FILE", path)
	t.Setenv("MESH_HTTP_PORT", "9090")

	cfg := Load()
	// Env wins over the file; file wins over defaults.
	if cfg.HTTPPort != "9090" {
		t.Errorf("HTTPPort = %s", cfg.HTTPPort)
	}
	if cfg.LongPoll != 2*time.Second || cfg.EphemeralTTL != 5*time.Second {
		t.Errorf("durations = %s / %s", cfg.LongPoll, cfg.EphemeralTTL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Load()
	cfg.DefaultReceiveLimit = 0
	cfg.MaxReceiveLimit = -1
	cfg.EphemeralTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Error("invalid config passed validation")
	}
}

func TestParseAPIKeys(t *testing.T) {
	keys := ParseAPIKeys(" devK1:s1 ,devK2:s2,malformed,:nokey")
	if len(keys) != 2 || keys["devK1"] != "s1" || keys["devK2"] != "s2" {
		t.Errorf("keys = %v", keys)
	}
}
