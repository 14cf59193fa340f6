package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/broker/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Sessions.StaleThreshold != 30*time.Second {
		t.Errorf("StaleThreshold = %v, want 30s", cfg.Sessions.StaleThreshold)
	}
	if cfg.Sessions.DisconnectThreshold != 60*time.Second {
		t.Errorf("DisconnectThreshold = %v, want 60s", cfg.Sessions.DisconnectThreshold)
	}
	if cfg.Mailbox.Capacity != 100 {
		t.Errorf("Mailbox.Capacity = %d, want 100", cfg.Mailbox.Capacity)
	}
	if cfg.Mailbox.WarningRatio != 0.9 {
		t.Errorf("Mailbox.WarningRatio = %v, want 0.9", cfg.Mailbox.WarningRatio)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTMESH_PORT", "9090")
	t.Setenv("AGENTMESH_STALE_THRESHOLD", "45s")
	t.Setenv("AGENTMESH_DISCONNECT_THRESHOLD", "90") // bare seconds
	t.Setenv("AGENTMESH_MAILBOX_CAPACITY", "50")
	t.Setenv("AGENTMESH_ENABLE_CROSS_TENANT", "true")

	cfg := config.Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Sessions.StaleThreshold != 45*time.Second {
		t.Errorf("StaleThreshold = %v, want 45s", cfg.Sessions.StaleThreshold)
	}
	if cfg.Sessions.DisconnectThreshold != 90*time.Second {
		t.Errorf("DisconnectThreshold = %v, want 90s (bare seconds)", cfg.Sessions.DisconnectThreshold)
	}
	if cfg.Mailbox.Capacity != 50 {
		t.Errorf("Mailbox.Capacity = %d, want 50", cfg.Mailbox.Capacity)
	}
	if !cfg.Router.EnableCrossTenant {
		t.Error("EnableCrossTenant = false, want true")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	body := "port: 7000\nsessions:\n  stale_threshold: 10s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("AGENTMESH_CONFIG_FILE", path)
	t.Setenv("AGENTMESH_PORT", "7100") // env wins over file

	cfg := config.Load()
	if cfg.Port != 7100 {
		t.Errorf("Port = %d, want env override 7100", cfg.Port)
	}
	if cfg.Sessions.StaleThreshold != 10*time.Second {
		t.Errorf("StaleThreshold = %v, want file value 10s", cfg.Sessions.StaleThreshold)
	}
}
