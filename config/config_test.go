package config

import (
	"os"
	"path/filepath"
	"testing"

	"goconnect/protocol"
)

func TestLoadOrCreateGeneratesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GOCONNECT_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected generated device ID")
	}
	if cfg.DeviceType != protocol.DeviceTypeDesktop {
		t.Fatalf("unexpected device type %q", cfg.DeviceType)
	}
	if cfg.TCPPortMin != DefaultTCPPortMin || cfg.TCPPortMax != DefaultTCPPortMax {
		t.Fatalf("unexpected port range %d-%d", cfg.TCPPortMin, cfg.TCPPortMax)
	}
	if cfgPath != ConfigPath(dataDir) {
		t.Fatalf("unexpected config path %q", cfgPath)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "keys")); err != nil {
		t.Fatalf("keys directory missing: %v", err)
	}

	// A second load must return the same identity.
	again, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if again.DeviceID != cfg.DeviceID {
		t.Fatalf("device ID changed across loads: %q != %q", again.DeviceID, cfg.DeviceID)
	}
}

func TestNormalizeDefaultsRepairsPartialConfig(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GOCONNECT_DATA_DIR", dataDir)

	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &DeviceConfig{DeviceID: "fixed-id", DeviceType: "toaster", TCPPortMin: 0}
	if err := Save(ConfigPath(dataDir), partial); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "fixed-id" {
		t.Fatalf("device ID not preserved: %q", cfg.DeviceID)
	}
	if cfg.DeviceType != protocol.DeviceTypeDesktop {
		t.Fatalf("device type not normalized: %q", cfg.DeviceType)
	}
	if cfg.DeviceName == "" || cfg.CertificatePath == "" || cfg.PrivateKeyPath == "" {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("discovery port not defaulted: %d", cfg.DiscoveryPort)
	}
}
