package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevoDB/persist/pkg/layout"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Version != CurrentConfigVersion {
		t.Errorf("expected version %d, got %d", CurrentConfigVersion, cfg.Version)
	}
	if cfg.SyncMode != SyncCommit {
		t.Errorf("expected sync mode commit, got %s", cfg.SyncMode)
	}
	if cfg.SectorEntries["dieh_record"] != layout.DIEHRecordMaxEntries {
		t.Errorf("expected %d dieh entries, got %d", layout.DIEHRecordMaxEntries, cfg.SectorEntries["dieh_record"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid default config, got error: %v", err)
	}

	geo, err := cfg.Geometry()
	if err != nil {
		t.Fatalf("Geometry: %v", err)
	}
	if geo != layout.DefaultGeometry() {
		t.Errorf("default config must project onto the default geometry")
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name:     "invalid version",
			mutate:   func(c *Config) { c.Version = 0 },
			expected: "invalid configuration: invalid version 0",
		},
		{
			name:     "unknown sector",
			mutate:   func(c *Config) { c.SectorEntries["bogus"] = 4 },
			expected: "sector_entries",
		},
		{
			name:     "empty sector",
			mutate:   func(c *Config) { c.SectorEntries["scratch_pad"] = 0 },
			expected: "sector scratch_pad has no entries",
		},
		{
			name:     "no data blocks",
			mutate:   func(c *Config) { c.DataBlocksPerEntry = 0 },
			expected: "data blocks per entry must be positive",
		},
		{
			name:     "no read entries",
			mutate:   func(c *Config) { c.MaxReadEntries = 0 },
			expected: "max read entries must be positive",
		},
		{
			name:     "no queue",
			mutate:   func(c *Config) { c.QueueDepth = -1 },
			expected: "queue depth must be positive",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.LogLevel = "chatty" },
			expected: "unknown log level",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.expected) {
				t.Errorf("expected error containing %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefaultConfig()
	cfg.Update(func(c *Config) {
		c.SectorEntries["sep_edges"] = 32
		c.MaxTransactionEntries = 16
		c.SyncMode = SyncNone
		c.LogLevel = "debug"
	})

	if err := cfg.SaveConfig(dir); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	path := filepath.Join(dir, DefaultConfigFileName)
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("config is not JSON: %v", err)
	}
	if fields["sync_mode"] != "none" {
		t.Errorf("sync mode should be stored by name, got %v", fields["sync_mode"])
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.SectorEntries["sep_edges"] != 32 || loaded.MaxTransactionEntries != 16 {
		t.Errorf("loaded config lost geometry: %+v", loaded.SectorEntries)
	}
	if loaded.SyncMode != SyncNone {
		t.Errorf("expected sync mode none, got %s", loaded.SyncMode)
	}
	if loaded.Level().String() != "DEBUG" {
		t.Errorf("expected debug level, got %s", loaded.Level())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	badMode := filepath.Join(dir, "mode.json")
	if err := os.WriteFile(badMode, []byte(`{"version":1,"sync_mode":"sometimes"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(badMode); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown sync mode, got %v", err)
	}
}
