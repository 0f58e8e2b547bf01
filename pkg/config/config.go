package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/telemetry"
)

const (
	DefaultConfigFileName = "persist.json"
	CurrentConfigVersion  = 1
	DefaultQueueDepth     = 128
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// SyncMode controls when the backing device is flushed.
type SyncMode int

const (
	// SyncNone leaves flushing to the device.
	SyncNone SyncMode = iota
	// SyncCommit flushes the device at the end of every commit and bind.
	SyncCommit
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncCommit:
		return "commit"
	default:
		return fmt.Sprintf("sync(%d)", int(m))
	}
}

// ParseSyncMode converts "none" or "commit" to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SyncNone, nil
	case "commit", "":
		return SyncCommit, nil
	}
	return SyncNone, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, s)
}

// MarshalText encodes the mode by name so config files stay readable.
func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *SyncMode) UnmarshalText(text []byte) error {
	mode, err := ParseSyncMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Config holds the settings of one persistence service instance.
type Config struct {
	Version int `json:"version"`

	// Layout geometry; changing any of these makes existing volumes unbindable
	StartLBA              uint64            `json:"start_lba"`
	DataBlocksPerEntry    uint32            `json:"data_blocks_per_entry"`
	MaxTransactionEntries uint32            `json:"max_transaction_entries"`
	JournalTransactions   uint32            `json:"journal_transactions"`
	SectorEntries         map[string]uint32 `json:"sector_entries"`

	// Service behaviour
	MaxReadEntries int      `json:"max_read_entries"`
	QueueDepth     int      `json:"queue_depth"`
	SyncMode       SyncMode `json:"sync_mode"`
	LogLevel       string   `json:"log_level"`

	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	geo := layout.DefaultGeometry()

	sectors := make(map[string]uint32, len(layout.Sectors()))
	for _, t := range layout.Sectors() {
		sectors[t.String()] = geo.SectorEntries[t]
	}

	return &Config{
		Version:               CurrentConfigVersion,
		StartLBA:              geo.StartLBA,
		DataBlocksPerEntry:    geo.DataBlocksPerEntry,
		MaxTransactionEntries: geo.MaxTransactionEntries,
		JournalTransactions:   geo.JournalTransactions,
		SectorEntries:         sectors,
		MaxReadEntries:        layout.DefaultMaxReadEntries,
		QueueDepth:            DefaultQueueDepth,
		SyncMode:              SyncCommit,
		LogLevel:              "info",
		Telemetry:             telemetry.DefaultConfig(),
	}
}

// Geometry projects the layout settings onto a layout.Geometry.
func (c *Config) Geometry() (layout.Geometry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.geometryLocked()
}

func (c *Config) geometryLocked() (layout.Geometry, error) {
	geo := layout.Geometry{
		StartLBA:              c.StartLBA,
		DataBlocksPerEntry:    c.DataBlocksPerEntry,
		MaxTransactionEntries: c.MaxTransactionEntries,
		JournalTransactions:   c.JournalTransactions,
	}

	names := make([]string, 0, len(c.SectorEntries))
	for name := range c.SectorEntries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t, err := layout.ParseSectorType(name)
		if err != nil {
			return geo, fmt.Errorf("%w: sector_entries: %v", ErrInvalidConfig, err)
		}
		geo.SectorEntries[t] = c.SectorEntries[name]
	}
	return geo, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	geo, err := c.geometryLocked()
	if err != nil {
		return err
	}
	if err := geo.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.MaxReadEntries <= 0 {
		return fmt.Errorf("%w: max read entries must be positive", ErrInvalidConfig)
	}

	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be positive", ErrInvalidConfig)
	}

	if c.SyncMode != SyncNone && c.SyncMode != SyncCommit {
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, int(c.SyncMode))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.LevelInfo
	}
	return level
}

// LoadConfig reads and validates a JSON config file. A path naming a
// directory is resolved to DefaultConfigFileName inside it.
func LoadConfig(path string) (*Config, error) {
	path = resolve(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration through a temporary file and a rename
// so a crash never leaves a truncated config behind.
func (c *Config) SaveConfig(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path = resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

func resolve(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, DefaultConfigFileName)
	}
	return path
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// View calls fn with the configuration read-locked.
func (c *Config) View(fn func(*Config)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c)
}
