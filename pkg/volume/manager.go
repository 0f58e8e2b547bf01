// Package volume is a small in-process registry of logical units (LUNs) that
// a persistence service can bind to.
package volume

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevoDB/persist/pkg/block"
	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/layout"
)

// SystemLUNID is the well-known object ID of the system LUN.
const SystemLUNID uint32 = 0x10004

var (
	// ErrLUNNotFound is returned for an object ID with no attached device.
	ErrLUNNotFound = fmt.Errorf("%w: lun not found", status.ErrConfiguration)
	// ErrLUNExists is returned when an object ID is already in use.
	ErrLUNExists = fmt.Errorf("%w: lun already exists", status.ErrConfiguration)
)

// LUN is one attached device.
type LUN struct {
	ID     uint32
	Device block.Device
}

// Blocks is the LUN capacity in blocks.
func (l *LUN) Blocks() uint64 { return l.Device.Blocks() }

// Manager owns the attached LUNs and closes their devices on destroy.
type Manager struct {
	mu     sync.RWMutex
	luns   map[uint32]*LUN
	logger log.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		luns:   make(map[uint32]*LUN),
		logger: log.Component("volume"),
	}
}

// Create attaches a zeroed in-memory LUN of blocks blocks.
func (m *Manager) Create(id uint32, blocks uint64) (*LUN, error) {
	return m.Attach(id, block.NewMemoryDevice(layout.PhysicalBlockSize, blocks))
}

// CreateFile attaches a file-backed LUN. An existing file is opened as is
// and its size wins over blocks; otherwise a new file of blocks blocks is created.
func (m *Manager) CreateFile(id uint32, path string, blocks uint64) (*LUN, error) {
	dev, err := block.OpenFileDevice(path, layout.PhysicalBlockSize)
	if err != nil {
		dev, err = block.CreateFileDevice(path, layout.PhysicalBlockSize, blocks)
		if err != nil {
			return nil, err
		}
		m.logger.Info("created lun file %s (%d blocks)", path, blocks)
	}
	lun, err := m.Attach(id, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return lun, nil
}

// Attach registers dev under id.
func (m *Manager) Attach(id uint32, dev block.Device) (*LUN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.luns[id]; ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrLUNExists, id)
	}
	lun := &LUN{ID: id, Device: dev}
	m.luns[id] = lun
	m.logger.WithField("lun", id).Debug("attached lun with %d blocks", dev.Blocks())
	return lun, nil
}

// Get returns the LUN attached under id.
func (m *Manager) Get(id uint32) (*LUN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lun, ok := m.luns[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrLUNNotFound, id)
	}
	return lun, nil
}

// Destroy detaches id and closes its device.
func (m *Manager) Destroy(id uint32) error {
	m.mu.Lock()
	lun, ok := m.luns[id]
	delete(m.luns, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrLUNNotFound, id)
	}
	return lun.Device.Close()
}

// List returns the attached object IDs in ascending order.
func (m *Manager) List() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint32, 0, len(m.luns))
	for id := range m.luns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close destroys every LUN.
func (m *Manager) Close() error {
	var firstErr error
	for _, id := range m.List() {
		if err := m.Destroy(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
