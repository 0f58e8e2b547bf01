package block

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevoDB/persist/pkg/common/status"
)

// ErrInjected is the failure a FaultDevice reports.
var ErrInjected = fmt.Errorf("%w: injected device fault", status.ErrIO)

// FaultDevice wraps a Device and fails reads or writes once a budget of
// successful calls is spent. A negative budget never fails.
type FaultDevice struct {
	Device

	mu         sync.Mutex
	readsLeft  int
	writesLeft int
	failed     int
}

// NewFaultDevice wraps dev with no faults armed.
func NewFaultDevice(dev Device) *FaultDevice {
	return &FaultDevice{Device: dev, readsLeft: -1, writesLeft: -1}
}

// FailWritesAfter lets n more write calls succeed and fails every one after.
func (f *FaultDevice) FailWritesAfter(n int) {
	f.mu.Lock()
	f.writesLeft = n
	f.mu.Unlock()
}

// FailReadsAfter lets n more read calls succeed and fails every one after.
func (f *FaultDevice) FailReadsAfter(n int) {
	f.mu.Lock()
	f.readsLeft = n
	f.mu.Unlock()
}

// Heal disarms all faults.
func (f *FaultDevice) Heal() {
	f.mu.Lock()
	f.readsLeft, f.writesLeft = -1, -1
	f.mu.Unlock()
}

// Failures is the number of calls failed so far.
func (f *FaultDevice) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *FaultDevice) spend(budget *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case *budget < 0:
		return true
	case *budget == 0:
		f.failed++
		return false
	default:
		*budget--
		return true
	}
}

func (f *FaultDevice) ReadBlocks(ctx context.Context, lba uint64, buf []byte) error {
	if !f.spend(&f.readsLeft) {
		return fmt.Errorf("%w: read lba %d", ErrInjected, lba)
	}
	return f.Device.ReadBlocks(ctx, lba, buf)
}

func (f *FaultDevice) WriteBlocks(ctx context.Context, lba uint64, data []byte) error {
	if !f.spend(&f.writesLeft) {
		return fmt.Errorf("%w: write lba %d", ErrInjected, lba)
	}
	return f.Device.WriteBlocks(ctx, lba, data)
}
