// Package block provides the raw block devices a persistence volume lives on
// and the checksummed view the store reads and writes through.
package block

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/KevoDB/persist/pkg/common/status"
)

var (
	// ErrOutOfRange is returned for I/O past the end of a device.
	ErrOutOfRange = fmt.Errorf("%w: block range outside device", status.ErrIO)
	// ErrDeviceClosed is returned for I/O on a closed device.
	ErrDeviceClosed = fmt.Errorf("%w: device closed", status.ErrIO)
	// ErrUnaligned is returned when a buffer is not a whole number of blocks.
	ErrUnaligned = errors.New("buffer is not a multiple of the block size")
)

// Device is a fixed-size array of equally sized blocks.
type Device interface {
	// BlockSize is the size of one block in bytes.
	BlockSize() int
	// Blocks is the number of blocks on the device.
	Blocks() uint64
	// ReadBlocks fills buf, a whole number of blocks, starting at lba.
	ReadBlocks(ctx context.Context, lba uint64, buf []byte) error
	// WriteBlocks writes data, a whole number of blocks, starting at lba.
	WriteBlocks(ctx context.Context, lba uint64, data []byte) error
	// Sync flushes written blocks to stable storage.
	Sync() error
	Close() error
}

func checkRange(d Device, lba uint64, n int) error {
	bs := d.BlockSize()
	if n%bs != 0 {
		return fmt.Errorf("%w: %d bytes, block size %d", ErrUnaligned, n, bs)
	}
	count := uint64(n / bs)
	if lba > d.Blocks() || count > d.Blocks()-lba {
		return fmt.Errorf("%w: lba %d count %d, device has %d blocks", ErrOutOfRange, lba, count, d.Blocks())
	}
	return nil
}

// MemoryDevice keeps all blocks in memory. Unwritten blocks read as zeros.
type MemoryDevice struct {
	mu        sync.RWMutex
	blockSize int
	data      []byte
	closed    bool
}

// NewMemoryDevice allocates a zeroed device of blocks blocks.
func NewMemoryDevice(blockSize int, blocks uint64) *MemoryDevice {
	return &MemoryDevice{
		blockSize: blockSize,
		data:      make([]byte, uint64(blockSize)*blocks),
	}
}

func (m *MemoryDevice) BlockSize() int { return m.blockSize }

func (m *MemoryDevice) Blocks() uint64 { return uint64(len(m.data) / m.blockSize) }

func (m *MemoryDevice) ReadBlocks(ctx context.Context, lba uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(m, lba, len(buf)); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrDeviceClosed
	}
	off := lba * uint64(m.blockSize)
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func (m *MemoryDevice) WriteBlocks(ctx context.Context, lba uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(m, lba, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDeviceClosed
	}
	off := lba * uint64(m.blockSize)
	copy(m.data[off:], data)
	return nil
}

func (m *MemoryDevice) Sync() error { return nil }

// Close marks the device closed; its contents are dropped.
func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	m.closed = true
	m.data = nil
	m.mu.Unlock()
	return nil
}

// FileDevice stores blocks in a regular file or block special file.
type FileDevice struct {
	mu        sync.RWMutex
	file      *os.File
	path      string
	blockSize int
	blocks    uint64
}

// CreateFileDevice creates (or truncates) path to hold blocks blocks.
func CreateFileDevice(path string, blockSize int, blocks uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create device file: %w", err)
	}
	if err := f.Truncate(int64(uint64(blockSize) * blocks)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size device file: %w", err)
	}
	return &FileDevice{file: f, path: path, blockSize: blockSize, blocks: blocks}, nil
}

// OpenFileDevice opens an existing file; its size determines the block count.
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat device file: %w", err)
	}
	return &FileDevice{
		file:      f,
		path:      path,
		blockSize: blockSize,
		blocks:    uint64(info.Size()) / uint64(blockSize),
	}, nil
}

// Path returns the backing file name.
func (f *FileDevice) Path() string { return f.path }

func (f *FileDevice) BlockSize() int { return f.blockSize }

func (f *FileDevice) Blocks() uint64 { return f.blocks }

func (f *FileDevice) ReadBlocks(ctx context.Context, lba uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(f, lba, len(buf)); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return ErrDeviceClosed
	}
	if _, err := f.file.ReadAt(buf, int64(lba)*int64(f.blockSize)); err != nil {
		return fmt.Errorf("%w: read lba %d: %v", status.ErrIO, lba, err)
	}
	return nil
}

func (f *FileDevice) WriteBlocks(ctx context.Context, lba uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(f, lba, len(data)); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return ErrDeviceClosed
	}
	if _, err := f.file.WriteAt(data, int64(lba)*int64(f.blockSize)); err != nil {
		return fmt.Errorf("%w: write lba %d: %v", status.ErrIO, lba, err)
	}
	return nil
}

func (f *FileDevice) Sync() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return ErrDeviceClosed
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", status.ErrIO, err)
	}
	return nil
}

func (f *FileDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
