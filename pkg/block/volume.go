package block

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/cespare/xxhash/v2"
)

// ErrChecksum is returned when a block's trailer does not match its contents.
var ErrChecksum = fmt.Errorf("%w: block checksum mismatch", status.ErrIO)

// Volume reads and writes 512-byte data blocks on a device of 520-byte
// physical blocks, sealing each with an xxhash64 trailer over its LBA and data.
type Volume struct {
	dev Device
}

// NewVolume wraps dev, which must use layout.PhysicalBlockSize blocks.
func NewVolume(dev Device) (*Volume, error) {
	if dev.BlockSize() != layout.PhysicalBlockSize {
		return nil, fmt.Errorf("%w: device block size %d, want %d",
			status.ErrConfiguration, dev.BlockSize(), layout.PhysicalBlockSize)
	}
	return &Volume{dev: dev}, nil
}

// Device returns the underlying device.
func (v *Volume) Device() Device { return v.dev }

// Blocks is the device capacity in blocks.
func (v *Volume) Blocks() uint64 { return v.dev.Blocks() }

// Checksum is the trailer value for data stored at lba.
func Checksum(lba uint64, data []byte) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], lba)
	d := xxhash.New()
	d.Write(buf[:])
	d.Write(data)
	return d.Sum64()
}

// Seal copies one data block into phys and appends its trailer.
func Seal(lba uint64, data, phys []byte) {
	copy(phys[:layout.BlockDataSize], data)
	binary.LittleEndian.PutUint64(phys[layout.BlockDataSize:], Checksum(lba, phys[:layout.BlockDataSize]))
}

// Verify checks one physical block read from lba. A block that is entirely
// zero has never been written and verifies as zero data.
func Verify(lba uint64, phys []byte) error {
	data := phys[:layout.BlockDataSize]
	stored := binary.LittleEndian.Uint64(phys[layout.BlockDataSize:])
	if stored == 0 && isZero(data) {
		return nil
	}
	if stored != Checksum(lba, data) {
		return fmt.Errorf("%w: lba %d", ErrChecksum, lba)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Read returns count verified data blocks starting at lba.
func (v *Volume) Read(ctx context.Context, lba uint64, count int) ([]byte, error) {
	phys := make([]byte, count*layout.PhysicalBlockSize)
	if err := v.dev.ReadBlocks(ctx, lba, phys); err != nil {
		return nil, wrapIO(err)
	}

	out := make([]byte, count*layout.BlockDataSize)
	for i := 0; i < count; i++ {
		p := phys[i*layout.PhysicalBlockSize : (i+1)*layout.PhysicalBlockSize]
		if err := Verify(lba+uint64(i), p); err != nil {
			return nil, err
		}
		copy(out[i*layout.BlockDataSize:], p[:layout.BlockDataSize])
	}
	return out, nil
}

// Write seals data, which must be a whole number of data blocks, and
// writes it starting at lba in a single device call.
func (v *Volume) Write(ctx context.Context, lba uint64, data []byte) error {
	if len(data)%layout.BlockDataSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnaligned, len(data))
	}
	count := len(data) / layout.BlockDataSize
	phys := make([]byte, count*layout.PhysicalBlockSize)
	for i := 0; i < count; i++ {
		Seal(lba+uint64(i),
			data[i*layout.BlockDataSize:(i+1)*layout.BlockDataSize],
			phys[i*layout.PhysicalBlockSize:(i+1)*layout.PhysicalBlockSize])
	}
	return wrapIO(v.dev.WriteBlocks(ctx, lba, phys))
}

// Sync flushes the device.
func (v *Volume) Sync() error {
	return wrapIO(v.dev.Sync())
}

// wrapIO makes sure every device failure carries the I/O kind.
func wrapIO(err error) error {
	if err == nil || status.KindOf(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %v", status.ErrIO, err)
}
