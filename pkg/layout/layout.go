// Package layout computes where everything lives on a persistence volume.
//
// A volume starts at StartLBA with one db header block, followed by the
// journal and then one fixed region per sector type:
//
//	StartLBA      db header
//	StartLBA+1    journal (JournalTransactions x MaxTransactionEntries entries)
//	...           sep_objects | sep_edges | sep_admin_conversion | esp_objects |
//	              system_global_data | scratch_pad | dieh_record
//
// Every entry, in the journal or in a sector region, occupies one record
// header block followed by DataBlocksPerEntry payload blocks.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/cespare/xxhash/v2"
)

const (
	// BlockDataSize is the number of payload bytes in one block.
	BlockDataSize = 512
	// BlockTrailerSize is the checksum trailer appended to each block on the device.
	BlockTrailerSize = 8
	// PhysicalBlockSize is the on-device size of one block.
	PhysicalBlockSize = BlockDataSize + BlockTrailerSize
	// UserHeaderSize is the prefix preceding each payload in a read buffer.
	UserHeaderSize = 16

	DefaultDataBlocksPerEntry    = 4
	DefaultMaxTransactionEntries = 200
	DefaultJournalTransactions   = 4
	DefaultMaxReadEntries        = 400
	// DIEHRecordMaxEntries is the default limit of the one small sector.
	DIEHRecordMaxEntries = 64
)

// ErrInvalidGeometry wraps every geometry validation failure.
var ErrInvalidGeometry = fmt.Errorf("%w: invalid layout geometry", status.ErrConfiguration)

// Geometry holds the inputs the layout is derived from.
type Geometry struct {
	StartLBA              uint64
	DataBlocksPerEntry    uint32
	MaxTransactionEntries uint32
	JournalTransactions   uint32
	// SectorEntries is indexed by SectorType; index 0 is unused.
	SectorEntries [SectorLast]uint32
}

// DefaultGeometry returns the stock sector sizes.
func DefaultGeometry() Geometry {
	g := Geometry{
		DataBlocksPerEntry:    DefaultDataBlocksPerEntry,
		MaxTransactionEntries: DefaultMaxTransactionEntries,
		JournalTransactions:   DefaultJournalTransactions,
	}
	g.SectorEntries[SectorSEPObjects] = 4096
	g.SectorEntries[SectorSEPEdges] = 4096
	g.SectorEntries[SectorSEPAdminConversion] = 1024
	g.SectorEntries[SectorESPObjects] = 1024
	g.SectorEntries[SectorSystemGlobalData] = 256
	g.SectorEntries[SectorScratchPad] = 256
	g.SectorEntries[SectorDIEHRecord] = DIEHRecordMaxEntries
	return g
}

// Validate checks g for values the layout cannot be built from.
func (g Geometry) Validate() error {
	if g.DataBlocksPerEntry == 0 {
		return fmt.Errorf("%w: data blocks per entry must be positive", ErrInvalidGeometry)
	}
	if g.MaxTransactionEntries == 0 {
		return fmt.Errorf("%w: max transaction entries must be positive", ErrInvalidGeometry)
	}
	if g.JournalTransactions == 0 {
		return fmt.Errorf("%w: journal must hold at least one transaction", ErrInvalidGeometry)
	}
	for _, t := range Sectors() {
		if g.SectorEntries[t] == 0 {
			return fmt.Errorf("%w: sector %s has no entries", ErrInvalidGeometry, t)
		}
	}
	return nil
}

// Info describes a bound volume's layout.
type Info struct {
	LUNObjectID                uint32
	HeaderLBA                  uint64
	JournalStartLBA            uint64
	SEPObjectsStartLBA         uint64
	SEPEdgesStartLBA           uint64
	SEPAdminConversionStartLBA uint64
	ESPObjectsStartLBA         uint64
	SystemDataStartLBA         uint64
	ScratchPadStartLBA         uint64
	DIEHRecordStartLBA         uint64
	TotalBlocks                uint64
	Fingerprint                uint64
}

// Layout is an immutable, precomputed volume map.
type Layout struct {
	geo            Geometry
	blocksPerEntry uint64
	journalLBA     uint64
	journalBlocks  uint64
	sectorStart    [SectorLast]uint64
	total          uint64
	fingerprint    uint64
}

// New validates geo and computes the region boundaries.
func New(geo Geometry) (*Layout, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	l := &Layout{
		geo:            geo,
		blocksPerEntry: 1 + uint64(geo.DataBlocksPerEntry),
	}
	l.journalLBA = geo.StartLBA + 1
	l.journalBlocks = uint64(geo.JournalTransactions) * uint64(geo.MaxTransactionEntries) * l.blocksPerEntry

	next := l.journalLBA + l.journalBlocks
	for _, t := range Sectors() {
		l.sectorStart[t] = next
		next += uint64(geo.SectorEntries[t]) * l.blocksPerEntry
	}
	l.total = next - geo.StartLBA
	l.fingerprint = fingerprint(geo)

	return l, nil
}

func fingerprint(g Geometry) uint64 {
	var buf [8]byte
	d := xxhash.New()
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		d.Write(buf[:])
	}
	put(g.StartLBA)
	put(uint64(g.DataBlocksPerEntry))
	put(uint64(g.MaxTransactionEntries))
	put(uint64(g.JournalTransactions))
	for _, n := range g.SectorEntries {
		put(uint64(n))
	}
	return d.Sum64()
}

// Geometry returns the inputs the layout was built from.
func (l *Layout) Geometry() Geometry { return l.geo }

// Fingerprint hashes the geometry; a volume formatted with another geometry
// carries a different value in its db header.
func (l *Layout) Fingerprint() uint64 { return l.fingerprint }

// BlocksPerEntry is the record header block plus the payload blocks.
func (l *Layout) BlocksPerEntry() uint64 { return l.blocksPerEntry }

// EntryCapacity is the largest payload one entry can hold, in bytes.
func (l *Layout) EntryCapacity() int {
	return int(l.geo.DataBlocksPerEntry) * BlockDataSize
}

// ReadEntrySize is the size of one (user header, payload) pair in a read buffer.
func (l *Layout) ReadEntrySize() int {
	return UserHeaderSize + l.EntryCapacity()
}

// MaxTransactionEntries is the number of operations one transaction may stage.
func (l *Layout) MaxTransactionEntries() int { return int(l.geo.MaxTransactionEntries) }

// HeaderLBA is the address of the db header block.
func (l *Layout) HeaderLBA() uint64 { return l.geo.StartLBA }

// JournalLBA is the first block of the journal.
func (l *Layout) JournalLBA() uint64 { return l.journalLBA }

// JournalElementLBA is the address of the i-th element of the journal.
func (l *Layout) JournalElementLBA(i int) uint64 {
	return l.journalLBA + uint64(i)*l.blocksPerEntry
}

// SectorEntries is the slot count of sector t, or 0 for an invalid type.
func (l *Layout) SectorEntries(t SectorType) uint32 {
	if !t.Valid() {
		return 0
	}
	return l.geo.SectorEntries[t]
}

// SectorStart is the first block of sector t's region.
func (l *Layout) SectorStart(t SectorType) (uint64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSectorType, uint32(t))
	}
	return l.sectorStart[t], nil
}

// EntryLBA is the address of a slot's record header block.
func (l *Layout) EntryLBA(t SectorType, slot uint32) (uint64, error) {
	start, err := l.SectorStart(t)
	if err != nil {
		return 0, err
	}
	if slot >= l.geo.SectorEntries[t] {
		return 0, fmt.Errorf("%w: slot %d beyond sector %s (%d entries)",
			status.ErrConfiguration, slot, t, l.geo.SectorEntries[t])
	}
	return start + uint64(slot)*l.blocksPerEntry, nil
}

// TotalBlocks is the number of blocks the layout occupies, starting at StartLBA.
func (l *Layout) TotalBlocks() uint64 { return l.total }

// RequiredBlocks is the minimum device size able to hold the layout.
func (l *Layout) RequiredBlocks() uint64 { return l.geo.StartLBA + l.total }

// Info reports the layout of a volume bound to lun.
func (l *Layout) Info(lun uint32) Info {
	return Info{
		LUNObjectID:                lun,
		HeaderLBA:                  l.HeaderLBA(),
		JournalStartLBA:            l.journalLBA,
		SEPObjectsStartLBA:         l.sectorStart[SectorSEPObjects],
		SEPEdgesStartLBA:           l.sectorStart[SectorSEPEdges],
		SEPAdminConversionStartLBA: l.sectorStart[SectorSEPAdminConversion],
		ESPObjectsStartLBA:         l.sectorStart[SectorESPObjects],
		SystemDataStartLBA:         l.sectorStart[SectorSystemGlobalData],
		ScratchPadStartLBA:         l.sectorStart[SectorScratchPad],
		DIEHRecordStartLBA:         l.sectorStart[SectorDIEHRecord],
		TotalBlocks:                l.total,
		Fingerprint:                l.fingerprint,
	}
}
