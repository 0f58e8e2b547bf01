package layout

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EntryID identifies a committed entry: the sector type in the upper 32 bits
// and a per-sector sequence number in the lower 32 bits.
type EntryID uint64

const (
	// EntryIDInvalid marks "not yet assigned" and deleted or empty slots.
	EntryIDInvalid EntryID = 0
	// NoMoreEntries is never a valid ID.
	NoMoreEntries EntryID = math.MaxUint64
	// MaxSequence is the highest sequence a sector can hand out.
	MaxSequence = math.MaxUint32
)

// MakeEntryID combines a sector type and a sequence number.
func MakeEntryID(t SectorType, seq uint32) EntryID {
	return EntryID(uint64(t)<<32 | uint64(seq))
}

// Sector returns the sector type encoded in the upper half of id.
func (id EntryID) Sector() SectorType {
	return SectorType(uint64(id) >> 32)
}

// Sequence returns the per-sector sequence number.
func (id EntryID) Sequence() uint32 {
	return uint32(id)
}

// Valid reports whether id could name a committed entry.
func (id EntryID) Valid() bool {
	return id != EntryIDInvalid && id != NoMoreEntries && id.Sector().Valid()
}

func (id EntryID) String() string {
	if id == NoMoreEntries {
		return "no-more-entries"
	}
	return fmt.Sprintf("0x%x", uint64(id))
}

// ParseEntryID accepts hex with a 0x prefix or plain decimal.
func ParseEntryID(s string) (EntryID, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return EntryIDInvalid, fmt.Errorf("invalid entry id %q: %w", s, err)
	}
	return EntryID(v), nil
}

// Cursor is the resume point of a paged sector read: the sector type in the
// upper 32 bits and the next slot to read in the lower 32 bits.
type Cursor uint64

const (
	// CursorStart begins a read at slot 0 of whichever sector is requested.
	CursorStart Cursor = 0
	// CursorEnd is handed back once the last slot of a sector has been read.
	CursorEnd = Cursor(NoMoreEntries)
)

// MakeCursor builds the cursor pointing at slot of sector t.
func MakeCursor(t SectorType, slot uint32) Cursor {
	return Cursor(uint64(t)<<32 | uint64(slot))
}

// Sector returns the sector type the cursor belongs to.
func (c Cursor) Sector() SectorType {
	return SectorType(uint64(c) >> 32)
}

// Slot returns the next slot to read.
func (c Cursor) Slot() uint32 {
	return uint32(c)
}

func (c Cursor) String() string {
	switch c {
	case CursorStart:
		return "start"
	case CursorEnd:
		return "end"
	}
	return fmt.Sprintf("%s@%d", c.Sector(), c.Slot())
}
