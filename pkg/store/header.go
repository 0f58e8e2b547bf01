package store

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/persist/pkg/layout"
)

const (
	// FormatVersion is the on-volume format written by this package.
	FormatVersion = 1

	journalInvalid = 0
	journalValid   = 1
)

// headerSignature is "PERSIST1" read as a little-endian u64.
var headerSignature = binary.LittleEndian.Uint64([]byte("PERSIST1"))

// dbHeader is the first block of the layout.
//
//	0   signature       u64
//	8   version         u32
//	12  journal state   u32
//	16  journal count   u32
//	20  reserved        u32
//	24  fingerprint     u64
//	32  commit sequence u64
//	40  next sequence   [SectorLast]u64
type dbHeader struct {
	Version        uint32
	JournalState   uint32
	JournalCount   uint32
	Fingerprint    uint64
	CommitSequence uint64
	NextSequence   [layout.SectorLast]uint64
}

func newHeader(fingerprint uint64) dbHeader {
	return dbHeader{Version: FormatVersion, Fingerprint: fingerprint}
}

func (h *dbHeader) journalSealed() bool {
	return h.JournalState == journalValid
}

func (h *dbHeader) encode() []byte {
	buf := make([]byte, layout.BlockDataSize)
	binary.LittleEndian.PutUint64(buf[0:], headerSignature)
	binary.LittleEndian.PutUint32(buf[8:], h.Version)
	binary.LittleEndian.PutUint32(buf[12:], h.JournalState)
	binary.LittleEndian.PutUint32(buf[16:], h.JournalCount)
	binary.LittleEndian.PutUint64(buf[24:], h.Fingerprint)
	binary.LittleEndian.PutUint64(buf[32:], h.CommitSequence)
	for i, n := range h.NextSequence {
		binary.LittleEndian.PutUint64(buf[40+8*i:], n)
	}
	return buf
}

// decodeHeader parses a header block. A block of zeros reports blank.
func decodeHeader(buf []byte) (h dbHeader, blank bool, err error) {
	if isZero(buf) {
		return h, true, nil
	}
	if binary.LittleEndian.Uint64(buf[0:]) != headerSignature {
		return h, false, ErrForeignVolume
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:])
	if h.Version != FormatVersion {
		return h, false, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	h.JournalState = binary.LittleEndian.Uint32(buf[12:])
	h.JournalCount = binary.LittleEndian.Uint32(buf[16:])
	h.Fingerprint = binary.LittleEndian.Uint64(buf[24:])
	h.CommitSequence = binary.LittleEndian.Uint64(buf[32:])
	for i := range h.NextSequence {
		h.NextSequence[i] = binary.LittleEndian.Uint64(buf[40+8*i:])
	}
	return h, false, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
