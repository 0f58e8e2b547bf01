package store

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/transaction"
)

// flagIDOnTop marks a payload that begins with its own entry ID.
const flagIDOnTop = 1 << 0

// recordHeader is the first block of every live slot and journal element.
//
//	0   entry id u64
//	8   op       u32
//	12  length   u32
//	16  sector   u32
//	20  slot     u32
//	24  flags    u32
type recordHeader struct {
	EntryID layout.EntryID
	Op      transaction.OpKind
	Length  uint32
	Sector  layout.SectorType
	Slot    uint32
	Flags   uint32
}

func (r *recordHeader) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(r.EntryID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.Op))
	binary.LittleEndian.PutUint32(buf[12:], r.Length)
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.Sector))
	binary.LittleEndian.PutUint32(buf[20:], r.Slot)
	binary.LittleEndian.PutUint32(buf[24:], r.Flags)
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		EntryID: layout.EntryID(binary.LittleEndian.Uint64(buf[0:])),
		Op:      transaction.OpKind(binary.LittleEndian.Uint32(buf[8:])),
		Length:  binary.LittleEndian.Uint32(buf[12:]),
		Sector:  layout.SectorType(binary.LittleEndian.Uint32(buf[16:])),
		Slot:    binary.LittleEndian.Uint32(buf[20:]),
		Flags:   binary.LittleEndian.Uint32(buf[24:]),
	}
}

// element is one planned slot update: a header plus the stored payload.
type element struct {
	rec     recordHeader
	payload []byte
}

// encode lays the element out as BlocksPerEntry data blocks. A delete
// encodes as zeros so that the slot reads back empty.
func (e *element) encode(l *layout.Layout) []byte {
	buf := make([]byte, int(l.BlocksPerEntry())*layout.BlockDataSize)
	if e.rec.Op == transaction.OpDelete {
		return buf
	}
	e.rec.encodeTo(buf)
	copy(buf[layout.BlockDataSize:], e.payload)
	return buf
}

// encodeJournal is like encode but keeps the header of deletes so replay
// knows which slot to clear.
func (e *element) encodeJournal(l *layout.Layout) []byte {
	buf := make([]byte, int(l.BlocksPerEntry())*layout.BlockDataSize)
	e.rec.encodeTo(buf)
	copy(buf[layout.BlockDataSize:], e.payload)
	return buf
}

// decodeElement parses one journal element and checks it against l.
func decodeElement(l *layout.Layout, buf []byte) (element, error) {
	rec := decodeRecordHeader(buf)
	switch {
	case rec.Op != transaction.OpWrite && rec.Op != transaction.OpModify && rec.Op != transaction.OpDelete:
		return element{}, fmt.Errorf("%w: op %d", ErrCorruptJournal, rec.Op)
	case !rec.Sector.Valid() || rec.EntryID.Sector() != rec.Sector:
		return element{}, fmt.Errorf("%w: entry %s in sector %d", ErrCorruptJournal, rec.EntryID, uint32(rec.Sector))
	case rec.Slot >= l.SectorEntries(rec.Sector):
		return element{}, fmt.Errorf("%w: slot %d beyond %s", ErrCorruptJournal, rec.Slot, rec.Sector)
	case int(rec.Length) > l.EntryCapacity():
		return element{}, fmt.Errorf("%w: length %d", ErrCorruptJournal, rec.Length)
	}
	payload := make([]byte, rec.Length)
	copy(payload, buf[layout.BlockDataSize:])
	return element{rec: rec, payload: payload}, nil
}

func putEntryID(buf []byte, id layout.EntryID) {
	binary.LittleEndian.PutUint64(buf, uint64(id))
}
