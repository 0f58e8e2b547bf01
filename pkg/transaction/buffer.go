package transaction

import (
	"github.com/KevoDB/persist/pkg/layout"
)

// OpKind is the type of a staged operation. The values are stored on the
// volume in record headers.
type OpKind uint32

const (
	OpWrite  OpKind = 1
	OpDelete OpKind = 2
	OpModify OpKind = 3
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// IDPrefixSize is the size of the entry ID stamped in front of payloads
// written with the ID on top.
const IDPrefixSize = 8

// Operation is a single staged change.
type Operation struct {
	Kind   OpKind
	Sector layout.SectorType

	// ID is the provisional ID for writes and the target for deletes and modifies.
	ID layout.EntryID

	// Data is the caller payload; nil for deletes.
	Data []byte

	// IDOnTop prefixes the stored payload with the entry's final ID.
	IDOnTop bool
}

// StoredLength is the number of payload bytes the operation occupies on the volume.
func (op *Operation) StoredLength() int {
	if op.IDOnTop {
		return IDPrefixSize + len(op.Data)
	}
	return len(op.Data)
}

func (op *Operation) clone() *Operation {
	c := *op
	if op.Data != nil {
		c.Data = make([]byte, len(op.Data))
		copy(c.Data, op.Data)
	}
	return &c
}

// Buffer holds a transaction's staged operations in staging order.
// It is not safe for concurrent use.
type Buffer struct {
	ops []*Operation

	// writes indexes live staged writes by provisional ID
	writes map[layout.EntryID]*Operation
	// targets indexes deletes and modifies of committed entries
	targets map[layout.EntryID]*Operation
	deleted map[layout.EntryID]struct{}

	// issued counts every write ever staged per sector, so provisional IDs
	// stay unique even after a staged write is dropped
	issued [layout.SectorLast]uint32
	live   [layout.SectorLast]uint32
	bytes  int
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		writes:  make(map[layout.EntryID]*Operation),
		targets: make(map[layout.EntryID]*Operation),
		deleted: make(map[layout.EntryID]struct{}),
	}
}

// Len is the number of staged operations.
func (b *Buffer) Len() int { return len(b.ops) }

// Size is the total staged payload in bytes.
func (b *Buffer) Size() int { return b.bytes }

// Issued is the number of writes ever staged for t.
func (b *Buffer) Issued(t layout.SectorType) uint32 { return b.issued[t] }

// LiveWrites is the number of staged writes for t that have not been dropped.
func (b *Buffer) LiveWrites(t layout.SectorType) uint32 { return b.live[t] }

// Write stages op, which must be an OpWrite, taking ownership of it.
func (b *Buffer) Write(op *Operation) {
	b.ops = append(b.ops, op)
	b.writes[op.ID] = op
	b.issued[op.Sector]++
	b.live[op.Sector]++
	b.bytes += len(op.Data)
}

// StagedWrite returns the live staged write with provisional ID id.
func (b *Buffer) StagedWrite(id layout.EntryID) (*Operation, bool) {
	op, ok := b.writes[id]
	return op, ok
}

// Target returns the staged delete or modify of committed entry id.
func (b *Buffer) Target(id layout.EntryID) (*Operation, bool) {
	op, ok := b.targets[id]
	return op, ok
}

// IsDeleted reports whether id was deleted within this buffer.
func (b *Buffer) IsDeleted(id layout.EntryID) bool {
	_, ok := b.deleted[id]
	return ok
}

// Replace swaps the payload of a staged operation.
func (b *Buffer) Replace(op *Operation, data []byte) {
	b.bytes += len(data) - len(op.Data)
	op.Data = data
}

// DropWrite removes the staged write id and remembers it as deleted.
func (b *Buffer) DropWrite(id layout.EntryID) {
	op, ok := b.writes[id]
	if !ok {
		return
	}
	delete(b.writes, id)
	b.remove(op)
	b.live[op.Sector]--
	b.deleted[id] = struct{}{}
}

// StageTarget stages a modify or delete of the committed entry op.ID. A delete
// replaces any modify staged earlier for the same entry.
func (b *Buffer) StageTarget(op *Operation) {
	if prev, ok := b.targets[op.ID]; ok {
		b.remove(prev)
	}
	b.ops = append(b.ops, op)
	b.targets[op.ID] = op
	b.bytes += len(op.Data)
	if op.Kind == OpDelete {
		b.deleted[op.ID] = struct{}{}
	}
}

func (b *Buffer) remove(op *Operation) {
	for i, o := range b.ops {
		if o == op {
			b.ops = append(b.ops[:i], b.ops[i+1:]...)
			break
		}
	}
	b.bytes -= len(op.Data)
}

// Operations returns copies of the staged operations in staging order.
func (b *Buffer) Operations() []*Operation {
	ops := make([]*Operation, len(b.ops))
	for i, op := range b.ops {
		ops[i] = op.clone()
	}
	return ops
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	*b = *NewBuffer()
}
