package service

import "google.golang.org/protobuf/encoding/protowire"

// Empty carries no fields.
type Empty struct{}

func (m *Empty) AppendWire(b []byte) []byte { return b }

func (m *Empty) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return skipField(num, typ, b)
}

// LUNRequest names the LUN to bind.
type LUNRequest struct {
	LUN uint32 // 1
}

func (m *LUNRequest) AppendWire(b []byte) []byte {
	return appendVarint(b, 1, uint64(m.LUN))
}

func (m *LUNRequest) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeUint32(typ, b, &m.LUN)
	}
	return skipField(num, typ, b)
}

// TransactionMessage carries a transaction handle.
type TransactionMessage struct {
	Handle uint64 // 1
}

func (m *TransactionMessage) AppendWire(b []byte) []byte {
	return appendVarint(b, 1, m.Handle)
}

func (m *TransactionMessage) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeVarint(typ, b, &m.Handle)
	}
	return skipField(num, typ, b)
}

// EntryRequest addresses one entry, either inside a transaction or on its own.
type EntryRequest struct {
	Handle  uint64 // 1
	Sector  uint32 // 2
	EntryID uint64 // 3
	Data    []byte // 4
	IDOnTop bool   // 5
}

func (m *EntryRequest) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.Handle)
	b = appendVarint(b, 2, uint64(m.Sector))
	b = appendVarint(b, 3, m.EntryID)
	b = appendBytes(b, 4, m.Data)
	return appendBool(b, 5, m.IDOnTop)
}

func (m *EntryRequest) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeVarint(typ, b, &m.Handle)
	case 2:
		return consumeUint32(typ, b, &m.Sector)
	case 3:
		return consumeVarint(typ, b, &m.EntryID)
	case 4:
		return consumeBytes(typ, b, &m.Data)
	case 5:
		return consumeBool(typ, b, &m.IDOnTop)
	}
	return skipField(num, typ, b)
}

// EntryResponse returns the ID an operation assigned.
type EntryResponse struct {
	EntryID uint64 // 1
}

func (m *EntryResponse) AppendWire(b []byte) []byte {
	return appendVarint(b, 1, m.EntryID)
}

func (m *EntryResponse) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeVarint(typ, b, &m.EntryID)
	}
	return skipField(num, typ, b)
}

// IDMapping pairs a provisional entry ID with its committed ID.
type IDMapping struct {
	Provisional uint64 // 1
	Final       uint64 // 2
}

func (m *IDMapping) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.Provisional)
	return appendVarint(b, 2, m.Final)
}

func (m *IDMapping) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeVarint(typ, b, &m.Provisional)
	case 2:
		return consumeVarint(typ, b, &m.Final)
	}
	return skipField(num, typ, b)
}

// CommitResponse describes an applied transaction.
type CommitResponse struct {
	Sequence uint64      // 1
	Assigned []IDMapping // 2
	Written  []uint64    // 3, packed
	Deleted  []uint64    // 4, packed
}

func (m *CommitResponse) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.Sequence)
	for i := range m.Assigned {
		b = appendMessage(b, 2, &m.Assigned[i])
	}
	b = appendPacked(b, 3, m.Written)
	return appendPacked(b, 4, m.Deleted)
}

func (m *CommitResponse) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeVarint(typ, b, &m.Sequence)
	case 2:
		var mapping IDMapping
		n, err := consumeMessage(typ, b, &mapping)
		if err == nil {
			m.Assigned = append(m.Assigned, mapping)
		}
		return n, err
	case 3:
		return consumeRepeated(typ, b, &m.Written)
	case 4:
		return consumeRepeated(typ, b, &m.Deleted)
	}
	return skipField(num, typ, b)
}

// ReadRequest asks for a page of a sector or for a single entry.
type ReadRequest struct {
	Sector     uint32 // 1
	Cursor     uint64 // 2
	EntryID    uint64 // 3
	BufferSize uint32 // 4
}

func (m *ReadRequest) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.Sector))
	b = appendVarint(b, 2, m.Cursor)
	b = appendVarint(b, 3, m.EntryID)
	return appendVarint(b, 4, uint64(m.BufferSize))
}

func (m *ReadRequest) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeUint32(typ, b, &m.Sector)
	case 2:
		return consumeVarint(typ, b, &m.Cursor)
	case 3:
		return consumeVarint(typ, b, &m.EntryID)
	case 4:
		return consumeUint32(typ, b, &m.BufferSize)
	}
	return skipField(num, typ, b)
}

// ReadResponse holds the filled part of the read buffer.
type ReadResponse struct {
	Next  uint64 // 1
	Count uint32 // 2
	Data  []byte // 3
}

func (m *ReadResponse) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.Next)
	b = appendVarint(b, 2, uint64(m.Count))
	return appendBytes(b, 3, m.Data)
}

func (m *ReadResponse) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeVarint(typ, b, &m.Next)
	case 2:
		return consumeUint32(typ, b, &m.Count)
	case 3:
		return consumeBytes(typ, b, &m.Data)
	}
	return skipField(num, typ, b)
}

// LayoutInfo mirrors layout.Info.
type LayoutInfo struct {
	LUN                        uint32 // 1
	HeaderLBA                  uint64 // 2
	JournalStartLBA            uint64 // 3
	SEPObjectsStartLBA         uint64 // 4
	SEPEdgesStartLBA           uint64 // 5
	SEPAdminConversionStartLBA uint64 // 6
	ESPObjectsStartLBA         uint64 // 7
	SystemDataStartLBA         uint64 // 8
	ScratchPadStartLBA         uint64 // 9
	DIEHRecordStartLBA         uint64 // 10
	TotalBlocks                uint64 // 11
	Fingerprint                uint64 // 12
}

func (m *LayoutInfo) fields() []*uint64 {
	return []*uint64{
		&m.HeaderLBA, &m.JournalStartLBA, &m.SEPObjectsStartLBA, &m.SEPEdgesStartLBA,
		&m.SEPAdminConversionStartLBA, &m.ESPObjectsStartLBA, &m.SystemDataStartLBA,
		&m.ScratchPadStartLBA, &m.DIEHRecordStartLBA, &m.TotalBlocks, &m.Fingerprint,
	}
}

func (m *LayoutInfo) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.LUN))
	for i, f := range m.fields() {
		b = appendVarint(b, protowire.Number(i+2), *f)
	}
	return b
}

func (m *LayoutInfo) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeUint32(typ, b, &m.LUN)
	}
	fields := m.fields()
	if i := int(num) - 2; i >= 0 && i < len(fields) {
		return consumeVarint(typ, b, fields[i])
	}
	return skipField(num, typ, b)
}

// EntryInfo reports where an entry lives.
type EntryInfo struct {
	EntryID uint64 // 1
	Exists  bool   // 2
	Sector  uint32 // 3
	Slot    uint32 // 4
}

func (m *EntryInfo) AppendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.EntryID)
	b = appendBool(b, 2, m.Exists)
	b = appendVarint(b, 3, uint64(m.Sector))
	return appendVarint(b, 4, uint64(m.Slot))
}

func (m *EntryInfo) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeVarint(typ, b, &m.EntryID)
	case 2:
		return consumeBool(typ, b, &m.Exists)
	case 3:
		return consumeUint32(typ, b, &m.Sector)
	case 4:
		return consumeUint32(typ, b, &m.Slot)
	}
	return skipField(num, typ, b)
}

// SizeResponse reports a size in blocks.
type SizeResponse struct {
	Blocks uint64 // 1
}

func (m *SizeResponse) AppendWire(b []byte) []byte {
	return appendVarint(b, 1, m.Blocks)
}

func (m *SizeResponse) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeVarint(typ, b, &m.Blocks)
	}
	return skipField(num, typ, b)
}
