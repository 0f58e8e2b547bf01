package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/google/uuid"
)

// A snapshot is an uncompressed preamble followed by a body compressed
// with the preamble's codec.
//
// Preamble:
//
//	0   magic   "PERSNAP1"
//	8   codec   u8
//
// Body, little-endian:
//
//	header  id [16]byte, created unix nanos i64, fingerprint u64
//	record  sector u32, entry id u64, length u32, payload
//	...
//	end     a record with sector 0, id 0 and length 0
const magic = "PERSNAP1"

const recordHeaderSize = 16

var (
	// ErrBadMagic is returned for a stream that is not a snapshot.
	ErrBadMagic = fmt.Errorf("%w: not a snapshot stream", status.ErrConfiguration)
	// ErrCorrupt is returned for a truncated or malformed snapshot.
	ErrCorrupt = fmt.Errorf("%w: corrupt snapshot", status.ErrIO)
)

// Header identifies a snapshot.
type Header struct {
	ID          uuid.UUID
	Created     time.Time
	Fingerprint uint64
	Codec       Codec
}

// Record is one exported entry.
type Record struct {
	Sector layout.SectorType
	ID     layout.EntryID
	Data   []byte
}

// Writer encodes a snapshot stream.
type Writer struct {
	header Header
	comp   io.WriteCloser
	buf    *bufio.Writer
	count  int
	closed bool
}

// NewWriter starts a snapshot of a layout with the given fingerprint.
func NewWriter(w io.Writer, codec Codec, fingerprint uint64) (*Writer, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate snapshot id: %w", err)
	}

	pre := make([]byte, len(magic)+1)
	copy(pre, magic)
	pre[len(magic)] = byte(codec)
	if _, err := w.Write(pre); err != nil {
		return nil, fmt.Errorf("failed to write snapshot preamble: %w", err)
	}

	comp, err := newCompressWriter(w, codec)
	if err != nil {
		return nil, err
	}
	sw := &Writer{
		header: Header{ID: id, Created: time.Now().UTC(), Fingerprint: fingerprint, Codec: codec},
		comp:   comp,
		buf:    bufio.NewWriter(comp),
	}

	var hdr [32]byte
	copy(hdr[:16], id[:])
	binary.LittleEndian.PutUint64(hdr[16:], uint64(sw.header.Created.UnixNano()))
	binary.LittleEndian.PutUint64(hdr[24:], fingerprint)
	if _, err := sw.buf.Write(hdr[:]); err != nil {
		comp.Close()
		return nil, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	return sw, nil
}

// Header returns the header written at the start of the stream.
func (w *Writer) Header() Header { return w.header }

// Count is the number of records written so far.
func (w *Writer) Count() int { return w.count }

func (w *Writer) writeRecord(t layout.SectorType, id layout.EntryID, data []byte) error {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(t))
	binary.LittleEndian.PutUint64(hdr[4:], uint64(id))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(data)))
	if _, err := w.buf.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.buf.Write(data)
	return err
}

// Write appends rec to the snapshot.
func (w *Writer) Write(rec Record) error {
	if w.closed {
		return errors.New("snapshot writer closed")
	}
	if !rec.Sector.Valid() || rec.ID.Sector() != rec.Sector {
		return fmt.Errorf("%w: entry %s in sector %d", layout.ErrInvalidSectorType, rec.ID, uint32(rec.Sector))
	}
	if err := w.writeRecord(rec.Sector, rec.ID, rec.Data); err != nil {
		return fmt.Errorf("failed to write snapshot record: %w", err)
	}
	w.count++
	return nil
}

// Close writes the end record and flushes the compressor. It does not
// close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writeRecord(layout.SectorInvalid, layout.EntryIDInvalid, nil); err != nil {
		w.comp.Close()
		return fmt.Errorf("failed to write snapshot end: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.comp.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return w.comp.Close()
}

// Reader decodes a snapshot stream.
type Reader struct {
	header Header
	comp   io.ReadCloser
	buf    *bufio.Reader
	done   bool
}

// NewReader reads the preamble and header of a snapshot.
func NewReader(r io.Reader) (*Reader, error) {
	pre := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(pre[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	codec := Codec(pre[len(magic)])

	comp, err := newCompressReader(r, codec)
	if err != nil {
		return nil, err
	}
	sr := &Reader{comp: comp, buf: bufio.NewReader(comp)}

	var hdr [32]byte
	if _, err := io.ReadFull(sr.buf, hdr[:]); err != nil {
		comp.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	copy(sr.header.ID[:], hdr[:16])
	sr.header.Created = time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[16:]))).UTC()
	sr.header.Fingerprint = binary.LittleEndian.Uint64(hdr[24:])
	sr.header.Codec = codec
	return sr, nil
}

// Header returns the snapshot header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF after the end record.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r.buf, hdr[:]); err != nil {
		return Record{}, fmt.Errorf("%w: record header: %v", ErrCorrupt, err)
	}
	rec := Record{
		Sector: layout.SectorType(binary.LittleEndian.Uint32(hdr[0:])),
		ID:     layout.EntryID(binary.LittleEndian.Uint64(hdr[4:])),
	}
	length := binary.LittleEndian.Uint32(hdr[12:])
	if rec.Sector == layout.SectorInvalid && rec.ID == layout.EntryIDInvalid && length == 0 {
		r.done = true
		return Record{}, io.EOF
	}
	if !rec.Sector.Valid() || rec.ID.Sector() != rec.Sector {
		return Record{}, fmt.Errorf("%w: entry %s in sector %d", ErrCorrupt, rec.ID, uint32(rec.Sector))
	}
	if length > maxRecordLength {
		return Record{}, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, length)
	}
	rec.Data = make([]byte, length)
	if _, err := io.ReadFull(r.buf, rec.Data); err != nil {
		return Record{}, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	return rec, nil
}

// maxRecordLength bounds a payload allocation while decoding.
const maxRecordLength = 1 << 24

// Close releases the decompressor.
func (r *Reader) Close() error {
	return r.comp.Close()
}
