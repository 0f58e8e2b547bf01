package persist

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/stats"
	"github.com/KevoDB/persist/pkg/telemetry"
)

// UserHeader prefixes every entry placed in a ReadSector buffer.
//
//	0   entry id u64
//	8   length   u32
//	12  reserved u32
type UserHeader struct {
	EntryID layout.EntryID
	Length  uint32
}

// PutUserHeader encodes h into the first layout.UserHeaderSize bytes of buf.
func PutUserHeader(buf []byte, h UserHeader) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.EntryID))
	binary.LittleEndian.PutUint32(buf[8:], h.Length)
	binary.LittleEndian.PutUint32(buf[12:], 0)
}

// ReadUserHeader decodes the header at the start of buf.
func ReadUserHeader(buf []byte) UserHeader {
	return UserHeader{
		EntryID: layout.EntryID(binary.LittleEndian.Uint64(buf[0:])),
		Length:  binary.LittleEndian.Uint32(buf[8:]),
	}
}

// DecodePage returns the live entries among the first count records of a
// page filled by ReadSector. The payloads are copied out of page.
func DecodePage(page []byte, count, recSize int) []Entry {
	var entries []Entry
	for i := 0; i < count && (i+1)*recSize <= len(page); i++ {
		rec := page[i*recSize : (i+1)*recSize]
		h := ReadUserHeader(rec)
		if h.EntryID == layout.EntryIDInvalid || int(h.Length) > recSize-layout.UserHeaderSize {
			continue
		}
		data := make([]byte, h.Length)
		copy(data, rec[layout.UserHeaderSize:])
		entries = append(entries, Entry{ID: h.EntryID, Data: data})
	}
	return entries
}

// ReadSectorCallback receives the outcome of a ReadSector call: the cursor
// to resume from and the number of (header, payload) pairs placed in the
// buffer.
type ReadSectorCallback func(next layout.Cursor, count int, err error)

// ReadSector reads the next page of sector t into buf, starting at cursor.
// Every slot of the page, live or not, occupies one ReadEntrySize record
// of buf; free slots read as zeros. The next cursor is layout.CursorEnd
// once the page reaches the last slot.
func (s *Service) ReadSector(t layout.SectorType, buf []byte, cursor layout.Cursor, cb ReadSectorCallback) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	if _, _, err := s.bound(); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %d", layout.ErrInvalidSectorType, uint32(t))
	}
	if len(buf) < s.layout.ReadEntrySize() {
		return fmt.Errorf("%w: %d bytes, need %d", ErrBufferTooSmall, len(buf), s.layout.ReadEntrySize())
	}
	if cursor != layout.CursorStart && cursor.Sector() != t {
		return fmt.Errorf("%w: %s for %s", ErrCursorSector, cursor, t)
	}

	return s.submit(job{
		run: func(ctx context.Context) {
			next, count, err := s.readSector(ctx, t, buf, cursor)
			cb(next, count, err)
		},
		fail: func(err error) { cb(cursor, 0, err) },
	})
}

func (s *Service) readSector(ctx context.Context, t layout.SectorType, buf []byte, cursor layout.Cursor) (layout.Cursor, int, error) {
	start := time.Now()
	st, _, err := s.bound()
	if err != nil {
		s.track(stats.OpReadSector, start, err)
		return cursor, 0, err
	}

	first := cursor.Slot()
	total := s.layout.SectorEntries(t)
	recSize := s.layout.ReadEntrySize()
	n := len(buf) / recSize
	if n > s.maxReadEntries {
		n = s.maxReadEntries
	}

	entries, err := st.ReadSlots(ctx, t, first, n)
	s.track(stats.OpReadSector, start, err)
	s.metrics.RecordOperation(ctx, telemetry.OpTypeReadSector, time.Since(start), err)
	if err != nil {
		return cursor, 0, err
	}

	page := buf[:len(entries)*recSize]
	for i := range page {
		page[i] = 0
	}
	var read uint64
	for i, e := range entries {
		rec := page[i*recSize:]
		if e.ID == layout.EntryIDInvalid {
			continue
		}
		PutUserHeader(rec, UserHeader{EntryID: e.ID, Length: uint32(len(e.Data))})
		copy(rec[layout.UserHeaderSize:], e.Data)
		read += uint64(len(e.Data))
	}
	s.stats.TrackBytes(false, read)

	end := first + uint32(len(entries))
	if end >= total {
		return layout.CursorEnd, len(entries), nil
	}
	return layout.MakeCursor(t, end), len(entries), nil
}

// ReadEntryCallback receives the outcome of a ReadSingleEntry call and the
// payload length copied into the buffer.
type ReadEntryCallback func(length int, err error)

// ReadSingleEntry copies the payload of the committed entry id into buf.
func (s *Service) ReadSingleEntry(id layout.EntryID, buf []byte, cb ReadEntryCallback) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	if _, _, err := s.bound(); err != nil {
		return err
	}
	return s.submit(job{
		run: func(ctx context.Context) {
			n, err := s.readEntry(ctx, id, buf)
			cb(n, err)
		},
		fail: func(err error) { cb(0, err) },
	})
}

func (s *Service) readEntry(ctx context.Context, id layout.EntryID, buf []byte) (n int, err error) {
	start := time.Now()
	defer func() {
		s.track(stats.OpReadEntry, start, err)
		s.metrics.RecordOperation(ctx, telemetry.OpTypeReadEntry, time.Since(start), err)
	}()

	st, _, err := s.bound()
	if err != nil {
		return 0, err
	}
	e, err := st.ReadEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(e.Data) > len(buf) {
		return 0, fmt.Errorf("%w: %s holds %d bytes, buffer %d", ErrShortBuffer, id, len(e.Data), len(buf))
	}
	s.stats.TrackBytes(false, uint64(len(e.Data)))
	return copy(buf, e.Data), nil
}
