package persist

import (
	"context"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/transaction"
)

// The helpers below submit a request and wait for its callback. Cancelling
// ctx stops the wait only: the request still runs and its outcome is
// discarded.

// Bind binds lunID and waits for the volume to be opened.
func (s *Service) Bind(ctx context.Context, lunID uint32) error {
	done := make(chan error, 1)
	if err := s.SetLUN(lunID, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit commits h and waits for the result.
func (s *Service) Commit(ctx context.Context, h transaction.Handle) (CommitResult, error) {
	type outcome struct {
		res CommitResult
		err error
	}
	done := make(chan outcome, 1)
	if err := s.CommitTransaction(h, func(res CommitResult, err error) { done <- outcome{res, err} }); err != nil {
		return CommitResult{}, err
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return CommitResult{}, ctx.Err()
	}
}

// ReadSectorPage reads one page of sector t into buf and waits for it.
func (s *Service) ReadSectorPage(ctx context.Context, t layout.SectorType, buf []byte, cursor layout.Cursor) (layout.Cursor, int, error) {
	type outcome struct {
		next  layout.Cursor
		count int
		err   error
	}
	done := make(chan outcome, 1)
	err := s.ReadSector(t, buf, cursor, func(next layout.Cursor, count int, err error) {
		done <- outcome{next, count, err}
	})
	if err != nil {
		return cursor, 0, err
	}
	select {
	case o := <-done:
		return o.next, o.count, o.err
	case <-ctx.Done():
		return cursor, 0, ctx.Err()
	}
}

// ReadEntry copies the payload of id into buf and returns its length.
func (s *Service) ReadEntry(ctx context.Context, id layout.EntryID, buf []byte) (int, error) {
	type outcome struct {
		n   int
		err error
	}
	done := make(chan outcome, 1)
	if err := s.ReadSingleEntry(id, buf, func(n int, err error) { done <- outcome{n, err} }); err != nil {
		return 0, err
	}
	select {
	case o := <-done:
		return o.n, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Service) awaitSingle(ctx context.Context, submit func(cb func(SingleResult)) error) (layout.EntryID, error) {
	done := make(chan SingleResult, 1)
	if err := submit(func(r SingleResult) { done <- r }); err != nil {
		return layout.EntryIDInvalid, err
	}
	select {
	case r := <-done:
		return r.EntryID, r.Err
	case <-ctx.Done():
		return layout.EntryIDInvalid, ctx.Err()
	}
}

// WriteSingle writes data to sector t in its own transaction and returns the final ID.
func (s *Service) WriteSingle(ctx context.Context, t layout.SectorType, data []byte) (layout.EntryID, error) {
	return s.awaitSingle(ctx, func(cb func(SingleResult)) error {
		return s.WriteSingleEntry(t, data, cb)
	})
}

// ModifySingle replaces the payload of the committed entry id.
func (s *Service) ModifySingle(ctx context.Context, id layout.EntryID, data []byte) error {
	_, err := s.awaitSingle(ctx, func(cb func(SingleResult)) error {
		return s.ModifySingleEntry(id, data, cb)
	})
	return err
}

// DeleteSingle deletes the committed entry id.
func (s *Service) DeleteSingle(ctx context.Context, id layout.EntryID) error {
	_, err := s.awaitSingle(ctx, func(cb func(SingleResult)) error {
		return s.DeleteSingleEntry(id, cb)
	})
	return err
}

// Entry is one live entry found by ScanSector.
type Entry struct {
	ID   layout.EntryID
	Data []byte
}

// LayoutInfo is GetLayoutInfo for callers that pass a context.
func (s *Service) LayoutInfo(ctx context.Context) (layout.Info, error) {
	if err := ctx.Err(); err != nil {
		return layout.Info{}, err
	}
	return s.GetLayoutInfo()
}

// ScanSector pages through sector t and calls fn for every live entry.
func (s *Service) ScanSector(ctx context.Context, t layout.SectorType, fn func(Entry) error) error {
	recSize := s.layout.ReadEntrySize()
	buf := make([]byte, recSize*s.maxReadEntries)
	cursor := layout.CursorStart
	for {
		next, count, err := s.ReadSectorPage(ctx, t, buf, cursor)
		if err != nil {
			return err
		}
		for _, e := range DecodePage(buf, count, recSize) {
			if err := fn(e); err != nil {
				return err
			}
		}
		if next == layout.CursorEnd {
			return nil
		}
		cursor = next
	}
}
