package client

import (
	"context"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
)

// Scanner iterates over the live entries of one sector
type Scanner interface {
	// Next advances the scanner to the next entry
	Next() bool
	// Entry returns the current entry
	Entry() persist.Entry
	// Error returns any error that occurred during iteration
	Error() error
}

// sectorScanner fetches one ReadSector page at a time
type sectorScanner struct {
	client  *Client
	ctx     context.Context
	sector  layout.SectorType
	buf     []byte
	cursor  layout.Cursor
	done    bool
	page    []persist.Entry
	current persist.Entry
	err     error
}

// NewSectorScanner scans sector t from its first slot.
func (c *Client) NewSectorScanner(ctx context.Context, t layout.SectorType) Scanner {
	return &sectorScanner{
		client: c,
		ctx:    ctx,
		sector: t,
		buf:    make([]byte, c.options.ScanBufferSize),
		cursor: layout.CursorStart,
	}
}

func (s *sectorScanner) Next() bool {
	for len(s.page) == 0 {
		if s.done || s.err != nil {
			return false
		}
		if !s.fetch() {
			return false
		}
	}
	s.current, s.page = s.page[0], s.page[1:]
	return true
}

func (s *sectorScanner) fetch() bool {
	next, count, filled, err := s.client.readPage(s.ctx, s.sector, s.buf, s.cursor)
	if err != nil {
		s.err = err
		return false
	}
	if count > 0 {
		s.page = persist.DecodePage(s.buf[:filled], count, filled/count)
	}
	s.cursor = next
	s.done = next == layout.CursorEnd
	return true
}

func (s *sectorScanner) Entry() persist.Entry { return s.current }

func (s *sectorScanner) Error() error { return s.err }
