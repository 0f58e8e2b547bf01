// Package snapshot exports the live entries of a persistence service to a
// compressed stream and imports them into another service.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
)

// ErrTargetNotEmpty is returned when importing into a service that already
// holds entries.
var ErrTargetNotEmpty = fmt.Errorf("%w: import target is not empty", status.ErrConfiguration)

// Source is a service entries can be exported from.
type Source interface {
	LayoutInfo(ctx context.Context) (layout.Info, error)
	ScanSector(ctx context.Context, t layout.SectorType, fn func(persist.Entry) error) error
}

// Target is a service entries can be imported into.
type Target interface {
	Source
	WriteSingle(ctx context.Context, t layout.SectorType, data []byte) (layout.EntryID, error)
}

// Export writes every live entry of src to w, sector by sector in slot
// order, and returns the snapshot header and record count.
func Export(ctx context.Context, src Source, w io.Writer, codec Codec) (Header, int, error) {
	info, err := src.LayoutInfo(ctx)
	if err != nil {
		return Header{}, 0, err
	}
	sw, err := NewWriter(w, codec, info.Fingerprint)
	if err != nil {
		return Header{}, 0, err
	}

	for _, t := range layout.Sectors() {
		err := src.ScanSector(ctx, t, func(e persist.Entry) error {
			return sw.Write(Record{Sector: t, ID: e.ID, Data: e.Data})
		})
		if err != nil {
			sw.Close()
			return Header{}, 0, fmt.Errorf("failed to export %s: %w", t, err)
		}
	}
	if err := sw.Close(); err != nil {
		return Header{}, 0, err
	}

	log.Component("snapshot").WithField("snapshot", sw.Header().ID.String()).
		Info("exported %d entries", sw.Count())
	return sw.Header(), sw.Count(), nil
}

var errNotEmpty = errors.New("entry found")

// Import writes every record of the snapshot in r to dst, which must be
// bound and empty. Entries receive new IDs from dst; the returned map
// takes each exported ID to its new one.
func Import(ctx context.Context, dst Target, r io.Reader) (map[layout.EntryID]layout.EntryID, error) {
	for _, t := range layout.Sectors() {
		err := dst.ScanSector(ctx, t, func(persist.Entry) error { return errNotEmpty })
		if errors.Is(err, errNotEmpty) {
			return nil, fmt.Errorf("%w: %s holds entries", ErrTargetNotEmpty, t)
		}
		if err != nil {
			return nil, err
		}
	}

	info, err := dst.LayoutInfo(ctx)
	if err != nil {
		return nil, err
	}

	sr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	logger := log.Component("snapshot").WithField("snapshot", sr.Header().ID.String())
	if sr.Header().Fingerprint != info.Fingerprint {
		logger.Warn("importing into a different layout (%x, target %x)", sr.Header().Fingerprint, info.Fingerprint)
	}

	ids := make(map[layout.EntryID]layout.EntryID)
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ids, err
		}
		id, err := dst.WriteSingle(ctx, rec.Sector, rec.Data)
		if err != nil {
			return ids, fmt.Errorf("failed to import %s: %w", rec.ID, err)
		}
		ids[rec.ID] = id
	}

	logger.Info("imported %d entries", len(ids))
	return ids, nil
}
