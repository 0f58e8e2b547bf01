package persist

import (
	"time"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/stats"
	"github.com/KevoDB/persist/pkg/transaction"
)

// SingleResult is the outcome of a single-entry operation. For a write,
// EntryID is the final ID of the new entry.
type SingleResult struct {
	EntryID layout.EntryID
	Err     error
}

// single stages one operation in a private transaction and commits it.
// Staging and submission errors abort the transaction and are returned.
func (s *Service) single(stage func(h transaction.Handle) (layout.EntryID, error), cb func(SingleResult)) error {
	start := time.Now()
	h, err := s.StartTransaction()
	if err != nil {
		return err
	}
	id, err := stage(h)
	if err != nil {
		s.txs.Abort(h)
		s.track(stats.OpSingleEntry, start, err)
		return err
	}

	err = s.CommitTransaction(h, func(res CommitResult, err error) {
		s.track(stats.OpSingleEntry, start, err)
		if final, ok := res.Assigned[id]; ok {
			id = final
		}
		if err != nil {
			id = layout.EntryIDInvalid
		}
		cb(SingleResult{EntryID: id, Err: err})
	})
	if err != nil {
		s.txs.Abort(h)
	}
	return err
}

// WriteSingleEntry writes data to sector t in a transaction of its own.
func (s *Service) WriteSingleEntry(t layout.SectorType, data []byte, cb func(SingleResult)) error {
	return s.single(func(h transaction.Handle) (layout.EntryID, error) {
		return s.txs.Write(h, t, data)
	}, cb)
}

// ModifySingleEntry replaces the payload of the committed entry id.
func (s *Service) ModifySingleEntry(id layout.EntryID, data []byte, cb func(SingleResult)) error {
	return s.single(func(h transaction.Handle) (layout.EntryID, error) {
		return id, s.txs.Overwrite(h, id, data)
	}, cb)
}

// DeleteSingleEntry deletes the committed entry id.
func (s *Service) DeleteSingleEntry(id layout.EntryID, cb func(SingleResult)) error {
	return s.single(func(h transaction.Handle) (layout.EntryID, error) {
		return id, s.txs.Delete(h, id)
	}, cb)
}
