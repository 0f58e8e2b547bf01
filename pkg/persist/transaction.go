package persist

import (
	"context"
	"time"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/stats"
	"github.com/KevoDB/persist/pkg/telemetry"
	"github.com/KevoDB/persist/pkg/transaction"
	"go.opentelemetry.io/otel/attribute"
)

// staged records a synchronous staging call.
func (s *Service) staged(op stats.OperationType, start time.Time, err error) {
	s.track(op, start, err)
	s.metrics.RecordOperation(context.Background(), string(op), time.Since(start), err)
}

// StartTransaction opens a transaction on the bound LUN.
func (s *Service) StartTransaction() (transaction.Handle, error) {
	start := time.Now()
	if s.closed.Load() {
		return transaction.InvalidHandle, ErrServiceClosed
	}
	if _, _, err := s.bound(); err != nil {
		s.staged(stats.OpTxStart, start, err)
		return transaction.InvalidHandle, err
	}
	h := s.txs.Start()
	s.staged(stats.OpTxStart, start, nil)
	return h, nil
}

// AbortTransaction discards everything staged in h.
func (s *Service) AbortTransaction(h transaction.Handle) error {
	start := time.Now()
	err := s.txs.Abort(h)
	s.staged(stats.OpTxAbort, start, err)
	return err
}

// WriteEntry stages a write of data to sector t and returns its
// provisional entry ID. The data is copied.
func (s *Service) WriteEntry(h transaction.Handle, t layout.SectorType, data []byte) (layout.EntryID, error) {
	start := time.Now()
	id, err := s.txs.Write(h, t, data)
	s.staged(stats.OpWrite, start, err)
	return id, err
}

// WriteEntryWithAutoEntryIDOnTop is like WriteEntry, but the stored payload
// is prefixed with the entry's final ID, 8 bytes little-endian.
func (s *Service) WriteEntryWithAutoEntryIDOnTop(h transaction.Handle, t layout.SectorType, data []byte) (layout.EntryID, error) {
	start := time.Now()
	id, err := s.txs.WriteWithIDOnTop(h, t, data)
	s.staged(stats.OpWrite, start, err)
	return id, err
}

// ModifyEntry replaces the payload of a write staged earlier in h.
func (s *Service) ModifyEntry(h transaction.Handle, id layout.EntryID, data []byte) error {
	start := time.Now()
	err := s.txs.Modify(h, id, data)
	s.staged(stats.OpModify, start, err)
	return err
}

// DeleteEntry drops a write staged in h or stages the delete of a
// committed entry.
func (s *Service) DeleteEntry(h transaction.Handle, id layout.EntryID) error {
	start := time.Now()
	err := s.txs.Delete(h, id)
	s.staged(stats.OpDelete, start, err)
	return err
}

// ValidateEntry succeeds if id is usable within h: a live staged write, or
// a committed entry h has not deleted.
func (s *Service) ValidateEntry(h transaction.Handle, id layout.EntryID) error {
	return s.txs.Validate(h, id)
}

// CommitTransaction hands h to the dispatcher, which applies it durably
// and calls cb with the final entry IDs. The handle is released once the
// commit is accepted; if it cannot be queued, h stays open.
func (s *Service) CommitTransaction(h transaction.Handle, cb func(CommitResult, error)) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	tx, err := s.txs.Commit(h)
	if err != nil {
		return err
	}

	err = s.submit(job{
		run: func(ctx context.Context) {
			res, err := s.commit(ctx, tx)
			cb(res, err)
		},
		fail: func(err error) {
			s.txs.Finish(tx, err)
			cb(CommitResult{}, err)
		},
	})
	if err != nil {
		s.txs.Reattach(tx)
	}
	return err
}

func (s *Service) commit(ctx context.Context, tx *transaction.Tx) (CommitResult, error) {
	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "persist.commit",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentService),
		attribute.Int("operations", tx.Len()),
	)
	defer span.End()

	st, _, err := s.bound()
	var res CommitResult
	if err == nil {
		res, err = st.Commit(ctx, tx.Operations())
	}
	s.txs.Finish(tx, err)
	s.track(stats.OpTxCommit, start, err)
	s.metrics.RecordOperation(ctx, telemetry.OpTypeCommit, time.Since(start), err)
	if err != nil {
		s.logger.WithField("tx", tx.Handle().String()).Error("commit failed: %v", err)
	}
	return res, err
}
