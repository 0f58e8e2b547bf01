package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/layout"
)

// Registry is the arena of open transactions, indexed by handle.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	txs     map[Handle]*Tx
	volume  Volume
	metrics Metrics
	logger  log.Logger
}

// NewRegistry creates an empty registry. A nil metrics records nothing.
func NewRegistry(metrics Metrics) *Registry {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Registry{
		txs:     make(map[Handle]*Tx),
		metrics: metrics,
		logger:  log.Component("transaction"),
	}
}

// SetVolume sets the committed state staged operations are validated
// against. A nil volume makes every staging call fail with ErrNotBound.
func (r *Registry) SetVolume(v Volume) {
	r.mu.Lock()
	r.volume = v
	r.mu.Unlock()
}

// Start opens a new transaction and returns its handle.
func (r *Registry) Start() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var h Handle
	for {
		r.next++
		h = Handle(r.next)
		if _, taken := r.txs[h]; h != InvalidHandle && !taken {
			break
		}
	}
	r.txs[h] = newTx(h)
	r.metrics.RecordStart(context.Background())
	return h
}

// Len is the number of open transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs)
}

// State returns the state of the transaction h, which must still be open.
func (r *Registry) State(h Handle) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.openLocked(h)
	if err != nil {
		return 0, err
	}
	return tx.state, nil
}

func (r *Registry) openLocked(h Handle) (*Tx, error) {
	tx, ok := r.txs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if tx.state != StateOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransactionClosed, h, tx.state)
	}
	return tx, nil
}

// stagingLocked resolves h and the bound volume for a staging call.
func (r *Registry) stagingLocked(h Handle) (*Tx, Volume, error) {
	tx, err := r.openLocked(h)
	if err != nil {
		return nil, nil, err
	}
	if r.volume == nil {
		return nil, nil, ErrNotBound
	}
	return tx, r.volume, nil
}

func checkSize(v Volume, size int) error {
	if size > v.EntryCapacity() {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrEntryTooLarge, size, v.EntryCapacity())
	}
	return nil
}

func checkRoom(tx *Tx, v Volume) error {
	if tx.buffer.Len() >= v.MaxTransactionEntries() {
		return fmt.Errorf("%w: %d operations", ErrTransactionFull, v.MaxTransactionEntries())
	}
	return nil
}

func copyData(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// Write stages a write of data to sector t and returns its provisional ID.
func (r *Registry) Write(h Handle, t layout.SectorType, data []byte) (layout.EntryID, error) {
	return r.write(h, t, data, false)
}

// WriteWithIDOnTop stages a write whose stored payload begins with the
// entry's own final ID, little-endian, followed by data.
func (r *Registry) WriteWithIDOnTop(h Handle, t layout.SectorType, data []byte) (layout.EntryID, error) {
	return r.write(h, t, data, true)
}

func (r *Registry) write(h Handle, t layout.SectorType, data []byte, idOnTop bool) (id layout.EntryID, err error) {
	defer func() { r.metrics.RecordOperation(context.Background(), OpWrite, err == nil) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, v, err := r.stagingLocked(h)
	if err != nil {
		return layout.EntryIDInvalid, err
	}
	if !t.Valid() {
		return layout.EntryIDInvalid, fmt.Errorf("%w: %d", layout.ErrInvalidSectorType, uint32(t))
	}

	op := &Operation{Kind: OpWrite, Sector: t, IDOnTop: idOnTop}
	op.Data = data
	if err := checkSize(v, op.StoredLength()); err != nil {
		return layout.EntryIDInvalid, err
	}
	if err := checkRoom(tx, v); err != nil {
		return layout.EntryIDInvalid, err
	}
	if uint64(v.LiveEntries(t))+uint64(tx.buffer.LiveWrites(t)) >= uint64(v.SectorEntries(t)) {
		return layout.EntryIDInvalid, fmt.Errorf("%w: %s holds %d entries", ErrSectorFull, t, v.SectorEntries(t))
	}
	seq := v.NextSequence(t) + uint64(tx.buffer.Issued(t))
	if seq > layout.MaxSequence {
		return layout.EntryIDInvalid, fmt.Errorf("%w: %s", ErrSequenceExhausted, t)
	}

	op.ID = layout.MakeEntryID(t, uint32(seq))
	op.Data = copyData(data)
	tx.buffer.Write(op)
	return op.ID, nil
}

// Modify replaces the payload of a write staged earlier in the same
// transaction. Committed entries cannot be modified this way.
func (r *Registry) Modify(h Handle, id layout.EntryID, data []byte) (err error) {
	defer func() { r.metrics.RecordOperation(context.Background(), OpModify, err == nil) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, v, err := r.stagingLocked(h)
	if err != nil {
		return err
	}
	return modifyStaged(tx, v, id, data)
}

func modifyStaged(tx *Tx, v Volume, id layout.EntryID, data []byte) error {
	if tx.buffer.IsDeleted(id) {
		return fmt.Errorf("%w: %s", ErrEntryDeleted, id)
	}
	op, ok := tx.buffer.StagedWrite(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	size := len(data)
	if op.IDOnTop {
		size += IDPrefixSize
	}
	if err := checkSize(v, size); err != nil {
		return err
	}
	tx.buffer.Replace(op, copyData(data))
	return nil
}

// Overwrite stages a modify of an entry committed by an earlier
// transaction. A write staged in this transaction is modified in place.
func (r *Registry) Overwrite(h Handle, id layout.EntryID, data []byte) (err error) {
	defer func() { r.metrics.RecordOperation(context.Background(), OpModify, err == nil) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, v, err := r.stagingLocked(h)
	if err != nil {
		return err
	}
	if _, staged := tx.buffer.StagedWrite(id); staged || tx.buffer.IsDeleted(id) {
		return modifyStaged(tx, v, id, data)
	}
	if !v.Contains(id) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err := checkSize(v, len(data)); err != nil {
		return err
	}
	if _, staged := tx.buffer.Target(id); !staged {
		if err := checkRoom(tx, v); err != nil {
			return err
		}
	}
	tx.buffer.StageTarget(&Operation{Kind: OpModify, Sector: id.Sector(), ID: id, Data: copyData(data)})
	return nil
}

// Delete drops a write staged in this transaction, or stages the delete of
// a committed entry. Deleting the same ID twice fails.
func (r *Registry) Delete(h Handle, id layout.EntryID) (err error) {
	defer func() { r.metrics.RecordOperation(context.Background(), OpDelete, err == nil) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, v, err := r.stagingLocked(h)
	if err != nil {
		return err
	}
	if tx.buffer.IsDeleted(id) {
		return fmt.Errorf("%w: %s", ErrEntryDeleted, id)
	}
	if _, staged := tx.buffer.StagedWrite(id); staged {
		tx.buffer.DropWrite(id)
		return nil
	}
	if !v.Contains(id) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if _, staged := tx.buffer.Target(id); !staged {
		if err := checkRoom(tx, v); err != nil {
			return err
		}
	}
	tx.buffer.StageTarget(&Operation{Kind: OpDelete, Sector: id.Sector(), ID: id})
	return nil
}

// Validate succeeds if id names a live staged write of the transaction or a
// committed entry the transaction has not deleted.
func (r *Registry) Validate(h Handle, id layout.EntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, v, err := r.stagingLocked(h)
	if err != nil {
		return err
	}
	if _, staged := tx.buffer.StagedWrite(id); staged {
		return nil
	}
	if tx.buffer.IsDeleted(id) {
		return fmt.Errorf("%w: %s", ErrEntryDeleted, id)
	}
	if !v.Contains(id) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}

// Abort discards the transaction h and releases its handle.
func (r *Registry) Abort(h Handle) error {
	r.mu.Lock()
	tx, err := r.openLocked(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.txs, h)
	r.mu.Unlock()

	tx.state = StateAborted
	r.metrics.RecordOutcome(context.Background(), OutcomeAbort, time.Since(tx.started), tx.Len())
	tx.buffer.Clear()
	r.logger.Debug("aborted %s", h)
	return nil
}

// Commit detaches the transaction h for committing. The handle is released
// immediately; the caller must report the outcome through Finish.
func (r *Registry) Commit(h Handle) (*Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.openLocked(h)
	if err != nil {
		return nil, err
	}
	if r.volume == nil {
		return nil, ErrNotBound
	}
	delete(r.txs, h)
	tx.state = StateCommitPending
	return tx, nil
}

// Reattach returns a transaction detached by Commit to the arena, open
// again, when its commit could not be submitted.
func (r *Registry) Reattach(tx *Tx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.state = StateOpen
	r.txs[tx.handle] = tx
}

// Finish moves a detached transaction to its terminal state.
func (r *Registry) Finish(tx *Tx, commitErr error) {
	tx.state = StateCommitted
	outcome := OutcomeCommit
	if commitErr != nil {
		outcome = OutcomeCommitFailed
		r.logger.WithField("tx", tx.handle.String()).Warn("commit failed: %v", commitErr)
	}
	r.metrics.RecordOutcome(context.Background(), outcome, time.Since(tx.started), tx.Len())
}

// AbortAll aborts every open transaction and returns how many there were.
func (r *Registry) AbortAll() int {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.txs))
	for h := range r.txs {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	n := 0
	for _, h := range handles {
		if r.Abort(h) == nil {
			n++
		}
	}
	return n
}
