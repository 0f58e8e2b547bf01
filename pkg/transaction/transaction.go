// Package transaction stages writes, modifies and deletes in memory until
// they are committed to a persistence volume as one unit.
//
// Transactions are named by opaque handles kept in a Registry. Every staging
// call validates against the committed state of the bound volume, so a
// capacity failure is reported immediately and leaves the transaction usable.
package transaction

import (
	"time"

	"github.com/KevoDB/persist/pkg/layout"
)

// Tx is one transaction. Once handed out by Registry.Commit it is owned by
// the committer and is no longer reachable through its handle.
type Tx struct {
	handle  Handle
	state   State
	buffer  *Buffer
	started time.Time
}

func newTx(h Handle) *Tx {
	return &Tx{
		handle:  h,
		state:   StateOpen,
		buffer:  NewBuffer(),
		started: time.Now(),
	}
}

// Handle returns the handle the transaction was started under.
func (tx *Tx) Handle() Handle { return tx.handle }

// State returns the lifecycle state.
func (tx *Tx) State() State { return tx.state }

// Started returns the time the transaction was started.
func (tx *Tx) Started() time.Time { return tx.started }

// Len is the number of staged operations.
func (tx *Tx) Len() int { return tx.buffer.Len() }

// Operations returns copies of the staged operations in staging order.
func (tx *Tx) Operations() []*Operation { return tx.buffer.Operations() }

// ProvisionalIDs returns the provisional IDs of the staged writes in staging order.
func (tx *Tx) ProvisionalIDs() []layout.EntryID {
	var ids []layout.EntryID
	for _, op := range tx.buffer.ops {
		if op.Kind == OpWrite {
			ids = append(ids, op.ID)
		}
	}
	return ids
}
