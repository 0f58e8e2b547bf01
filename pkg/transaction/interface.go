package transaction

import (
	"fmt"

	"github.com/KevoDB/persist/pkg/layout"
)

// Handle is the opaque value callers use to name an open transaction.
// The zero Handle is never issued.
type Handle uint64

// InvalidHandle is the zero handle.
const InvalidHandle Handle = 0

func (h Handle) String() string {
	return fmt.Sprintf("tx-%d", uint64(h))
}

// State is a transaction's lifecycle state.
type State int

const (
	StateOpen State = iota
	StateCommitPending
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitPending:
		return "commit_pending"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Volume is the committed state of the bound volume that staged operations
// are validated against. The store implements it.
type Volume interface {
	// EntryCapacity is the largest payload one entry can hold.
	EntryCapacity() int
	// MaxTransactionEntries is the operation limit of one transaction.
	MaxTransactionEntries() int
	// SectorEntries is the slot count of sector t.
	SectorEntries(t layout.SectorType) uint32
	// LiveEntries is the number of committed, undeleted entries in sector t.
	LiveEntries(t layout.SectorType) uint32
	// NextSequence is the sequence the next committed write to t will receive.
	NextSequence(t layout.SectorType) uint64
	// Contains reports whether id names a committed, undeleted entry.
	Contains(id layout.EntryID) bool
}
