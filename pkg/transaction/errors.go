package transaction

import (
	"fmt"

	"github.com/KevoDB/persist/pkg/common/status"
)

var (
	// ErrNotBound is returned when no volume backs the registry.
	ErrNotBound = fmt.Errorf("%w: no volume bound", status.ErrConfiguration)

	// ErrEntryTooLarge is returned when a payload exceeds the per-entry capacity.
	ErrEntryTooLarge = fmt.Errorf("%w: entry exceeds sector capacity", status.ErrCapacity)

	// ErrSectorFull is returned when a sector has no free slot left for another write.
	ErrSectorFull = fmt.Errorf("%w: sector is full", status.ErrCapacity)

	// ErrTransactionFull is returned when a transaction already holds the maximum number of operations.
	ErrTransactionFull = fmt.Errorf("%w: transaction is full", status.ErrCapacity)

	// ErrSequenceExhausted is returned when a sector has handed out every 32-bit sequence.
	ErrSequenceExhausted = fmt.Errorf("%w: sector sequence exhausted", status.ErrCapacity)

	// ErrEntryNotFound is returned for an entry ID the transaction cannot resolve.
	ErrEntryNotFound = fmt.Errorf("%w: entry not found", status.ErrNotFound)

	// ErrEntryDeleted is returned for an entry ID deleted earlier in the same transaction.
	ErrEntryDeleted = fmt.Errorf("%w: entry deleted in this transaction", status.ErrNotFound)

	// ErrUnknownHandle is returned for a handle that was never issued or has terminated.
	ErrUnknownHandle = fmt.Errorf("%w: unknown transaction handle", status.ErrTransactionState)

	// ErrTransactionClosed is returned when a terminated transaction is used.
	ErrTransactionClosed = fmt.Errorf("%w: transaction already committed or aborted", status.ErrTransactionState)
)
