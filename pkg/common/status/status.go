// Package status defines the error kinds every persistence operation reports.
//
// Packages wrap these kinds in their own sentinels, for example
//
//	var ErrEntryTooLarge = fmt.Errorf("%w: entry exceeds sector capacity", status.ErrCapacity)
//
// so callers can match either the precise sentinel or the broad kind with errors.Is.
package status

import "errors"

var (
	// ErrConfiguration covers an unbound service, an unknown sector type or LUN,
	// and a layout that does not match the volume.
	ErrConfiguration = errors.New("configuration error")

	// ErrCapacity covers oversized payloads and full sectors or transactions.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotFound covers entry IDs unknown to a transaction or to the volume.
	ErrNotFound = errors.New("not found")

	// ErrIO covers device read and write failures and checksum mismatches.
	ErrIO = errors.New("i/o failure")

	// ErrTransactionState covers use of an unknown or terminated transaction handle.
	ErrTransactionState = errors.New("invalid transaction state")
)

var kinds = []error{ErrConfiguration, ErrCapacity, ErrNotFound, ErrIO, ErrTransactionState}

// KindOf returns the kind sentinel err wraps, or nil if it wraps none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Name returns a short label for err's kind, suitable for metrics attributes.
func Name(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "unknown"
	case ErrConfiguration:
		return "configuration"
	case ErrCapacity:
		return "capacity"
	case ErrNotFound:
		return "not_found"
	case ErrIO:
		return "io"
	default:
		return "transaction_state"
	}
}
