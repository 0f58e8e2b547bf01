package store

import (
	"fmt"

	"github.com/KevoDB/persist/pkg/common/status"
)

var (
	// ErrVolumeTooSmall is returned when a device cannot hold the layout.
	ErrVolumeTooSmall = fmt.Errorf("%w: volume too small for layout", status.ErrConfiguration)

	// ErrForeignVolume is returned when the header block holds something other than a db header.
	ErrForeignVolume = fmt.Errorf("%w: volume is not a persistence volume", status.ErrConfiguration)

	// ErrUnsupportedVersion is returned for a db header written by an incompatible format version.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported volume format version", status.ErrConfiguration)

	// ErrLayoutMismatch is returned when a volume was formatted with a different geometry.
	ErrLayoutMismatch = fmt.Errorf("%w: volume layout does not match configuration", status.ErrConfiguration)

	// ErrStoreClosed is returned for any operation on a closed store.
	ErrStoreClosed = fmt.Errorf("%w: store closed", status.ErrConfiguration)

	// ErrEntryNotFound is returned for an entry ID with no live slot.
	ErrEntryNotFound = fmt.Errorf("%w: entry not found", status.ErrNotFound)

	// ErrCorruptEntry is returned when a slot's record header does not match the index.
	ErrCorruptEntry = fmt.Errorf("%w: corrupt entry", status.ErrIO)

	// ErrCorruptJournal is returned when a sealed journal cannot be replayed.
	ErrCorruptJournal = fmt.Errorf("%w: corrupt journal", status.ErrIO)

	// ErrDegraded is returned after a commit failed past the journal seal.
	// The volume must be rebound to roll the journal forward.
	ErrDegraded = fmt.Errorf("%w: store degraded, rebind required", status.ErrIO)

	// ErrCrashed is returned by a commit stopped by a crash hook.
	ErrCrashed = fmt.Errorf("%w: simulated crash", status.ErrIO)
)
