package persist

import (
	"errors"
	"fmt"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/transaction"
)

var (
	// ErrServiceClosed is returned for work submitted to, or still queued on,
	// a closed service.
	ErrServiceClosed = errors.New("persistence service is closed")
	// ErrQueueFull is returned when the dispatcher queue has no room.
	ErrQueueFull = fmt.Errorf("%w: dispatcher queue full", status.ErrCapacity)
	// ErrNotBound is returned when no LUN is bound to the service.
	ErrNotBound = transaction.ErrNotBound
	// ErrLUNTooSmall is returned when a LUN cannot hold the configured layout.
	ErrLUNTooSmall = fmt.Errorf("%w: lun too small for layout", status.ErrConfiguration)
	// ErrBufferTooSmall is returned for a read buffer that cannot hold one entry.
	ErrBufferTooSmall = fmt.Errorf("%w: read buffer smaller than one entry", status.ErrConfiguration)
	// ErrCursorSector is returned for a cursor taken from another sector.
	ErrCursorSector = fmt.Errorf("%w: cursor belongs to another sector", status.ErrConfiguration)
	// ErrShortBuffer is returned when an entry's payload does not fit the buffer.
	ErrShortBuffer = fmt.Errorf("%w: payload larger than buffer", status.ErrCapacity)
)
