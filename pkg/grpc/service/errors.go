package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/persist"
	"google.golang.org/grpc/codes"
	gstatus "google.golang.org/grpc/status"
)

// ErrBufferTooLarge is returned for reads asking for more than the server's limit.
var ErrBufferTooLarge = fmt.Errorf("%w: read buffer exceeds server limit", status.ErrConfiguration)

// ToStatus converts a persistence error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := gstatus.FromError(err); ok {
		return err
	}
	return gstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, persist.ErrServiceClosed):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	switch status.KindOf(err) {
	case status.ErrConfiguration:
		return codes.FailedPrecondition
	case status.ErrCapacity:
		return codes.ResourceExhausted
	case status.ErrNotFound:
		return codes.NotFound
	case status.ErrTransactionState:
		return codes.InvalidArgument
	case status.ErrIO:
		return codes.Unavailable
	}
	return codes.Unknown
}

// FromStatus converts a gRPC status error back into an error that matches
// the persistence error kinds with errors.Is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := gstatus.FromError(err)
	if !ok {
		return err
	}

	var kind error
	switch st.Code() {
	case codes.FailedPrecondition:
		kind = status.ErrConfiguration
	case codes.ResourceExhausted:
		kind = status.ErrCapacity
	case codes.NotFound:
		kind = status.ErrNotFound
	case codes.InvalidArgument:
		kind = status.ErrTransactionState
	case codes.Unavailable:
		kind = status.ErrIO
	case codes.Aborted:
		kind = persist.ErrServiceClosed
	case codes.Canceled:
		kind = context.Canceled
	case codes.DeadlineExceeded:
		kind = context.DeadlineExceeded
	default:
		return err
	}
	return &remoteError{kind: kind, status: st}
}

// remoteError keeps the server's message and the original status.
type remoteError struct {
	kind   error
	status *gstatus.Status
}

func (e *remoteError) Error() string { return e.status.Message() }

func (e *remoteError) Unwrap() error { return e.kind }

// GRPCStatus lets gstatus.FromError recover the original status.
func (e *remoteError) GRPCStatus() *gstatus.Status { return e.status }
