package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/persist"
	"github.com/KevoDB/persist/pkg/transaction"
	"google.golang.org/grpc/codes"
	gstatus "google.golang.org/grpc/status"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{persist.ErrNotBound, codes.FailedPrecondition},
		{fmt.Errorf("failed to stage: %w", transaction.ErrEntryTooLarge), codes.ResourceExhausted},
		{persist.ErrQueueFull, codes.ResourceExhausted},
		{fmt.Errorf("%w: entry 0x100000000", status.ErrNotFound), codes.NotFound},
		{fmt.Errorf("%w: handle 9", status.ErrTransactionState), codes.InvalidArgument},
		{fmt.Errorf("%w: write lba 12", status.ErrIO), codes.Unavailable},
		{persist.ErrServiceClosed, codes.Aborted},
		{context.Canceled, codes.Canceled},
		{errors.New("something else"), codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			st, ok := gstatus.FromError(ToStatus(tt.err))
			if !ok {
				t.Fatalf("ToStatus did not produce a status error")
			}
			if st.Code() != tt.code {
				t.Errorf("expected %s, got %s", tt.code, st.Code())
			}
			if st.Message() != tt.err.Error() {
				t.Errorf("expected message %q, got %q", tt.err.Error(), st.Message())
			}
		})
	}
}

func TestToStatusKeepsStatusErrors(t *testing.T) {
	in := gstatus.Error(codes.PermissionDenied, "no")
	if got := ToStatus(in); got != in {
		t.Errorf("expected status error to pass through, got %v", got)
	}
	if ToStatus(nil) != nil {
		t.Errorf("expected nil for nil")
	}
}

func TestFromStatusRestoresKinds(t *testing.T) {
	kinds := []error{
		status.ErrConfiguration,
		status.ErrCapacity,
		status.ErrNotFound,
		status.ErrTransactionState,
		status.ErrIO,
		persist.ErrServiceClosed,
	}
	for _, kind := range kinds {
		remote := FromStatus(ToStatus(fmt.Errorf("%w: detail", kind)))
		if !errors.Is(remote, kind) {
			t.Errorf("expected %v to match %v", remote, kind)
		}
		if remote.Error() != kind.Error()+": detail" {
			t.Errorf("unexpected message %q", remote.Error())
		}
		if _, ok := gstatus.FromError(remote); !ok {
			t.Errorf("expected the status to stay recoverable from %v", remote)
		}
	}

	other := gstatus.Error(codes.Internal, "boom")
	if FromStatus(other) != other {
		t.Errorf("expected unmapped codes to pass through")
	}
	plain := errors.New("plain")
	if FromStatus(plain) != plain {
		t.Errorf("expected non-status errors to pass through")
	}
}
