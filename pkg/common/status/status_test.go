package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tooLarge := fmt.Errorf("%w: entry exceeds sector capacity", ErrCapacity)
	wrapped := fmt.Errorf("failed to stage write: %w", tooLarge)

	tests := []struct {
		name string
		err  error
		want error
		tag  string
	}{
		{"nil", nil, nil, "ok"},
		{"plain", errors.New("boom"), nil, "unknown"},
		{"direct", ErrIO, ErrIO, "io"},
		{"wrapped twice", wrapped, ErrCapacity, "capacity"},
		{"not found", fmt.Errorf("%w: entry 0x1", ErrNotFound), ErrNotFound, "not_found"},
		{"state", fmt.Errorf("%w: handle 3", ErrTransactionState), ErrTransactionState, "transaction_state"},
		{"configuration", fmt.Errorf("%w: not bound", ErrConfiguration), ErrConfiguration, "configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
			if got := Name(tt.err); got != tt.tag {
				t.Errorf("Name() = %q, want %q", got, tt.tag)
			}
		})
	}
}
