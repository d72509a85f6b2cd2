package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSyncErrorMessage(t *testing.T) {
	base := fmt.Errorf("connection refused")

	err := NewWithComponent(OpReplay, "transport", base)
	msg := err.Error()
	if !strings.Contains(msg, "replay operation failed in transport component") {
		t.Errorf("unexpected message: %s", msg)
	}
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("expected underlying error in message, got: %s", msg)
	}

	bare := New(OpSync, base)
	if strings.Contains(bare.Error(), "component") {
		t.Errorf("expected no component in message, got: %s", bare.Error())
	}
}

func TestSyncErrorCodeInMessage(t *testing.T) {
	err := NewNetworkError(OpReplay, fmt.Errorf("timeout"))
	if !strings.Contains(err.Error(), string(ErrCodeNetworkFailure)) {
		t.Errorf("expected code in message, got: %s", err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	base := fmt.Errorf("disk full")
	err := NewStorageError(OpStore, base)

	if !errors.Is(err, base) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", NewNetworkError(OpReplay, fmt.Errorf("x")), true},
		{"storage error", NewStorageError(OpStore, fmt.Errorf("x")), true},
		{"validation error", NewValidationError(OpSync, fmt.Errorf("x")), false},
		{"cache error", NewCacheError(OpCache, fmt.Errorf("x")), false},
		{"plain error", fmt.Errorf("x"), false},
		{"explicit retryable", NewRetryable(OpSync, fmt.Errorf("x")), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, OpStore, "store") != nil {
		t.Error("expected nil for nil error")
	}

	wrapped := WrapOpComponent(fmt.Errorf("boom"), OpLoad, "storage/sqlite")
	var syncErr *SyncError
	if !errors.As(wrapped, &syncErr) {
		t.Fatal("expected a *SyncError")
	}
	if syncErr.Op != OpLoad || syncErr.Component != "storage/sqlite" {
		t.Errorf("unexpected Op/Component: %s/%s", syncErr.Op, syncErr.Component)
	}
}
