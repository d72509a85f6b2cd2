package logging

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/tillpoint/go-kiosk-sync/errors"
)

func TestOperationLogValue(t *testing.T) {
	v := Operation("sync").LogValue()
	if v.Kind() != slog.KindString || v.String() != "sync" {
		t.Errorf("LogValue = %v", v)
	}
}

func TestComponentLogValue(t *testing.T) {
	v := Component("engine").LogValue()
	if v.Kind() != slog.KindString || v.String() != "engine" {
		t.Errorf("LogValue = %v", v)
	}
}

func TestSyncErrorValuerGroupsAttributes(t *testing.T) {
	syncErr := errors.NewRetryable(errors.OpReplay, fmt.Errorf("connection reset"))
	v := SyncErrorValuer{SyncError: syncErr}.LogValue()

	if v.Kind() != slog.KindGroup {
		t.Fatalf("kind = %v, want group", v.Kind())
	}

	found := map[string]bool{}
	for _, attr := range v.Group() {
		found[attr.Key] = true
	}
	for _, key := range []string{"operation", "code", "retryable", "error"} {
		if !found[key] {
			t.Errorf("missing attribute %q", key)
		}
	}
}

func TestLogOperationPropagatesError(t *testing.T) {
	logger := NewLogger(Config{Level: "error", Format: "text"})

	wantErr := fmt.Errorf("boom")
	err := logger.LogOperation(context.Background(), Operation("sync"), Component("engine"), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}

	err = logger.LogOperation(context.Background(), Operation("sync"), Component("engine"), func() error {
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestDefaultLoggerIsLazilyInitialized(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default returned nil")
	}
	if WithComponent(Component("test")).Logger == nil {
		t.Fatal("WithComponent returned a logger without a backing slog.Logger")
	}
}
