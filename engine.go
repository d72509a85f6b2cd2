package kiosksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/tillpoint/go-kiosk-sync/errors"
	"github.com/tillpoint/go-kiosk-sync/logging"
)

// genericNetworkError is recorded on a record when the remote could not be
// reached at all and no server-provided message exists.
const genericNetworkError = "network error: sync endpoint unreachable"

// RunResult summarizes one sync pass for a single entity type.
type RunResult struct {
	Entity EntityType

	// Skipped is true when the pass was a no-op because another pass for the
	// same entity type was already in flight.
	Skipped bool

	// Submitted counts records attempted against the remote.
	Submitted int

	// Succeeded counts records the remote confirmed; each one was deleted.
	Succeeded int

	// Failed counts records left in the store with StatusFailed.
	Failed int

	StartTime time.Time
	Duration  time.Duration
}

// runLocks serializes sync passes per entity type. Overlapping triggers for
// the same entity type must not read the same unsynced record twice and
// submit it twice; triggers for different entity types stay independent.
type runLocks struct {
	mu   sync.Mutex
	held map[EntityType]bool
}

func (l *runLocks) tryAcquire(entity EntityType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[EntityType]bool)
	}
	if l.held[entity] {
		return false
	}
	l.held[entity] = true
	return true
}

func (l *runLocks) release(entity EntityType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, entity)
}

// Engine replays all pending and failed records of one entity type to the
// remote system, updating their local state per outcome. It never submits a
// record concurrently with itself.
type Engine struct {
	store    RecordStore
	remote   Remote
	notifier Notifier
	logger   *slog.Logger
	locks    runLocks
}

// EngineOption configures an Engine using the functional options pattern
type EngineOption func(*Engine)

// WithNotifier sets the sync-progress notifier. Defaults to NopNotifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a sync engine over the given store and remote.
func NewEngine(store RecordStore, remote Remote, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		remote:   remote,
		notifier: NopNotifier{},
		logger:   logging.WithComponent(logging.Component("engine")).Logger,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run executes one sync pass for the given entity type.
//
// If a pass for the same entity type is already in flight the call is a no-op
// and the result has Skipped set. Records are replayed strictly sequentially
// in store order; a per-record failure is recorded on that record and never
// aborts the loop. Exactly one completed notification is published when the
// loop finishes, or one failed notification when the batch could not even be
// read.
func (e *Engine) Run(ctx context.Context, entity EntityType) (*RunResult, error) {
	if !entity.Valid() {
		return nil, syncErrors.NewValidationError(syncErrors.OpSync, fmt.Errorf("unknown entity type %q", entity))
	}

	result := &RunResult{Entity: entity, StartTime: time.Now()}

	if !e.locks.tryAcquire(entity) {
		e.logger.Debug("sync pass already in flight, skipping",
			slog.String("entity", string(entity)))
		result.Skipped = true
		return result, nil
	}
	defer e.locks.release(entity)
	defer func() {
		result.Duration = time.Since(result.StartTime)
	}()

	e.logger.Info("sync pass started", slog.String("entity", string(entity)))
	e.notifier.Notify(ctx, Notification{Status: NotifyStarted, Type: entity.ChannelName()})

	records, err := e.store.GetAll(ctx, entity)
	if err != nil {
		e.logger.Error("failed to read unsynced records",
			slog.String("entity", string(entity)),
			slog.String("error", err.Error()))
		e.notifier.Notify(ctx, Notification{Status: NotifyFailed, Type: entity.ChannelName()})
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	for _, rec := range records {
		// A synced record only survives in the store when a crash hit
		// between confirmation and deletion; never resubmit it.
		if rec.Status == StatusSynced {
			continue
		}

		select {
		case <-ctx.Done():
			// The pass is abandoned mid-batch. Every completed record was
			// already durably recorded, so no partial state exists.
			e.logger.Warn("sync pass abandoned",
				slog.String("entity", string(entity)),
				slog.Int("submitted", result.Submitted))
			e.notifier.Notify(ctx, Notification{Status: NotifyFailed, Type: entity.ChannelName()})
			return result, ctx.Err()
		default:
		}

		result.Submitted++
		if err := e.replayOne(ctx, rec); err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}

	e.logger.Info("sync pass completed",
		slog.String("entity", string(entity)),
		slog.Int("submitted", result.Submitted),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed))
	e.notifier.Notify(ctx, Notification{Status: NotifyCompleted, Type: entity.ChannelName()})

	return result, nil
}

// replayOne submits a single record and durably records its outcome before
// the next record is attempted.
func (e *Engine) replayOne(ctx context.Context, rec SyncableRecord) error {
	err := e.remote.Submit(ctx, rec)
	if err == nil {
		if delErr := e.store.Delete(ctx, rec.Entity, rec.LocalID); delErr != nil {
			// The remote confirmed the record but local cleanup failed. The
			// record stays visible until the store recovers; the next pass
			// would double-submit, so surface this loudly.
			e.logger.Error("failed to delete synced record",
				slog.String("entity", string(rec.Entity)),
				slog.String("local_id", rec.LocalID),
				slog.String("error", delErr.Error()))
			return syncErrors.NewStorageError(syncErrors.OpDelete, delErr)
		}
		e.logger.Debug("record synced",
			slog.String("entity", string(rec.Entity)),
			slog.String("local_id", rec.LocalID))
		return nil
	}

	rec.Status = StatusFailed
	rec.LastError = failureMessage(err)
	if putErr := e.store.Put(ctx, rec); putErr != nil {
		e.logger.Error("failed to record replay failure",
			slog.String("entity", string(rec.Entity)),
			slog.String("local_id", rec.LocalID),
			slog.String("error", putErr.Error()))
		return syncErrors.NewStorageError(syncErrors.OpStore, putErr)
	}

	e.logger.Warn("record replay failed",
		slog.String("entity", string(rec.Entity)),
		slog.String("local_id", rec.LocalID),
		slog.String("last_error", rec.LastError))
	return err
}

// failureMessage picks the server-provided message when the remote rejected
// the record, and a generic network-error description otherwise.
func failureMessage(err error) string {
	var replayErr *ReplayError
	if errors.As(err, &replayErr) && replayErr.Message != "" {
		return replayErr.Message
	}
	return genericNetworkError
}
