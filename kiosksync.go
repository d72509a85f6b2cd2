// Package kiosksync keeps point-of-sale transactions durable while the kiosk
// is offline and replays them to the remote back office when connectivity
// returns. The root package defines the record model, the store and remote
// contracts, and the sync engine that drives replay.
package kiosksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EntityType selects which record collection and which remote endpoint a
// syncable record belongs to.
type EntityType string

const (
	EntitySale EntityType = "sale"
	EntityBill EntityType = "bill"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntitySale || e == EntityBill
}

// ChannelName returns the plural name used on the broadcast channel
// ("sales" / "bills").
func (e EntityType) ChannelName() string {
	switch e {
	case EntitySale:
		return "sales"
	case EntityBill:
		return "bills"
	default:
		return string(e)
	}
}

// SyncStatus tracks a record's progress toward the remote system of record.
type SyncStatus string

const (
	// StatusPending is the initial state and the state a record returns to
	// when a retry is scheduled.
	StatusPending SyncStatus = "pending"

	// StatusSynced is terminal. A synced record is deleted immediately, so in
	// steady state no record is ever observed persisted with this status.
	StatusSynced SyncStatus = "synced"

	// StatusFailed is a resting state awaiting the next sync trigger.
	StatusFailed SyncStatus = "failed"
)

// SyncableRecord is a locally created sale or bill awaiting confirmed
// delivery to the remote back office. The record is owned by the store; the
// engine borrows it for the duration of one replay attempt.
type SyncableRecord struct {
	// LocalID is a client-generated identifier, stable across retries and
	// never reused after deletion.
	LocalID string

	// Entity selects the collection and the remote endpoint template.
	Entity EntityType

	// Payload is the business data, sent verbatim to the remote system.
	Payload json.RawMessage

	// Status is the record's sync state.
	Status SyncStatus

	// LastError holds the most recent replay failure. Populated only while
	// Status is StatusFailed.
	LastError string
}

// ErrRecordNotFound is returned by RecordStore.Get when no record exists for
// the given entity type and local ID.
var ErrRecordNotFound = errors.New("record not found")

// RecordStore provides durable, transactional CRUD over the two record
// collections. Every operation opens its own transaction; no operation may
// observe a partial write from another.
type RecordStore interface {
	// GetAll returns all records for the entity type in original insertion
	// order. Callers filter by status themselves.
	GetAll(ctx context.Context, entity EntityType) ([]SyncableRecord, error)

	// Get returns the record with the given local ID, or ErrRecordNotFound.
	Get(ctx context.Context, entity EntityType, localID string) (SyncableRecord, error)

	// Put upserts by local ID, overwriting payload and status atomically.
	Put(ctx context.Context, rec SyncableRecord) error

	// Delete removes the record. Deleting an absent ID is not an error.
	Delete(ctx context.Context, entity EntityType, localID string) error

	Close() error
}

// Remote replays a single record to the remote sync endpoint. A nil return
// means the remote confirmed the record; the engine then deletes it locally.
// A *ReplayError carries a server-provided rejection message, any other error
// is treated as a transient network failure.
type Remote interface {
	Submit(ctx context.Context, rec SyncableRecord) error
}

// ReplayError is a remote-confirmed rejection of one record. It is terminal
// for the current attempt but the record stays in the store for a later retry.
type ReplayError struct {
	// StatusText is the status field reported in the response body.
	StatusText string

	// Message is the server-provided error message, if any.
	Message string
}

func (e *ReplayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote rejected record (status %q): %s", e.StatusText, e.Message)
	}
	return fmt.Sprintf("remote rejected record (status %q)", e.StatusText)
}

// NotificationStatus is the phase reported on the broadcast channel.
type NotificationStatus string

const (
	NotifyStarted   NotificationStatus = "started"
	NotifyCompleted NotificationStatus = "completed"
	NotifyFailed    NotificationStatus = "failed"
)

// Notification is a transient sync-progress event. Delivery is best-effort:
// no acknowledgement, no persistence, no replay for absent listeners.
type Notification struct {
	Status NotificationStatus `json:"status"`
	Type   string             `json:"type"`
}

// Notifier publishes sync-progress notifications. Implementations must not
// block the sync pass; publishing is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
