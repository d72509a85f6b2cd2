// Package worker manages the lifecycle of one worker generation: install-time
// asset preload, activation-time cache eviction, and the active phase that
// reacts to sync triggers and client messages.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	kiosksync "github.com/tillpoint/go-kiosk-sync"
	"github.com/tillpoint/go-kiosk-sync/broadcast"
	"github.com/tillpoint/go-kiosk-sync/cache"
	syncErrors "github.com/tillpoint/go-kiosk-sync/errors"
	"github.com/tillpoint/go-kiosk-sync/logging"
	"github.com/tillpoint/go-kiosk-sync/router"
)

// State is the worker generation's lifecycle phase.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Background-sync tags delivered by the scheduler.
const (
	TagSyncSales = "SYNC_SALES"
	TagSyncBills = "SYNC_BILLS"
)

// Client message types.
const (
	MsgTriggerSyncSales    = "TRIGGER_SYNC_SALES"
	MsgTriggerSyncBills    = "TRIGGER_SYNC_BILLS"
	MsgUserConfirmedUpdate = "USER_CONFIRMED_UPDATE"
	MsgNewVersionAvailable = "NEW_VERSION_AVAILABLE"
)

// EntityForTag maps a background-sync tag to its entity type.
func EntityForTag(tag string) (kiosksync.EntityType, bool) {
	switch tag {
	case TagSyncSales:
		return kiosksync.EntitySale, true
	case TagSyncBills:
		return kiosksync.EntityBill, true
	default:
		return "", false
	}
}

// entityForMessage maps a client trigger message to its entity type.
func entityForMessage(msgType string) (kiosksync.EntityType, bool) {
	switch msgType {
	case MsgTriggerSyncSales:
		return kiosksync.EntitySale, true
	case MsgTriggerSyncBills:
		return kiosksync.EntityBill, true
	default:
		return "", false
	}
}

// Config holds worker configuration.
type Config struct {
	// ListenAddr is the address the worker's HTTP surface binds to.
	ListenAddr string

	// Upstream is the POS application origin.
	Upstream *url.URL

	// CoreAssets is the fixed list of shell asset paths preloaded at
	// install time.
	CoreAssets []string

	// SyncInterval drives the scheduler, the in-process analog of the
	// platform background-sync facility. Zero disables scheduled syncs.
	SyncInterval time.Duration
}

// Worker wires the cache manager, sync engine, broadcast hub, and request
// router into one generation lifecycle.
type Worker struct {
	cfg       Config
	engine    *kiosksync.Engine
	cache     *cache.Manager
	hub       *broadcast.Hub
	router    *router.Router
	scheduler *Scheduler
	client    *http.Client
	logger    *slog.Logger

	state atomic.Int32

	// skipRequested closes when activation-skip has been requested, either
	// automatically after install or by a user-confirmed update message.
	skipRequested chan struct{}
	skipOnce      atomic.Bool
}

// New creates a worker generation. The hub's inbound handler must be wired to
// HandleMessage by the caller (the hub needs the worker and vice versa).
func New(cfg Config, engine *kiosksync.Engine, cacheManager *cache.Manager, hub *broadcast.Hub, rt *router.Router, client *http.Client) *Worker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	w := &Worker{
		cfg:           cfg,
		engine:        engine,
		cache:         cacheManager,
		hub:           hub,
		router:        rt,
		client:        client,
		logger:        logging.WithComponent(logging.Component("worker")).Logger,
		skipRequested: make(chan struct{}),
	}
	w.state.Store(int32(StateInstalling))

	if cfg.SyncInterval > 0 {
		w.scheduler = NewScheduler(cfg.SyncInterval, w.HandleSyncTag)
	}

	return w
}

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Install preloads the core shell assets. A single asset failure fails the
// whole install: the generation must not become active with a broken offline
// shell. On success the worker transitions to Waiting and immediately
// requests activation-skip.
func (w *Worker) Install(ctx context.Context) error {
	w.state.Store(int32(StateInstalling))
	w.logger.Info("installing worker generation",
		slog.String("generation", w.cache.Generation()),
		slog.Int("core_assets", len(w.cfg.CoreAssets)))

	if err := w.cache.PreloadCoreAssets(ctx, w.client, w.cfg.Upstream.String(), w.cfg.CoreAssets); err != nil {
		w.logger.Error("install failed", slog.String("error", err.Error()))
		return syncErrors.WrapOpComponent(err, syncErrors.OpInstall, "worker")
	}

	w.state.Store(int32(StateWaiting))
	w.requestSkip()
	w.logger.Info("worker generation installed, activation-skip requested")
	return nil
}

// requestSkip marks activation-skip as requested. Idempotent.
func (w *Worker) requestSkip() {
	if w.skipOnce.CompareAndSwap(false, true) {
		close(w.skipRequested)
	}
}

// Activate evicts stale cache generations, then announces the new version to
// all connected clients and enters the Active state. Runs before any request
// is served, so no request is ever answered from a stale generation.
func (w *Worker) Activate(ctx context.Context) error {
	if w.State() != StateWaiting {
		return syncErrors.New(syncErrors.OpActivate, fmt.Errorf("cannot activate from state %s", w.State()))
	}

	w.state.Store(int32(StateActivating))
	evicted, err := w.cache.EvictStaleGenerations(ctx)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpActivate, "worker")
	}

	w.hub.Announce(MsgNewVersionAvailable)
	w.state.Store(int32(StateActive))
	w.logger.Info("worker generation activated",
		slog.String("generation", w.cache.Generation()),
		slog.Int("stale_entries_evicted", evicted))
	return nil
}

// HandleSyncTag reacts to a background-sync event carrying a tag. Unknown
// tags are ignored with a warning.
func (w *Worker) HandleSyncTag(ctx context.Context, tag string) {
	entity, ok := EntityForTag(tag)
	if !ok {
		w.logger.Warn("ignoring unknown sync tag", slog.String("tag", tag))
		return
	}
	w.runSync(ctx, entity)
}

// HandleMessage reacts to an explicit message from a foreground client. This
// is the hub's inbound handler.
func (w *Worker) HandleMessage(ctx context.Context, msgType string) {
	if entity, ok := entityForMessage(msgType); ok {
		w.runSync(ctx, entity)
		return
	}

	switch msgType {
	case MsgUserConfirmedUpdate:
		w.logger.Info("user confirmed update")
		w.requestSkip()
	default:
		w.logger.Debug("ignoring unknown client message", slog.String("type", msgType))
	}
}

func (w *Worker) runSync(ctx context.Context, entity kiosksync.EntityType) {
	result, err := w.engine.Run(ctx, entity)
	if err != nil {
		w.logger.Error("sync pass failed",
			slog.String("entity", string(entity)),
			slog.String("error", err.Error()))
		return
	}
	if result.Skipped {
		w.logger.Debug("sync pass skipped, already in flight",
			slog.String("entity", string(entity)))
	}
}

// Run executes the full generation lifecycle: install, wait for the skip
// request, activate, then serve until the context ends. There is no terminal
// state; the next generation re-instantiates from the same persisted state.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}

	select {
	case <-w.skipRequested:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.Activate(ctx); err != nil {
		return err
	}

	if w.scheduler != nil {
		w.scheduler.Start(ctx)
		defer w.scheduler.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", w.hub)
	mux.HandleFunc("/healthz", w.handleHealth)
	mux.Handle("/", w.router)

	server := &http.Server{
		Addr:    w.cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("worker serving", slog.String("addr", w.cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (w *Worker) handleHealth(resp http.ResponseWriter, _ *http.Request) {
	resp.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(resp, `{"state":%q,"generation":%q}`, w.State(), w.cache.Generation())
}
