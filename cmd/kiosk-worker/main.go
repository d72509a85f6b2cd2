// Command kiosk-worker runs the offline sync worker that fronts a
// point-of-sale kiosk: it serves the application shell from a generation-
// versioned cache, queues sales and bills while offline, and replays them to
// the back-office API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	kiosksync "github.com/tillpoint/go-kiosk-sync"
	"github.com/tillpoint/go-kiosk-sync/broadcast"
	"github.com/tillpoint/go-kiosk-sync/cache"
	"github.com/tillpoint/go-kiosk-sync/config"
	"github.com/tillpoint/go-kiosk-sync/logging"
	"github.com/tillpoint/go-kiosk-sync/router"
	"github.com/tillpoint/go-kiosk-sync/storage/postgres"
	"github.com/tillpoint/go-kiosk-sync/storage/sqlite"
	"github.com/tillpoint/go-kiosk-sync/transport/httptransport"
	"github.com/tillpoint/go-kiosk-sync/worker"
)

var (
	configPath    string
	remoteBaseURL string
)

func main() {
	root := &cobra.Command{
		Use:          "kiosk-worker",
		Short:        "Offline sync worker for point-of-sale kiosks",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "kiosk-worker.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&remoteBaseURL, "remote-base-url", "", "override the remote API base URL from the config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newProvisionCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newEnqueueCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the base-URL override, the
// startup-time configuration point for the remote origin.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if remoteBaseURL != "" {
		cfg.RemoteBaseURL = remoteBaseURL
	}
	logging.Init(cfg.Logging)
	return cfg, nil
}

func openStore(cfg *config.Config) (kiosksync.RecordStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.OpenDataSource(cfg.Store.DSN)
	case "postgres":
		return postgres.Open(postgres.DefaultConfig(cfg.Store.DSN))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker: install, activate, and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			cacheManager, err := cache.Open(&cache.Config{
				DataSourceName: cfg.Cache.Path,
				Generation:     cfg.Cache.Generation,
			})
			if err != nil {
				return err
			}
			defer cacheManager.Close()

			remote := httptransport.NewClient(cfg.RemoteBaseURL)

			upstream, err := url.Parse(cfg.UpstreamURL)
			if err != nil {
				return fmt.Errorf("invalid upstream URL: %w", err)
			}
			remoteURL, err := url.Parse(cfg.RemoteBaseURL)
			if err != nil {
				return fmt.Errorf("invalid remote base URL: %w", err)
			}

			// The hub dispatches inbound client messages to the worker; the
			// worker broadcasts through the hub. Wire the cycle through a
			// late-bound pointer.
			var w *worker.Worker
			hub := broadcast.NewHub(func(ctx context.Context, msgType string) {
				w.HandleMessage(ctx, msgType)
			})
			defer hub.Close()

			engine := kiosksync.NewEngine(store, remote, kiosksync.WithNotifier(hub))

			rt := router.New(router.Config{
				Upstream:    upstream,
				Remote:      remoteURL,
				APIPrefix:   cfg.Router.APIPrefix,
				KioskPrefix: cfg.Router.KioskPrefix,
				OfflinePath: cfg.Router.OfflinePath,
			}, cacheManager, nil)

			w = worker.New(worker.Config{
				ListenAddr:   cfg.ListenAddr,
				Upstream:     upstream,
				CoreAssets:   cfg.Cache.CoreAssets,
				SyncInterval: cfg.Sync.Interval(),
			}, engine, cacheManager, hub, rt, &http.Client{Timeout: 30 * time.Second})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return w.Run(ctx)
		},
	}
}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the record collections (run once before serve)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			switch cfg.Store.Driver {
			case "sqlite":
				err = sqlite.Provision(cmd.Context(), cfg.Store.DSN)
			case "postgres":
				err = postgres.Provision(cmd.Context(), cfg.Store.DSN)
			default:
				err = fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
			}
			if err != nil {
				return err
			}

			fmt.Println("record collections provisioned")
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var entity string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for an entity type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			remote := httptransport.NewClient(cfg.RemoteBaseURL)
			engine := kiosksync.NewEngine(store, remote)

			result, err := engine.Run(cmd.Context(), kiosksync.EntityType(entity))
			if err != nil {
				return err
			}

			fmt.Printf("submitted=%d succeeded=%d failed=%d duration=%s\n",
				result.Submitted, result.Succeeded, result.Failed, result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "sale", "entity type to sync (sale or bill)")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var entity, payload string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Write a pending record into the local store (development helper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rec := kiosksync.SyncableRecord{
				LocalID: uuid.NewString(),
				Entity:  kiosksync.EntityType(entity),
				Payload: json.RawMessage(payload),
				Status:  kiosksync.StatusPending,
			}
			if err := store.Put(cmd.Context(), rec); err != nil {
				return err
			}

			fmt.Printf("enqueued %s %s\n", entity, rec.LocalID)
			return nil
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "sale", "entity type (sale or bill)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload (must carry locationId)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}
