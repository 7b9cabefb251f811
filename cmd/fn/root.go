package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/config"
	"github.com/fieldnote/fieldnote/internal/dispatch"
	"github.com/fieldnote/fieldnote/internal/store"
	"github.com/fieldnote/fieldnote/internal/transport"
)

var (
	flagConfig  string
	flagDataDir string
	flagBaseURL string
)

var rootCmd = &cobra.Command{
	Use:   "fn",
	Short: "Capture notes, links and media with offline-safe delivery",
	Long: `fieldnote captures user content and delivers it to the backend.

When the backend is unreachable, captures are stored in a durable local
queue and synced later, by 'fn sync', or automatically by 'fn daemon'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (queue, trigger, status)")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "backend base URL")

	rootCmd.AddGroup(
		&cobra.Group{ID: "capture", Title: "Capture commands:"},
		&cobra.Group{ID: "queue", Title: "Queue commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)
}

// loadConfig resolves configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	return cfg, nil
}

// openStore opens the shared queue store.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.QueuePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open capture queue: %w", err)
	}
	return st, nil
}

// connectBus builds the foreground bus, attached to the daemon's event hub
// when one is running. A missing daemon is not an error: events stay local.
func connectBus(ctx context.Context, cfg *config.Config, logger *log.Logger) (*bus.Bus, func()) {
	b := bus.New()

	client, err := bus.Dial(ctx, cfg.HubAddr(), b, logger)
	if err != nil {
		return b, func() {}
	}
	return b, func() { _ = client.Close() }
}

// newDispatcher wires the submission path for capture commands.
func newDispatcher(cfg *config.Config, st *store.Store, b *bus.Bus) *dispatch.Dispatcher {
	client := transport.New(cfg.BaseURL, 0)
	logger := log.New(os.Stderr, "[fn] ", 0)
	return dispatch.New(st, client, b, cfg.AuthToken, cfg.ControlFields(), cfg.DataDir, logger)
}
