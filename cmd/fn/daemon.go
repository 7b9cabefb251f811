package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/daemon"
	"github.com/fieldnote/fieldnote/internal/syncer"
	"github.com/fieldnote/fieldnote/internal/transport"
	"github.com/fieldnote/fieldnote/internal/ui"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync worker",
	Long: `Run the sync daemon: it watches for newly queued captures, drains
the queue periodically and when connectivity returns, and hosts the event
hub that keeps foreground commands informed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		logger := daemonLogger(cfg.DataDir)

		client := transport.New(cfg.BaseURL, 0)
		b := bus.New()
		engine := syncer.New(st, client, b, cfg.ControlFields(), logger)

		dcfg := daemon.DefaultConfig()
		dcfg.Port = cfg.Daemon.Port
		dcfg.DrainInterval = cfg.Daemon.DrainInterval
		dcfg.ProbeInterval = cfg.Daemon.ProbeInterval
		dcfg.Logger = logger

		d, err := daemon.New(cfg.DataDir, st, engine, client, b, dcfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's last sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := daemon.ReadStatus(cfg.DataDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Println(ui.Muted("No daemon status found. Is the daemon running?"))
				return nil
			}
			return err
		}

		fmt.Println(ui.Title("Sync daemon"))
		fmt.Printf("  last drain:  %s (%s ago)\n",
			st.LastDrain.Local().Format(time.RFC1123),
			time.Since(st.LastDrain).Round(time.Second))
		fmt.Printf("  synced:      %d\n", st.Synced)
		fmt.Printf("  failed:      %d\n", st.Failed)
		fmt.Printf("  discarded:   %d\n", st.Evicted)
		fmt.Printf("  pending:     %d\n", st.Pending)
		return nil
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "log to stderr instead of the rotating log file")
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// daemonLogger writes to a size-rotated log file in the data directory, or
// stderr with --foreground.
func daemonLogger(dataDir string) *log.Logger {
	var w io.Writer = os.Stderr
	if !daemonForeground {
		w = &lumberjack.Logger{
			Filename:   filepath.Join(dataDir, "daemon.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
	}
	return log.New(w, "[daemon] ", log.LstdFlags)
}
