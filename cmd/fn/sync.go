package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldnote/fieldnote/internal/syncer"
	"github.com/fieldnote/fieldnote/internal/transport"
	"github.com/fieldnote/fieldnote/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Deliver queued captures now",
	Long: `Attempt delivery of every queued capture in the foreground.

Records the backend accepts are removed from the queue. Records that fail
with a transient error stay queued with an incremented retry count; records
that exhaust their retries, or that the backend rejects outright, are
discarded.`,
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

		ctx := cmd.Context()
		b, closeBus := connectBus(ctx, cfg, nil)
		defer closeBus()

		client := transport.New(cfg.BaseURL, 0)
		engine := syncer.New(st, client, b, cfg.ControlFields(), nil)

		res, err := engine.Drain(ctx, func(rr syncer.RecordResult) {
			switch rr.Outcome {
			case syncer.OutcomeDelivered:
				fmt.Printf("  %s %s %s\n", ui.Success("✓"), rr.Kind, rr.ID)
			case syncer.OutcomeCorrupted:
				fmt.Printf("  %s %s %s (corrupted, kept)\n", ui.Error("✗"), rr.Kind, rr.ID)
			default:
				note := "will retry"
				if rr.Evicted {
					note = "discarded"
				}
				fmt.Printf("  %s %s %s (%s: %s)\n", ui.Error("✗"), rr.Kind, rr.ID, note, rr.Err)
			}
		})
		if err != nil {
			return err
		}

		summary := fmt.Sprintf("Synced %d, failed %d", res.Synced, res.Failed)
		if res.Evicted > 0 {
			summary += fmt.Sprintf(", discarded %d", res.Evicted)
		}
		if res.Failed > 0 {
			fmt.Println(ui.Warn(summary))
		} else {
			fmt.Println(ui.Success(summary))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
