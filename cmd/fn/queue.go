package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and manage the offline capture queue",
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued captures",
	Args:    cobra.NoArgs,
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

		recs, err := st.GetAllContext(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Print(ui.QueueTable(recs))
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one queued capture in detail",
	Args:  cobra.ExactArgs(1),
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

		rec, err := st.GetContext(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Print(ui.RecordDetail(rec))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued capture",
	Long: `Discard every queued capture, including corrupted entries. The
captures are lost; use 'fn sync' first if they should be delivered.`,
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

		count, err := st.CountContext(ctx)
		if err != nil {
			return err
		}
		if err := st.ClearContext(ctx); err != nil {
			return err
		}

		b, closeBus := connectBus(ctx, cfg, nil)
		defer closeBus()
		b.Publish(bus.NewEvent(bus.EventQueueCleared, bus.QueueClearedData{Discarded: count}))

		fmt.Println(ui.Success(fmt.Sprintf("Discarded %d queued capture(s)", count)))
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
