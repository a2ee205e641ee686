package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/journal"
)

var (
	eventsChannel string
	eventsLimit   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent channel events from the journal",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsChannel, "channel", "", "only show events for this channel")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "number of events to show")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Recent(ctx, channel.ID(eventsChannel), eventsLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no events")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCHANNEL\tKIND\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.At.Local().Format(time.DateTime), ev.Channel, ev.Kind, ev.Detail)
	}
	return tw.Flush()
}
