package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	statusEvents bool
	statusPoll   bool
)

var statusCmd = &cobra.Command{
	Use:   "status <access-key>",
	Short: "Show the pipeline record for an access key",
	Long: `Print the stored document record for a 49-digit access key.
With --poll, query the authority first and fold the answer into the
record; with --events, include the full transition history.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "Include the transition history")
	statusCmd.Flags().BoolVar(&statusPoll, "poll", false, "Query the authority before printing")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, _, log, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer log.Sync() //nolint:errcheck

	accessKey := args[0]

	var rec any
	if statusPoll {
		rec, err = engine.Poll(ctx, accessKey)
	} else {
		rec, err = engine.GetStatus(ctx, accessKey)
	}
	if err != nil {
		return err
	}

	if !statusEvents {
		return printJSON(rec)
	}
	events, err := engine.History(ctx, accessKey)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"record": rec,
		"events": events,
	})
}
