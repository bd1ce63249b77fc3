// File: cmd/history.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
	"github.com/xkilldash9x/pilot-cli/internal/service"
	"github.com/xkilldash9x/pilot-cli/internal/store"
)

// intentLister reads archived intents.
type intentLister interface {
	RecentIntents(ctx context.Context, limit int) ([]store.ArchivedIntent, error)
}

// openArchive is swapped out in tests.
var openArchive = func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (intentLister, func(), error) {
	archive, cleanup, err := service.InitializeArchive(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return archive, cleanup, nil
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recently archived intents",
		Long:  "History reads the intent archive. It requires database.url (or PILOT_DATABASE_URL) or database.path to be set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			if limit <= 0 {
				return fmt.Errorf("--limit must be a positive integer")
			}

			archive, cleanup, err := openArchive(ctx, opts.cfg.Database(), logger)
			if err != nil {
				return fmt.Errorf("failed to open intent archive: %w", err)
			}
			defer cleanup()

			intents, err := archive.RecentIntents(ctx, limit)
			if err != nil {
				return err
			}
			if intents == nil {
				intents = []store.ArchivedIntent{}
			}
			encoded, err := json.MarshalIndent(intents, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode history: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return err
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of intents to show")
	return historyCmd
}
