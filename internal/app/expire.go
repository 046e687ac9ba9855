package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emojirelay/backend/internal/config"
	"github.com/emojirelay/backend/internal/logging"
)

func newExpireCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Delete share partitions older than today and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			ctx := logging.WithLogger(cmd.Context(), logger)

			shares, backend, err := openLedger(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				for _, closeFn := range backend.closers {
					if cerr := closeFn(); cerr != nil {
						logger.Error("close share backend", "error", cerr)
					}
				}
			}()

			removed, err := shares.ExpireStale(ctx)
			for _, date := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "expired %s\n", date)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to expire")
			}
			return nil
		},
	}
}
