package app

import (
	"context"

	"github.com/spf13/cobra"
)

// Run executes the emojirelay command line with the given arguments.
func Run(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "emojirelay",
		Short:         "Relay emoji messages from the WeChat admin backend into object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newExpireCommand())
	return root
}
