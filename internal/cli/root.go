package cli

import "github.com/spf13/cobra"

// Execute builds the root command and runs it against os.Args.
func Execute() error {
	root := &cobra.Command{
		Use:   "dedupindexctl",
		Short: "Operate a block-deduplication index",
	}
	root.AddCommand(newCreateCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newRebuildCmd())
	root.AddCommand(newCheckpointCmd())
	return root.Execute()
}
