package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deduphq/dedupindex/internal/volume"

	dedupindex "github.com/deduphq/dedupindex"
)

func newCheckpointCmd() *cobra.Command {
	f := &createFlags{}
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Load an index, quiesce it, and write a fresh save slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoint(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.indexFile, "index-file", "", "path to the index region file (required)")
	cmd.Flags().StringVar(&f.dataFile, "data-file", "", "path to the data/volume region file (required)")
	_ = cmd.MarkFlagRequired("index-file")
	_ = cmd.MarkFlagRequired("data-file")
	return cmd
}

func runCheckpoint(cmd *cobra.Command, f *createFlags) error {
	indexBackend, err := volume.OpenFileBackend(f.indexFile)
	if err != nil {
		return err
	}
	dataBackend, err := volume.OpenFileBackend(f.dataFile)
	if err != nil {
		return err
	}

	ix, err := dedupindex.Open(dedupindex.Options{
		IndexBackend: indexBackend,
		DataBackend:  dataBackend,
		SlotBlocks:   256,
	})
	if err != nil {
		return err
	}
	ix.Suspend()
	ix.Flush()
	slot, err := ix.Save()
	if err != nil {
		return err
	}
	ix.Resume()
	if err := ix.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "checkpointed %s into slot %d\n", f.indexFile, slot)
	return nil
}
