package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deduphq/dedupindex/internal/volume"

	dedupindex "github.com/deduphq/dedupindex"
)

func newRebuildCmd() *cobra.Command {
	f := &createFlags{}
	var maxParallel int
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the volume index by scanning the data volume directly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd, f, maxParallel)
		},
	}
	cmd.Flags().StringVar(&f.indexFile, "index-file", "", "path to the index region file (required)")
	cmd.Flags().StringVar(&f.dataFile, "data-file", "", "path to the data/volume region file (required)")
	cmd.Flags().Uint32Var(&f.recordPages, "record-pages", 16, "record pages per chapter (must match create)")
	cmd.Flags().Uint32Var(&f.indexPages, "index-pages", 2, "index pages per chapter (must match create)")
	cmd.Flags().Uint32Var(&f.chapters, "chapters", 16, "chapters per volume (must match create)")
	cmd.Flags().Uint32Var(&f.sparseChapters, "sparse-chapters", 4, "sparse chapters per volume (must match create)")
	cmd.Flags().Uint32Var(&f.zones, "zones", 1, "zone count (must match create)")
	cmd.Flags().Uint64Var(&f.nonce, "nonce", 0, "index identity nonce")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "max concurrent chapter-header scans")
	_ = cmd.MarkFlagRequired("index-file")
	_ = cmd.MarkFlagRequired("data-file")
	return cmd
}

func runRebuild(cmd *cobra.Command, f *createFlags, maxParallel int) error {
	cfg := newConfigFromFlags(f)

	indexBackend, err := volume.OpenFileBackend(f.indexFile)
	if err != nil {
		return err
	}
	dataBackend, err := volume.OpenFileBackend(f.dataFile)
	if err != nil {
		return err
	}

	ix, err := dedupindex.Rebuild(context.Background(), cfg, dedupindex.Options{
		IndexBackend: indexBackend,
		DataBackend:  dataBackend,
		SlotBlocks:   256,
	}, maxParallel)
	if err != nil {
		return err
	}
	ix.Suspend()
	ix.Flush()
	if _, err := ix.Save(); err != nil {
		return err
	}
	ix.Resume()
	if err := ix.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rebuilt and saved index: %s\n", f.indexFile)
	return nil
}
