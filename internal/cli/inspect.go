package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deduphq/dedupindex/internal/layout"
	"github.com/deduphq/dedupindex/internal/volume"
)

func newInspectCmd() *cobra.Command {
	var indexFile string
	var slotBlocks uint64
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump an index region's geometry block, superblock, and save slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, indexFile, slotBlocks)
		},
	}
	cmd.Flags().StringVar(&indexFile, "index-file", "", "path to the index region file (required)")
	cmd.Flags().Uint64Var(&slotBlocks, "slot-blocks", 256, "blocks per save slot (must match the value used at create time)")
	_ = cmd.MarkFlagRequired("index-file")
	return cmd
}

func runInspect(cmd *cobra.Command, indexFile string, slotBlocks uint64) error {
	backend, err := volume.OpenFileBackend(indexFile)
	if err != nil {
		return err
	}
	defer backend.Close()

	store, err := layout.OpenStore(backend)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	gb := store.Geometry()
	fmt.Fprintf(out, "release_version: %d\n", gb.ReleaseVersion)
	fmt.Fprintf(out, "nonce:           %d\n", gb.Nonce)
	fmt.Fprintf(out, "uuid:            %s\n", gb.UUID)
	for _, r := range gb.Regions {
		fmt.Fprintf(out, "region %-12s start=%-8d count=%d\n", r.Kind, r.StartBlock, r.BlockCount)
	}

	sb := store.Superblock()
	fmt.Fprintf(out, "superblock major.minor: %d.%d\n", sb.Header.Major, sb.Header.Minor)
	for i, slot := range sb.Slots {
		fmt.Fprintf(out, "slot %d: committed=%v sequence=%d\n", i, slot.Committed, slot.Sequence)
	}

	loaded, err := store.LoadIndex(slotBlocks)
	if err != nil {
		fmt.Fprintf(out, "no loadable save slot: %v\n", err)
		return nil
	}
	oldest, newest := loaded.VolumeIndex.Window()
	fmt.Fprintf(out, "loaded slot: %d\n", loaded.Slot)
	fmt.Fprintf(out, "window: [%d, %d]\n", oldest, newest)
	fmt.Fprintf(out, "zone_count: %d\n", loaded.Config.ZoneCount)
	return nil
}
