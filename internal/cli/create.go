package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/volume"
	"github.com/deduphq/dedupindex/internal/xerrors"

	dedupindex "github.com/deduphq/dedupindex"
)

type createFlags struct {
	indexFile      string
	dataFile       string
	indexParam     string
	dataParam      string
	profile        string
	recordPages    uint32
	indexPages     uint32
	chapters       uint32
	sparseChapters uint32
	zones          uint32
	nonce          uint64
}

func newCreateCmd() *cobra.Command {
	f := &createFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Initialize a new index region and data volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.indexFile, "index-file", "", "path to the index region file")
	cmd.Flags().StringVar(&f.dataFile, "data-file", "", "path to the data/volume region file")
	cmd.Flags().StringVar(&f.indexParam, "index-param", "", `device-name parameter string for the index region, e.g. "file=/path/to/index size=1048576 offset=4096"; its file key overrides --index-file`)
	cmd.Flags().StringVar(&f.dataParam, "data-param", "", `device-name parameter string for the data region; its file key overrides --data-file`)
	cmd.Flags().StringVar(&f.profile, "profile", "", "YAML file of default geometry/parameter settings; explicit flags override it")
	cmd.Flags().Uint32Var(&f.recordPages, "record-pages", 16, "record pages per chapter")
	cmd.Flags().Uint32Var(&f.indexPages, "index-pages", 2, "index pages per chapter")
	cmd.Flags().Uint32Var(&f.chapters, "chapters", 16, "chapters per volume")
	cmd.Flags().Uint32Var(&f.sparseChapters, "sparse-chapters", 4, "sparse chapters per volume")
	cmd.Flags().Uint32Var(&f.zones, "zones", 1, "zone count")
	cmd.Flags().Uint64Var(&f.nonce, "nonce", 0, "index identity nonce (0 picks a fixed default, not random, for reproducible test fixtures)")
	return cmd
}

func newConfigFromFlags(f *createFlags) *config.Configuration {
	return config.Default(f.recordPages, f.indexPages, f.chapters, f.sparseChapters, f.zones, f.nonce)
}

// resolveDevice applies a device-name parameter string on top of an
// explicit --*-file flag: its file key, if set, takes precedence, and its
// size/offset keys (when this device is the index region) feed into cfg.
func resolveDevice(explicitFile, paramString string, cfg *config.Configuration, applyOffsetAndSize bool) (string, error) {
	if paramString == "" {
		return explicitFile, nil
	}
	params, err := config.ParseParameterString(paramString)
	if err != nil {
		return "", err
	}
	file := explicitFile
	if params.File != "" {
		file = params.File
	}
	if applyOffsetAndSize {
		if params.HasOffset {
			cfg.Offset = params.Offset
		}
		if params.HasSize {
			cfg.MemorySize = params.Size
		}
	}
	return file, nil
}

func runCreate(cmd *cobra.Command, f *createFlags) error {
	cfg := newConfigFromFlags(f)

	profileIndexParam, profileDataParam := f.indexParam, f.dataParam
	if f.profile != "" {
		p, err := config.LoadProfile(f.profile)
		if err != nil {
			return err
		}
		pIndexParam, pDataParam := p.ApplyTo(cfg)
		// Explicit flags win over the profile's defaults.
		if !cmd.Flags().Changed("record-pages") && p.RecordPages != nil {
			f.recordPages = cfg.RecordPagesPerChapter
		} else {
			cfg.RecordPagesPerChapter = f.recordPages
		}
		if !cmd.Flags().Changed("index-pages") && p.IndexPages != nil {
			f.indexPages = cfg.IndexPagesPerChapter
		} else {
			cfg.IndexPagesPerChapter = f.indexPages
		}
		if !cmd.Flags().Changed("chapters") && p.Chapters != nil {
			f.chapters = cfg.ChaptersPerVolume
		} else {
			cfg.ChaptersPerVolume = f.chapters
		}
		if !cmd.Flags().Changed("sparse-chapters") && p.SparseChapters != nil {
			f.sparseChapters = cfg.SparseChaptersPerVolume
		} else {
			cfg.SparseChaptersPerVolume = f.sparseChapters
		}
		if !cmd.Flags().Changed("zones") && p.Zones != nil {
			f.zones = cfg.ZoneCount
		} else {
			cfg.ZoneCount = f.zones
		}
		if !cmd.Flags().Changed("nonce") && p.Nonce != nil {
			f.nonce = cfg.Nonce
		} else {
			cfg.Nonce = f.nonce
		}
		if !cmd.Flags().Changed("index-param") && pIndexParam != "" {
			profileIndexParam = pIndexParam
		}
		if !cmd.Flags().Changed("data-param") && pDataParam != "" {
			profileDataParam = pDataParam
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	indexFile, err := resolveDevice(f.indexFile, profileIndexParam, cfg, true)
	if err != nil {
		return err
	}
	dataFile, err := resolveDevice(f.dataFile, profileDataParam, cfg, false)
	if err != nil {
		return err
	}
	if indexFile == "" {
		return xerrors.Wrap(xerrors.ErrInvalidArgument, "no index region path: set --index-file or --index-param file=...")
	}
	if dataFile == "" {
		return xerrors.Wrap(xerrors.ErrInvalidArgument, "no data region path: set --data-file or --data-param file=...")
	}

	indexBackend, err := volume.OpenFileBackend(indexFile)
	if err != nil {
		return err
	}
	dataBackend, err := volume.OpenFileBackend(dataFile)
	if err != nil {
		return err
	}

	geo, err := cfg.Geometry()
	if err != nil {
		return err
	}
	dataBlocks := uint64(geo.ChaptersPerVolume) * uint64(geo.PagesPerChapter())

	ix, err := dedupindex.Create(cfg, dedupindex.Options{
		IndexBackend: indexBackend,
		DataBackend:  dataBackend,
		IndexBlocks:  1,
		DataBlocks:   dataBlocks,
		SlotBlocks:   256,
	})
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
	fmt.Fprintf(cmd.OutOrStdout(), "created index: %s (data: %s), %d zone(s), %d chapters\n",
		indexFile, dataFile, cfg.ZoneCount, cfg.ChaptersPerVolume)
	return nil
}
