package main

import (
	"fmt"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scatac/fragments"
	"github.com/grailbio/scatac/split"
	"v.io/x/lib/cmdline"
)

type splitFlags struct {
	sampleTablePath string
	annotationPath  string
	chromSizesPath  string
	outputDir       string
	tempDir         string
	nCPU            int
	sep             string
	sampleCol       string
	fragmentFileCol string
	cellTypeCol     string
	barcodeCol      string
	clearTemp       bool
	addSampleID     bool
	verbose         bool
}

func newCmdSplit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "split",
		Short: "Split fragment files by cell type and merge them per cell type",
	}
	flags := splitFlags{}
	cmd.Flags.StringVar(&flags.sampleTablePath, "sample-fragments", "", "Table mapping sample names to fragment files. Required.")
	cmd.Flags.StringVar(&flags.annotationPath, "cell-type-barcodes", "", "Table mapping (sample, cell type) to cell barcodes. Required.")
	cmd.Flags.StringVar(&flags.chromSizesPath, "chrom", "", "Chromosome sizes file (*.chrom.sizes, *.fa.fai). Required.")
	cmd.Flags.StringVar(&flags.outputDir, "output", "", "Directory for the merged per-cell-type fragment files. Required.")
	cmd.Flags.StringVar(&flags.tempDir, "temp", "", "Directory for intermediate shards. Defaults to a fresh directory under the system temp dir.")
	cmd.Flags.IntVar(&flags.nCPU, "n-cpu", 1, "Number of parallel workers per phase.")
	cmd.Flags.StringVar(&flags.sep, "sep", "\t", "Field separator of the definition tables.")
	cmd.Flags.StringVar(&flags.sampleCol, "sample-column", split.DefaultSampleCol, "Sample column name in both tables.")
	cmd.Flags.StringVar(&flags.fragmentFileCol, "fragment-file-column", split.DefaultFragmentFileCol, "Fragment file column name in the sample table.")
	cmd.Flags.StringVar(&flags.cellTypeCol, "cell-type-column", split.DefaultCellTypeCol, "Cell type column name in the annotation table.")
	cmd.Flags.StringVar(&flags.barcodeCol, "cell-barcode-column", split.DefaultBarcodeCol, "Cell barcode column name in the annotation table.")
	cmd.Flags.BoolVar(&flags.clearTemp, "clear-temp", false, "Remove the intermediate shards after a successful merge.")
	cmd.Flags.BoolVar(&flags.addSampleID, "add-sample-id", false, `Rewrite merged barcodes to "{sample}_{barcode}".`)
	cmd.Flags.BoolVar(&flags.verbose, "verbose", false, "Log per-sample and per-cell-type progress.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("split takes no positional arguments, got %v", argv)
		}
		for flagName, value := range map[string]string{
			"sample-fragments":   flags.sampleTablePath,
			"cell-type-barcodes": flags.annotationPath,
			"chrom":              flags.chromSizesPath,
			"output":             flags.outputDir,
		} {
			if value == "" {
				return fmt.Errorf("split: -%s is required", flagName)
			}
		}
		return runSplit(flags)
	})
	return cmd
}

func runSplit(flags splitFlags) error {
	ctx := vcontext.Background()
	for _, path := range []string{flags.sampleTablePath, flags.annotationPath, flags.chromSizesPath} {
		if _, err := file.Stat(ctx, path); err != nil {
			return fmt.Errorf("split: input %s: %v", path, err)
		}
	}
	tableOpts := split.TableOpts{
		Sep:             flags.sep,
		SampleCol:       flags.sampleCol,
		FragmentFileCol: flags.fragmentFileCol,
		CellTypeCol:     flags.cellTypeCol,
		BarcodeCol:      flags.barcodeCol,
	}
	ids, paths, err := split.ReadSampleTable(ctx, flags.sampleTablePath, tableOpts)
	if err != nil {
		return err
	}
	bysample, cellTypes, err := split.ReadAnnotationTable(ctx, flags.annotationPath, tableOpts)
	if err != nil {
		return err
	}
	samples, err := split.BuildSamples(ids, paths, bysample)
	if err != nil {
		return err
	}
	for _, sample := range samples {
		if _, err := file.Stat(ctx, sample.FragmentPath); err != nil {
			return fmt.Errorf("split: fragment file of sample %q: %v", sample.ID, err)
		}
	}
	sizes, err := fragments.ReadChromSizes(ctx, flags.chromSizesPath)
	if err != nil {
		return err
	}

	tempDir := flags.tempDir
	if tempDir == "" {
		if tempDir, err = os.MkdirTemp("", "bio-scatac-split-"); err != nil {
			return err
		}
		log.Printf("split: using temp directory %s", tempDir)
	}
	return split.SplitByCellType(ctx, samples, cellTypes, sizes, flags.outputDir, split.Opts{
		NCPU:        flags.nCPU,
		TempDir:     tempDir,
		ClearTemp:   flags.clearTemp,
		AddSampleID: flags.addSampleID,
		Verbose:     flags.verbose,
	})
}
