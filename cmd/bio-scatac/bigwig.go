package main

import (
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scatac/coverage"
	"github.com/grailbio/scatac/encoding/bigwig"
	"github.com/grailbio/scatac/fragments"
	"v.io/x/lib/cmdline"
)

type bigwigFlags struct {
	chromSizesPath string
	fragmentsPath  string
	bigwigPath     string
	normalize      bool
	scalingFactor  float64
	cutSites       bool
	writer         string
	chromPrefix    string
	strict         bool
	verbose        bool
}

func newCmdBigWig() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "bigwig",
		Short: "Calculate genome coverage for fragments and write a bigWig file",
	}
	flags := bigwigFlags{}
	cmd.Flags.StringVar(&flags.chromSizesPath, "chrom", "", "Chromosome sizes file (*.chrom.sizes, *.fa.fai). Required.")
	cmd.Flags.StringVar(&flags.fragmentsPath, "frag", "", "Fragments TSV file for which to calculate genome coverage. Required.")
	cmd.Flags.StringVar(&flags.bigwigPath, "bw", "", "BigWig output filename. Required.")
	cmd.Flags.BoolVar(&flags.normalize, "normalize", true, "Normalize coverage to reads per million.")
	cmd.Flags.Float64Var(&flags.scalingFactor, "scaling", 1.0, "Scaling factor for coverage values, applied after normalization.")
	cmd.Flags.BoolVar(&flags.cutSites, "cut-sites", false, "Count 1 bp Tn5 cut sites instead of whole fragment intervals.")
	cmd.Flags.StringVar(&flags.writer, "writer", bigwig.Primary, `BigWig writer engine ("primary" or "alternate").`)
	cmd.Flags.StringVar(&flags.chromPrefix, "chrom-prefix", "", "Prefix to add to each chromosome name found in the fragments file, as \"{prefix}_{chrom}\".")
	cmd.Flags.BoolVar(&flags.strict, "strict", false, "Reject fragments extending past the chromosome size instead of clipping them.")
	cmd.Flags.BoolVar(&flags.verbose, "verbose", false, "Log per-chromosome progress.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("bigwig takes no positional arguments, got %v", argv)
		}
		for flagName, value := range map[string]string{
			"chrom": flags.chromSizesPath,
			"frag":  flags.fragmentsPath,
			"bw":    flags.bigwigPath,
		} {
			if value == "" {
				return fmt.Errorf("bigwig: -%s is required", flagName)
			}
		}
		return runBigWig(flags)
	})
	return cmd
}

func runBigWig(flags bigwigFlags) error {
	ctx := vcontext.Background()
	for _, path := range []string{flags.chromSizesPath, flags.fragmentsPath} {
		if _, err := file.Stat(ctx, path); err != nil {
			return fmt.Errorf("bigwig: input %s: %v", path, err)
		}
	}
	sizes, err := fragments.ReadChromSizes(ctx, flags.chromSizesPath)
	if err != nil {
		return err
	}
	recs, err := fragments.ReadAll(ctx, flags.fragmentsPath)
	if err != nil {
		return err
	}
	fragments.AddChromPrefix(recs, flags.chromPrefix)
	log.Printf("bigwig: %d fragments, %d chromosomes", len(recs), sizes.Len())

	it := coverage.NewIter(recs, sizes, coverage.Opts{
		CutSites:      flags.cutSites,
		Normalize:     flags.normalize,
		ScalingFactor: flags.scalingFactor,
		Strict:        flags.strict,
		Verbose:       flags.verbose,
	})
	w, err := bigwig.New(flags.writer, flags.bigwigPath)
	if err != nil {
		return err
	}
	// The alternate engine mirrors the tuple-at-a-time interface of its
	// upstream counterpart; the primary engine takes whole chromosomes.
	if flags.writer == bigwig.Alternate {
		err = coverage.WriteBigWigPerEntry(it, sizes, w)
	} else {
		err = coverage.WriteBigWig(it, sizes, w)
	}
	if err != nil {
		return err
	}
	log.Printf("bigwig: wrote %s", flags.bigwigPath)
	return nil
}
