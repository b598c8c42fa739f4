package main

// bio-scatac processes single-cell ATAC-seq fragment files. It has two
// subcommands:
//
//	bigwig   compute genome coverage for a fragment file and write a
//	         bigWig track
//	split    partition per-sample fragment files by cell type and merge
//	         them into one sorted fragment file per cell type
//
// Fragment files are tab-separated (chrom, start, end, barcode[, count]),
// optionally gzip-compressed.

import (
	"log"

	"v.io/x/lib/cmdline"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "bio-scatac",
		Short:    "Tools for processing single-cell ATAC-seq fragment files",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdBigWig(),
			newCmdSplit(),
		},
	})
}
