// Command crofs-image builds crofs bootstrap/blob pairs from a source tree.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/crofs/crofs/internal/builder"
	"github.com/crofs/crofs/internal/layout"
)

const createHelp = `crofs-image create [-flags]

  -source DIR              source directory to build from
  -blob PATH                output blob path
  -bootstrap PATH            output bootstrap path
  -parent-bootstrap PATH     optional parent layer's bootstrap, for layering
  -blob-id ID                blob identifier (random if omitted)
  -compressor none|lz4_block compressor (default none)
  -enable-readahead           mark the whole blob as a readahead range

Exit codes: 0 success, 1 usage error, 2 build failure.
`

func cmdCreate(args []string) int {
	fset := flag.NewFlagSet("create", flag.ContinueOnError)
	var (
		source          = fset.String("source", "", "source directory")
		blob            = fset.String("blob", "", "output blob path")
		bootstrap       = fset.String("bootstrap", "", "output bootstrap path")
		parentBootstrap = fset.String("parent-bootstrap", "", "parent layer bootstrap, for layering")
		blobID          = fset.String("blob-id", "", "blob identifier (random if omitted)")
		compressor      = fset.String("compressor", "none", "none or lz4_block")
		readahead       = fset.Bool("enable-readahead", false, "mark the whole blob as a readahead range")
	)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, createHelp)
		fset.PrintDefaults()
	}
	if err := fset.Parse(args); err != nil {
		return 1
	}

	if *source == "" || *blob == "" || *bootstrap == "" {
		fmt.Fprintln(os.Stderr, "-source, -blob and -bootstrap are required")
		fset.Usage()
		return 1
	}
	if len(*blobID) > layout.MaxBlobIDLen {
		fmt.Fprintf(os.Stderr, "-blob-id exceeds %d bytes\n", layout.MaxBlobIDLen)
		return 1
	}

	cfg := builder.Config{
		SourceDir:       *source,
		ParentBootstrap: *parentBootstrap,
		BlobPath:        *blob,
		BootstrapPath:   *bootstrap,
		BlobID:          *blobID,
		Compressor:      *compressor,
		EnableReadahead: *readahead,
	}
	report, err := builder.Build(cfg)
	if err != nil {
		log.Printf("build failed: %v", err)
		return 2
	}
	fmt.Printf("blob_id=%s inodes=%d chunks=%d\n", report.BlobID, report.InodeCount, report.ChunkCount)
	return 0
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "syntax: crofs-image create [options]")
		os.Exit(1)
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "create":
		os.Exit(cmdCreate(rest))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintln(os.Stderr, "syntax: crofs-image create [options]")
		os.Exit(1)
	}
}
