package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/afero"

	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/internal/logging"
)

// printCatalog builds the catalog for dir the same way serve does and
// prints one row per file in download order.
func printCatalog(w io.Writer, dir string, debug bool) error {
	level := "WARN"
	if debug {
		level = "DEBUG"
	}
	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, level, nil)

	return writeCatalog(w, afero.NewOsFs(), dir, slogManager.Logger())
}

func writeCatalog(w io.Writer, fs afero.Fs, dir string, logger *slog.Logger) error {
	cat, err := catalog.Build(fs, dir, logger)
	if err != nil {
		return fmt.Errorf("building catalog: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tBYTES\tCHUNKS")
	for _, f := range cat.Files() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", f.ID, f.Type, f.Name, f.Length, f.ChunkCount())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d files, %d bytes\n", cat.Len(), cat.TotalBytes())
	return err
}
