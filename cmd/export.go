package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/export"
	"github.com/andresmejia3/distguard/internal/store"
	"github.com/andresmejia3/distguard/internal/utils"
)

var exportDir string

var exportCmd = &cobra.Command{
	Use:         "export <source>",
	Short:       "Export a source's stored statistics as CSV",
	Args:        cobra.ExactArgs(1),
	Annotations: needsDB,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		dir := exportDir
		if dir == "" {
			dir = filepath.Join(Cfg.Output.Dir, "exports")
		}
		return runExport(cmd.Context(), args[0], dir)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDir, "output", "o", "", "Directory for the CSV file (default: <output.dir>/exports)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(ctx context.Context, ref, dir string) error {
	id, err := DB.ResolveSource(ctx, ref)
	if err != nil {
		utils.ShowError("Unknown source", err, nil)
		return err
	}
	records, err := DB.SourceStatistics(ctx, id)
	if err != nil {
		utils.ShowError("Failed to retrieve statistics", err, nil)
		return err
	}

	name := shortID(id)
	if sources, err := DB.ListSources(ctx); err == nil {
		for _, s := range sources {
			if s.ID == id {
				name = exportName(s)
			}
		}
	}

	path := filepath.Join(dir, utils.ExportFileName(name, time.Now()))
	if err := writeExport(path, records); err != nil {
		utils.ShowError("Failed to write export", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📄 Exported %d frames to %s\n", len(records), path)
	return nil
}

// exportName prefers the label, then the camera, then the short ID.
func exportName(s store.Source) string {
	switch {
	case s.Label != "":
		return s.Label
	case s.Camera != "":
		return s.Camera
	default:
		return shortID(s.ID)
	}
}

func writeExport(path string, records []store.FrameRecord) error {
	w, err := export.Create(path)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write(export.Row{Frame: r.Frame, Timestamp: r.Timestamp, Stats: r.Stats}); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
