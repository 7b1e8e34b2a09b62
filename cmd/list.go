package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/store"
	"github.com/andresmejia3/distguard/internal/utils"
)

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all analysed sources in the database",
	Annotations: needsDB,
	Run: func(cmd *cobra.Command, args []string) {
		sources, err := DB.ListSources(cmd.Context())
		if err != nil {
			utils.Die("Failed to list sources", err, nil)
		}
		printSources(sources, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printSources(sources []store.Source, out io.Writer) {
	if len(sources) == 0 {
		fmt.Fprintln(out, "No sources found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tCAMERA\tFRAMES\tANALYZED\tADDRESS")
	fmt.Fprintln(w, "--\t-----\t------\t------\t--------\t-------")
	for _, s := range sources {
		label := s.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(s.ID), label, s.Camera, s.Frames, s.AnalyzedAt.Local().Format("2006-01-02 15:04"), s.Address)
	}
	w.Flush()
}
