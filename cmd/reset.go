package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/utils"
)

type resetOptions struct {
	Database bool
	Frames   bool
	Exports  bool
	Yes      bool
}

var resetOpts resetOptions

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Frames, Exports)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runReset(cmd.Context(), resetOpts, os.Stdin, os.Stdout); err != nil {
			utils.Die("Reset failed", err, nil)
		}
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetOpts.Database, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetOpts.Frames, "frames", false, "Delete saved annotated frames")
	resetCmd.Flags().BoolVar(&resetOpts.Exports, "exports", false, "Delete exported CSV files")
	resetCmd.Flags().BoolVarP(&resetOpts.Yes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, opts resetOptions, in io.Reader, out io.Writer) error {
	// If no flags are set, default to clearing EVERYTHING
	if !opts.Database && !opts.Frames && !opts.Exports {
		opts.Database, opts.Frames, opts.Exports = true, true, true
	}

	reader := bufio.NewReader(in)
	ask := func(prompt string) bool {
		return opts.Yes || confirm(reader, out, prompt)
	}

	if opts.Database && ask("⚠️  Are you sure you want to DROP all database tables?") {
		if err := connectDB(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "🗑️  Clearing Database...")
		if err := DB.Reset(ctx); err != nil {
			return err
		}
	}

	dirs := []struct {
		enabled bool
		name    string
	}{
		{opts.Frames, "frames"},
		{opts.Exports, "exports"},
	}
	for _, d := range dirs {
		if !d.enabled {
			continue
		}
		path := filepath.Join(Cfg.Output.Dir, d.name)
		if !ask(fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", path)) {
			continue
		}
		n := countFiles(path)
		removeDir(path)
		fmt.Fprintf(out, "🗑️  Removed %d %s file(s)\n", n, d.name)
	}

	fmt.Fprintln(out, "✨ System Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// countFiles counts regular files below path; a missing path counts as zero.
func countFiles(path string) int {
	n := 0
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
