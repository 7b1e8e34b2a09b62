package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/store"
	"github.com/andresmejia3/distguard/internal/utils"
)

var reportMinUnsafe int

var reportCmd = &cobra.Command{
	Use:         "report <source>",
	Short:       "Summarise the stored violations of an analysed source",
	Long:        "Prints the source's summary and the time ranges in which at least --min-unsafe people were too close.",
	Args:        cobra.ExactArgs(1),
	Annotations: needsDB,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runReport(cmd.Context(), args[0], reportMinUnsafe, os.Stdout)
	},
}

func init() {
	reportCmd.Flags().IntVarP(&reportMinUnsafe, "min-unsafe", "m", 2, "Minimum unsafe people for a frame to count towards an interval")
	rootCmd.AddCommand(reportCmd)
}

func runReport(ctx context.Context, ref string, minUnsafe int, out io.Writer) error {
	id, err := DB.ResolveSource(ctx, ref)
	if err != nil {
		utils.ShowError("Unknown source", err, nil)
		return err
	}
	sum, err := DB.SourceSummary(ctx, id)
	if err != nil {
		utils.ShowError("Failed to summarise source", err, nil)
		return err
	}
	if sum.Frames == 0 {
		fmt.Fprintln(out, "No statistics recorded for this source.")
		return nil
	}
	records, err := DB.SourceStatistics(ctx, id)
	if err != nil {
		utils.ShowError("Failed to retrieve statistics", err, nil)
		return err
	}

	fmt.Fprintf(out, "📊 Source %s\n", shortID(id))
	fmt.Fprintf(out, "   Frames analysed:     %d\n", sum.Frames)
	fmt.Fprintf(out, "   Peak unsafe:         %d (frame %d, %s)\n", sum.PeakUnsafe, sum.PeakFrame, utils.FmtTime(sum.PeakTimestamp))
	fmt.Fprintf(out, "   Mean unsafe:         %.2f\n", sum.MeanUnsafe)
	fmt.Fprintf(out, "   Peak clusters:       %d\n", sum.PeakClusters)
	fmt.Fprintf(out, "   Total violations:    %d\n", sum.TotalViolations)

	intervals := violationIntervals(records, minUnsafe)
	if len(intervals) == 0 {
		fmt.Fprintf(out, "\nNo frames with %d or more unsafe people.\n", minUnsafe)
		return nil
	}
	printIntervals(intervals, out)
	return nil
}

// interval is a run of consecutive analysed frames at or above the unsafe
// threshold.
type interval struct {
	StartFrame, EndFrame int
	Start, End           time.Duration
	PeakUnsafe           int
}

// violationIntervals merges consecutive qualifying records. Records must be
// in frame order; any record below the threshold ends the current interval.
func violationIntervals(records []store.FrameRecord, minUnsafe int) []interval {
	var out []interval
	open := false
	for _, r := range records {
		if r.Stats.Unsafe < minUnsafe || r.Stats.Unsafe == 0 {
			open = false
			continue
		}
		if !open {
			out = append(out, interval{StartFrame: r.Frame, Start: r.Timestamp})
			open = true
		}
		cur := &out[len(out)-1]
		cur.EndFrame, cur.End = r.Frame, r.Timestamp
		if r.Stats.Unsafe > cur.PeakUnsafe {
			cur.PeakUnsafe = r.Stats.Unsafe
		}
	}
	return out
}

func printIntervals(intervals []interval, out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nFRAMES\tTIME RANGE\tDURATION\tPEAK UNSAFE")
	fmt.Fprintln(w, "------\t----------\t--------\t-----------")
	for _, iv := range intervals {
		fmt.Fprintf(w, "%d-%d\t%s - %s\t%.1fs\t%d\n",
			iv.StartFrame, iv.EndFrame,
			utils.FmtTime(iv.Start), utils.FmtTime(iv.End),
			(iv.End - iv.Start).Seconds(),
			iv.PeakUnsafe,
		)
	}
	w.Flush()
}
