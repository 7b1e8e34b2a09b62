package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/golang/geo/r2"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/config"
	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/utils"
)

type calibrateOptions struct {
	Address string
	Square  string
	Side    float64
	ROI     string
	DryRun  bool
}

var calibrateOpts calibrateOptions

var calibrateCmd = &cobra.Command{
	Use:   "calibrate <camera>",
	Short: "Save a camera's ground-plane calibration to the config file",
	Long: `Pick the four corners of a real-world square on the floor, in the order
top-left, top-right, bottom-right, bottom-left, and measure its side. The
homography built from them converts image positions to ground distances.

A running analyze picks up the new calibration without restarting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCalibrate(args[0], calibrateOpts, os.Stdout)
	},
}

func init() {
	f := calibrateCmd.Flags()
	f.StringVarP(&calibrateOpts.Address, "address", "a", "", "Video file or stream URL of the camera")
	f.StringVar(&calibrateOpts.Square, "square", "", "Square corners in pixels: x1,y1,x2,y2,x3,y3,x4,y4 (TL, TR, BR, BL)")
	f.Float64Var(&calibrateOpts.Side, "side", 0, "Real-world side length of the square")
	f.StringVar(&calibrateOpts.ROI, "roi", "", "Optional region of interest polygon in pixels: x1,y1,x2,y2,...")
	f.BoolVar(&calibrateOpts.DryRun, "dry-run", false, "Validate and print without saving")
	calibrateCmd.MarkFlagRequired("square")
	calibrateCmd.MarkFlagRequired("side")
	rootCmd.AddCommand(calibrateCmd)
}

func runCalibrate(name string, opts calibrateOptions, out io.Writer) error {
	square, err := parsePoints(opts.Square)
	if err != nil {
		return errors.Wrap(err, "--square")
	}
	roi, err := parsePoints(opts.ROI)
	if err != nil {
		return errors.Wrap(err, "--roi")
	}

	cam := config.Camera{Name: name, Address: opts.Address, SideLength: opts.Side, Square: square, ROI: roi}
	// Recalibrating keeps what the flags leave out.
	if existing, err := Cfg.Camera(name); err == nil {
		if cam.Address == "" {
			cam.Address = existing.Address
		}
		if opts.ROI == "" {
			cam.ROI = existing.ROI
		}
	}

	h, err := cam.Homography()
	if err != nil {
		utils.ShowError("Invalid calibration", err, nil)
		return err
	}
	if _, err := cam.Region(); err != nil {
		utils.ShowError("Invalid region of interest", err, nil)
		return err
	}

	m := h.Matrix()
	fmt.Fprintf(out, "📐 Homography for %s:\n", name)
	for r := 0; r < 3; r++ {
		fmt.Fprintf(out, "   [% 12.6f % 12.6f % 12.6f]\n", m[r*3], m[r*3+1], m[r*3+2])
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CORNER\tIMAGE\tGROUND")
	fmt.Fprintln(w, "------\t-----\t------")
	for i, label := range []string{"top-left", "top-right", "bottom-right", "bottom-left"} {
		g := h.Apply(r2.Point{X: square[i][0], Y: square[i][1]})
		fmt.Fprintf(w, "%s\t(%.1f, %.1f)\t(%.2f, %.2f)\n", label, square[i][0], square[i][1], g.X, g.Y)
	}
	w.Flush()

	if opts.DryRun {
		return nil
	}

	path := v.ConfigFileUsed()
	if path == "" {
		path = config.DefaultFileName
	}
	if err := config.SaveCamera(path, cam); err != nil {
		utils.ShowError("Failed to save camera", err, nil)
		return err
	}
	fmt.Fprintf(out, "✅ Camera '%s' saved to %s\n", name, path)
	return nil
}
