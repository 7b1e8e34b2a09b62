package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/config"
)

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List the calibrated cameras in the config file",
	Run: func(cmd *cobra.Command, args []string) {
		listCameras(Cfg.Cameras, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(camerasCmd)
}

func listCameras(cams []config.Camera, out io.Writer) {
	if len(cams) == 0 {
		fmt.Fprintln(out, "No cameras configured. Add one with 'distguard calibrate'.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSIDE\tROI")
	fmt.Fprintln(w, "----\t-------\t----\t---")
	for _, c := range cams {
		roi := "whole frame"
		if len(c.ROI) > 0 {
			roi = fmt.Sprintf("%d points", len(c.ROI))
		}
		fmt.Fprintf(w, "%s\t%s\t%g\t%s\n", c.Name, c.Address, c.SideLength, roi)
	}
	w.Flush()
}
