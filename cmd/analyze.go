package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/andresmejia3/distguard/internal/capture"
	"github.com/andresmejia3/distguard/internal/config"
	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/export"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/logger"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/proximity"
	"github.com/andresmejia3/distguard/internal/stages"
	"github.com/andresmejia3/distguard/internal/store"
	"github.com/andresmejia3/distguard/internal/utils"
	"github.com/andresmejia3/distguard/internal/worker"
)

// AnalyzeOptions holds the analyze command's flags.
type AnalyzeOptions struct {
	Camera       string
	Input        string
	Square       string
	Side         float64
	ROI          string
	SafeDistance float64
	NthFrame     int
	Live         bool
	Detections   string
	Export       bool
	Frames       bool
	Record       string
	TopDown      bool
	Persist      bool
	Watch        bool
	HaltOnError  bool
	NoProgress   bool

	// SafeDistanceSet is true when --safe-distance was given, so that 0
	// overrides the configured distance.
	SafeDistanceSet bool
}

var analyzeOpts AnalyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Detect social distancing violations in a video file or stream",
	Long: `Runs every selected frame through detection, ground-plane projection and
proximity analysis. Use a calibrated camera (--camera) or give the calibration
inline with --input, --square and --side.

Press q to stop early when running in a terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		analyzeOpts.SafeDistanceSet = cmd.Flags().Changed("safe-distance")
		return runAnalyze(cmd.Context(), analyzeOpts)
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&analyzeOpts.Camera, "camera", "c", "", "Calibrated camera from the config file")
	f.StringVarP(&analyzeOpts.Input, "input", "i", "", "Video file or stream URL (overrides the camera's address)")
	f.StringVar(&analyzeOpts.Square, "square", "", "Calibration square corners in pixels: x1,y1,x2,y2,x3,y3,x4,y4 (TL, TR, BR, BL)")
	f.Float64Var(&analyzeOpts.Side, "side", 0, "Real-world side length of the calibration square")
	f.StringVar(&analyzeOpts.ROI, "roi", "", "Region of interest polygon in pixels: x1,y1,x2,y2,...")
	f.Float64VarP(&analyzeOpts.SafeDistance, "safe-distance", "d", 0, "Safe distance in side-length units (default: analysis.safe_distance)")
	f.IntVarP(&analyzeOpts.NthFrame, "nth-frame", "n", 1, "Analyse every nth frame")
	f.BoolVar(&analyzeOpts.Live, "live", false, "Always analyse the newest frame, dropping stale ones (default for streams)")
	f.StringVar(&analyzeOpts.Detections, "detections", "", "Replay detections from a JSON Lines file instead of running the detector")
	f.BoolVar(&analyzeOpts.Export, "export", false, "Write per-frame statistics to a CSV file in the output directory")
	f.BoolVar(&analyzeOpts.Frames, "frames", false, "Save annotated frames as JPEG in the output directory")
	f.StringVar(&analyzeOpts.Record, "record", "", "Record the annotated video to this file")
	f.BoolVar(&analyzeOpts.TopDown, "top-down", false, "Render the bird's-eye view (saved with --frames)")
	f.BoolVar(&analyzeOpts.Persist, "persist", false, "Store per-frame statistics in the database")
	f.BoolVar(&analyzeOpts.Watch, "watch", true, "Reload the camera calibration when the config file changes")
	f.BoolVar(&analyzeOpts.HaltOnError, "halt-on-error", false, "Stop at the first frame that fails")
	f.BoolVar(&analyzeOpts.NoProgress, "no-progress", false, "Hide the progress bar")
	rootCmd.AddCommand(analyzeCmd)
}

// parsePoints reads "x1,y1,x2,y2,..." into coordinate pairs.
func parsePoints(s string) ([][2]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields)%2 != 0 {
		return nil, errors.Newf("expected x,y pairs, got %d numbers", len(fields))
	}
	pairs := make([][2]float64, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid x coordinate %q", fields[i])
		}
		y, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid y coordinate %q", fields[i+1])
		}
		pairs = append(pairs, [2]float64{x, y})
	}
	return pairs, nil
}

// resolveCamera combines the configured camera with the inline flags.
func resolveCamera(cfg *config.Config, opts AnalyzeOptions) (config.Camera, error) {
	var cam config.Camera
	if opts.Camera != "" {
		c, err := cfg.Camera(opts.Camera)
		if err != nil {
			return cam, err
		}
		cam = c
	} else {
		cam.Name = "adhoc"
	}

	if opts.Input != "" {
		cam.Address = opts.Input
	}
	if opts.Square != "" {
		square, err := parsePoints(opts.Square)
		if err != nil {
			return cam, errors.Wrap(err, "--square")
		}
		cam.Square = square
	}
	if opts.Side != 0 {
		cam.SideLength = opts.Side
	}
	if opts.ROI != "" {
		roi, err := parsePoints(opts.ROI)
		if err != nil {
			return cam, errors.Wrap(err, "--roi")
		}
		cam.ROI = roi
	}

	if cam.Address == "" {
		return cam, errors.WithHint(errors.New("no video input"), "pass --input or a --camera with an address")
	}
	if err := cam.Validate(); err != nil {
		return cam, err
	}
	return cam, nil
}

func validateAnalyzeFlags(opts AnalyzeOptions, address string) error {
	if !utils.IsStream(address) {
		info, err := os.Stat(address)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.Wrap(err, "input file does not exist")
			}
			return errors.Wrap(err, "unable to access input file")
		}
		if info.IsDir() {
			return errors.Newf("input path %s is a directory, expected a video file", address)
		}
	}
	if opts.NthFrame < 1 {
		return errors.Newf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.SafeDistance < 0 {
		return errors.Newf("invalid safe distance: must be >= 0, got %g", opts.SafeDistance)
	}
	if opts.Detections != "" {
		if _, err := os.Stat(opts.Detections); err != nil {
			return errors.Wrap(err, "detections file")
		}
	}
	return nil
}

// effectiveSafeDistance prefers an explicit --safe-distance, zero included,
// over the configured one.
func effectiveSafeDistance(cfg *config.Config, opts AnalyzeOptions) float64 {
	if opts.SafeDistanceSet {
		return opts.SafeDistance
	}
	return cfg.Analysis.SafeDistance
}

// tally tracks the figures printed after a run.
type tally struct {
	frames          int
	peakUnsafe      int
	peakFrame       int
	peakAt          time.Duration
	totalViolations int
}

func (t *tally) add(fc *pipeline.FrameContext) {
	t.frames++
	t.totalViolations += fc.Stats.Violations
	if fc.Stats.Unsafe > t.peakUnsafe {
		t.peakUnsafe = fc.Stats.Unsafe
		t.peakFrame = fc.Index
		t.peakAt = fc.Timestamp
	}
}

// runAnalyze orchestrates one analysis: calibration, detector, capture,
// pipeline and the optional outputs.
func runAnalyze(ctx context.Context, opts AnalyzeOptions) error {
	log := logger.Named("analyze")

	cam, err := resolveCamera(Cfg, opts)
	if err != nil {
		utils.ShowError("Invalid camera calibration", err, nil)
		return err
	}
	if err := validateAnalyzeFlags(opts, cam.Address); err != nil {
		utils.ShowError("Invalid analyze flags", err, nil)
		return err
	}

	h, err := cam.Homography()
	if err != nil {
		return err
	}
	region, err := cam.Region()
	if err != nil {
		return err
	}
	ref := geometry.NewHomographyRef(h)

	sourceID, err := utils.SourceID(cam.Address)
	if err != nil {
		utils.ShowError("Failed to identify video source", err, nil)
		return err
	}
	live := opts.Live || utils.IsStream(cam.Address)
	fmt.Fprintf(os.Stderr, "📼 Processing %s (source %s)\n", cam.Address, sourceID[:12])

	var fps float64
	total := -1
	if !utils.IsStream(cam.Address) {
		if fps, err = utils.GetVideoFPS(ctx, cam.Address); err != nil {
			log.Warnw("unknown frame rate, timestamps disabled", logger.FieldError, err)
		}
		if n := utils.GetTotalFrames(ctx, cam.Address); n > 0 {
			total = n
		}
		if w, hgt, err := utils.GetVideoDimensions(ctx, cam.Address); err == nil {
			if n := outsideFrame(cam.Square, w, hgt) + outsideFrame(cam.ROI, w, hgt); n > 0 {
				log.Warnw("calibration points lie outside the frame",
					logger.FieldCamera, cam.Name, logger.FieldCount, n, "width", w, "height", hgt)
			}
		}
	}

	safeDistance := effectiveSafeDistance(Cfg, opts)
	analyzer := proximity.Analyzer{SafeDistance: safeDistance, GridThreshold: Cfg.Analysis.GridThreshold}

	// Stages own processes and files; close them if the run never starts.
	var list []pipeline.Stage
	started := false
	defer func() {
		if !started {
			closeStages(list)
		}
	}()

	// 1. Detector
	var detector worker.Detector
	if opts.Detections != "" {
		replay, err := worker.LoadReplay(opts.Detections, Cfg.Detector.Confidence)
		if err != nil {
			utils.ShowError("Failed to load detections", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🎞️  Replaying detections for %d frames\n", replay.Frames())
		detector = replay
	} else {
		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
			Command:       Cfg.Detector.Command,
			Args:          Cfg.Detector.CommandArgs(),
			ReadTimeout:   Cfg.Detector.Timeout,
			MinConfidence: Cfg.Detector.Confidence,
		})
		if err != nil {
			utils.ShowError("Failed to start AI worker", err, nil)
			return err
		}
		detector = w
	}

	// 2. Pipeline
	list = append(list,
		stages.NewDetect(detector),
		stages.NewFilterClass(Cfg.Analysis.PersonClass),
		stages.NewFilterRegion(region),
		stages.NewProject(ref),
		stages.NewClassify(analyzer),
		stages.NewTabulate(analyzer),
	)

	if opts.Frames || opts.Record != "" || opts.TopDown {
		list = append(list,
			stages.NewDecode(),
			stages.NewDrawRegion(region),
			stages.NewDrawDetections(),
			stages.NewDrawStatistics(),
		)
		if opts.TopDown {
			td, err := stages.NewTopDown(ref, stages.TopDownOptions{
				Bounds:       topDownBounds(h, region, cam.SideLength),
				SafeDistance: safeDistance,
			})
			if err != nil {
				return err
			}
			list = append(list, td)
		}
		if opts.Frames {
			list = append(list, stages.NewWriteFrames(filepath.Join(Cfg.Output.Dir, "frames")))
		}
		if opts.Record != "" {
			recordFPS := fps
			if recordFPS <= 0 {
				recordFPS = 25
			}
			list = append(list, stages.NewRecord(ctx, opts.Record, recordFPS/float64(opts.NthFrame)))
		}
	}

	var exportPath string
	if opts.Export {
		exportPath = filepath.Join(Cfg.Output.Dir, "exports", utils.ExportFileName(cam.Name, time.Now()))
		w, err := export.Create(exportPath)
		if err != nil {
			utils.ShowError("Failed to create export file", err, nil)
			return err
		}
		list = append(list, stages.NewExportCSV(w))
	}

	var runID uuid.UUID
	if opts.Persist {
		if err := connectDB(ctx); err != nil {
			utils.ShowError("Failed to connect to database", err, nil)
			return err
		}
		if err := DB.EnsureSource(ctx, sourceID, cam.Address, cam.Name); err != nil {
			utils.ShowError("Failed to register video source", err, nil)
			return err
		}
		id, err := DB.StartRun(ctx, sourceID, safeDistance)
		if err != nil {
			utils.ShowError("Failed to start run", err, nil)
			return err
		}
		runID = id
		list = append(list, stages.NewPersist(DB, id, stages.DefaultBatchSize))
	}

	if !opts.NoProgress {
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 DistGuard Analyzing"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
		list = append(list, stages.NewProgress(bar))
	}

	// 3. Recalibration while running
	if opts.Watch && opts.Camera != "" {
		name := opts.Camera
		config.Watch(v, func(c *config.Config) {
			cam, err := c.Camera(name)
			if err != nil {
				log.Warnw("camera removed from config, keeping calibration", logger.FieldCamera, name)
				return
			}
			h, err := cam.Homography()
			if err != nil {
				log.Warnw("ignoring invalid recalibration", logger.FieldCamera, name, logger.FieldError, err)
				return
			}
			ref.Store(h)
			log.Infow("camera recalibrated", logger.FieldCamera, name)
		})
	}

	// 4. Capture. The run gets its own context so the stop key can end a
	// read or detection that is still waiting.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	src, err := capture.Open(runCtx, cam.Address, sourceID, capture.Options{
		NthFrame: opts.NthFrame,
		FPS:      fps,
		Live:     live,
	})
	if err != nil {
		utils.ShowError("Failed to open video", err, nil)
		return err
	}

	// Cbreak mode last, so no early return leaves the terminal in it.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		keyStop, err := stages.NewKeyStop(os.Stdin, cancelRun)
		if err != nil {
			log.Warnw("q to stop is unavailable", logger.FieldError, err)
		} else {
			list = append([]pipeline.Stage{keyStop}, list...)
		}
	}

	var t tally
	driverOpts := []pipeline.Option{
		pipeline.WithFrameHandler(func(fc *pipeline.FrameContext) {
			t.add(fc)
			capture.Recycle(fc)
		}),
		pipeline.WithFailureHandler(func(fc *pipeline.FrameContext, _ *pipeline.StageError) {
			capture.Recycle(fc)
		}),
	}
	if opts.HaltOnError {
		driverOpts = append(driverOpts, pipeline.WithHaltOnFailure())
	}

	log.Infow("analysis started",
		logger.FieldSourceID, sourceID,
		logger.FieldCamera, cam.Name,
		"safe_distance", safeDistance,
		"live", live,
	)
	started = true
	summary, runErr := pipeline.NewDriver(pipeline.New(list...), src, driverOpts...).Run(runCtx)

	if opts.Persist {
		res := store.RunResult{Frames: summary.Frames, Failures: summary.Failures, Cancelled: summary.Cancelled}
		if runErr != nil {
			res.Error = runErr.Error()
		}
		if err := DB.FinishRun(context.Background(), runID, res); err != nil {
			log.Warnw("failed to record run outcome", logger.FieldRunID, runID.String(), logger.FieldError, err)
		}
	}

	fmt.Fprintln(os.Stderr)
	printAnalyzeSummary(summary, runErr, t, src, exportPath, opts)

	if runErr != nil {
		utils.ShowError("Analysis failed", runErr, nil)
		return runErr
	}
	return nil
}

func closeStages(list []pipeline.Stage) {
	for _, s := range list {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
	}
}

func printAnalyzeSummary(summary pipeline.Summary, runErr error, t tally, src pipeline.Source, exportPath string, opts AnalyzeOptions) {
	status := "✨ Analysis complete"
	switch {
	case runErr != nil:
		status = "❌ Analysis aborted"
	case summary.Cancelled:
		status = "⏹️  Analysis stopped"
	}
	fmt.Fprintf(os.Stderr, "%s: %d frames in %s", status, summary.Frames, summary.Elapsed.Round(time.Millisecond))
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(os.Stderr, " (%.1f fps)", float64(summary.Frames)/secs)
	}
	fmt.Fprintln(os.Stderr)
	if summary.Failures > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d frames failed (see log)\n", summary.Failures)
	}
	if l, ok := src.(*capture.Latest); ok && l.Drops() > 0 {
		fmt.Fprintf(os.Stderr, "⏩ %d stale frames dropped\n", l.Drops())
	}
	if t.frames > 0 {
		fmt.Fprintf(os.Stderr, "🚶 Peak unsafe: %d (frame %d, %s), violations: %d\n",
			t.peakUnsafe, t.peakFrame, utils.FmtTime(t.peakAt), t.totalViolations)
	}
	if exportPath != "" {
		fmt.Fprintf(os.Stderr, "📄 Statistics exported to %s\n", exportPath)
	}
	if opts.Record != "" {
		fmt.Fprintf(os.Stderr, "🎬 Recording saved to %s\n", opts.Record)
	}
}

// outsideFrame counts the points that fall outside a w x h frame.
func outsideFrame(pts [][2]float64, w, h int) int {
	n := 0
	for _, p := range pts {
		if p[0] < 0 || p[1] < 0 || p[0] > float64(w) || p[1] > float64(h) {
			n++
		}
	}
	return n
}

// topDownBounds frames the bird's-eye view on the region of interest when
// its projection is finite, and around the calibration square otherwise.
func topDownBounds(h *geometry.Homography, region geometry.Polygon, side float64) r2.Rect {
	if len(region) > 0 {
		pts := h.Project(region)
		finite := true
		for _, p := range pts {
			if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
				finite = false
				break
			}
		}
		if finite {
			return r2.RectFromPoints(pts...)
		}
	}
	return stages.DefaultTopDownBounds(side, 2)
}
