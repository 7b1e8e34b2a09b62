package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/distguard/internal/config"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/proximity"
	"github.com/andresmejia3/distguard/internal/stages"
	"github.com/andresmejia3/distguard/internal/store"
	"github.com/andresmejia3/distguard/internal/types"
	"github.com/andresmejia3/distguard/internal/worker"
)

const squareFlag = "100,100,300,100,300,300,100,300"

func TestParsePoints(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    [][2]float64
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"pairs", "1,2,3.5,4", [][2]float64{{1, 2}, {3.5, 4}}, false},
		{"spaces", " 1, 2  3,4 ", [][2]float64{{1, 2}, {3, 4}}, false},
		{"odd count", "1,2,3", nil, true},
		{"not a number", "1,x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePoints(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePoints(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parsePoints(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func testConfig() *config.Config {
	return &config.Config{Cameras: []config.Camera{{
		Name:       "lobby",
		Address:    "/videos/lobby.mp4",
		SideLength: 2,
		Square:     [][2]float64{{100, 100}, {300, 100}, {300, 300}, {100, 300}},
	}}}
}

func TestResolveCamera(t *testing.T) {
	cfg := testConfig()

	cam, err := resolveCamera(cfg, AnalyzeOptions{Camera: "lobby"})
	if err != nil {
		t.Fatalf("resolveCamera failed: %v", err)
	}
	if cam.Address != "/videos/lobby.mp4" || cam.SideLength != 2 {
		t.Errorf("unexpected camera %+v", cam)
	}

	cam, err = resolveCamera(cfg, AnalyzeOptions{Camera: "lobby", Input: "rtsp://cam", Side: 3, ROI: "0,0,640,0,640,480"})
	if err != nil {
		t.Fatalf("resolveCamera with overrides failed: %v", err)
	}
	if cam.Address != "rtsp://cam" || cam.SideLength != 3 || len(cam.ROI) != 3 {
		t.Errorf("flags should override the configured camera, got %+v", cam)
	}

	cam, err = resolveCamera(cfg, AnalyzeOptions{Input: "/videos/x.mp4", Square: squareFlag, Side: 1})
	if err != nil {
		t.Fatalf("inline calibration failed: %v", err)
	}
	if cam.Name != "adhoc" {
		t.Errorf("expected adhoc camera, got %q", cam.Name)
	}

	failures := []struct {
		name string
		opts AnalyzeOptions
	}{
		{"unknown camera", AnalyzeOptions{Camera: "ghost"}},
		{"no input", AnalyzeOptions{Square: squareFlag, Side: 1}},
		{"no calibration", AnalyzeOptions{Input: "/videos/x.mp4"}},
		{"bad square", AnalyzeOptions{Input: "/videos/x.mp4", Square: "1,2,3", Side: 1}},
		{"collinear square", AnalyzeOptions{Input: "/videos/x.mp4", Square: "0,0,1,0,2,0,3,0", Side: 1}},
		{"bad roi", AnalyzeOptions{Camera: "lobby", ROI: "0,0,1,1"}},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := resolveCamera(cfg, tt.opts); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

func TestValidateAnalyzeFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp(t.TempDir(), "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    AnalyzeOptions
		address string
		wantErr bool
	}{
		{"Valid options", AnalyzeOptions{NthFrame: 1}, tmpFile.Name(), false},
		{"Stream is not stat'ed", AnalyzeOptions{NthFrame: 5}, "rtsp://camera/stream", false},
		{"Input file does not exist", AnalyzeOptions{NthFrame: 1}, "nonexistent.mp4", true},
		{"Input is directory", AnalyzeOptions{NthFrame: 1}, tmpDir, true},
		{"Invalid NthFrame", AnalyzeOptions{NthFrame: 0}, tmpFile.Name(), true},
		{"Negative safe distance", AnalyzeOptions{NthFrame: 1, SafeDistance: -1}, tmpFile.Name(), true},
		{"Missing detections file", AnalyzeOptions{NthFrame: 1, Detections: "missing.jsonl"}, tmpFile.Name(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateAnalyzeFlags(tt.opts, tt.address); (err != nil) != tt.wantErr {
				t.Errorf("validateAnalyzeFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveSafeDistance(t *testing.T) {
	cfg := &config.Config{Analysis: config.AnalysisConfig{SafeDistance: 1.5}}
	tests := []struct {
		name string
		opts AnalyzeOptions
		want float64
	}{
		{"flag not given", AnalyzeOptions{}, 1.5},
		{"flag given", AnalyzeOptions{SafeDistance: 3, SafeDistanceSet: true}, 3},
		{"zero given", AnalyzeOptions{SafeDistance: 0, SafeDistanceSet: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := effectiveSafeDistance(cfg, tt.opts); got != tt.want {
				t.Errorf("effectiveSafeDistance() = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestTally(t *testing.T) {
	var tl tally
	frames := []proximity.Statistics{
		{Total: 2, Unsafe: 2, Violations: 1},
		{Total: 5, Unsafe: 4, Violations: 3},
		{Total: 4, Unsafe: 4, Violations: 2},
	}
	for i, s := range frames {
		tl.add(&pipeline.FrameContext{Index: i * 10, Timestamp: time.Duration(i) * time.Second, Stats: s})
	}
	if tl.frames != 3 || tl.totalViolations != 6 {
		t.Errorf("unexpected tally %+v", tl)
	}
	if tl.peakUnsafe != 4 || tl.peakFrame != 10 || tl.peakAt != time.Second {
		t.Errorf("the first frame reaching the peak should win, got %+v", tl)
	}
}

func TestTopDownBounds(t *testing.T) {
	quad := geometry.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	h, err := geometry.BuildHomography(quad, 10)
	if err != nil {
		t.Fatal(err)
	}

	region := geometry.Polygon{{X: 2, Y: 3}, {X: 8, Y: 3}, {X: 8, Y: 9}}
	b := topDownBounds(h, region, 10)
	if d := b.Lo().Sub(region[0]).Norm(); d > 1e-6 {
		t.Errorf("bounds should start at the region, got %v", b)
	}
	if d := b.Hi().Sub(region[2]).Norm(); d > 1e-6 {
		t.Errorf("bounds should end at the region, got %v", b)
	}

	def := topDownBounds(h, nil, 10)
	if def != stages.DefaultTopDownBounds(10, 2) {
		t.Errorf("without a region the default view is used, got %v", def)
	}
}

func TestOutsideFrame(t *testing.T) {
	pts := [][2]float64{{0, 0}, {640, 480}, {641, 10}, {10, -1}}
	if got := outsideFrame(pts, 640, 480); got != 2 {
		t.Errorf("outsideFrame() = %d, want 2", got)
	}
	if got := outsideFrame(nil, 640, 480); got != 0 {
		t.Errorf("outsideFrame(nil) = %d, want 0", got)
	}
}

func TestViolationIntervals(t *testing.T) {
	rec := func(frame, unsafe int) store.FrameRecord {
		return store.FrameRecord{Frame: frame, Timestamp: time.Duration(frame) * 100 * time.Millisecond,
			Stats: proximity.Statistics{Unsafe: unsafe}}
	}
	records := []store.FrameRecord{
		rec(0, 0), rec(1, 2), rec(2, 3), rec(3, 1), rec(4, 2), rec(5, 0),
	}

	got := violationIntervals(records, 2)
	want := []interval{
		{StartFrame: 1, EndFrame: 2, Start: 100 * time.Millisecond, End: 200 * time.Millisecond, PeakUnsafe: 3},
		{StartFrame: 4, EndFrame: 4, Start: 400 * time.Millisecond, End: 400 * time.Millisecond, PeakUnsafe: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("violationIntervals() = %+v, want %+v", got, want)
	}

	if got := violationIntervals(records, 0); len(got) != 2 {
		t.Errorf("frames with nobody unsafe never form an interval, got %+v", got)
	}
	if got := violationIntervals(nil, 1); got != nil {
		t.Errorf("expected no intervals, got %+v", got)
	}

	var buf bytes.Buffer
	printIntervals(want, &buf)
	if !strings.Contains(buf.String(), "1-2") || !strings.Contains(buf.String(), "PEAK UNSAFE") {
		t.Errorf("unexpected interval table:\n%s", buf.String())
	}
}

func TestExportName(t *testing.T) {
	tests := []struct {
		src  store.Source
		want string
	}{
		{store.Source{ID: "0123456789abcdef", Label: "morning", Camera: "lobby"}, "morning"},
		{store.Source{ID: "0123456789abcdef", Camera: "lobby"}, "lobby"},
		{store.Source{ID: "0123456789abcdef"}, "0123456789ab"},
	}
	for _, tt := range tests {
		if got := exportName(tt.src); got != tt.want {
			t.Errorf("exportName(%+v) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestWriteExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lobby-1.csv")
	records := []store.FrameRecord{{Frame: 3, Timestamp: 1500 * time.Millisecond,
		Stats: proximity.Statistics{Total: 3, Safe: 1, Unsafe: 2, Violations: 1, ViolationClusters: 2}}}
	if err := writeExport(path, records); err != nil {
		t.Fatalf("writeExport failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "frame,timestamp,total,safe,unsafe,violations,violation_clusters\n3,1.500,3,1,2,1,2\n"
	if string(data) != want {
		t.Errorf("export = %q, want %q", data, want)
	}
}

func TestListCameras(t *testing.T) {
	var buf bytes.Buffer
	listCameras(nil, &buf)
	if !strings.Contains(buf.String(), "No cameras configured") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	cams := testConfig().Cameras
	cams[0].ROI = [][2]float64{{0, 0}, {1, 0}, {1, 1}}
	listCameras(cams, &buf)
	out := buf.String()
	for _, s := range []string{"lobby", "/videos/lobby.mp4", "3 points"} {
		if !strings.Contains(out, s) {
			t.Errorf("expected %q in output:\n%s", s, out)
		}
	}
}

func TestRunCalibrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	if err := os.WriteFile(path, []byte("analysis:\n  safe_distance: 1.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var err error
	if v, err = config.New(path); err != nil {
		t.Fatal(err)
	}
	if Cfg, err = config.Load(v); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	opts := calibrateOptions{Address: "/videos/gate.mp4", Square: squareFlag, Side: 2, ROI: "0,0,640,0,640,480"}
	if err := runCalibrate("gate", opts, &buf); err != nil {
		t.Fatalf("runCalibrate failed: %v", err)
	}
	if !strings.Contains(buf.String(), "bottom-right") || !strings.Contains(buf.String(), "(2.00, 2.00)") {
		t.Errorf("the corner table should show the square mapped to its side length:\n%s", buf.String())
	}

	saved, err := config.New(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(saved)
	if err != nil {
		t.Fatal(err)
	}
	cam, err := cfg.Camera("gate")
	if err != nil {
		t.Fatalf("camera was not saved: %v", err)
	}
	if cam.Address != "/videos/gate.mp4" || cam.SideLength != 2 {
		t.Errorf("unexpected saved camera %+v", cam)
	}

	// Recalibrating with only a new square keeps the address and the ROI.
	Cfg = cfg
	if err := runCalibrate("gate", calibrateOptions{Square: squareFlag, Side: 3}, io.Discard); err != nil {
		t.Fatalf("recalibration failed: %v", err)
	}
	if saved, err = config.New(path); err != nil {
		t.Fatal(err)
	}
	if cfg, err = config.Load(saved); err != nil {
		t.Fatal(err)
	}
	if cam, err = cfg.Camera("gate"); err != nil {
		t.Fatal(err)
	}
	if cam.Address != "/videos/gate.mp4" || cam.SideLength != 3 || len(cam.ROI) != 3 {
		t.Errorf("recalibration should keep the address and ROI, got %+v", cam)
	}

	if err := runCalibrate("bad", calibrateOptions{Square: "0,0,1,0,2,0,3,0", Side: 1, DryRun: true}, io.Discard); err == nil {
		t.Error("collinear corners should fail")
	}
}

// TestAnalyzePersistence runs the analysis stages over replayed detections
// and checks what reaches the database.
func TestAnalyzePersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("distguard_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(ctx)

	sourceID := "src_test_123"
	if err := db.EnsureSource(ctx, sourceID, "/tmp/test.mp4", "lobby"); err != nil {
		t.Fatal(err)
	}
	runID, err := db.StartRun(ctx, sourceID, 2)
	if err != nil {
		t.Fatal(err)
	}

	// Frame 0: two people 1 unit apart and one far away. Frame 1: one person.
	replay, err := worker.ReadReplay(strings.NewReader(
		`{"frame":0,"detections":[{"class":0,"confidence":0.9,"box":[-0.5,-1,1,1]},{"class":0,"confidence":0.9,"box":[0.5,-1,1,1]},{"class":0,"confidence":0.9,"box":[9.5,9,1,1]}]}`+"\n"+
			`{"frame":1,"detections":[{"class":0,"confidence":0.9,"box":[0,0,1,1]},{"class":2,"confidence":0.9,"box":[0.2,0,1,1]}]}`+"\n",
	), 0.5)
	if err != nil {
		t.Fatal(err)
	}

	quad := geometry.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	h, err := geometry.BuildHomography(quad, 10)
	if err != nil {
		t.Fatal(err)
	}
	analyzer := proximity.Analyzer{SafeDistance: 2}
	p := pipeline.New(
		stages.NewDetect(replay),
		stages.NewFilterClass(types.PersonClass),
		stages.NewFilterRegion(nil),
		stages.NewProject(geometry.NewHomographyRef(h)),
		stages.NewClassify(analyzer),
		stages.NewTabulate(analyzer),
		stages.NewPersist(db, runID, 1),
	)

	next := 0
	src := pipeline.SourceFunc(func(ctx context.Context) (*pipeline.FrameContext, error) {
		if next == 2 {
			return nil, io.EOF
		}
		fc := pipeline.NewFrameContext(sourceID, types.FrameTask{Index: next, Timestamp: time.Duration(next) * time.Second})
		next++
		return fc, nil
	})

	summary, err := pipeline.NewDriver(p, src).Run(ctx)
	if err != nil {
		t.Fatalf("driver failed: %v", err)
	}
	if summary.Frames != 2 || summary.Failures != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if err := db.FinishRun(ctx, runID, store.RunResult{Frames: summary.Frames}); err != nil {
		t.Fatal(err)
	}

	records, err := db.SourceStatistics(ctx, sourceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 stored frames, got %d", len(records))
	}
	want := proximity.Statistics{Total: 3, Safe: 1, Unsafe: 2, Violations: 1, ViolationClusters: 2}
	if records[0].Stats != want {
		t.Errorf("frame 0: expected %+v, got %+v", want, records[0].Stats)
	}
	if records[1].Stats != (proximity.Statistics{Total: 1, Safe: 1, ViolationClusters: 1}) {
		t.Errorf("frame 1: only the person class counts, got %+v", records[1].Stats)
	}
	if records[1].Timestamp != time.Second {
		t.Errorf("expected frame 1 at 1s, got %v", records[1].Timestamp)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
