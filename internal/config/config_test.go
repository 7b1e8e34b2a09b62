package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/distguard/internal/errors"
)

const sampleYAML = `
database:
  url: postgres://db:5432/test
analysis:
  safe_distance: 1.5
detector:
  timeout: 5s
  confidence: 0.4
cameras:
  - name: lobby
    address: /videos/lobby.mp4
    side_length: 3
    square: [[100, 100], [300, 100], [300, 300], [100, 300]]
    roi: [[0, 0], [640, 0], [640, 480], [0, 480]]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func square() [][2]float64 {
	return [][2]float64{{100, 100}, {300, 100}, {300, 300}, {100, 300}}
}

func TestDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POSTGRES_HOST", "")
	v, err := New("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/distguard", cfg.Database.URL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2.0, cfg.Analysis.SafeDistance)
	assert.Equal(t, 0, cfg.Analysis.PersonClass)
	assert.Equal(t, 256, cfg.Analysis.GridThreshold)
	assert.Equal(t, 30*time.Second, cfg.Detector.Timeout)
	assert.Equal(t, "data", cfg.Output.Dir)
	assert.Empty(t, cfg.Cameras)
	assert.Equal(t, []string{"-u", "python/detector.py", "--model", "YOLOv4"}, cfg.Detector.CommandArgs())
}

func TestDatabaseURLFromPostgresEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "user")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "distguard")
	t.Setenv("POSTGRES_PORT", "")

	v, err := New("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://user:secret@db:5432/distguard", cfg.Database.URL)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "distguard.yaml", sampleYAML)
	v, err := New(path)
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/test", cfg.Database.URL)
	assert.Equal(t, 1.5, cfg.Analysis.SafeDistance)
	assert.Equal(t, 5*time.Second, cfg.Detector.Timeout)
	assert.Equal(t, 0.4, cfg.Detector.Confidence)

	cam, err := cfg.Camera("lobby")
	require.NoError(t, err)
	assert.Equal(t, "/videos/lobby.mp4", cam.Address)
	assert.Equal(t, 3.0, cam.SideLength)
	assert.Equal(t, square(), cam.Square)

	h, err := cam.Homography()
	require.NoError(t, err)
	assert.NotNil(t, h)

	roi, err := cam.Region()
	require.NoError(t, err)
	assert.Len(t, roi, 4)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DISTGUARD_ANALYSIS_SAFE_DISTANCE", "4.25")
	t.Setenv("DISTGUARD_DATABASE_URL", "postgres://env/db")
	path := writeFile(t, t.TempDir(), "distguard.yaml", sampleYAML)

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 4.25, cfg.Analysis.SafeDistance)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
}

func TestNewErrors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit config file must exist")

	bad := writeFile(t, t.TempDir(), "distguard.yaml", "analysis: [not, a, map\n")
	_, err = New(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative class", Config{Analysis: AnalysisConfig{PersonClass: -1}}},
		{"confidence above one", Config{Detector: DetectorConfig{Confidence: 1.5}}},
		{"unnamed camera", Config{Cameras: []Camera{{}}}},
		{"duplicate camera", Config{Cameras: []Camera{{Name: "a"}, {Name: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestUnknownCamera(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.Camera("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCamera))
	assert.Contains(t, errors.Hint(err), "distguard calibrate ghost")
}

func TestCameraValidate(t *testing.T) {
	good := Camera{Name: "a", SideLength: 2, Square: square()}
	assert.NoError(t, good.Validate())

	noName := good
	noName.Name = ""
	assert.Error(t, noName.Validate())

	badSide := good
	badSide.SideLength = 0
	assert.Error(t, badSide.Validate())

	badROI := good
	badROI.ROI = [][2]float64{{0, 0}, {1, 1}}
	assert.Error(t, badROI.Validate())

	r, err := good.Region()
	assert.NoError(t, err)
	assert.Nil(t, r, "no roi means the whole frame")
}

func TestSaveCamera(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "distguard.yaml", sampleYAML)

	// Replace the existing camera and add a new one.
	lobby := Camera{Name: "lobby", Address: "rtsp://lobby", SideLength: 5, Square: square()}
	gate := Camera{Name: "gate", Address: "/videos/gate.mp4", SideLength: 2, Square: square()}
	require.NoError(t, SaveCamera(path, lobby))
	require.NoError(t, SaveCamera(path, gate))

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Len(t, cfg.Cameras, 2)
	got, err := cfg.Camera("lobby")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://lobby", got.Address)
	assert.Equal(t, 5.0, got.SideLength)
	assert.Empty(t, got.ROI)

	_, err = cfg.Camera("gate")
	assert.NoError(t, err)

	// Unrelated settings survive the rewrite.
	assert.Equal(t, 1.5, cfg.Analysis.SafeDistance)
	assert.Equal(t, "postgres://db:5432/test", cfg.Database.URL)
}

func TestSaveCameraCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)
	require.NoError(t, SaveCamera(path, Camera{Name: "new", SideLength: 1, Square: square()}))

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Len(t, cfg.Cameras, 1)
}

func TestSaveCameraRejectsBadCalibration(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	collinear := [][2]float64{{0, 0}, {1, 0}, {2, 0}, {3, 0}}
	err := SaveCamera(path, Camera{Name: "bad", SideLength: 1, Square: collinear})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing is written for an invalid camera")
}

func TestWatchWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())
	v, err := New("")
	require.NoError(t, err)
	assert.False(t, Watch(v, func(*Config) {}))
}
