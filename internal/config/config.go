// Package config loads distguard settings from distguard.yaml, DISTGUARD_*
// environment variables and defaults, and persists camera calibrations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/logger"
)

// ErrUnknownCamera is returned when a camera name is not configured.
var ErrUnknownCamera = errors.New("unknown camera")

// DefaultFileName is the config file written by calibrate when none exists.
const DefaultFileName = "distguard.yaml"

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Detector DetectorConfig `mapstructure:"detector"`
	Output   OutputConfig   `mapstructure:"output"`
	Cameras  []Camera       `mapstructure:"cameras"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

type AnalysisConfig struct {
	// SafeDistance is in the same unit as the cameras' side_length.
	SafeDistance  float64 `mapstructure:"safe_distance"`
	PersonClass   int     `mapstructure:"person_class"`
	GridThreshold int     `mapstructure:"grid_threshold"`
}

type DetectorConfig struct {
	Command    string        `mapstructure:"command"`
	Args       []string      `mapstructure:"args"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Confidence float64       `mapstructure:"confidence"`
}

// CommandArgs returns the detector arguments with the model selection
// appended when one is configured.
func (d DetectorConfig) CommandArgs() []string {
	args := append([]string(nil), d.Args...)
	if d.Model != "" {
		args = append(args, "--model", d.Model)
	}
	return args
}

type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.url", defaultDatabaseURL())

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("analysis.safe_distance", 2.0)
	v.SetDefault("analysis.person_class", 0) // COCO "person"
	v.SetDefault("analysis.grid_threshold", 256)

	v.SetDefault("detector.command", "python3")
	v.SetDefault("detector.args", []string{"-u", "python/detector.py"})
	v.SetDefault("detector.model", "YOLOv4")
	v.SetDefault("detector.timeout", 30*time.Second)
	v.SetDefault("detector.confidence", 0.5)

	v.SetDefault("output.dir", "data")
}

// defaultDatabaseURL builds the connection string from the POSTGRES_*
// variables set by docker-compose, falling back to a local server.
func defaultDatabaseURL() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/distguard"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// New builds a viper instance. configFile may be empty, in which case
// distguard.yaml is searched in the working directory and ~/.distguard. A
// missing file is not an error; a malformed one is.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("DISTGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("distguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".distguard"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Analysis.PersonClass < 0 {
		return errors.Newf("analysis.person_class must be >= 0, got %d", c.Analysis.PersonClass)
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		return errors.Newf("detector.confidence must be within [0, 1], got %g", c.Detector.Confidence)
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return errors.New("camera without a name")
		}
		if seen[cam.Name] {
			return errors.Newf("camera %q is configured twice", cam.Name)
		}
		seen[cam.Name] = true
	}
	return nil
}

// Camera looks a camera up by name.
func (c *Config) Camera(name string) (Camera, error) {
	for _, cam := range c.Cameras {
		if cam.Name == name {
			return cam, nil
		}
	}
	return Camera{}, errors.WithHintf(errors.Wrapf(ErrUnknownCamera, "%q", name),
		"add it with: distguard calibrate %s --address <video> --square x,y,... --side <length>", name)
}

// Watch reloads the config file whenever it changes and passes every
// successfully validated result to fn. It reports false when no file backs
// v and there is nothing to watch.
func Watch(v *viper.Viper, fn func(*Config)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	log := logger.Named("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(v)
		if err != nil {
			log.Warnw("ignoring invalid config change", logger.FieldPath, e.Name, logger.FieldError, err)
			return
		}
		log.Infow("config reloaded", logger.FieldPath, e.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return true
}

// SaveCamera adds cam to the YAML file at path, replacing a camera with the
// same name. Other settings in the file are kept; comments are not.
func SaveCamera(path string, cam Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}

	doc := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return errors.Wrapf(err, "parsing %s", path)
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
	case os.IsNotExist(err):
	default:
		return errors.Wrapf(err, "reading %s", path)
	}

	var cams []Camera
	if raw, ok := doc["cameras"]; ok {
		b, err := yaml.Marshal(raw)
		if err != nil {
			return errors.Wrap(err, "re-encoding cameras")
		}
		if err := yaml.Unmarshal(b, &cams); err != nil {
			return errors.Wrapf(err, "parsing cameras in %s", path)
		}
	}

	replaced := false
	for i := range cams {
		if cams[i].Name == cam.Name {
			cams[i] = cam
			replaced = true
		}
	}
	if !replaced {
		cams = append(cams, cam)
	}
	doc["cameras"] = cams

	out, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, path), "replacing config")
}

// Camera is one calibrated video source.
type Camera struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Address string `mapstructure:"address" yaml:"address"`
	// SideLength is the real-world length of the calibration square's side.
	SideLength float64 `mapstructure:"side_length" yaml:"side_length"`
	// Square holds the image corners of the calibration square, TL, TR, BR, BL.
	Square [][2]float64 `mapstructure:"square" yaml:"square,flow"`
	// ROI optionally restricts analysis to a polygon in image coordinates.
	ROI [][2]float64 `mapstructure:"roi" yaml:"roi,flow,omitempty"`
}

func (c Camera) Validate() error {
	if c.Name == "" {
		return errors.New("camera name is required")
	}
	if _, err := c.Homography(); err != nil {
		return errors.Wrapf(err, "camera %q", c.Name)
	}
	if _, err := c.Region(); err != nil {
		return errors.Wrapf(err, "camera %q", c.Name)
	}
	return nil
}

// Homography builds the image to ground-plane transform from the square.
func (c Camera) Homography() (*geometry.Homography, error) {
	return geometry.BuildHomography(geometry.PolygonFromPairs(c.Square), c.SideLength)
}

// Region returns the ROI polygon, or nil when the whole frame is analysed.
func (c Camera) Region() (geometry.Polygon, error) {
	if len(c.ROI) == 0 {
		return nil, nil
	}
	poly := geometry.PolygonFromPairs(c.ROI)
	if err := poly.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid roi")
	}
	return poly, nil
}
