package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stereostitch/internal/geometry"
)

const (
	defaultConfigPath = "~/.config/stereostitch/config.json"
	defaultExt        = "png"
)

// Config holds user-editable settings for the alignment pipeline.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Tools      ToolPreferences `json:"tools"`
	Server     Server          `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	InputExt         string   `json:"input_ext"`
	OutputExt        string   `json:"output_ext"`
	UseUndistort     bool     `json:"use_undistort"`
	ProcessLeft      bool     `json:"process_left"`
	TickInterval     Duration `json:"tick_interval"`
	CreateOutputDirs bool     `json:"create_output_dirs"`
	CleanThreshold   float64  `json:"clean_threshold"` // max per-view reprojection error in px
	Correspondence   string   `json:"correspondence"`  // auto, manual
	Interpolation    string   `json:"interpolation"`   // bilinear, nearest
	FillFrame        bool     `json:"undistort_fill_frame"`
}

const (
	CorrespondenceAuto   = "auto"
	CorrespondenceManual = "manual"
)

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures the workspace layout. Relative entries are resolved
// against Workspace.
type Paths struct {
	Workspace         string `json:"workspace"`
	TargetSettings    string `json:"target_settings"`
	CalibrationLeft   string `json:"calibration_left"`
	CalibrationRight  string `json:"calibration_right"`
	DistortionLeft    string `json:"distortion_left"`
	DistortionRight   string `json:"distortion_right"`
	Homography        string `json:"homography"`
	PointsFile        string `json:"points_file"`
	InputLeft         string `json:"input_left"`
	InputRight        string `json:"input_right"`
	OutputLeft        string `json:"output_left"`
	OutputRight       string `json:"output_right"`
	OutputLeftPrefix  string `json:"output_left_prefix"`
	OutputRightPrefix string `json:"output_right_prefix"`
	DatabasePath      string `json:"database_path"`
	LockFile          string `json:"lock_file"`
}

// ToolPreferences defines which engine to use for each collaborator.
type ToolPreferences struct {
	Detector ToolConfig `json:"detector"` // "opencv"
	Solver   ToolConfig `json:"solver"`   // "native", "opencv"
	Warper   ToolConfig `json:"warper"`   // "native", "opencv", "imagemagick"
	Codec    ToolConfig `json:"codec"`    // "native", "imagemagick"
}

// ToolConfig names a preferred engine and the ones to try after it.
type ToolConfig struct {
	Preferred string   `json:"preferred"`
	Fallbacks []string `json:"fallbacks"`
}

// Server configures the HTTP control surface.
type Server struct {
	Addr string `json:"addr"`
}

// Duration decodes either a Go duration string ("40ms") or a number of
// milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Millisecond
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// Path returns the location of the config file that Load reads.
func Path() string {
	configPath := os.Getenv("STEREOSTITCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return configPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile decodes the file at path over the defaults. A missing file is not
// an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes c as indented JSON to path and returns the expanded path. An
// existing file is kept unless overwrite is set.
func (c *Config) Save(path string, overwrite bool) (string, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return "", err
	}
	if !overwrite {
		if _, err := os.Stat(expanded); err == nil {
			return "", fmt.Errorf("%s already exists", expanded)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", err
	}
	return expanded, os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			InputExt:       defaultExt,
			OutputExt:      defaultExt,
			UseUndistort:   false,
			ProcessLeft:    true,
			CleanThreshold: 2.0,
			Correspondence: CorrespondenceAuto,
			Interpolation:  "bilinear",
			FillFrame:      true,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			Workspace:         ".",
			TargetSettings:    "calibration/target/target_settings.yml",
			CalibrationLeft:   "calibration/left",
			CalibrationRight:  "calibration/right",
			DistortionLeft:    "calibration/distortion_L.yml",
			DistortionRight:   "calibration/distortion_R.yml",
			Homography:        "calibration/homography.yml",
			PointsFile:        "calibration/points.json",
			InputLeft:         "input_left",
			InputRight:        "input_right",
			OutputLeft:        "output_left",
			OutputRight:       "output_right",
			OutputLeftPrefix:  "output_L_",
			OutputRightPrefix: "output_R_",
			DatabasePath:      filepath.Join(os.TempDir(), "stereostitch.db"),
			LockFile:          ".stereostitch.lock",
		},
		Tools: ToolPreferences{
			Detector: ToolConfig{Preferred: "opencv"},
			Solver:   ToolConfig{Preferred: "native", Fallbacks: []string{"opencv"}},
			Warper:   ToolConfig{Preferred: "native", Fallbacks: []string{"opencv", "imagemagick"}},
			Codec:    ToolConfig{Preferred: "native", Fallbacks: []string{"imagemagick"}},
		},
		Server: Server{Addr: "127.0.0.1:8750"},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimPrefix(c.Processing.InputExt, ".") == "" {
		problems = append(problems, "processing.input_ext is empty")
	}
	if strings.TrimPrefix(c.Processing.OutputExt, ".") == "" {
		problems = append(problems, "processing.output_ext is empty")
	}
	if c.Processing.TickInterval.Duration < 0 {
		problems = append(problems, "processing.tick_interval is negative")
	}
	if c.Processing.CleanThreshold < 0 {
		problems = append(problems, "processing.clean_threshold is negative")
	}
	switch c.Processing.Correspondence {
	case CorrespondenceAuto, CorrespondenceManual:
	default:
		problems = append(problems, fmt.Sprintf("processing.correspondence %q is not auto or manual", c.Processing.Correspondence))
	}
	if _, err := geometry.ParseInterpolation(c.Processing.Interpolation); err != nil {
		problems = append(problems, "processing.interpolation: "+err.Error())
	}
	if c.Paths.InputRight == "" {
		problems = append(problems, "paths.input_right is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Resolve joins a relative path with the workspace root.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	expanded, err := expandUser(path)
	if err == nil && expanded != path {
		return expanded
	}
	root := c.Paths.Workspace
	if root == "" {
		root = "."
	}
	if expandedRoot, err := expandUser(root); err == nil {
		root = expandedRoot
	}
	return filepath.Join(root, path)
}

// InputExtension returns the input extension without its leading dot.
func (p Processing) InputExtension() string {
	return strings.TrimPrefix(p.InputExt, ".")
}

// OutputExtension returns the output extension without its leading dot.
func (p Processing) OutputExtension() string {
	return strings.TrimPrefix(p.OutputExt, ".")
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
