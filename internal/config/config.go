package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// Port is the default serial port used by capture and listen (e.g. COM9, /dev/ttyUSB0).
	Port string `json:"port,omitempty"`

	// Baud is the serial baud rate. The pedal firmware talks at 115200.
	Baud int `json:"baud,omitempty"`

	// ConnectTimeoutMS bounds how long capture waits for the port to open.
	ConnectTimeoutMS int `json:"connect_timeout_ms,omitempty"`

	// BankListTimeoutMS bounds the wait for the LISTBANKS response.
	// The bank list is optional: when it does not arrive, every preset is kept.
	BankListTimeoutMS int `json:"bank_list_timeout_ms,omitempty"`

	// PresetListTimeoutMS bounds the wait for the LISTPRESETS dump, which can be large.
	PresetListTimeoutMS int `json:"preset_list_timeout_ms,omitempty"`

	// BankPollMS and PresetPollMS are the per-line queue waits while a section is pending.
	// Once a section has started, a poll that comes back empty ends that section.
	BankPollMS   int `json:"bank_poll_ms,omitempty"`
	PresetPollMS int `json:"preset_poll_ms,omitempty"`

	// QueueSize is the capacity of the line queue between the serial reader and the pipeline.
	QueueSize int `json:"queue_size,omitempty"`

	// OutputBase and IndexBase name the run-scoped output directory and index file.
	// A timestamp is appended to both (presets_json_2025-01-31_14-05/).
	OutputBase string `json:"output_base,omitempty"`
	IndexBase  string `json:"index_base,omitempty"`

	// DistDir receives exported bank list files (PresetList_<timestamp>.txt).
	DistDir string `json:"dist_dir,omitempty"`

	// KeepSparkFields disables conversion to the pedal's schema
	// (PresetNumber is kept, Version/Description/Icon/BPM are not backfilled).
	KeepSparkFields bool `json:"keep_spark_fields,omitempty"`

	// RoundNumbers turns integral floats into integers and rounds the rest to 4 decimals.
	RoundNumbers bool `json:"round_numbers,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// AllowedPaths lists extra absolute directories MCP tools may write bank lists into.
	// DistDir is always allowed.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths lifts the directory restriction on MCP output paths.
	// Symlinks are still rejected.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool type names ("preset", "banklist", "session") to disable entirely.
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Baud:                115200,
		ConnectTimeoutMS:    3000,
		BankListTimeoutMS:   5000,
		PresetListTimeoutMS: 60000,
		BankPollMS:          250,
		PresetPollMS:        500,
		QueueSize:           4096,
		OutputBase:          "presets_json",
		IndexBase:           "preset_index.txt",
		DistDir:             "dist",
		LogLevel:            "info",
	}
}

// ConnectTimeout returns ConnectTimeoutMS as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// BankListTimeout returns BankListTimeoutMS as a duration.
func (c *Config) BankListTimeout() time.Duration {
	return time.Duration(c.BankListTimeoutMS) * time.Millisecond
}

// PresetListTimeout returns PresetListTimeoutMS as a duration.
func (c *Config) PresetListTimeout() time.Duration {
	return time.Duration(c.PresetListTimeoutMS) * time.Millisecond
}

// BankPoll returns BankPollMS as a duration.
func (c *Config) BankPoll() time.Duration {
	return time.Duration(c.BankPollMS) * time.Millisecond
}

// PresetPoll returns PresetPollMS as a duration.
func (c *Config) PresetPoll() time.Duration {
	return time.Duration(c.PresetPollMS) * time.Millisecond
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.ignitron.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.ignitron) and repo (.ignitron) directories.
// Repo config is found by walking upward from startDir to find the nearest .ignitron/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .ignitron/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".ignitron", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.Port = firstString(overlay.Port, base.Port)
	result.OutputBase = firstString(overlay.OutputBase, base.OutputBase)
	result.IndexBase = firstString(overlay.IndexBase, base.IndexBase)
	result.DistDir = firstString(overlay.DistDir, base.DistDir)
	result.LogLevel = firstString(overlay.LogLevel, base.LogLevel)

	result.Baud = firstInt(overlay.Baud, base.Baud)
	result.ConnectTimeoutMS = firstInt(overlay.ConnectTimeoutMS, base.ConnectTimeoutMS)
	result.BankListTimeoutMS = firstInt(overlay.BankListTimeoutMS, base.BankListTimeoutMS)
	result.PresetListTimeoutMS = firstInt(overlay.PresetListTimeoutMS, base.PresetListTimeoutMS)
	result.BankPollMS = firstInt(overlay.BankPollMS, base.BankPollMS)
	result.PresetPollMS = firstInt(overlay.PresetPollMS, base.PresetPollMS)
	result.QueueSize = firstInt(overlay.QueueSize, base.QueueSize)

	// Booleans: overlay wins if true, else base
	result.KeepSparkFields = base.KeepSparkFields || overlay.KeepSparkFields
	result.RoundNumbers = base.RoundNumbers || overlay.RoundNumbers
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func firstString(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func firstInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
