package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory and
// under the user config directory.
const FileName = ".testseq.yaml"

// CliFlags holds the values of command-line flags.
type CliFlags struct {
	Workers       int
	QueueSize     int
	Synchronous   bool
	OnSinkFailure string
	ErrorBuffer   int
	Format        string
	Theme         string
	LogLevel      string
	MetricsAddr   string

	// Flags to track if they were explicitly set by the user
	WorkersSet       bool
	QueueSizeSet     bool
	SynchronousSet   bool
	OnSinkFailureSet bool
	ErrorBufferSet   bool
	FormatSet        bool
	ThemeSet         bool
	LogLevelSet      bool
	MetricsAddrSet   bool
}

// AppConfig represents the contents of .testseq.yaml.
type AppConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	Synchronous   bool     `yaml:"synchronous"`
	OnSinkFailure string   `yaml:"on_sink_failure"`
	ErrorBuffer   int      `yaml:"error_buffer"`
	Format        string   `yaml:"format"`
	Theme         string   `yaml:"theme"`
	LogLevel      string   `yaml:"log_level"`
	MetricsAddr   string   `yaml:"metrics_addr,omitempty"`
	Require       []string `yaml:"require,omitempty"`
	GoTestArgs    []string `yaml:"go_test_args,omitempty"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`
}

// Defaults.
const (
	DefaultQueueSize     = 1024
	DefaultErrorBuffer   = 16
	DefaultOnSinkFailure = "abort"
	DefaultFormat        = FormatAuto
	DefaultTheme         = "default"
	DefaultLogLevel      = "warn"
)

// Output formats.
const (
	FormatAuto     = "auto"
	FormatNDJSON   = "ndjson"
	FormatTerminal = "terminal"
)

// Defaults returns the configuration used when no file is present.
func Defaults() *AppConfig {
	return &AppConfig{
		QueueSize:     DefaultQueueSize,
		OnSinkFailure: DefaultOnSinkFailure,
		ErrorBuffer:   DefaultErrorBuffer,
		Format:        DefaultFormat,
		Theme:         DefaultTheme,
		LogLevel:      DefaultLogLevel,
		Require:       []string{"go"},
	}
}

// LoadConfig loads .testseq.yaml on top of the defaults. A missing file is not
// an error; an unreadable or malformed one is.
func LoadConfig() (*AppConfig, error) {
	appCfg := Defaults()

	configPath := getConfigPath()
	if configPath == "" {
		return appCfg, nil
	}

	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return appCfg, nil
		}
		return appCfg, fmt.Errorf("read config %s: %w", configPath, err)
	}

	if err := mergeYAML(appCfg, yamlFile); err != nil {
		return Defaults(), fmt.Errorf("parse config %s: %w", configPath, err)
	}
	appCfg.Path = configPath
	return appCfg, nil
}

// mergeYAML overlays the keys present in data onto appCfg. Keys absent from the
// file keep their current values.
func mergeYAML(appCfg *AppConfig, data []byte) error {
	var fileCfg struct {
		Workers       *int     `yaml:"workers"`
		QueueSize     *int     `yaml:"queue_size"`
		Synchronous   *bool    `yaml:"synchronous"`
		OnSinkFailure string   `yaml:"on_sink_failure"`
		ErrorBuffer   *int     `yaml:"error_buffer"`
		Format        string   `yaml:"format"`
		Theme         string   `yaml:"theme"`
		LogLevel      string   `yaml:"log_level"`
		MetricsAddr   string   `yaml:"metrics_addr"`
		Require       []string `yaml:"require"`
		GoTestArgs    []string `yaml:"go_test_args"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if fileCfg.Workers != nil {
		appCfg.Workers = *fileCfg.Workers
	}
	if fileCfg.QueueSize != nil {
		appCfg.QueueSize = *fileCfg.QueueSize
	}
	if fileCfg.Synchronous != nil {
		appCfg.Synchronous = *fileCfg.Synchronous
	}
	if fileCfg.OnSinkFailure != "" {
		appCfg.OnSinkFailure = normalize(fileCfg.OnSinkFailure)
	}
	if fileCfg.ErrorBuffer != nil {
		appCfg.ErrorBuffer = *fileCfg.ErrorBuffer
	}
	if fileCfg.Format != "" {
		appCfg.Format = normalize(fileCfg.Format)
	}
	if fileCfg.Theme != "" {
		appCfg.Theme = normalize(fileCfg.Theme)
	}
	if fileCfg.LogLevel != "" {
		appCfg.LogLevel = normalize(fileCfg.LogLevel)
	}
	if fileCfg.MetricsAddr != "" {
		appCfg.MetricsAddr = strings.TrimSpace(fileCfg.MetricsAddr)
	}
	if fileCfg.Require != nil {
		appCfg.Require = fileCfg.Require
	}
	if fileCfg.GoTestArgs != nil {
		appCfg.GoTestArgs = fileCfg.GoTestArgs
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// getConfigPath tries to find the configuration file.
// It checks the local directory first, then the user config directory.
func getConfigPath() string {
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}

	configHome, err := os.UserConfigDir()
	// An empty or root config home is not usable.
	if err != nil || configHome == "" || configHome == "/" {
		return ""
	}
	xdgPath := filepath.Join(configHome, "testseq", FileName)
	if _, err := os.Stat(xdgPath); err == nil {
		return xdgPath
	}
	return ""
}
