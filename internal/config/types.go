package config

import (
	"fmt"
	"time"
)

// Config represents the complete calcflow configuration. It is loaded once
// and passed by value into every component that needs it.
type Config struct {
	Include     []string                    `yaml:"include,omitempty" toml:"include"`
	Service     ServiceConfig               `yaml:"service" toml:"service"`
	Scratch     ScratchConfig               `yaml:"scratch" toml:"scratch"`
	Archive     ArchiveConfig               `yaml:"archive" toml:"archive"`
	Run         RunConfig                   `yaml:"run" toml:"run"`
	Store       StoreConfig                 `yaml:"store" toml:"store"`
	Engine      EngineConfig                `yaml:"engine" toml:"engine"`
	API         APIConfig                   `yaml:"api" toml:"api"`
	Calculators map[string]CalculatorConfig `yaml:"calculators" toml:"calculators"`

	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-" toml:"-"`
}

// ServiceConfig defines logging settings.
type ServiceConfig struct {
	Name      string `yaml:"name" toml:"name"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// ScratchConfig defines where runs execute.
type ScratchConfig struct {
	Dir      string `yaml:"dir" toml:"dir"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	LinkName string `yaml:"link_name" toml:"link_name"`
	Keep     bool   `yaml:"keep" toml:"keep"`
}

// ArchiveConfig defines how scratch output is copied back.
type ArchiveConfig struct {
	Gzip         bool     `yaml:"gzip" toml:"gzip"`
	MinGzipBytes int64    `yaml:"min_gzip_bytes" toml:"min_gzip_bytes"`
	KeepPlain    []string `yaml:"keep_plain" toml:"keep_plain"`
}

// RunConfig holds run defaults that jobs may override.
type RunConfig struct {
	ResultsRoot      string   `yaml:"results_root" toml:"results_root"`
	Fmax             float64  `yaml:"fmax" toml:"fmax"`
	MaxSteps         int      `yaml:"max_steps" toml:"max_steps"`
	Optimizer        string   `yaml:"optimizer" toml:"optimizer"`
	CheckConvergence bool     `yaml:"check_convergence" toml:"check_convergence"`
	Properties       []string `yaml:"properties" toml:"properties"`
}

// StoreConfig defines document persistence. An empty path keeps documents
// in memory for the life of the process.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// EngineConfig selects how batches of jobs execute.
type EngineConfig struct {
	Kind    string `yaml:"kind" toml:"kind"` // serial | pool
	Workers int    `yaml:"workers" toml:"workers"`
}

// APIConfig defines HTTP API server settings. An empty Token leaves the
// read-only API unauthenticated.
type APIConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
	Token  string `yaml:"token,omitempty" toml:"token"`
}

// CalculatorConfig defines one named calculator.
type CalculatorConfig struct {
	Kind    string            `yaml:"kind" toml:"kind"` // lj | xtb | orca | gaussian | gulp | protocol
	Command string            `yaml:"command,omitempty" toml:"command"`
	Args    []string          `yaml:"args,omitempty" toml:"args"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env"`
	Timeout Duration          `yaml:"timeout,omitempty" toml:"timeout"`
	Stdout  string            `yaml:"stdout,omitempty" toml:"stdout"` // copy of in-memory stdout, relative to the run dir
	Params  Params            `yaml:"params,omitempty" toml:"params"`
}

// Duration is a time.Duration that decodes from strings like "90s" in both
// YAML and TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Calculator kinds.
const (
	KindLJ       = "lj"
	KindXTB      = "xtb"
	KindORCA     = "orca"
	KindGaussian = "gaussian"
	KindGULP     = "gulp"
	KindProtocol = "protocol"
)

// Engine kinds.
const (
	EngineSerial = "serial"
	EnginePool   = "pool"
)

// DefaultCalculatorTimeout bounds external programs without a timeout.
const DefaultCalculatorTimeout = 2 * time.Hour

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "calcflow",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Scratch: ScratchConfig{
			Prefix:   "calcflow-",
			LinkName: "scratch",
		},
		Archive: ArchiveConfig{
			Gzip:         true,
			MinGzipBytes: 1 << 20,
			KeepPlain:    []string{"*.log", "*.out", "*.json", "*.xyz", "*.traj"},
		},
		Run: RunConfig{
			ResultsRoot:      "./results",
			Fmax:             0.01,
			MaxSteps:         1000,
			Optimizer:        "bfgs",
			CheckConvergence: true,
			Properties:       []string{"energy", "forces"},
		},
		Store: StoreConfig{
			Path: "./data/calcflow.db",
		},
		Engine: EngineConfig{
			Kind:    EngineSerial,
			Workers: 1,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Calculators: map[string]CalculatorConfig{
			"lj": {Kind: KindLJ},
		},
	}
}
