// Package config loads the calcflow configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. The format follows the
// extension: .toml is TOML, anything else YAML. Files listed under include
// contribute calculators; entries in the including file win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath, err = findInDir(absPath)
		if err != nil {
			return nil, err
		}
	}

	cfg := Defaults()
	if err := DecodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findInDir(dir string) (string, error) {
	for _, name := range []string{"calcflow.yaml", "calcflow.yml", "calcflow.toml", "config.yaml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("directory provided but no calcflow.yaml, calcflow.toml or config.yaml found in %s", dir)
}

// DiscoverConfigPath finds a config file by checking standard locations:
// $CALCFLOW_CONFIG, ./calcflow.yaml, ./calcflow.toml,
// ~/.config/calcflow/calcflow.yaml. It returns "" when none exists.
func DiscoverConfigPath() string {
	candidates := []string{os.Getenv("CALCFLOW_CONFIG"), "calcflow.yaml", "calcflow.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "calcflow", "calcflow.yaml"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// DecodeFile reads path, interpolates ${VAR} references and decodes it into
// out by extension.
func DecodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return DecodeBytes(path, []byte(interpolateEnv(string(data))), out)
}

// DecodeBytes decodes YAML or TOML chosen by the extension of name.
func DecodeBytes(name string, data []byte, out any) error {
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		if _, err := toml.Decode(string(data), out); err != nil {
			return fmt.Errorf("failed to parse TOML in %s: %w", name, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", name, err)
	}
	return nil
}

// loadIncludes recursively loads calculators from included files.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}

		var partial struct {
			Include     []string                    `yaml:"include" toml:"include"`
			Calculators map[string]CalculatorConfig `yaml:"calculators" toml:"calculators"`
		}
		if err := DecodeFile(absPath, &partial); err != nil {
			return err
		}
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		if cfg.Calculators == nil {
			cfg.Calculators = make(map[string]CalculatorConfig)
		}
		for name, cc := range partial.Calculators {
			if _, exists := cfg.Calculators[name]; !exists {
				cfg.Calculators[name] = cc
			}
		}

		if len(partial.Include) > 0 {
			if err := loadIncludes(cfg, partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with its environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Scratch.Prefix == "" {
		cfg.Scratch.Prefix = d.Scratch.Prefix
	}
	if cfg.Run.Optimizer == "" {
		cfg.Run.Optimizer = d.Run.Optimizer
	}
	cfg.Run.Optimizer = strings.ToLower(cfg.Run.Optimizer)
	if len(cfg.Run.Properties) == 0 {
		cfg.Run.Properties = d.Run.Properties
	}
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = d.Engine.Kind
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 1
	}
	for name, cc := range cfg.Calculators {
		if cc.Kind != KindLJ && cc.Timeout == 0 {
			cc.Timeout = Duration(DefaultCalculatorTimeout)
		}
		cfg.Calculators[name] = cc
	}
	return cfg
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if strings.ContainsAny(cfg.Scratch.Prefix, `/\`) {
		return fmt.Errorf("scratch.prefix must not contain path separators")
	}
	if strings.ContainsAny(cfg.Scratch.LinkName, `/\`) {
		return fmt.Errorf("scratch.link_name must not contain path separators")
	}
	if err := unresolved("scratch.dir", cfg.Scratch.Dir); err != nil {
		return err
	}

	if cfg.Archive.MinGzipBytes < 0 {
		return fmt.Errorf("archive.min_gzip_bytes must not be negative")
	}

	if cfg.Run.Fmax <= 0 {
		return fmt.Errorf("run.fmax must be positive")
	}
	if cfg.Run.MaxSteps <= 0 {
		return fmt.Errorf("run.max_steps must be positive")
	}
	if cfg.Run.Optimizer != "bfgs" && cfg.Run.Optimizer != "fire" {
		return fmt.Errorf("run.optimizer must be bfgs or fire (got %q)", cfg.Run.Optimizer)
	}
	for _, p := range cfg.Run.Properties {
		switch p {
		case "energy", "forces", "stress", "magmoms", "dipole":
		default:
			return fmt.Errorf("run.properties: unknown property %q", p)
		}
	}

	if err := unresolved("store.path", cfg.Store.Path); err != nil {
		return err
	}

	if err := unresolved("api.token", cfg.API.Token); err != nil {
		return err
	}

	switch cfg.Engine.Kind {
	case EngineSerial, EnginePool:
	default:
		return fmt.Errorf("engine.kind must be serial or pool (got %q)", cfg.Engine.Kind)
	}

	for name, cc := range cfg.Calculators {
		if err := validateCalculator(name, cc); err != nil {
			return err
		}
	}
	return nil
}

func validateCalculator(name string, cc CalculatorConfig) error {
	switch cc.Kind {
	case KindLJ:
		return nil
	case KindXTB, KindORCA, KindGaussian, KindGULP, KindProtocol:
		if strings.TrimSpace(cc.Command) == "" {
			return fmt.Errorf("calculators.%s.command is required for kind %s", name, cc.Kind)
		}
		if err := unresolved(fmt.Sprintf("calculators.%s.command", name), cc.Command); err != nil {
			return err
		}
		for k, v := range cc.Env {
			if err := unresolved(fmt.Sprintf("calculators.%s.env.%s", name, k), v); err != nil {
				return err
			}
		}
		if strings.ContainsAny(cc.Stdout, `/\`) {
			return fmt.Errorf("calculators.%s.stdout must be a file name", name)
		}
		if cc.Timeout < 0 {
			return fmt.Errorf("calculators.%s.timeout must not be negative", name)
		}
		return nil
	default:
		return fmt.Errorf("calculators.%s.kind %q is not one of lj, xtb, orca, gaussian, gulp, protocol", name, cc.Kind)
	}
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
