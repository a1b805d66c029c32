package ehrt

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/stacktrace"
)

// ForceDebugEnv turns trace capture on regardless of the configuration.
const ForceDebugEnv = "EHRT_FORCE_DEBUG"

type Config struct {
	// Debug captures a trace for every thrown exception.
	Debug                    bool                   `yaml:"debug"`
	MaxTraceDepth            int                    `yaml:"max_trace_depth"`
	Color                    bool                   `yaml:"color"`
	ExitCode                 int                    `yaml:"exit_code"`
	TrimPrefixes             flagext.StringSliceCSV `yaml:"trim_prefixes"`
	SymbolCacheSize          int                    `yaml:"symbol_cache_size"`
	LoadProcessModules       bool                   `yaml:"load_process_modules"`
	MaxModuleLoadConcurrency int                    `yaml:"max_module_load_concurrency"`
	Demangle                 bool                   `yaml:"demangle"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Debug, "runtime.debug", true, "Capture a stack trace for every thrown exception.")
	f.IntVar(&cfg.MaxTraceDepth, "runtime.max-trace-depth", stacktrace.DefaultMaxDepth, "Maximum number of frames recorded in a stack trace.")
	f.BoolVar(&cfg.Color, "runtime.color", true, "Colour function and file names in rendered stack traces.")
	f.IntVar(&cfg.ExitCode, "runtime.exit-code", fatal.DefaultExitCode, "Exit status of a terminated process.")
	cfg.TrimPrefixes = append(flagext.StringSliceCSV(nil), stacktrace.DefaultTrimPrefixes...)
	f.Var(&cfg.TrimPrefixes, "runtime.trim-prefixes", "Comma separated function name prefixes trimmed from both ends of stack traces.")
	f.IntVar(&cfg.SymbolCacheSize, "runtime.symbol-cache-size", 256, "Number of resolved traces and line tables kept in memory.")
	f.BoolVar(&cfg.LoadProcessModules, "runtime.load-process-modules", true, "Index the symbols of the executable files mapped into the process.")
	f.IntVar(&cfg.MaxModuleLoadConcurrency, "runtime.max-module-load-concurrency", 4, "Maximum number of modules whose symbols are loaded concurrently.")
	f.BoolVar(&cfg.Demangle, "runtime.demangle", true, "Demangle symbol names read from ELF files.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxTraceDepth < 1 {
		return fmt.Errorf("invalid max-trace-depth value, must be positive")
	}
	if cfg.ExitCode < 1 || cfg.ExitCode > 255 {
		return fmt.Errorf("invalid exit-code value %d, must be in [1, 255]", cfg.ExitCode)
	}
	if cfg.SymbolCacheSize < 1 {
		return fmt.Errorf("invalid symbol-cache-size value, must be positive")
	}
	if cfg.MaxModuleLoadConcurrency < 1 {
		return fmt.Errorf("invalid max-module-load-concurrency value, must be positive")
	}
	return nil
}

// DefaultConfig returns the configuration the flags default to.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return cfg
}

// LoadConfig overlays the YAML file at path on cfg. ${VAR} references are
// expanded from the environment first.
func LoadConfig(path string, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	expanded, err := envsubst.EvalEnv(string(buf))
	if err != nil {
		return errors.Wrap(err, "expand environment variables")
	}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func forceDebug() bool {
	v := os.Getenv(ForceDebugEnv)
	return v != "" && v != "0"
}
