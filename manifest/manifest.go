// Package manifest loads verdict.toml, the engine configuration shared by
// the CLI and embedders.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/verdict/pkg/bytecode"
	"github.com/chazu/verdict/scan"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "verdict.toml"

// Defaults for fields left unset.
const (
	DefaultStackSize            = 16384
	DefaultMaxLoopNesting       = 4
	DefaultMaxLoopVars          = 2
	DefaultInternalLoopVars     = 3
	DefaultMaxFunctionArgs      = 128
	DefaultMaxMatchesPerPattern = 1000000
)

// Config represents a parsed verdict.toml file.
type Config struct {
	Engine  Engine         `toml:"engine"`
	Modules Modules        `toml:"modules"`
	Log     Log            `toml:"log"`
	Store   Store          `toml:"store"`
	Defines map[string]any `toml:"defines"`

	// Dir is the directory containing verdict.toml (set by Load).
	Dir string `toml:"-"`
}

// Engine holds interpreter and scan bounds.
type Engine struct {
	StackSize            int      `toml:"stack-size"`
	MaxLoopNesting       int      `toml:"max-loop-nesting"`
	MaxLoopVars          int      `toml:"max-loop-vars"`
	InternalLoopVars     int      `toml:"internal-loop-vars"`
	MaxFunctionArgs      int      `toml:"max-function-args"`
	MaxMatchesPerPattern int      `toml:"max-matches-per-pattern"`
	Timeout              Duration `toml:"timeout"`
	Workers              int      `toml:"workers"`
}

// Modules selects the modules a scanner registers and the data files handed
// to their load hooks.
type Modules struct {
	Enabled []string          `toml:"enabled"`
	Data    map[string]string `toml:"data"`
}

// Log configures the commonlog backend.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Store points at the scan result database. An empty path disables it.
type Store struct {
	Path string `toml:"path"`
}

// Duration decodes TOML strings such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads verdict.toml from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir looking for verdict.toml.
// Returns nil, nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) applyDefaults() {
	e := &c.Engine
	if e.StackSize == 0 {
		e.StackSize = DefaultStackSize
	}
	if e.MaxLoopNesting == 0 {
		e.MaxLoopNesting = DefaultMaxLoopNesting
	}
	if e.MaxLoopVars == 0 {
		e.MaxLoopVars = DefaultMaxLoopVars
	}
	if e.InternalLoopVars == 0 {
		e.InternalLoopVars = DefaultInternalLoopVars
	}
	if e.MaxFunctionArgs == 0 {
		e.MaxFunctionArgs = DefaultMaxFunctionArgs
	}
	if e.MaxMatchesPerPattern == 0 {
		e.MaxMatchesPerPattern = DefaultMaxMatchesPerPattern
	}
	if e.Workers == 0 {
		e.Workers = 4
	}
}

func (c *Config) validate() error {
	e := c.Engine
	for _, f := range []struct {
		name string
		v    int
	}{
		{"stack-size", e.StackSize},
		{"max-loop-nesting", e.MaxLoopNesting},
		{"max-loop-vars", e.MaxLoopVars},
		{"internal-loop-vars", e.InternalLoopVars},
		{"max-function-args", e.MaxFunctionArgs},
		{"max-matches-per-pattern", e.MaxMatchesPerPattern},
		{"workers", e.Workers},
	} {
		if f.v < 0 {
			return fmt.Errorf("engine.%s must not be negative, got %d", f.name, f.v)
		}
	}
	if e.Timeout.Duration < 0 {
		return fmt.Errorf("engine.timeout must not be negative, got %s", e.Timeout.Duration)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived settings
// ---------------------------------------------------------------------------

// Limits returns the program bounds the engine accepts.
func (c *Config) Limits() bytecode.Limits {
	return bytecode.Limits{
		MaxLoopNesting:   c.Engine.MaxLoopNesting,
		MaxLoopVars:      c.Engine.MaxLoopVars,
		InternalLoopVars: c.Engine.InternalLoopVars,
		MaxFunctionArgs:  c.Engine.MaxFunctionArgs,
	}
}

// CheckProgram rejects a program compiled for larger bounds than the engine
// is configured to run.
func (c *Config) CheckProgram(p *bytecode.Program) error {
	l := c.Limits()
	switch {
	case p.Limits.MaxLoopNesting > l.MaxLoopNesting:
		return fmt.Errorf("program loop nesting %d exceeds configured %d", p.Limits.MaxLoopNesting, l.MaxLoopNesting)
	case p.Limits.MemorySlots() > l.MemorySlots():
		return fmt.Errorf("program needs %d memory slots, configured for %d", p.Limits.MemorySlots(), l.MemorySlots())
	case p.Limits.MaxFunctionArgs > l.MaxFunctionArgs:
		return fmt.Errorf("program function arguments %d exceed configured %d", p.Limits.MaxFunctionArgs, l.MaxFunctionArgs)
	}
	return nil
}

// ScanOptions returns the session options for scan.NewScanner.
func (c *Config) ScanOptions() scan.Options {
	return scan.Options{
		StackSize:            c.Engine.StackSize,
		MaxMatchesPerPattern: c.Engine.MaxMatchesPerPattern,
		Timeout:              c.Engine.Timeout.Duration,
	}
}

// ModuleDataPaths returns the module data files as absolute paths, resolved
// against the config directory.
func (c *Config) ModuleDataPaths() map[string]string {
	out := make(map[string]string, len(c.Modules.Data))
	for name, path := range c.Modules.Data {
		out[name] = c.resolve(path)
	}
	return out
}

// StorePath returns the absolute database path, or "" if the store is off.
func (c *Config) StorePath() string {
	if c.Store.Path == "" {
		return ""
	}
	return c.resolve(c.Store.Path)
}

// LogFile returns the absolute log file path, or "" for stderr.
func (c *Config) LogFile() string {
	if c.Log.File == "" {
		return ""
	}
	return c.resolve(c.Log.File)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}
