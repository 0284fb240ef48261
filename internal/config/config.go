package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-testgen/internal/fastdiv"
	"github.com/23skdu/longbow-testgen/internal/fixture"
	"github.com/23skdu/longbow-testgen/internal/logger"
	"github.com/23skdu/longbow-testgen/internal/refmodel"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

type FastDivConfig struct {
	DomainMax      int64 `yaml:"domain_max"`
	MaxShift       uint  `yaml:"max_shift"`
	MultiplierBits uint  `yaml:"multiplier_bits"`
	// ExtraDivisors are checked in addition to the pooling divisors.
	ExtraDivisors []int64 `yaml:"extra_divisors"`
}

type Config struct {
	OutputDir string `yaml:"output_dir"`
	Format    string `yaml:"format"`
	Workers   int    `yaml:"workers"`

	// Ops restricts generation to the named ops; empty means all.
	Ops    []string `yaml:"ops"`
	DTypes []string `yaml:"dtypes"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsFile string `yaml:"metrics_file"`

	FastDiv FastDivConfig `yaml:"fastdiv"`
}

func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("invalid output_dir: empty")
	}
	if _, err := fixture.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("invalid format: %q (must be json or arrow)", c.Format)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", c.Workers)
	}
	for _, op := range c.Ops {
		if op == fastdiv.Op {
			continue
		}
		if _, err := refmodel.Lookup(refmodel.OpID(op)); err != nil {
			return fmt.Errorf("invalid ops: %w", err)
		}
	}
	if len(c.DTypes) == 0 {
		return fmt.Errorf("invalid dtypes: empty")
	}
	if _, err := c.ElementTypes(); err != nil {
		return err
	}
	if !logger.KnownLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level: %q (must be debug, info, warn or error)", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return c.validateFastDiv()
}

func (c *Config) validateFastDiv() error {
	if err := c.Generator().Validate(); err != nil {
		return fmt.Errorf("invalid fastdiv: %w", err)
	}
	for _, d := range c.FastDiv.ExtraDivisors {
		if d < 1 {
			return fmt.Errorf("invalid fastdiv extra_divisors: %d (must be positive)", d)
		}
	}
	return nil
}

// ElementTypes parses DTypes in order, dropping repeats.
func (c *Config) ElementTypes() ([]tensor.DType, error) {
	var out []tensor.DType
	seen := make(map[tensor.DType]bool)
	for _, s := range c.DTypes {
		d, err := tensor.ParseDType(s)
		if err != nil {
			return nil, fmt.Errorf("invalid dtypes: %w", err)
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *Config) OutputFormat() fixture.Format {
	f, _ := fixture.ParseFormat(c.Format)
	return f
}

func (c *Config) Generator() fastdiv.Generator {
	return fastdiv.Generator{
		DomainMax:      c.FastDiv.DomainMax,
		MaxShift:       c.FastDiv.MaxShift,
		MultiplierBits: c.FastDiv.MultiplierBits,
	}
}

// Selected reports whether op is enabled.
func (c *Config) Selected(op string) bool {
	if len(c.Ops) == 0 {
		return true
	}
	for _, o := range c.Ops {
		if o == op {
			return true
		}
	}
	return false
}

func Default() Config {
	g := fastdiv.DefaultGenerator()
	return Config{
		OutputDir: "fixtures",
		Format:    string(fixture.FormatJSON),
		Workers:   1,
		DTypes:    []string{"float32"},
		LogLevel:  "info",
		LogFormat: "console",
		FastDiv: FastDivConfig{
			DomainMax:      g.DomainMax,
			MaxShift:       g.MaxShift,
			MultiplierBits: g.MultiplierBits,
			ExtraDivisors:  []int64{1, 64},
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected so a
// typo cannot silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
