package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-infini/internal/attention"
)

type Config struct {
	SegmentSize int  `yaml:"segment_size"`
	EmbedDim    int  `yaml:"embed_dim"`
	VocabSize   int  `yaml:"vocab_size"`
	Heads       int  `yaml:"num_heads"`
	UseDevice   bool `yaml:"use_device_backend"`

	Adapter           string `yaml:"adapter"`
	DeviceWorkers     int    `yaml:"device_workers"`
	DeviceMemoryLimit int64  `yaml:"device_memory_limit"`

	// Gates holds the raw gate parameter per head; missing heads start at 0.
	Gates []float32 `yaml:"gates"`
	Seed  int64     `yaml:"seed"`

	EmbeddingsPath string `yaml:"embeddings"`
	VocabPath      string `yaml:"vocab"`
	NativePDF      bool   `yaml:"native_pdf"`

	CheckNumerics bool `yaml:"check_numerics"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	DumpPath    string `yaml:"dump_path"`
	FlightAddr  string `yaml:"flight_addr"`
}

func (c *Config) Validate() error {
	if c.SegmentSize <= 0 {
		return invalid("invalid segment_size: %d (must be positive)", c.SegmentSize)
	}
	if c.EmbedDim <= 0 {
		return invalid("invalid embed_dim: %d (must be positive)", c.EmbedDim)
	}
	if c.EmbedDim%3 != 0 {
		return invalid("invalid embed_dim: %d (must be divisible by 3)", c.EmbedDim)
	}
	if c.VocabSize <= 0 {
		return invalid("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.Heads <= 0 {
		return invalid("invalid num_heads: %d (must be positive)", c.Heads)
	}
	if len(c.Gates) > c.Heads {
		return invalid("invalid gates: %d values for %d heads", len(c.Gates), c.Heads)
	}
	for i, g := range c.Gates {
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
			return invalid("invalid gates[%d]: %v (must be finite)", i, g)
		}
	}
	if c.DeviceWorkers < 0 {
		return invalid("invalid device_workers: %d (must be non-negative)", c.DeviceWorkers)
	}
	if c.DeviceMemoryLimit < 0 {
		return invalid("invalid device_memory_limit: %d (must be non-negative)", c.DeviceMemoryLimit)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", attention.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// Dims derives the attention dimensions. Call after Validate.
func (c *Config) Dims() (attention.Dims, error) {
	return attention.NewDims(c.EmbedDim, c.Heads)
}

// RawGate returns the initial raw gate parameter for head h.
func (c *Config) RawGate(h int) float32 {
	if h < len(c.Gates) {
		return c.Gates[h]
	}
	return 0
}

func (c *Config) Backend() string {
	if c.UseDevice {
		return "device"
	}
	return "cpu"
}

func (c *Config) GetAdapter() string {
	if c.Adapter == "" {
		return "auto"
	}
	return strings.ToLower(c.Adapter)
}

func Default() Config {
	return Config{
		SegmentSize:   16,
		EmbedDim:      12,
		VocabSize:     10000,
		Heads:         1,
		Adapter:       "auto",
		Seed:          1,
		CheckNumerics: true,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads a YAML file on top of Default. A missing file is an error;
// callers that treat the file as optional should check os.IsNotExist.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
