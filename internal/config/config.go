package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"treeline/internal/layout"
	"treeline/internal/model"
	"treeline/internal/progress"
)

// Config models treeline.yml.
type Config struct {
	Product struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"product"`
	Weights struct {
		Critical float64 `yaml:"critical"`
		High     float64 `yaml:"high"`
		Medium   float64 `yaml:"medium"`
		Low      float64 `yaml:"low"`
	} `yaml:"weights"`
	Layout struct {
		HorizontalSpacing float64             `yaml:"horizontal_spacing"`
		VerticalSpacing   float64             `yaml:"vertical_spacing"`
		Sizes             map[string]NodeSize `yaml:"sizes"`
	} `yaml:"layout"`
}

type NodeSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

var levelOrder = []model.Level{model.LevelProduct, model.LevelDomain, model.LevelFeature, model.LevelSubtask}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Product.ID == "" {
		return fmt.Errorf("config.product.id is required")
	}
	for name, w := range map[string]float64{
		"critical": c.Weights.Critical,
		"high":     c.Weights.High,
		"medium":   c.Weights.Medium,
		"low":      c.Weights.Low,
	} {
		if w < 0 {
			return fmt.Errorf("config.weights.%s must not be negative", name)
		}
	}
	if c.Layout.HorizontalSpacing < 0 || c.Layout.VerticalSpacing < 0 {
		return fmt.Errorf("config.layout spacing must not be negative")
	}
	if len(c.Layout.Sizes) > 0 {
		prev := NodeSize{}
		for i, level := range levelOrder {
			size, ok := c.Layout.Sizes[string(level)]
			if !ok {
				return fmt.Errorf("config.layout.sizes missing level %s", level)
			}
			if size.Width <= 0 || size.Height <= 0 {
				return fmt.Errorf("config.layout.sizes.%s must be positive", level)
			}
			if i > 0 && (size.Width >= prev.Width || size.Height >= prev.Height) {
				return fmt.Errorf("config.layout.sizes must strictly decrease from product to subtask; %s is not smaller", level)
			}
			prev = size
		}
	}
	return nil
}

// Geometry returns the layout geometry, falling back to the engine defaults
// for any unset section.
func (c *Config) Geometry() layout.Geometry {
	g := layout.Geometry{
		HorizontalSpacing: c.Layout.HorizontalSpacing,
		VerticalSpacing:   c.Layout.VerticalSpacing,
	}
	if len(c.Layout.Sizes) > 0 {
		g.Sizes = map[model.Level]layout.Size{}
		for level, size := range c.Layout.Sizes {
			g.Sizes[model.Level(level)] = layout.Size{Width: size.Width, Height: size.Height}
		}
	}
	return layout.NewEngine(g).Geometry
}

// PriorityWeights returns the weight map for weighted scoring.
func (c *Config) PriorityWeights() progress.Weights {
	return progress.Weights{
		model.PriorityCritical: c.Weights.Critical,
		model.PriorityHigh:     c.Weights.High,
		model.PriorityMedium:   c.Weights.Medium,
		model.PriorityLow:      c.Weights.Low,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "treeline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl product config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a product.
func Default(productID string) *Config {
	var cfg Config
	cfg.Product.ID = productID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, productID, productID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(productID string) string {
	return fmt.Sprintf(defaultTemplate, productID, productID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `product:
  id: %s
  name: %s

weights:
  critical: 1.5
  high: 1.2
  medium: 1.0
  low: 0.5

layout:
  horizontal_spacing: 280
  vertical_spacing: 140
  sizes:
    product:
      width: 260
      height: 120
    domain:
      width: 220
      height: 104
    feature:
      width: 180
      height: 88
    subtask:
      width: 140
      height: 72
`
