package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/statement-extractor/internal/core/detector"
)

// Config bundles every tunable constant of the pipeline heuristics.
type Config struct {
	Detector  detector.Config `yaml:"detector"`
	Page      PageConfig      `yaml:"page"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Accuracy  AccuracyConfig  `yaml:"accuracy"`
	Learning  LearningConfig  `yaml:"learning"`
}

// LearningConfig tunes how annotations turn into pattern boosts.
type LearningConfig struct {
	TableBoost        float64 `yaml:"table_boost"`
	StrengthenStep    float64 `yaml:"strengthen_step"`
	MaxBoost          float64 `yaml:"max_boost"`
	RelationshipBoost float64 `yaml:"relationship_boost"`
	CorrectionBoost   float64 `yaml:"correction_boost"`
	ValueRangeSpread  float64 `yaml:"value_range_spread"`
}

func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		TableBoost:        0.05,
		StrengthenStep:    0.01,
		MaxBoost:          0.15,
		RelationshipBoost: 0.02,
		CorrectionBoost:   0.03,
		ValueRangeSpread:  0.5,
	}
}

func DefaultConfig() Config {
	return Config{
		Detector:  detector.DefaultConfig(),
		Page:      DefaultPageConfig(),
		Aggregate: DefaultAggregateConfig(),
		Accuracy:  DefaultAccuracyConfig(),
		Learning:  DefaultLearningConfig(),
	}
}

// LoadFile overlays a YAML file on the defaults. An empty path returns the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read scoring config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse scoring config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	acc := c.Accuracy
	if acc.Floor < 0 || acc.Ceiling > 1 || acc.Floor > acc.Ceiling {
		return fmt.Errorf("accuracy bounds must satisfy 0 <= floor <= ceiling <= 1, got floor=%.2f ceiling=%.2f", acc.Floor, acc.Ceiling)
	}
	if acc.Initial < acc.Floor || acc.Initial > acc.Ceiling {
		return fmt.Errorf("accuracy initial %.2f outside [%.2f, %.2f]", acc.Initial, acc.Floor, acc.Ceiling)
	}
	for name, profile := range map[string]MethodProfile{
		"vision":            c.Page.Vision,
		"raw_text":          c.Page.RawText,
		"raw_text_fallback": c.Page.RawFallback,
	} {
		if profile.Ceiling <= 0 || profile.Ceiling > 1 {
			return fmt.Errorf("page %s ceiling must be in (0, 1], got %.2f", name, profile.Ceiling)
		}
	}
	return nil
}
