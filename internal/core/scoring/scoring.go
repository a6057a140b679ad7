// Package scoring holds the tunable heuristics behind page confidence, document
// aggregate confidence and the system accuracy estimate.
package scoring

import (
	"math"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// MethodProfile weights the evidence for one recognition method.
type MethodProfile struct {
	Prior          float64 `yaml:"prior"`
	ServiceWeight  float64 `yaml:"service_weight"`
	DetectorWeight float64 `yaml:"detector_weight"`
	LengthWeight   float64 `yaml:"length_weight"`
	Ceiling        float64 `yaml:"ceiling"`
}

type PageConfig struct {
	Vision         MethodProfile `yaml:"vision"`
	RawText        MethodProfile `yaml:"raw_text"`
	RawFallback    MethodProfile `yaml:"raw_text_fallback"`
	Floor          float64       `yaml:"floor"`
	LengthScale    float64       `yaml:"length_scale"`
	MinTextLength  int           `yaml:"min_text_length"`
	ShortTextScale float64       `yaml:"short_text_scale"`
}

func DefaultPageConfig() PageConfig {
	return PageConfig{
		Vision:         MethodProfile{Prior: 0.85, ServiceWeight: 0.50, DetectorWeight: 0.35, LengthWeight: 0.15, Ceiling: 0.98},
		RawText:        MethodProfile{Prior: 0.60, ServiceWeight: 0.40, DetectorWeight: 0.40, LengthWeight: 0.20, Ceiling: 0.80},
		RawFallback:    MethodProfile{Prior: 0.50, ServiceWeight: 0.40, DetectorWeight: 0.40, LengthWeight: 0.20, Ceiling: 0.70},
		Floor:          0.05,
		LengthScale:    600,
		MinTextLength:  20,
		ShortTextScale: 0.5,
	}
}

// PageConfidence scores one extracted page.
type PageConfidence struct {
	cfg PageConfig
}

func NewPageConfidence(cfg PageConfig) *PageConfidence {
	return &PageConfidence{cfg: cfg}
}

func (p *PageConfidence) Floor() float64 { return clamp01(p.cfg.Floor) }

// Prior returns the service signal assumed for methods without an external service.
func (p *PageConfidence) Prior(method domain.RecognitionMethod) float64 {
	profile, ok := p.profile(method)
	if !ok {
		return 0
	}
	return profile.Prior
}

func (p *PageConfidence) Score(ev domain.PageEvidence) float64 {
	profile, ok := p.profile(ev.Method)
	if !ok {
		return p.Floor()
	}

	service := ev.ServiceSignal
	if service <= 0 {
		service = profile.Prior
	}
	lengthFactor := 0.0
	if p.cfg.LengthScale > 0 {
		lengthFactor = 1 - math.Exp(-float64(ev.TextLength)/p.cfg.LengthScale)
	}

	score := profile.ServiceWeight*clamp01(service) +
		profile.DetectorWeight*clamp01(ev.DetectorSignal) +
		profile.LengthWeight*lengthFactor
	if ev.TextLength < p.cfg.MinTextLength {
		score *= p.cfg.ShortTextScale
	}
	score = math.Min(score, profile.Ceiling)
	return math.Max(p.Floor(), clamp01(score))
}

func (p *PageConfidence) profile(method domain.RecognitionMethod) (MethodProfile, bool) {
	switch method {
	case domain.MethodVision:
		return p.cfg.Vision, true
	case domain.MethodRawText:
		return p.cfg.RawText, true
	case domain.MethodRawTextFallback:
		return p.cfg.RawFallback, true
	default:
		return MethodProfile{}, false
	}
}

type AggregateConfig struct {
	DensityWeight float64 `yaml:"density_weight"`
	DensityUnit   int     `yaml:"density_unit"`
	MaxDensity    float64 `yaml:"max_density"`
}

func DefaultAggregateConfig() AggregateConfig {
	return AggregateConfig{DensityWeight: 1.0, DensityUnit: 500, MaxDensity: 2.0}
}

// Aggregate computes the document confidence as a weighted mean where pages with a
// higher entity and pattern-match density weigh more.
type Aggregate struct {
	cfg AggregateConfig
}

func NewAggregate(cfg AggregateConfig) *Aggregate {
	return &Aggregate{cfg: cfg}
}

func (a *Aggregate) Score(ev domain.AggregateEvidence) float64 {
	if len(ev.Pages) == 0 {
		return 0
	}
	var sum, weights float64
	for _, page := range ev.Pages {
		w := 1 + a.cfg.DensityWeight*a.density(page)
		sum += w * clamp01(page.Confidence)
		weights += w
	}
	return clamp01(sum / weights)
}

func (a *Aggregate) density(page domain.ExtractedPage) float64 {
	matches := len(page.Entities) + len(page.AppliedPatterns)
	if matches == 0 {
		return 0
	}
	unit := a.cfg.DensityUnit
	if unit <= 0 {
		unit = 500
	}
	units := float64(len(page.Text))/float64(unit) + 1
	return math.Min(a.cfg.MaxDensity, float64(matches)/units)
}

type AccuracyConfig struct {
	Initial float64 `yaml:"initial"`
	Floor   float64 `yaml:"floor"`
	Ceiling float64 `yaml:"ceiling"`
	Gain    float64 `yaml:"gain"`
	Scale   float64 `yaml:"scale"`
}

func DefaultAccuracyConfig() AccuracyConfig {
	return AccuracyConfig{Initial: 0.70, Floor: 0.50, Ceiling: 0.95, Gain: 0.25, Scale: 40}
}

// AccuracyCurve maps accumulated patterns to a bounded accuracy estimate with
// diminishing returns. It never goes below the previous value.
type AccuracyCurve struct {
	cfg AccuracyConfig
}

func NewAccuracyCurve(cfg AccuracyConfig) *AccuracyCurve {
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = cfg.Floor
	}
	return &AccuracyCurve{cfg: cfg}
}

func (c *AccuracyCurve) Config() AccuracyConfig { return c.cfg }

func (c *AccuracyCurve) Score(ev domain.AccuracyEvidence) float64 {
	gain := 0.0
	if c.cfg.Scale > 0 && ev.PatternCount > 0 {
		gain = c.cfg.Gain * (1 - math.Exp(-float64(ev.PatternCount)/c.cfg.Scale))
	}
	value := math.Max(c.cfg.Initial+gain, ev.Previous)
	return math.Max(c.cfg.Floor, math.Min(c.cfg.Ceiling, value))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
