// Package detector scans recognized statement text for financial entities:
// security identifiers, currency amounts, dates, percentages and account numbers.
//
// Matching is regex based and tolerant of OCR noise. Identifier checksums are not
// validated; consumers that need validity checks run them on the returned values.
package detector

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// Config holds the signal constants. Zero values fall back to DefaultConfig.
type Config struct {
	Base          float64  `yaml:"base"`
	PerMatch      float64  `yaml:"per_match"`
	LengthWeight  float64  `yaml:"length_weight"`
	LengthScale   float64  `yaml:"length_scale"`
	KeywordWeight float64  `yaml:"keyword_weight"`
	MaxKeywords   int      `yaml:"max_keywords"`
	Cap           float64  `yaml:"cap"`
	Currencies    []string `yaml:"currencies"`
	Keywords      []string `yaml:"keywords"`
}

func DefaultConfig() Config {
	return Config{
		Base:          0.10,
		PerMatch:      0.12,
		LengthWeight:  0.20,
		LengthScale:   800,
		KeywordWeight: 0.02,
		MaxKeywords:   10,
		Cap:           0.96,
		Currencies: []string{
			"CHF", "EUR", "USD", "GBP", "JPY", "CAD", "AUD", "SEK", "NOK", "DKK",
			"PLN", "CZK", "HUF", "SGD", "HKD", "CNY", "ZAR", "NZD",
		},
		Keywords: []string{
			"isin", "valor", "portfolio", "statement", "balance", "position", "nominal",
			"quantity", "market value", "price", "interest", "dividend", "coupon",
			"maturity", "custody", "account", "iban", "total", "currency", "valuation",
		},
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()
	if out.Base < 0 {
		out.Base = def.Base
	}
	if out.PerMatch <= 0 {
		out.PerMatch = def.PerMatch
	}
	if out.LengthWeight <= 0 {
		out.LengthWeight = def.LengthWeight
	}
	if out.LengthScale <= 0 {
		out.LengthScale = def.LengthScale
	}
	if out.KeywordWeight <= 0 {
		out.KeywordWeight = def.KeywordWeight
	}
	if out.MaxKeywords <= 0 {
		out.MaxKeywords = def.MaxKeywords
	}
	if out.Cap <= 0 || out.Cap > 1 {
		out.Cap = def.Cap
	}
	if len(out.Currencies) == 0 {
		out.Currencies = def.Currencies
	}
	if len(out.Keywords) == 0 {
		out.Keywords = def.Keywords
	}
	return out
}

// Result is the outcome of one scan.
type Result struct {
	Entities    []domain.Entity
	Signal      float64
	KeywordHits int
}

// Count returns the number of entities of the given type.
func (r Result) Count(entityType domain.EntityType) int {
	n := 0
	for _, e := range r.Entities {
		if e.Type == entityType {
			n++
		}
	}
	return n
}

type rule struct {
	entityType domain.EntityType
	re         *regexp.Regexp
	normalize  func(string) string
	// standalone rejects matches that continue a number to their left.
	standalone bool
}

type Detector struct {
	cfg      Config
	rules    []rule
	keywords []string
}

func New(cfg Config) *Detector {
	cfg = cfg.normalize()

	codes := make([]string, 0, len(cfg.Currencies))
	for _, code := range cfg.Currencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			codes = append(codes, regexp.QuoteMeta(code))
		}
	}
	codeGroup := "(?:" + strings.Join(codes, "|") + ")"
	numeral := `-?(?:\d{1,3}(?:[.,'’]\d{3})+|\d+)(?:[.,]\d{1,2})?`

	keywords := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &Detector{
		cfg: cfg,
		// Order matters: earlier rules win overlapping spans.
		rules: []rule{
			{
				entityType: domain.EntityAccount,
				re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`),
				normalize:  collapseSpaces,
			},
			{
				entityType: domain.EntityIdentifier,
				re:         regexp.MustCompile(`\b[A-Z]{2} ?[A-Z0-9]{9}[0-9]\b`),
				normalize:  collapseSpaces,
			},
			{
				entityType: domain.EntityAmount,
				re:         regexp.MustCompile(`\b` + codeGroup + ` ?` + numeral),
				normalize:  strings.TrimSpace,
			},
			{
				entityType: domain.EntityDate,
				re: regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}[./-]\d{1,2}[./-](?:\d{4}|\d{2})|` +
					`\d{1,2}\.? (?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.? \d{4})\b`),
				normalize: strings.TrimSpace,
			},
			{
				entityType: domain.EntityAmount,
				re:         regexp.MustCompile(`\b` + numeral + ` ?` + codeGroup + `\b`),
				normalize:  strings.TrimSpace,
			},
			{
				entityType: domain.EntityPercentage,
				re:         regexp.MustCompile(`[+-]?\d+(?:[.,]\d+)? ?%`),
				normalize:  func(s string) string { return strings.ReplaceAll(s, " ", "") },
				standalone: true,
			},
		},
		keywords: keywords,
	}
}

// Scan matches all entity classes in text and computes the structural signal.
func (d *Detector) Scan(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}

	var taken []span
	var entities []domain.Entity
	for _, r := range d.rules {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			s := span{start: loc[0], end: loc[1]}
			if r.standalone && continuesNumber(text, loc[0]) {
				continue
			}
			if s.overlapsAny(taken) {
				continue
			}
			taken = append(taken, s)
			entities = append(entities, domain.Entity{
				Type:  r.entityType,
				Value: r.normalize(text[loc[0]:loc[1]]),
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Start < entities[j].Start })

	hits := d.keywordHits(text)
	signal := d.signal(len(entities), len([]rune(text)), hits)
	for i := range entities {
		entities[i].Confidence = signal
	}
	return Result{Entities: entities, Signal: signal, KeywordHits: hits}
}

// Signal is monotonic in match count and text length and never exceeds the cap.
func (d *Detector) signal(matches, length, keywordHits int) float64 {
	if keywordHits > d.cfg.MaxKeywords {
		keywordHits = d.cfg.MaxKeywords
	}
	lengthTerm := d.cfg.LengthWeight * (1 - math.Exp(-float64(length)/d.cfg.LengthScale))
	score := d.cfg.Base +
		d.cfg.PerMatch*math.Log1p(float64(matches)) +
		lengthTerm +
		d.cfg.KeywordWeight*float64(keywordHits)
	return math.Max(0, math.Min(d.cfg.Cap, score))
}

func (d *Detector) keywordHits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range d.keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

func continuesNumber(text string, start int) bool {
	if start == 0 {
		return false
	}
	prev := text[start-1]
	return prev >= '0' && prev <= '9' || prev == '.' || prev == ','
}

type span struct{ start, end int }

func (s span) overlapsAny(others []span) bool {
	for _, o := range others {
		if s.start < o.end && o.start < s.end {
			return true
		}
	}
	return false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}
