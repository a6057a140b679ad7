package domain

import (
	"strconv"
	"strings"
	"time"
)

type PatternKind string

const (
	PatternTable             PatternKind = "table"
	PatternFieldRelationship PatternKind = "field_relationship"
	PatternCorrection        PatternKind = "correction"
)

// Matcher selects the entities a table pattern applies to. Empty criteria are ignored;
// at least one must be set for the pattern to match anything.
type Matcher struct {
	EntityType       EntityType `json:"entity_type,omitempty"`
	IdentifierPrefix string     `json:"identifier_prefix,omitempty"`
	NameRegex        string     `json:"name_regex,omitempty"`
	MinValue         *float64   `json:"min_value,omitempty"`
	MaxValue         *float64   `json:"max_value,omitempty"`
}

type Relationship struct {
	SourceType EntityType `json:"source_type"`
	TargetType EntityType `json:"target_type"`
	Relation   string     `json:"relation,omitempty"`
}

type Correction struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
}

type Pattern struct {
	ID               string        `json:"id"`
	Kind             PatternKind   `json:"kind"`
	Matcher          Matcher       `json:"matcher"`
	Relationship     *Relationship `json:"relationship,omitempty"`
	Correction       *Correction   `json:"correction,omitempty"`
	ConfidenceBoost  float64       `json:"confidence_boost"`
	UsageCount       int           `json:"usage_count"`
	SourceDocumentID string        `json:"source_document_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Key identifies patterns that teach the same thing. Stores keep one pattern per key.
func (p Pattern) Key() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	b.WriteByte('|')
	switch p.Kind {
	case PatternCorrection:
		if p.Correction != nil {
			b.WriteString(p.Correction.Original + "|" + p.Correction.Corrected)
		}
	case PatternFieldRelationship:
		if p.Relationship != nil {
			b.WriteString(string(p.Relationship.SourceType) + "|" + string(p.Relationship.TargetType) + "|" + p.Relationship.Relation)
		}
	default:
		m := p.Matcher
		b.WriteString(string(m.EntityType) + "|" + strings.ToUpper(m.IdentifierPrefix) + "|" + m.NameRegex)
		b.WriteString("|" + formatBound(m.MinValue) + "|" + formatBound(m.MaxValue))
	}
	return b.String()
}

func formatBound(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Reinforcement is applied to a stored pattern that is taught again: usage grows by
// one and the boost by Step, capped at MaxBoost.
type Reinforcement struct {
	Step     float64
	MaxBoost float64
	At       time.Time
}

type AnnotationType string

const (
	AnnotationHeader       AnnotationType = "header"
	AnnotationDataRow      AnnotationType = "data_row"
	AnnotationConnection   AnnotationType = "connection"
	AnnotationRelationship AnnotationType = "relationship"
	AnnotationCorrection   AnnotationType = "correction"
	AnnotationHighlight    AnnotationType = "highlight"
)

type Coordinates struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Annotation struct {
	Type        AnnotationType `json:"type"`
	Coordinates Coordinates    `json:"coordinates"`
	Value       string         `json:"value,omitempty"`
	Original    string         `json:"original,omitempty"`
	Corrected   string         `json:"corrected,omitempty"`
	SourceField string         `json:"source_field,omitempty"`
	TargetField string         `json:"target_field,omitempty"`
	Confidence  float64        `json:"confidence"`
}

type AccuracyEstimate struct {
	Value          float64   `json:"value"`
	Initial        float64   `json:"initial"`
	Floor          float64   `json:"floor"`
	Ceiling        float64   `json:"ceiling"`
	PatternCount   int       `json:"pattern_count"`
	LearningEvents int       `json:"learning_events"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type LearningOutcome struct {
	DocumentID           string   `json:"document_id"`
	PatternsCreated      int      `json:"patterns_created"`
	PatternsStrengthened int      `json:"patterns_strengthened"`
	PatternIDs           []string `json:"pattern_ids"`
	Skipped              int      `json:"skipped"`
	AccuracyBefore       float64  `json:"accuracy_before"`
	AccuracyAfter        float64  `json:"accuracy_after"`
	AccuracyDelta        float64  `json:"accuracy_delta"`
}

// PageEvidence feeds the page confidence scorer.
type PageEvidence struct {
	Method         RecognitionMethod
	ServiceSignal  float64
	DetectorSignal float64
	TextLength     int
}

// AccuracyEvidence feeds the system accuracy scorer.
type AccuracyEvidence struct {
	PatternCount   int
	LearningEvents int
	Previous       float64
}

// AggregateEvidence feeds the document-level confidence scorer.
type AggregateEvidence struct {
	Pages []ExtractedPage
}

// AnnotationBatch is the queued form of an ingestAnnotations call.
type AnnotationBatch struct {
	DocumentID  string       `json:"document_id"`
	Annotations []Annotation `json:"annotations"`
}
