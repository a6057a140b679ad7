package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/statement-extractor/internal/core/detector"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
	"github.com/kirillkom/statement-extractor/internal/core/scoring"
)

// AccuracyScorer is the accuracy curve together with its bounds.
type AccuracyScorer interface {
	ports.Scorer[domain.AccuracyEvidence]
	Config() scoring.AccuracyConfig
}

type LearningOptions struct {
	Config scoring.LearningConfig
	// SyncInterval bounds how often Sync re-reads state written by other processes
	// sharing the repository. Zero syncs on every call; negative disables Sync.
	SyncInterval time.Duration
	Logger       *slog.Logger
	Observer     ports.PipelineObserver
	Now          func() time.Time
}

// LearningCoordinator turns annotations into patterns and keeps the process-wide
// accuracy estimate. Ingests are serialized.
type LearningCoordinator struct {
	store    *PatternStore
	repo     ports.PatternRepository
	curve    AccuracyScorer
	detector *detector.Detector
	cfg      scoring.LearningConfig
	logger   *slog.Logger
	observer ports.PipelineObserver
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	lastSync time.Time

	statsMu  sync.RWMutex
	estimate domain.AccuracyEstimate
}

func NewLearningCoordinator(
	store *PatternStore,
	repo ports.PatternRepository,
	curve AccuracyScorer,
	det *detector.Detector,
	opts LearningOptions,
) *LearningCoordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	bounds := curve.Config()
	return &LearningCoordinator{
		store:    store,
		repo:     repo,
		curve:    curve,
		detector: det,
		cfg:      opts.Config,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		interval: opts.SyncInterval,
		estimate: domain.AccuracyEstimate{
			Value:   bounds.Initial,
			Initial: bounds.Initial,
			Floor:   bounds.Floor,
			Ceiling: bounds.Ceiling,
		},
	}
}

// Load moves the coordinator from Empty to Ready: patterns first, then the stored
// accuracy, re-clamped to the configured bounds.
func (c *LearningCoordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Load(ctx); err != nil {
		return err
	}

	stored, found, err := c.repo.LoadAccuracy(ctx)
	if err != nil {
		if !domain.IsKind(err, domain.ErrPatternStoreCorruption) {
			return fmt.Errorf("load accuracy: %w", err)
		}
		c.logger.Error("accuracy_stats_corrupted", "error", err, "action", "recompute")
		found = false
	}

	bounds := c.curve.Config()
	previous := 0.0
	events := 0
	if found {
		previous = stored.Value
		events = stored.LearningEvents
	}
	estimate := domain.AccuracyEstimate{
		Initial:        bounds.Initial,
		Floor:          bounds.Floor,
		Ceiling:        bounds.Ceiling,
		PatternCount:   c.store.Count(),
		LearningEvents: events,
		UpdatedAt:      stored.UpdatedAt,
	}
	estimate.Value = c.curve.Score(domain.AccuracyEvidence{
		PatternCount:   estimate.PatternCount,
		LearningEvents: events,
		Previous:       math.Min(previous, bounds.Ceiling),
	})

	if !found || estimate.Value != stored.Value || estimate.PatternCount != stored.PatternCount {
		estimate.UpdatedAt = c.now()
		if err := c.repo.SaveAccuracy(ctx, estimate); err != nil {
			return fmt.Errorf("save accuracy: %w", err)
		}
	}

	c.statsMu.Lock()
	c.estimate = estimate
	c.statsMu.Unlock()
	c.lastSync = c.now()
	c.observer.ObserveLearning(estimate.PatternCount, estimate.Value)
	return nil
}

// Sync pulls patterns and accuracy written by other processes sharing the
// repository, at most once per SyncInterval. Failures keep the current state.
func (c *LearningCoordinator) Sync(ctx context.Context) {
	if c.interval < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interval > 0 && !c.lastSync.IsZero() && c.now().Sub(c.lastSync) < c.interval {
		return
	}
	if _, err := c.syncLocked(ctx); err != nil {
		c.logger.Warn("learning_sync_failed", "error", err)
		return
	}
	estimate := c.Estimate()
	c.observer.ObserveLearning(estimate.PatternCount, estimate.Value)
}

// syncLocked refreshes the pattern snapshot and merges the stored accuracy into
// the in-memory estimate. The estimate never moves down.
func (c *LearningCoordinator) syncLocked(ctx context.Context) (domain.AccuracyEstimate, error) {
	if err := c.store.Refresh(ctx); err != nil {
		return c.Estimate(), err
	}
	stored, found, err := c.repo.LoadAccuracy(ctx)
	if err != nil {
		if !domain.IsKind(err, domain.ErrPatternStoreCorruption) {
			return c.Estimate(), fmt.Errorf("load accuracy: %w", err)
		}
		c.logger.Error("accuracy_stats_corrupted", "error", err, "action", "keep_in_memory")
		found = false
	}

	bounds := c.curve.Config()
	merged := c.Estimate()
	merged.PatternCount = c.store.Count()
	if found {
		merged.Value = math.Max(merged.Value, math.Min(stored.Value, bounds.Ceiling))
		merged.LearningEvents = max(merged.LearningEvents, stored.LearningEvents)
		if stored.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = stored.UpdatedAt
		}
	}

	c.statsMu.Lock()
	c.estimate = merged
	c.statsMu.Unlock()
	c.lastSync = c.now()
	return merged, nil
}

func (c *LearningCoordinator) AccuracyEstimate() float64 {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.estimate.Value
}

func (c *LearningCoordinator) PatternCount() int {
	return c.store.Count()
}

func (c *LearningCoordinator) Estimate() domain.AccuracyEstimate {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.estimate
}

// IngestAnnotations stores one pattern per usable annotation and recomputes the
// accuracy estimate. Annotations that teach nothing are counted as skipped. On a
// persistence failure the patterns stored so far are kept and counted.
func (c *LearningCoordinator) IngestAnnotations(ctx context.Context, documentID string, annotations []domain.Annotation) (domain.LearningOutcome, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.LearningOutcome{}, domain.WrapError(domain.ErrInvalidInput, "ingest annotations", errors.New("document id is required"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Decide against the repository, not a possibly stale snapshot.
	before, err := c.syncLocked(ctx)
	if err != nil {
		return domain.LearningOutcome{DocumentID: documentID, PatternIDs: []string{}}, fmt.Errorf("sync learning state: %w", err)
	}
	outcome := domain.LearningOutcome{
		DocumentID:     documentID,
		PatternIDs:     []string{},
		AccuracyBefore: before.Value,
	}

	var ingestErr error
	for i, ann := range annotations {
		candidate, reason := c.patternFor(documentID, ann)
		if reason != "" {
			outcome.Skipped++
			c.logger.Info("annotation_skipped", "document_id", documentID, "annotation", i, "type", ann.Type, "reason", reason)
			continue
		}
		pattern, created, err := c.store.Upsert(ctx, candidate)
		if err != nil {
			if domain.IsKind(err, domain.ErrInvalidInput) {
				outcome.Skipped++
				c.logger.Info("annotation_skipped", "document_id", documentID, "annotation", i, "type", ann.Type, "reason", err.Error())
				continue
			}
			ingestErr = fmt.Errorf("store pattern from annotation %d: %w", i, err)
			break
		}
		if created {
			outcome.PatternsCreated++
		} else {
			outcome.PatternsStrengthened++
		}
		if !containsString(outcome.PatternIDs, pattern.ID) {
			outcome.PatternIDs = append(outcome.PatternIDs, pattern.ID)
		}
	}

	learned := outcome.PatternsCreated + outcome.PatternsStrengthened
	if learned == 0 {
		outcome.AccuracyAfter = before.Value
		return outcome, ingestErr
	}

	after := before
	after.PatternCount = c.store.Count()
	after.LearningEvents = before.LearningEvents + learned
	after.Value = c.curve.Score(domain.AccuracyEvidence{
		PatternCount:   after.PatternCount,
		LearningEvents: after.LearningEvents,
		Previous:       before.Value,
	})
	after.UpdatedAt = c.now()

	if err := c.repo.SaveAccuracy(ctx, after); err != nil {
		outcome.AccuracyAfter = before.Value
		return outcome, errors.Join(ingestErr, fmt.Errorf("save accuracy: %w", err))
	}

	c.statsMu.Lock()
	c.estimate = after
	c.statsMu.Unlock()

	outcome.AccuracyAfter = after.Value
	outcome.AccuracyDelta = after.Value - before.Value
	c.observer.ObserveLearning(after.PatternCount, after.Value)
	c.logger.Info("annotations_ingested",
		"document_id", documentID,
		"patterns_created", outcome.PatternsCreated,
		"patterns_strengthened", outcome.PatternsStrengthened,
		"skipped", outcome.Skipped,
		"accuracy", after.Value,
	)
	return outcome, ingestErr
}

// patternFor maps an annotation to a candidate pattern, or returns why it teaches nothing.
func (c *LearningCoordinator) patternFor(documentID string, ann domain.Annotation) (domain.Pattern, string) {
	base := domain.Pattern{SourceDocumentID: documentID}

	switch ann.Type {
	case domain.AnnotationHeader, domain.AnnotationDataRow:
		value := strings.TrimSpace(ann.Value)
		if value == "" {
			return domain.Pattern{}, "empty value"
		}
		base.Kind = domain.PatternTable
		base.Matcher = c.matcherFor(ann.Type, value)
		base.ConfidenceBoost = c.cfg.TableBoost
		return base, ""

	case domain.AnnotationConnection, domain.AnnotationRelationship:
		source := inferFieldType(ann.SourceField)
		target := inferFieldType(ann.TargetField)
		if source == "" || target == "" {
			return domain.Pattern{}, "unknown relationship fields"
		}
		relation := strings.TrimSpace(ann.Value)
		if relation == "" {
			relation = string(ann.Type)
		}
		base.Kind = domain.PatternFieldRelationship
		base.Relationship = &domain.Relationship{SourceType: source, TargetType: target, Relation: relation}
		base.ConfidenceBoost = c.cfg.RelationshipBoost
		return base, ""

	case domain.AnnotationCorrection:
		original := strings.TrimSpace(ann.Original)
		corrected := strings.TrimSpace(ann.Corrected)
		if original == "" || corrected == "" {
			return domain.Pattern{}, "correction needs original and corrected text"
		}
		base.Kind = domain.PatternCorrection
		base.Correction = &domain.Correction{Original: original, Corrected: corrected}
		base.ConfidenceBoost = c.cfg.CorrectionBoost
		return base, ""

	case domain.AnnotationHighlight:
		value := strings.TrimSpace(ann.Value)
		if value == "" {
			value = strings.TrimSpace(ann.Original)
		}
		if value == "" {
			return domain.Pattern{}, "empty value"
		}
		base.Kind = domain.PatternCorrection
		base.Correction = &domain.Correction{Original: value, Corrected: value}
		base.ConfidenceBoost = c.cfg.CorrectionBoost
		return base, ""

	default:
		return domain.Pattern{}, fmt.Sprintf("unsupported annotation type %q", ann.Type)
	}
}

// matcherFor derives matcher criteria from an annotated cell. A value that scans as
// an entity yields a typed matcher; a header naming a known column yields a type
// matcher; anything else matches entity values containing the text.
func (c *LearningCoordinator) matcherFor(annType domain.AnnotationType, value string) domain.Matcher {
	if scan := c.detector.Scan(value); len(scan.Entities) > 0 {
		e := scan.Entities[0]
		m := domain.Matcher{EntityType: e.Type}
		switch e.Type {
		case domain.EntityIdentifier, domain.EntityAccount:
			if len(e.Value) >= 2 {
				m.IdentifierPrefix = strings.ToUpper(e.Value[:2])
			}
		case domain.EntityAmount:
			if v, ok := detector.ParseAmount(e.Value); ok && c.cfg.ValueRangeSpread > 0 {
				lo := v * (1 - c.cfg.ValueRangeSpread)
				hi := v * (1 + c.cfg.ValueRangeSpread)
				if lo > hi {
					lo, hi = hi, lo
				}
				m.MinValue, m.MaxValue = &lo, &hi
			}
		}
		return m
	}
	if annType == domain.AnnotationHeader {
		if t := inferFieldType(value); t != "" {
			return domain.Matcher{EntityType: t}
		}
	}
	return domain.Matcher{NameRegex: "(?i)" + regexp.QuoteMeta(value)}
}

var fieldTypeHints = []struct {
	entityType domain.EntityType
	words      []string
}{
	{domain.EntityAccount, []string{"iban", "account"}},
	{domain.EntityIdentifier, []string{"isin", "valor", "security", "identifier", "cusip", "sedol"}},
	{domain.EntityPercentage, []string{"%", "percent", "rate", "yield", "coupon", "weight"}},
	{domain.EntityDate, []string{"date", "maturity", "settlement", "value day"}},
	{domain.EntityAmount, []string{"amount", "value", "balance", "total", "price", "cost", "nominal", "market"}},
}

// inferFieldType maps a field or column label to an entity type. Entity type names
// are accepted as is.
func inferFieldType(label string) domain.EntityType {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return ""
	}
	switch t := domain.EntityType(l); t {
	case domain.EntityIdentifier, domain.EntityAmount, domain.EntityDate, domain.EntityPercentage, domain.EntityAccount:
		return t
	}
	for _, hint := range fieldTypeHints {
		for _, w := range hint.words {
			if strings.Contains(l, w) {
				return hint.entityType
			}
		}
	}
	return ""
}
