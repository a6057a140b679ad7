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

	"github.com/google/uuid"

	"github.com/kirillkom/statement-extractor/internal/core/detector"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

type PatternStoreOptions struct {
	StrengthenStep float64
	MaxBoost       float64
	Logger         *slog.Logger
	Now            func() time.Time
}

// PatternStore keeps an in-memory snapshot of all patterns for concurrent readers.
// Writes are serialized and reach the repository before the snapshot changes.
type PatternStore struct {
	repo   ports.PatternRepository
	step   float64
	max    float64
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu       sync.RWMutex
	ready    bool
	patterns []storedPattern
	byID     map[string]int
	byKey    map[string]int
}

type storedPattern struct {
	domain.Pattern
	nameRe *regexp.Regexp
}

func NewPatternStore(repo ports.PatternRepository, opts PatternStoreOptions) *PatternStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxBoost <= 0 {
		opts.MaxBoost = 0.15
	}
	return &PatternStore{
		repo:   repo,
		step:   opts.StrengthenStep,
		max:    opts.MaxBoost,
		logger: opts.Logger,
		now:    opts.Now,
		byID:   map[string]int{},
		byKey:  map[string]int{},
	}
}

// Load replaces the snapshot with the repository contents. Rows the repository
// cannot decode are skipped and logged. A store that cannot be read at all is
// moved aside and started empty; it never blocks new work.
func (s *PatternStore) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	patterns, err := s.repo.LoadPatterns(ctx)
	switch {
	case err == nil:
	case domain.IsKind(err, domain.ErrCorruptRecord):
		s.logger.Error("pattern_rows_skipped", "error", err, "loaded", len(patterns))
	case domain.IsKind(err, domain.ErrPatternStoreCorruption):
		s.logger.Error("pattern_store_corrupted", "error", err, "action", "reset")
		if resetErr := s.repo.Reset(ctx); resetErr != nil {
			return fmt.Errorf("reset corrupted pattern store: %w", resetErr)
		}
		patterns = nil
	default:
		return fmt.Errorf("load patterns: %w", err)
	}

	s.replaceSnapshot(patterns)
	s.logger.Info("pattern_store_loaded", "patterns", s.Count())
	return nil
}

// Refresh picks up patterns written by other processes sharing the repository.
// On any error the current snapshot is kept.
func (s *PatternStore) Refresh(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	patterns, err := s.repo.LoadPatterns(ctx)
	if err != nil && !domain.IsKind(err, domain.ErrCorruptRecord) {
		return fmt.Errorf("refresh patterns: %w", err)
	}
	s.replaceSnapshot(patterns)
	return nil
}

func (s *PatternStore) replaceSnapshot(patterns []domain.Pattern) {
	stored := make([]storedPattern, 0, len(patterns))
	byID := make(map[string]int, len(patterns))
	byKey := make(map[string]int, len(patterns))
	for _, p := range patterns {
		if _, dup := byID[p.ID]; dup || p.ID == "" {
			s.logger.Warn("pattern_skipped", "pattern_id", p.ID, "reason", "duplicate or empty id")
			continue
		}
		sp, err := compilePattern(p)
		if err != nil {
			s.logger.Warn("pattern_skipped", "pattern_id", p.ID, "reason", err.Error())
			continue
		}
		byID[p.ID] = len(stored)
		byKey[p.Key()] = len(stored)
		stored = append(stored, sp)
	}

	s.mu.Lock()
	s.patterns = stored
	s.byID = byID
	s.byKey = byKey
	s.ready = true
	s.mu.Unlock()
}

func (s *PatternStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *PatternStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Patterns returns a copy of the snapshot in insertion order.
func (s *PatternStore) Patterns() []domain.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Pattern, len(s.patterns))
	for i, sp := range s.patterns {
		out[i] = sp.Pattern
	}
	return out
}

// Insert adds a new pattern. A missing id is generated; an existing id or key
// fails with domain.ErrDuplicatePattern.
func (s *PatternStore) Insert(ctx context.Context, p domain.Pattern) (domain.Pattern, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, sp, err := s.prepare(p)
	if err != nil {
		return domain.Pattern{}, err
	}
	s.mu.RLock()
	_, dupID := s.byID[p.ID]
	_, dupKey := s.byKey[p.Key()]
	s.mu.RUnlock()
	if dupID || dupKey {
		return domain.Pattern{}, domain.WrapError(domain.ErrDuplicatePattern, "insert pattern", fmt.Errorf("id %q", p.ID))
	}
	if err := s.repo.InsertPattern(ctx, p); err != nil {
		return domain.Pattern{}, fmt.Errorf("persist pattern %s: %w", p.ID, err)
	}
	s.put(sp)
	return p, nil
}

// Strengthen bumps usage and boost of an existing pattern, capped at the max boost.
func (s *PatternStore) Strengthen(ctx context.Context, id string) (domain.Pattern, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	idx, ok := s.byID[id]
	var nameRe *regexp.Regexp
	if ok {
		nameRe = s.patterns[idx].nameRe
	}
	s.mu.RUnlock()
	if !ok {
		return domain.Pattern{}, domain.WrapError(domain.ErrPatternNotFound, "strengthen pattern", fmt.Errorf("id %q", id))
	}

	updated, err := s.repo.StrengthenPattern(ctx, id, s.reinforcement())
	if err != nil {
		return domain.Pattern{}, fmt.Errorf("persist pattern %s: %w", id, err)
	}
	s.put(storedPattern{Pattern: updated, nameRe: nameRe})
	return updated, nil
}

// Upsert inserts the candidate or, when a pattern with the same key exists in the
// repository, strengthens that one instead. The decision is made by the
// repository so that processes sharing it never store a key twice.
func (s *PatternStore) Upsert(ctx context.Context, candidate domain.Pattern) (domain.Pattern, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	candidate, _, err := s.prepare(candidate)
	if err != nil {
		return domain.Pattern{}, false, err
	}
	stored, created, err := s.repo.UpsertPattern(ctx, candidate, s.reinforcement())
	if err != nil {
		return domain.Pattern{}, false, fmt.Errorf("persist pattern %s: %w", candidate.ID, err)
	}
	sp, err := compilePattern(stored)
	if err != nil {
		return domain.Pattern{}, false, domain.WrapError(domain.ErrInvalidInput, "upsert pattern", err)
	}
	s.put(sp)
	return stored, created, nil
}

// prepare fills defaults and validates a new pattern before it is persisted.
func (s *PatternStore) prepare(p domain.Pattern) (domain.Pattern, storedPattern, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.UsageCount <= 0 {
		p.UsageCount = 1
	}
	p.ConfidenceBoost = math.Min(math.Max(p.ConfidenceBoost, 0), s.max)

	sp, err := compilePattern(p)
	if err != nil {
		return domain.Pattern{}, storedPattern{}, domain.WrapError(domain.ErrInvalidInput, "insert pattern", err)
	}
	return p, sp, nil
}

func (s *PatternStore) reinforcement() domain.Reinforcement {
	return domain.Reinforcement{Step: s.step, MaxBoost: s.max, At: s.now()}
}

// put replaces the snapshot entry with the same id or appends a new one.
func (s *PatternStore) put(sp storedPattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byID[sp.ID]; ok {
		s.patterns[idx] = sp
		return
	}
	s.byID[sp.ID] = len(s.patterns)
	s.byKey[sp.Key()] = len(s.patterns)
	s.patterns = append(s.patterns, sp)
}

// Lookup returns the patterns relevant to one entity.
func (s *PatternStore) Lookup(entity domain.Entity) []domain.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Pattern
	for _, sp := range s.patterns {
		switch sp.Kind {
		case domain.PatternTable:
			if sp.matches(entity) {
				out = append(out, sp.Pattern)
			}
		case domain.PatternCorrection:
			if sp.Correction != nil && sp.Correction.Original != "" &&
				(strings.Contains(entity.Value, sp.Correction.Original) || entity.Original == sp.Correction.Original) {
				out = append(out, sp.Pattern)
			}
		case domain.PatternFieldRelationship:
			if sp.Relationship != nil && (sp.Relationship.SourceType == entity.Type || sp.Relationship.TargetType == entity.Type) {
				out = append(out, sp.Pattern)
			}
		}
	}
	return out
}

// Apply returns boosted copies of pages with applied pattern ids recorded on the
// pages and on the entities they touched. Confidence never exceeds 1.
func (s *PatternStore) Apply(pages []domain.ExtractedPage) []domain.ExtractedPage {
	s.mu.RLock()
	snapshot := make([]storedPattern, len(s.patterns))
	copy(snapshot, s.patterns)
	s.mu.RUnlock()

	out := make([]domain.ExtractedPage, len(pages))
	for i, page := range pages {
		out[i] = applyToPage(page, snapshot)
	}
	return out
}

func applyToPage(page domain.ExtractedPage, patterns []storedPattern) domain.ExtractedPage {
	page.Entities = append([]domain.Entity(nil), page.Entities...)
	for i := range page.Entities {
		page.Entities[i].AppliedPatterns = append([]string(nil), page.Entities[i].AppliedPatterns...)
	}
	page.AppliedPatterns = append([]string(nil), page.AppliedPatterns...)
	if page.Text == "" && len(page.Entities) == 0 {
		return page
	}

	boost := 0.0
	for _, sp := range patterns {
		var applied bool
		switch sp.Kind {
		case domain.PatternCorrection:
			applied = applyCorrection(&page, sp.Pattern)
		case domain.PatternTable:
			applied = applyTable(&page, sp)
		case domain.PatternFieldRelationship:
			applied = sp.Relationship != nil &&
				hasEntityType(page.Entities, sp.Relationship.SourceType) &&
				hasEntityType(page.Entities, sp.Relationship.TargetType)
		}
		if applied && !containsString(page.AppliedPatterns, sp.ID) {
			page.AppliedPatterns = append(page.AppliedPatterns, sp.ID)
			boost += sp.ConfidenceBoost
		}
	}
	page.Confidence = math.Min(1, page.Confidence+boost)
	return page
}

func applyCorrection(page *domain.ExtractedPage, p domain.Pattern) bool {
	c := p.Correction
	if c == nil || c.Original == "" {
		return false
	}
	at := strings.Index(page.Text, c.Original)
	if at < 0 {
		return false
	}

	covered := false
	for i := range page.Entities {
		e := &page.Entities[i]
		if !strings.Contains(e.Value, c.Original) || e.HasPattern(p.ID) {
			continue
		}
		if c.Corrected != c.Original {
			if e.Original == "" {
				e.Original = e.Value
			}
			e.Value = strings.ReplaceAll(e.Value, c.Original, c.Corrected)
		}
		e.Confidence = math.Min(1, e.Confidence+p.ConfidenceBoost)
		e.AppliedPatterns = append(e.AppliedPatterns, p.ID)
		if e.Start <= at && at < e.End {
			covered = true
		}
	}

	if !covered {
		page.Entities = append(page.Entities, domain.Entity{
			Type:            domain.EntityCorrection,
			Value:           c.Corrected,
			Original:        c.Original,
			Start:           at,
			End:             at + len(c.Original),
			Confidence:      math.Min(1, page.Confidence+p.ConfidenceBoost),
			AppliedPatterns: []string{p.ID},
		})
	}
	return true
}

func applyTable(page *domain.ExtractedPage, sp storedPattern) bool {
	matched := false
	for i := range page.Entities {
		e := &page.Entities[i]
		if !sp.matches(*e) || e.HasPattern(sp.ID) {
			continue
		}
		e.Confidence = math.Min(1, e.Confidence+sp.ConfidenceBoost)
		e.AppliedPatterns = append(e.AppliedPatterns, sp.ID)
		matched = true
	}
	return matched
}

// matches requires every set criterion to hold; a matcher without criteria matches nothing.
func (sp storedPattern) matches(e domain.Entity) bool {
	m := sp.Matcher
	if m.EntityType == "" && m.IdentifierPrefix == "" && sp.nameRe == nil && m.MinValue == nil && m.MaxValue == nil {
		return false
	}
	if m.EntityType != "" && m.EntityType != e.Type {
		return false
	}
	if m.IdentifierPrefix != "" && !strings.HasPrefix(strings.ToUpper(e.Value), strings.ToUpper(m.IdentifierPrefix)) {
		return false
	}
	if sp.nameRe != nil && !sp.nameRe.MatchString(e.Value) {
		return false
	}
	if m.MinValue != nil || m.MaxValue != nil {
		v, ok := detector.ParseAmount(e.Value)
		if !ok {
			return false
		}
		if m.MinValue != nil && v < *m.MinValue {
			return false
		}
		if m.MaxValue != nil && v > *m.MaxValue {
			return false
		}
	}
	return true
}

func compilePattern(p domain.Pattern) (storedPattern, error) {
	sp := storedPattern{Pattern: p}
	switch p.Kind {
	case domain.PatternTable:
	case domain.PatternCorrection:
		if p.Correction == nil || p.Correction.Original == "" {
			return sp, errors.New("correction pattern without original text")
		}
	case domain.PatternFieldRelationship:
		if p.Relationship == nil || p.Relationship.SourceType == "" || p.Relationship.TargetType == "" {
			return sp, errors.New("relationship pattern without field types")
		}
	default:
		return sp, fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
	if p.Matcher.NameRegex != "" {
		re, err := regexp.Compile(p.Matcher.NameRegex)
		if err != nil {
			return sp, fmt.Errorf("compile name regex: %w", err)
		}
		sp.nameRe = re
	}
	return sp, nil
}

func hasEntityType(entities []domain.Entity, t domain.EntityType) bool {
	for _, e := range entities {
		if e.Type == t {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
