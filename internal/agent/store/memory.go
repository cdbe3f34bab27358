// internal/agent/store/memory.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

type indexKey struct {
	fp       models.Fingerprint
	category string
}

// Memory is the in-process Repository implementation. All access is
// serialized through a single mutex; patterns never leave the store by
// reference.
type Memory struct {
	logger *zap.Logger
	bus    *bus.Bus

	mu       sync.Mutex
	patterns map[string]models.Pattern
	index    map[indexKey]string
}

// NewMemory creates an empty in-memory store. The bus may be nil; mutation
// audit records are then skipped.
func NewMemory(logger *zap.Logger, b *bus.Bus) *Memory {
	return &Memory{
		logger:   logger.Named("store"),
		bus:      b,
		patterns: make(map[string]models.Pattern),
		index:    make(map[indexKey]string),
	}
}

func (m *Memory) Insert(ctx context.Context, p models.Pattern) (string, error) {
	if p.Action == nil {
		return "", fmt.Errorf("pattern requires an action")
	}
	if err := p.Action.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	key := indexKey{fp: p.Fingerprint, category: p.Category}
	if _, exists := m.index[key]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: category %q", ErrDuplicateFingerprint, p.Category)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Confidence = clampConfidence(p.Confidence)
	m.patterns[p.ID] = p
	m.index[key] = p.ID
	m.mu.Unlock()

	m.emitChange(ctx, "inserted", p)
	return p.ID, nil
}

func (m *Memory) Update(ctx context.Context, id string, mut Mutation) error {
	m.mu.Lock()
	p, ok := m.patterns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	oldKey := indexKey{fp: p.Fingerprint, category: p.Category}
	applyMutation(&p, mut)
	newKey := indexKey{fp: p.Fingerprint, category: p.Category}
	if newKey != oldKey {
		if _, exists := m.index[newKey]; exists {
			m.mu.Unlock()
			return fmt.Errorf("%w: category %q", ErrDuplicateFingerprint, p.Category)
		}
		delete(m.index, oldKey)
		m.index[newKey] = id
	}
	m.patterns[id] = p
	m.mu.Unlock()

	m.emitChange(ctx, "updated", p)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[id]
	if !ok {
		return models.Pattern{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (m *Memory) Lookup(_ context.Context, fp models.Fingerprint, category string) ([]models.Pattern, error) {
	m.mu.Lock()
	var out []models.Pattern
	for _, p := range m.patterns {
		if p.Fingerprint != fp {
			continue
		}
		if category != "" && p.Category != category {
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()

	sortPatterns(out)
	return out, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.patterns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.patterns, id)
	delete(m.index, indexKey{fp: p.Fingerprint, category: p.Category})
	m.mu.Unlock()

	m.emitChange(ctx, "removed", p)
	return nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]models.Pattern, error) {
	m.mu.Lock()
	var out []models.Pattern
	for _, p := range m.patterns {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if p.Confidence < f.MinConfidence {
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()

	sortPatterns(out)
	return out, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patterns), nil
}

func (m *Memory) ExportAll(ctx context.Context) ([]models.Pattern, error) {
	return m.List(ctx, Filter{})
}

func (m *Memory) ImportBatch(ctx context.Context, patterns []models.Pattern) (int, error) {
	imported := 0
	for _, p := range patterns {
		p.UseCount = 0
		p.LastUsedAt = time.Time{}
		if _, err := m.Insert(ctx, p); err != nil {
			if errors.Is(err, ErrDuplicateFingerprint) {
				m.logger.Debug("Skipping duplicate pattern on import", zap.String("category", p.Category))
				continue
			}
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// applyMutation folds a Mutation into a pattern, clamping confidence to [0,1].
func applyMutation(p *models.Pattern, mut Mutation) {
	if mut.Action != nil {
		p.Action = mut.Action
	}
	if mut.Category != nil {
		p.Category = *mut.Category
	}
	if mut.Confidence != nil {
		p.Confidence = *mut.Confidence
	}
	if mut.ConfidenceDelta != nil {
		p.Confidence += *mut.ConfidenceDelta
	}
	p.Confidence = clampConfidence(p.Confidence)
	if mut.LastUsedAt != nil {
		p.LastUsedAt = *mut.LastUsedAt
	}
	p.UseCount += mut.UseCountDelta
}

// sortPatterns orders by confidence descending, use count descending, then id
// for a stable result.
func sortPatterns(ps []models.Pattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Confidence != ps[j].Confidence {
			return ps[i].Confidence > ps[j].Confidence
		}
		if ps[i].UseCount != ps[j].UseCount {
			return ps[i].UseCount > ps[j].UseCount
		}
		return ps[i].ID < ps[j].ID
	})
}

func (m *Memory) emitChange(ctx context.Context, change string, p models.Pattern) {
	if m.bus == nil {
		return
	}
	rec := models.AuditRecord{
		Timestamp: time.Now().UTC(),
		Kind:      models.AuditPatternLearned,
		Severity:  models.SeverityInfo,
		Payload: map[string]any{
			"change":      change,
			"patternId":   p.ID,
			"category":    p.Category,
			"fingerprint": p.Fingerprint.Text,
			"confidence":  p.Confidence,
		},
	}
	if err := m.bus.Publish(ctx, models.TypeAudit, rec); err != nil && ctx.Err() == nil {
		m.logger.Warn("Failed to publish pattern change record", zap.Error(err))
	}
}
