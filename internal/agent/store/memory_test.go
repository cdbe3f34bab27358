package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
)

func newMemory(t *testing.T) *store.Memory {
	return store.NewMemory(zaptest.NewLogger(t), nil)
}

func pattern(text, category string, confidence float64) models.Pattern {
	return models.Pattern{
		Fingerprint: models.Fingerprint{Text: text, Tag: "dialog"},
		Action:      models.ClickAction{TargetSelector: "#yes"},
		Category:    category,
		Confidence:  confidence,
	}
}

func TestMemory_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	id, err := m.Insert(ctx, pattern("overwrite file?", "panel", 0.7))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "overwrite file?", got.Fingerprint.Text)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_InsertRejectsDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	_, err := m.Insert(ctx, pattern("overwrite file?", "panel", 0.7))
	require.NoError(t, err)

	_, err = m.Insert(ctx, pattern("overwrite file?", "panel", 0.9))
	assert.ErrorIs(t, err, store.ErrDuplicateFingerprint)

	// Same fingerprint under a different category is a distinct pattern.
	_, err = m.Insert(ctx, pattern("overwrite file?", "terminal", 0.7))
	assert.NoError(t, err)
}

func TestMemory_InsertRejectsInvalidAction(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	p := pattern("x", "panel", 0.5)
	p.Action = nil
	_, err := m.Insert(ctx, p)
	assert.Error(t, err)

	p.Action = models.ClickAction{}
	_, err = m.Insert(ctx, p)
	assert.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestMemory_InsertClampsConfidence(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	id, err := m.Insert(ctx, pattern("x", "panel", 1.7))
	require.NoError(t, err)
	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestMemory_UpdateAppliesMutationAndClamps(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	id, err := m.Insert(ctx, pattern("x", "panel", 0.98))
	require.NoError(t, err)

	now := time.Now().UTC()
	delta := 0.05
	require.NoError(t, m.Update(ctx, id, store.Mutation{
		ConfidenceDelta: &delta,
		LastUsedAt:      &now,
		UseCountDelta:   1,
	}))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence, "confidence must never exceed 1")
	assert.Equal(t, 1, got.UseCount)
	assert.Equal(t, now, got.LastUsedAt)

	// Drive confidence to the floor.
	down := -5.0
	require.NoError(t, m.Update(ctx, id, store.Mutation{ConfidenceDelta: &down}))
	got, _ = m.Get(ctx, id)
	assert.Equal(t, 0.0, got.Confidence, "confidence must never go below 0")

	assert.ErrorIs(t, m.Update(ctx, "missing", store.Mutation{}), store.ErrNotFound)
}

func TestMemory_LookupOrdering(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	fp := models.Fingerprint{Text: "build failed", Tag: "terminal"}
	low := models.Pattern{Fingerprint: fp, Action: models.CommandAction{Text: "rebuild"}, Category: "terminal", Confidence: 0.4}
	high := models.Pattern{Fingerprint: fp, Action: models.CommandAction{Text: "clean"}, Category: "ci", Confidence: 0.9}
	_, err := m.Insert(ctx, low)
	require.NoError(t, err)
	_, err = m.Insert(ctx, high)
	require.NoError(t, err)

	all, err := m.Lookup(ctx, fp, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 0.9, all[0].Confidence, "highest confidence first")

	scoped, err := m.Lookup(ctx, fp, "terminal")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "terminal", scoped[0].Category)
}

func TestMemory_ListFilters(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	_, err := m.Insert(ctx, pattern("a", "panel", 0.3))
	require.NoError(t, err)
	_, err = m.Insert(ctx, pattern("b", "panel", 0.8))
	require.NoError(t, err)
	_, err = m.Insert(ctx, pattern("c", "terminal", 0.9))
	require.NoError(t, err)

	panel, err := m.List(ctx, store.Filter{Category: "panel"})
	require.NoError(t, err)
	assert.Len(t, panel, 2)

	confident, err := m.List(ctx, store.Filter{MinConfidence: 0.5})
	require.NoError(t, err)
	assert.Len(t, confident, 2)

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMemory_Remove(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	id, err := m.Insert(ctx, pattern("x", "panel", 0.5))
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, id))
	assert.ErrorIs(t, m.Remove(ctx, id), store.ErrNotFound)

	// The fingerprint slot is free again.
	_, err = m.Insert(ctx, pattern("x", "panel", 0.5))
	assert.NoError(t, err)
}

func TestMemory_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)

	id, err := src.Insert(ctx, pattern("overwrite file?", "panel", 0.7))
	require.NoError(t, err)
	_, err = src.Insert(ctx, pattern("build failed", "terminal", 0.9))
	require.NoError(t, err)

	// Accumulate some usage on the source side.
	now := time.Now().UTC()
	require.NoError(t, src.Update(ctx, id, store.Mutation{UseCountDelta: 5, LastUsedAt: &now}))

	exported, err := src.ExportAll(ctx)
	require.NoError(t, err)
	data, err := store.EncodeExport(exported)
	require.NoError(t, err)

	decoded, err := store.DecodeExport(data)
	require.NoError(t, err)

	dst := newMemory(t)
	imported, err := dst.ImportBatch(ctx, decoded)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	restored, err := dst.Lookup(ctx, models.Fingerprint{Text: "overwrite file?", Tag: "dialog"}, "panel")
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, 0.7, restored[0].Confidence, "confidence survives the round trip")
	assert.Zero(t, restored[0].UseCount, "use counters reset on import")
	assert.True(t, restored[0].LastUsedAt.IsZero())

	// Importing again skips every duplicate.
	imported, err = dst.ImportBatch(ctx, decoded)
	require.NoError(t, err)
	assert.Zero(t, imported)
}

func TestDecodeExport_RejectsUnknownVersion(t *testing.T) {
	_, err := store.DecodeExport([]byte(`{"version":99,"patterns":[]}`))
	assert.Error(t, err)
}
