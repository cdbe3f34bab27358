// internal/agent/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

var (
	// ErrDuplicateFingerprint is returned by Insert when an active pattern
	// with the same fingerprint and category already exists. Callers must
	// use Update to refine it.
	ErrDuplicateFingerprint = errors.New("pattern with this fingerprint and category already exists")
	// ErrNotFound is returned when a pattern id does not resolve.
	ErrNotFound = errors.New("pattern not found")
)

// Filter narrows List results.
type Filter struct {
	Category      string
	MinConfidence float64
}

// Mutation describes a partial pattern update. Nil fields are left untouched.
type Mutation struct {
	Action          models.ActionDescriptor
	Confidence      *float64
	ConfidenceDelta *float64
	Category        *string
	LastUsedAt      *time.Time
	UseCountDelta   int
}

// Repository is the pattern store contract. The store is the sole owner of
// pattern lifetime: all mutation goes through it, and returned patterns are
// copies, never aliased references.
type Repository interface {
	Insert(ctx context.Context, p models.Pattern) (string, error)
	Update(ctx context.Context, id string, mut Mutation) error
	Get(ctx context.Context, id string) (models.Pattern, error)
	// Lookup returns all patterns matching the fingerprint, ordered by
	// confidence descending then use count descending. Empty category
	// matches every category.
	Lookup(ctx context.Context, fp models.Fingerprint, category string) ([]models.Pattern, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]models.Pattern, error)
	Count(ctx context.Context) (int, error)
	ExportAll(ctx context.Context) ([]models.Pattern, error)
	// ImportBatch loads patterns into the store, skipping entries whose
	// fingerprint+category already exist. Use counters reset on import.
	ImportBatch(ctx context.Context, patterns []models.Pattern) (int, error)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
