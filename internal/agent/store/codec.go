// internal/agent/store/codec.go
package store

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const exportVersion = 1

// Export is the bulk-transfer envelope produced by ExportAll and consumed by
// ImportBatch.
type Export struct {
	Version    int              `json:"version"`
	ExportedAt time.Time        `json:"exportedAt"`
	Patterns   []models.Pattern `json:"patterns"`
}

// EncodeExport serializes a pattern set for bulk transfer.
func EncodeExport(patterns []models.Pattern) ([]byte, error) {
	exp := Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Patterns:   patterns,
	}
	return json.MarshalIndent(exp, "", "  ")
}

// DecodeExport parses a bulk-transfer envelope back into patterns.
func DecodeExport(data []byte) ([]models.Pattern, error) {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse pattern export: %w", err)
	}
	if exp.Version != exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", exp.Version)
	}
	return exp.Patterns, nil
}
