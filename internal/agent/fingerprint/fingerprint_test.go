package fingerprint_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/nexus-agent/internal/agent/fingerprint"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

var redactions = []string{
	`\d{4}[-/]\d{2}[-/]\d{2}[ tT]?\d{0,2}:?\d{0,2}:?\d{0,2}`,
	`\b\d+\b`,
}

func newExtractor(t *testing.T) *fingerprint.Extractor {
	return fingerprint.NewExtractor(redactions, zaptest.NewLogger(t))
}

func TestExtract_Deterministic(t *testing.T) {
	e := newExtractor(t)
	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Do you want to overwrite main.go?",
		UIContext: &models.UIContext{Role: "dialog"},
		Timestamp: time.Now(),
	}

	first := e.Extract(obs)
	second := e.Extract(obs)
	assert.Equal(t, first, second)
	assert.Equal(t, "dialog", first.Tag)
}

func TestExtract_NormalizesEquivalentPrompts(t *testing.T) {
	e := newExtractor(t)

	a := e.Extract(models.Observation{RawText: "Accept   Changes?\n"})
	b := e.Extract(models.Observation{RawText: " accept changes? "})
	assert.Equal(t, a, b)
}

func TestExtract_RedactsVolatileContent(t *testing.T) {
	e := newExtractor(t)

	a := e.Extract(models.Observation{RawText: "[2025-01-02 10:00:01] build failed, 3 errors"})
	b := e.Extract(models.Observation{RawText: "[2025-06-30 23:59:59] build failed, 17 errors"})
	assert.Equal(t, a, b, "timestamps and counters must not change the fingerprint")
}

func TestExtract_MalformedInputYieldsEmptyFingerprint(t *testing.T) {
	e := newExtractor(t)

	assert.True(t, e.Extract(models.Observation{}).IsEmpty())
	assert.True(t, e.Extract(models.Observation{RawText: "   \n\t "}).IsEmpty())
	// Content made entirely of volatile substrings redacts away to nothing.
	assert.True(t, e.Extract(models.Observation{RawText: "2025-01-02 10:00:01"}).IsEmpty())
}

func TestExtract_TagDiffersByRole(t *testing.T) {
	e := newExtractor(t)

	dialog := e.Extract(models.Observation{RawText: "Proceed?", UIContext: &models.UIContext{Role: "Dialog"}})
	terminal := e.Extract(models.Observation{RawText: "Proceed?"})
	assert.Equal(t, dialog.Text, terminal.Text)
	assert.NotEqual(t, dialog, terminal)
}

func TestNewExtractor_SkipsInvalidPatterns(t *testing.T) {
	e := fingerprint.NewExtractor([]string{`[unclosed`, `\d+`}, zaptest.NewLogger(t))
	fp := e.Extract(models.Observation{RawText: "retry 5 times"})
	assert.Equal(t, "retry times", fp.Text)
}

func TestTokens(t *testing.T) {
	assert.Nil(t, fingerprint.Tokens(""))
	assert.Equal(t, []string{"accept", "all", "changes"}, fingerprint.Tokens("accept all changes"))
}
