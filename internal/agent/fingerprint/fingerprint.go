// internal/agent/fingerprint/fingerprint.go
package fingerprint

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Extractor turns raw observations into normalized fingerprints. Extraction
// is pure and total: malformed input normalizes to the empty fingerprint
// rather than erroring, and identical prompts always yield identical keys.
type Extractor struct {
	redactions []*regexp.Regexp
}

// NewExtractor compiles the configured redaction patterns. Patterns that do
// not compile are skipped with a warning; extraction must never fail at
// runtime.
func NewExtractor(patterns []string, logger *zap.Logger) *Extractor {
	log := logger.Named("fingerprint")
	redactions := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn("Skipping invalid redaction pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		redactions = append(redactions, re)
	}
	return &Extractor{redactions: redactions}
}

// Extract normalizes an observation into its fingerprint:
// volatile substrings are redacted, whitespace is collapsed, text is
// case-folded, and the UI context role becomes the structural tag.
func (e *Extractor) Extract(obs models.Observation) models.Fingerprint {
	text := obs.RawText
	for _, re := range e.redactions {
		// Replace with a space so redaction never fuses adjacent tokens.
		text = re.ReplaceAllString(text, " ")
	}
	text = whitespaceRegex.ReplaceAllString(text, " ")
	text = strings.ToLower(strings.TrimSpace(text))

	fp := models.Fingerprint{Text: text}
	if obs.UIContext != nil {
		fp.Tag = strings.ToLower(strings.TrimSpace(obs.UIContext.Role))
	}
	return fp
}

// Tokens splits a normalized fingerprint text into its comparison tokens.
// The matcher scores similarity over this token set.
func Tokens(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}
