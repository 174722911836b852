package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DenyListDetector flags every whole-token, case-insensitive occurrence of a
// fixed list of terms.
type DenyListDetector struct {
	name       string
	entityType string
	score      float64
	re         *regexp.Regexp
}

// NewDenyListDetector builds a detector from terms. Longer terms take
// precedence when several start at the same offset.
func NewDenyListDetector(name, entityType string, terms []string, score float64) (*DenyListDetector, error) {
	cleaned := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("deny-list detector %s: empty deny list", name)
	}
	if score <= 0 || score > 1 {
		score = 1.0
	}

	sort.SliceStable(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })
	quoted := make([]string, len(cleaned))
	for i, t := range cleaned {
		quoted[i] = regexp.QuoteMeta(t)
	}

	re, err := regexp.Compile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("deny-list detector %s: %w", name, err)
	}

	return &DenyListDetector{
		name:       name,
		entityType: entityType,
		score:      score,
		re:         re,
	}, nil
}

// GetName returns the name of this detector
func (d *DenyListDetector) GetName() string {
	return d.name
}

// EntityType returns the entity type this detector produces.
func (d *DenyListDetector) EntityType() string {
	return d.entityType
}

// Detect returns a span for every deny-listed term bounded by non-word
// characters or the text edges.
func (d *DenyListDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	var spans []Span
	for _, m := range d.re.FindAllStringIndex(input.Text, -1) {
		if !tokenBoundary(input.Text, m[0], m[1]) {
			continue
		}
		spans = append(spans, Span{
			EntityType: d.entityType,
			Start:      m[0],
			End:        m[1],
			Score:      d.score,
			Recognizer: d.name,
			Text:       input.Text[m[0]:m[1]],
		})
	}

	return DetectorOutput{Text: input.Text, Spans: spans}, nil
}

// Close implements the Detector interface
func (d *DenyListDetector) Close() error {
	return nil
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// tokenBoundary reports whether text[start:end] is not glued to a word
// character on either side.
func tokenBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}
