package pii

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

// AppliedOperator records the transform applied to one span.
type AppliedOperator struct {
	Span        detectors.Span
	Operator    Operator
	Replacement string
}

// AnonymizedText is the redacted text and the operators applied to it, in
// the order the spans appear in the original text. Offsets of the spans
// refer to the original text, not to Text.
type AnonymizedText struct {
	Text    string
	Applied []AppliedOperator
}

// Anonymizer applies operator tables to analysed text.
type Anonymizer struct {
	generators *GeneratorService
	tracer     trace.Tracer
}

// NewAnonymizer creates an anonymizer drawing random values from generators.
func NewAnonymizer(generators *GeneratorService) *Anonymizer {
	if generators == nil {
		generators = NewGeneratorService()
	}
	return &Anonymizer{
		generators: generators,
		tracer:     otel.Tracer(tracerName),
	}
}

// Anonymize replaces every span of result in text according to table.
// Nothing is replaced if any span lacks an operator.
func (a *Anonymizer) Anonymize(ctx context.Context, text string, result AnalysisResult, table OperatorTable) (AnonymizedText, error) {
	_, span := a.tracer.Start(ctx, "pii.Anonymize", trace.WithAttributes(attribute.Int("spans", len(result.Spans))))
	defer span.End()

	spans := make([]detectors.Span, len(result.Spans))
	copy(spans, result.Spans)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	ops := make([]Operator, len(spans))
	for i, s := range spans {
		if !s.Valid(len(text)) {
			return AnonymizedText{}, fmt.Errorf("span %s [%d,%d) out of range for text of length %d", s.EntityType, s.Start, s.End, len(text))
		}
		if i > 0 && s.Start < spans[i-1].End {
			return AnonymizedText{}, fmt.Errorf("span %s [%d,%d) overlaps previous span", s.EntityType, s.Start, s.End)
		}
		op, ok := table.Lookup(s.EntityType)
		if !ok {
			return AnonymizedText{}, &MissingOperatorError{EntityType: s.EntityType}
		}
		ops[i] = op
	}

	if len(spans) == 0 {
		return AnonymizedText{Text: text, Applied: []AppliedOperator{}}, nil
	}

	rng := a.generators.NewRand()
	out := text
	applied := make([]AppliedOperator, len(spans))
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		original := text[s.Start:s.End]

		var replacement string
		switch op := ops[i].(type) {
		case Replace:
			replacement = op.Value
			if op.Generator != nil {
				replacement = op.Generator(rng, original)
			}
		case Mask:
			replacement = maskText(original, op)
		case Redact:
			replacement = ""
		default:
			return AnonymizedText{}, &InvalidOperatorError{EntityType: s.EntityType, Reason: "unknown operator kind " + op.Kind()}
		}

		out = out[:s.Start] + replacement + out[s.End:]
		applied[i] = AppliedOperator{Span: s, Operator: ops[i], Replacement: replacement}
	}

	return AnonymizedText{Text: out, Applied: applied}, nil
}

// maskText masks m.Count characters of s. A count at or above the length
// masks all of it.
func maskText(s string, m Mask) string {
	runes := []rune(s)
	n := len(runes)
	count := min(m.Count, n)
	mask := strings.Repeat(string(m.Char), count)
	if m.FromEnd {
		return string(runes[:n-count]) + mask
	}
	return mask + string(runes[count:])
}

// runeOffset converts a byte offset of text into a character offset.
func runeOffset(text string, byteOffset int) int {
	return utf8.RuneCountInString(text[:byteOffset])
}
