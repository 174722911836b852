package pii

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

// fakeDetector returns fixed spans, or finds literal terms in the input.
type fakeDetector struct {
	name   string
	spans  []detectors.Span
	terms  map[string]string // term -> entity type
	score  float64
	err    error
	block  bool
	panics bool
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeDetector) GetName() string { return f.name }

func (f *fakeDetector) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	f.calls.Add(1)
	if f.panics {
		var byType map[string]int
		byType[input.Language]++
	}
	if f.block {
		<-ctx.Done()
		return detectors.DetectorOutput{}, ctx.Err()
	}
	if f.err != nil {
		return detectors.DetectorOutput{}, f.err
	}
	spans := append([]detectors.Span(nil), f.spans...)
	for term, entityType := range f.terms {
		offset := 0
		for {
			i := strings.Index(input.Text[offset:], term)
			if i < 0 {
				break
			}
			start := offset + i
			spans = append(spans, detectors.Span{
				EntityType: entityType,
				Start:      start,
				End:        start + len(term),
				Score:      f.score,
			})
			offset = start + len(term)
		}
	}
	return detectors.DetectorOutput{Text: input.Text, Spans: spans}, nil
}

func (f *fakeDetector) Close() error {
	f.closed.Store(true)
	return nil
}

func span(entityType string, start, end int, score float64) detectors.Span {
	return detectors.Span{EntityType: entityType, Start: start, End: end, Score: score}
}

// newNERFake finds the names and places used in tests.
func newNERFake(language string) *fakeDetector {
	terms := map[string]string{
		"John":   detectors.EntityPerson,
		"Athens": detectors.EntityLocation,
		"Maria":  detectors.EntityPerson,
	}
	if language == "el" {
		terms = map[string]string{"Γιάννη": detectors.EntityPerson, "Αθήνα": detectors.EntityLocation}
	}
	return &fakeDetector{name: "ner_" + language, terms: terms, score: 0.85}
}

func mustRegistry(languages ...string) *Registry {
	if len(languages) == 0 {
		languages = []string{"en", "el"}
	}
	return NewRegistry(languages)
}
