package pii

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

func registerFake(t *testing.T, r *Registry, d *fakeDetector, language string, types ...string) {
	t.Helper()
	require.NoError(t, r.Register(d, RecognizerConfig{EntityTypes: types, Language: language, Strategy: StrategyModel}))
}

func TestAnalyzer_FullSupersede(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "wide", spans: []detectors.Span{span("PHONE_NUMBER", 0, 10, 0.4)}}, "en", "PHONE_NUMBER")
	registerFake(t, r, &fakeDetector{name: "narrow", spans: []detectors.Span{span("NUMBERS", 2, 5, 0.9)}}, "en", "NUMBERS")

	res, err := NewAnalyzer(r).Analyze(context.Background(), "0123456789", "en", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, 0, res.Spans[0].Start)
	assert.Equal(t, 10, res.Spans[0].End)
	assert.Equal(t, "PHONE_NUMBER", res.Spans[0].EntityType)
	assert.Equal(t, "wide", res.Spans[0].Recognizer)
}

func TestAnalyzer_PartialOverlapHigherScoreWins(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "a", spans: []detectors.Span{span("A", 0, 4, 0.4)}}, "en", "A")
	registerFake(t, r, &fakeDetector{name: "b", spans: []detectors.Span{span("B", 2, 8, 0.9)}}, "en", "B")

	res, err := NewAnalyzer(r).Analyze(context.Background(), "0123456789", "en", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, 2, res.Spans[0].Start)
	assert.Equal(t, 8, res.Spans[0].End)
}

func TestResolveOverlaps(t *testing.T) {
	tests := []struct {
		name  string
		cands []candidate
		want  [][2]int
	}{
		{
			name:  "contained narrow span loses to wider one",
			cands: []candidate{{span("A", 0, 10, 0.4), 0}, {span("B", 2, 5, 0.9), 1}},
			want:  [][2]int{{0, 10}},
		},
		{
			name:  "wider span registered later still wins",
			cands: []candidate{{span("B", 2, 5, 0.9), 0}, {span("A", 0, 10, 0.4), 1}},
			want:  [][2]int{{0, 10}},
		},
		{
			name:  "partial overlap keeps higher score",
			cands: []candidate{{span("A", 0, 4, 0.4), 0}, {span("B", 2, 8, 0.9), 1}},
			want:  [][2]int{{2, 8}},
		},
		{
			name:  "same start picks higher score",
			cands: []candidate{{span("A", 0, 5, 0.3), 0}, {span("B", 0, 5, 0.8), 1}},
			want:  [][2]int{{0, 5}},
		},
		{
			name:  "disjoint spans all survive",
			cands: []candidate{{span("A", 6, 9, 0.3), 0}, {span("B", 0, 5, 0.8), 1}, {span("C", 5, 6, 0.1), 2}},
			want:  [][2]int{{0, 5}, {5, 6}, {6, 9}},
		},
		{
			name:  "empty",
			cands: nil,
			want:  [][2]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveOverlaps(tt.cands)
			ranges := make([][2]int, len(got))
			for i, s := range got {
				ranges[i] = [2]int{s.Start, s.End}
			}
			assert.Equal(t, tt.want, ranges)
		})
	}
}

func TestResolveOverlaps_TieGoesToEarlierRecognizer(t *testing.T) {
	got := resolveOverlaps([]candidate{
		{span("LATE", 0, 5, 0.7), 3},
		{span("EARLY", 2, 7, 0.7), 1},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "EARLY", got[0].EntityType)

	got = resolveOverlaps([]candidate{
		{span("LATE", 0, 5, 0.7), 3},
		{span("EARLY", 0, 5, 0.7), 1},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "EARLY", got[0].EntityType)
}

func TestResolveOverlaps_NeverOverlaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		var cands []candidate
		for i := 0; i < 12; i++ {
			start := rng.Intn(50)
			end := start + 1 + rng.Intn(10)
			cands = append(cands, candidate{span("X", start, end, rng.Float64()), rng.Intn(4)})
		}
		got := resolveOverlaps(cands)
		for i, s := range got {
			require.Less(t, s.Start, s.End)
			if i > 0 {
				require.LessOrEqual(t, got[i-1].End, s.Start, "round %d: spans %v and %v overlap", round, got[i-1], s)
			}
		}
	}
}

func TestAnalyzer_EmailBuiltin(t *testing.T) {
	r := mustRegistry()
	require.NoError(t, RegisterBuiltins(r, "en"))

	text := "Contact me at jane.doe@example.com please"
	res, err := NewAnalyzer(r).Analyze(context.Background(), text, "en", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)

	s := res.Spans[0]
	assert.Equal(t, detectors.EntityEmailAddress, s.EntityType)
	assert.Equal(t, "jane.doe@example.com", text[s.Start:s.End])
	assert.Equal(t, "jane.doe@example.com", s.Text)
}

func TestAnalyzer_IPBeatsNumbers(t *testing.T) {
	r := mustRegistry()
	require.NoError(t, RegisterBuiltins(r, "en"))
	for _, cfg := range DefaultCustomRecognizers() {
		cfg.Language = "en"
		cfg.Name += "_en"
		require.NoError(t, r.RegisterConfig(cfg))
	}

	res, err := NewAnalyzer(r).Analyze(context.Background(), "Server 192.168.1.10 has blood type AB+ and 42 cores", "en", nil)
	require.NoError(t, err)

	var types []string
	for _, s := range res.Spans {
		types = append(types, s.EntityType+":"+s.Text)
	}
	assert.Equal(t, []string{"IP_ADDRESS:192.168.1.10", "BLOOD_TYPE:AB+", "NUMBERS:42"}, types)
}

func TestAnalyzer_NamedEntityScenario(t *testing.T) {
	r := mustRegistry()
	require.NoError(t, RegisterBuiltins(r, "en"))
	registerFake(t, r, newNERFake("en"), "en", detectors.EntityPerson, detectors.EntityLocation)

	text := "My name is John. I live in Athens."
	res, err := NewAnalyzer(r).Analyze(context.Background(), text, "en", []string{detectors.EntityPerson, detectors.EntityLocation})
	require.NoError(t, err)
	require.Len(t, res.Spans, 2)

	assert.Equal(t, detectors.EntityPerson, res.Spans[0].EntityType)
	assert.Equal(t, "John", text[res.Spans[0].Start:res.Spans[0].End])
	assert.Equal(t, detectors.EntityLocation, res.Spans[1].EntityType)
	assert.Equal(t, "Athens", text[res.Spans[1].Start:res.Spans[1].End])
}

func TestAnalyzer_WantedSkipsOtherRecognizers(t *testing.T) {
	r := mustRegistry()
	email := &fakeDetector{name: "email", spans: []detectors.Span{span(detectors.EntityEmailAddress, 0, 3, 0.9)}}
	person := &fakeDetector{name: "person", spans: []detectors.Span{span(detectors.EntityPerson, 4, 8, 0.9)}}
	registerFake(t, r, email, "en", detectors.EntityEmailAddress)
	registerFake(t, r, person, "en", detectors.EntityPerson)

	res, err := NewAnalyzer(r).Analyze(context.Background(), "abc defg", "en", []string{detectors.EntityPerson})
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, detectors.EntityPerson, res.Spans[0].EntityType)
	assert.Equal(t, int32(0), email.calls.Load())
}

func TestAnalyzer_DropsInvalidAndUndeclaredSpans(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "sloppy", spans: []detectors.Span{
		span("X", 0, 3, 0.5),
		span("X", 2, 99, 0.5),
		span("X", 3, 3, 0.5),
		span("OTHER", 4, 6, 0.5),
	}}, "en", "X")

	res, err := NewAnalyzer(r).Analyze(context.Background(), "abcdefg", "en", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, "abc", res.Spans[0].Text)
}

func TestAnalyzer_EmptyText(t *testing.T) {
	r := mustRegistry()
	d := &fakeDetector{name: "d"}
	registerFake(t, r, d, "en", "X")

	res, err := NewAnalyzer(r).Analyze(context.Background(), "", "en", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Spans)
	assert.Equal(t, int32(0), d.calls.Load())
}

func TestAnalyzer_UnsupportedLanguage(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "d"}, "en", "X")

	_, err := NewAnalyzer(r).Analyze(context.Background(), "text", "de", nil)
	var ule *UnsupportedLanguageError
	require.ErrorAs(t, err, &ule)
	assert.Equal(t, "de", ule.Language)
}

func TestAnalyzer_IsolatesFailingRecognizer(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "broken", err: errors.New("model crashed")}, "en", detectors.EntityPerson)
	require.NoError(t, RegisterBuiltins(r, "en"))

	res, err := NewAnalyzer(r).Analyze(context.Background(), "mail jane@example.com", "en", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, detectors.EntityEmailAddress, res.Spans[0].EntityType)
	assert.Equal(t, []string{"broken"}, res.Failed)
}

func TestAnalyzer_IsolatesPanickingRecognizer(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "crashing", panics: true}, "en", detectors.EntityPerson)
	registerFake(t, r, newNERFake("en"), "en", detectors.EntityPerson, detectors.EntityLocation)

	res, err := NewAnalyzer(r).Analyze(context.Background(), "John lives in Athens", "en", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 2)
	assert.Equal(t, "John", res.Spans[0].Text)
	assert.Equal(t, "Athens", res.Spans[1].Text)
	assert.Equal(t, []string{"crashing"}, res.Failed)

	r2 := mustRegistry()
	registerFake(t, r2, &fakeDetector{name: "crashing", panics: true}, "el", detectors.EntityPerson)
	_, err = NewAnalyzer(r2).Analyze(context.Background(), "Γιάννη", "el", nil)
	var rue *RecognizerUnavailableError
	require.ErrorAs(t, err, &rue)
	assert.Equal(t, "crashing", rue.Recognizer)
	assert.Contains(t, rue.Error(), "panic")
}

func TestAnalyzer_AllRecognizersFail(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "a", err: errors.New("a down")}, "el", "X")
	registerFake(t, r, &fakeDetector{name: "b", err: errors.New("b down")}, "el", "Y")

	_, err := NewAnalyzer(r).Analyze(context.Background(), "κείμενο", "el", nil)

	var afe *AnalysisFailedError
	require.ErrorAs(t, err, &afe)
	assert.Equal(t, "el", afe.Language)
	assert.Len(t, afe.Errs, 2)

	var rue *RecognizerUnavailableError
	require.ErrorAs(t, err, &rue)
}

func TestAnalyzer_RecognizerTimeout(t *testing.T) {
	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "slow", block: true}, "en", detectors.EntityPerson)
	registerFake(t, r, &fakeDetector{name: "fast", spans: []detectors.Span{span("X", 0, 1, 0.5)}}, "en", "X")

	a := NewAnalyzer(r, WithRecognizerTimeout(20*time.Millisecond))
	start := time.Now()
	res, err := a.Analyze(context.Background(), "abc", "en", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"slow"}, res.Failed)
	assert.Len(t, res.Spans, 1)

	r2 := mustRegistry()
	registerFake(t, r2, &fakeDetector{name: "slow", block: true}, "en", detectors.EntityPerson)
	_, err = NewAnalyzer(r2, WithRecognizerTimeout(20*time.Millisecond)).Analyze(context.Background(), "abc", "en", nil)
	var rue *RecognizerUnavailableError
	require.ErrorAs(t, err, &rue)
	assert.Equal(t, "slow", rue.Recognizer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnalyzer_ContextBoostChangesWinner(t *testing.T) {
	text := "τηλέφωνο 6912345678"
	start, end := len("τηλέφωνο "), len(text)

	r := mustRegistry()
	registerFake(t, r, &fakeDetector{name: "generic", spans: []detectors.Span{span("NUMBERS", start, end, 0.5)}}, "el", "NUMBERS")
	require.NoError(t, r.Register(
		&fakeDetector{name: "phone", spans: []detectors.Span{span("PHONE_NUMBER", start, end, 0.3)}},
		RecognizerConfig{EntityTypes: []string{"PHONE_NUMBER"}, Language: "el", Strategy: StrategyPattern, Context: []string{"τηλέφωνο"}},
	))

	res, err := NewAnalyzer(r).Analyze(context.Background(), text, "el", nil)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, "PHONE_NUMBER", res.Spans[0].EntityType)
	assert.Equal(t, "6912345678", res.Spans[0].Text)
	assert.InDelta(t, 0.65, res.Spans[0].Score, 1e-9)
}
