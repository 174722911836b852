package detectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ssnDetector(t *testing.T) *RegexDetector {
	t.Helper()
	detector, err := NewRegexDetector("ssn_recognizer", "SOCIALNUM", []Pattern{
		{Name: "ssn", Regex: `\b\d{3}-\d{2}-\d{4}\b`, Score: 0.7},
	}, nil)
	require.NoError(t, err)
	return detector
}

func TestRegexDetector_GetName(t *testing.T) {
	detector := ssnDetector(t)
	assert.Equal(t, "ssn_recognizer", detector.GetName())
	assert.Equal(t, "SOCIALNUM", detector.EntityType())
}

func TestNewRegexDetector_Errors(t *testing.T) {
	tests := []struct {
		name     string
		patterns []Pattern
	}{
		{name: "no patterns", patterns: nil},
		{name: "bad regex", patterns: []Pattern{{Name: "bad", Regex: `(\d+`, Score: 0.5}}},
		{name: "score above one", patterns: []Pattern{{Name: "p", Regex: `\d`, Score: 1.5}}},
		{name: "negative score", patterns: []Pattern{{Name: "p", Regex: `\d`, Score: -0.1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegexDetector("r", "X", tt.patterns, nil)
			assert.Error(t, err)
		})
	}
}

func TestRegexDetector_Detect_NoMatches(t *testing.T) {
	detector := ssnDetector(t)
	input := DetectorInput{Text: "This text has no SSN numbers."}

	output, err := detector.Detect(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, output.Spans)
	assert.Equal(t, input.Text, output.Text)
}

func TestRegexDetector_Detect_WithMatches(t *testing.T) {
	detector := ssnDetector(t)
	input := DetectorInput{Text: "My SSN is 123-45-6789 and another is 987-65-4321."}

	output, err := detector.Detect(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, output.Spans, 2)

	first := output.Spans[0]
	assert.Equal(t, "123-45-6789", first.Text)
	assert.Equal(t, "SOCIALNUM", first.EntityType)
	assert.Equal(t, 10, first.Start)
	assert.Equal(t, 21, first.End)
	assert.Equal(t, 0.7, first.Score)
	assert.Equal(t, "ssn_recognizer", first.Recognizer)

	second := output.Spans[1]
	assert.Equal(t, "987-65-4321", second.Text)
	assert.Equal(t, 37, second.Start)
	assert.Equal(t, 48, second.End)
}

func TestRegexDetector_Detect_EmailPattern(t *testing.T) {
	var email BuiltinPattern
	for _, b := range BuiltinPatterns {
		if b.EntityType == EntityEmailAddress {
			email = b
		}
	}
	detector, err := NewRegexDetector("email_recognizer", email.EntityType, email.Patterns, email.Validate)
	require.NoError(t, err)

	text := "Contact me at john.doe@example.com or jane@test.org"
	output, err := detector.Detect(context.Background(), DetectorInput{Text: text})
	require.NoError(t, err)
	require.Len(t, output.Spans, 2)

	assert.Equal(t, "john.doe@example.com", output.Spans[0].Text)
	assert.Equal(t, text[output.Spans[0].Start:output.Spans[0].End], output.Spans[0].Text)
	assert.Equal(t, 1.0, output.Spans[0].Score, "validated matches are promoted")
	assert.Equal(t, "jane@test.org", output.Spans[1].Text)
}

func TestRegexDetector_Detect_ValidatorDropsMatches(t *testing.T) {
	detector, err := NewRegexDetector("cc", EntityCreditCard, []Pattern{
		{Name: "cc", Regex: `\b(?:\d[ -]?){12,18}\d\b`, Score: 0.3},
	}, ValidLuhn)
	require.NoError(t, err)

	output, err := detector.Detect(context.Background(), DetectorInput{
		Text: "valid 4111 1111 1111 1111 invalid 4111 1111 1111 1112",
	})
	require.NoError(t, err)
	require.Len(t, output.Spans, 1)
	assert.Equal(t, "4111 1111 1111 1111", output.Spans[0].Text)
}

func TestRegexDetector_Detect_SameRangeKeepsBestScore(t *testing.T) {
	detector, err := NewRegexDetector("nums", EntityNumbers, []Pattern{
		{Name: "low", Regex: `\d+`, Score: 0.2},
		{Name: "high", Regex: `\b\d{4}\b`, Score: 0.6},
	}, nil)
	require.NoError(t, err)

	output, err := detector.Detect(context.Background(), DetectorInput{Text: "pin 1234"})
	require.NoError(t, err)
	require.Len(t, output.Spans, 1)
	assert.Equal(t, 0.6, output.Spans[0].Score)
}

func TestRegexDetector_Detect_GreekText(t *testing.T) {
	detector, err := NewRegexDetector("nums", EntityNumbers, []Pattern{{Name: "n", Regex: `\d+`, Score: 0.2}}, nil)
	require.NoError(t, err)

	text := "Είμαι 35 χρονών"
	output, err := detector.Detect(context.Background(), DetectorInput{Text: text, Language: "el"})
	require.NoError(t, err)
	require.Len(t, output.Spans, 1)
	assert.Equal(t, "35", text[output.Spans[0].Start:output.Spans[0].End])
}

func TestRegexDetector_Detect_CanceledContext(t *testing.T) {
	detector := ssnDetector(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := detector.Detect(ctx, DetectorInput{Text: "123-45-6789"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuiltinPatterns_Compile(t *testing.T) {
	for _, b := range BuiltinPatterns {
		_, err := NewRegexDetector(b.EntityType, b.EntityType, b.Patterns, b.Validate)
		assert.NoError(t, err, b.EntityType)
	}
}

func TestBuiltinPatterns_IPAddress(t *testing.T) {
	var ip BuiltinPattern
	for _, b := range BuiltinPatterns {
		if b.EntityType == EntityIPAddress {
			ip = b
		}
	}
	detector, err := NewRegexDetector("ip", ip.EntityType, ip.Patterns, ip.Validate)
	require.NoError(t, err)

	output, err := detector.Detect(context.Background(), DetectorInput{Text: "connected from 192.168.1.10 today"})
	require.NoError(t, err)
	require.Len(t, output.Spans, 1)
	assert.Equal(t, "192.168.1.10", output.Spans[0].Text)
}
