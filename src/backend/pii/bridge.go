package pii

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hannes/piibridge/src/backend/metrics"
	"github.com/hannes/piibridge/src/backend/translation"
)

// AnalyzeFunc analyses text in language.
type AnalyzeFunc func(ctx context.Context, text, language string) (AnalysisResult, error)

// AnonymizeFunc anonymizes text given its analysis.
type AnonymizeFunc func(ctx context.Context, text string, result AnalysisResult) (AnonymizedText, error)

// BridgeResult is the outcome of a pivot round trip. Text is in the source
// language. Analysis and Pivot describe the pivot-language text the spans
// were found in; their offsets do not apply to Text.
type BridgeResult struct {
	Text     string
	Analysis AnalysisResult
	Pivot    AnonymizedText
	// PlaceholdersSent and PlaceholdersLost count bracketed tags before
	// and after back-translation.
	PlaceholdersSent int
	PlaceholdersLost int
}

// Bridge runs detection on a translated copy of the text and translates
// the redacted result back.
type Bridge struct {
	translator translation.Translator
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewBridge creates a bridge over translator.
func NewBridge(translator translation.Translator, m *metrics.Metrics) *Bridge {
	return &Bridge{
		translator: translator,
		metrics:    m,
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default().With("component", "bridge"),
	}
}

// Process translates text from source to pivot, analyses and anonymizes it
// there, and translates the anonymized text back. A translation failure
// fails the call; the original text is never returned in its place.
func (b *Bridge) Process(ctx context.Context, text, source, pivot string, analyze AnalyzeFunc, anonymize AnonymizeFunc) (BridgeResult, error) {
	ctx, span := b.tracer.Start(ctx, "pii.Bridge", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("pivot", pivot),
	))
	defer span.End()

	translated, err := b.translate(ctx, text, source, pivot)
	if err != nil {
		span.RecordError(err)
		return BridgeResult{}, err
	}

	result, err := analyze(ctx, translated, pivot)
	if err != nil {
		return BridgeResult{}, err
	}
	anonymized, err := anonymize(ctx, translated, result)
	if err != nil {
		return BridgeResult{}, err
	}

	back, err := b.translate(ctx, anonymized.Text, pivot, source)
	if err != nil {
		span.RecordError(err)
		return BridgeResult{}, err
	}

	sent, lost := placeholderDrift(anonymized, back)
	if lost > 0 {
		b.metrics.AddPlaceholderDrift(lost)
		b.logger.Warn("placeholders altered by back-translation", "source", source, "pivot", pivot,
			"sent", sent, "lost", lost)
	}
	span.SetAttributes(attribute.Int("placeholders.sent", sent), attribute.Int("placeholders.lost", lost))

	return BridgeResult{
		Text:             back,
		Analysis:         result,
		Pivot:            anonymized,
		PlaceholdersSent: sent,
		PlaceholdersLost: lost,
	}, nil
}

func (b *Bridge) translate(ctx context.Context, text, from, to string) (string, error) {
	if text == "" || from == to {
		return text, nil
	}
	start := time.Now()
	out, err := b.translator.Translate(ctx, text, from, to)
	b.metrics.ObserveTranslation(from, to, time.Since(start), err)
	if err != nil {
		return "", translation.Unavailable(from, to, err)
	}
	return out, nil
}

// placeholderDrift counts the bracketed tags inserted by the anonymizer and
// how many of them are missing from the back-translated text.
func placeholderDrift(anonymized AnonymizedText, back string) (sent, lost int) {
	expected := map[string]int{}
	for _, a := range anonymized.Applied {
		if IsTranslationStable(a.Replacement) {
			expected[a.Replacement]++
		}
	}
	for tag, n := range expected {
		sent += n
		if kept := strings.Count(back, tag); kept < n {
			lost += n - kept
		}
	}
	return sent, lost
}
