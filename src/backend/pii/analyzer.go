package pii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hannes/piibridge/src/backend/metrics"
	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

const (
	DefaultRecognizerTimeout = 5 * time.Second
	tracerName               = "github.com/hannes/piibridge/src/backend/pii"
)

// AnalysisResult holds the resolved spans of one text. Spans are sorted by
// start and never overlap.
type AnalysisResult struct {
	Text     string           `json:"-"`
	Language string           `json:"language"`
	Spans    []detectors.Span `json:"spans"`
	// Failed names the recognizers whose output was dropped.
	Failed []string `json:"failed,omitempty"`
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithRecognizerTimeout bounds every recognizer run.
func WithRecognizerTimeout(d time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAnalyzerMetrics records recognizer latency and errors.
func WithAnalyzerMetrics(m *metrics.Metrics) AnalyzerOption {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// WithVerboseSpans logs every resolved span at debug level.
func WithVerboseSpans(enabled bool) AnalyzerOption {
	return func(a *Analyzer) {
		a.verbose = enabled
	}
}

// Analyzer runs the registered recognizers of a language and merges their
// findings into one non-overlapping span list.
type Analyzer struct {
	registry *Registry
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	verbose  bool
	logger   *slog.Logger
}

// NewAnalyzer creates an analyzer over registry.
func NewAnalyzer(registry *Registry, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		registry: registry,
		timeout:  DefaultRecognizerTimeout,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default().With("component", "analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type recognizerRun struct {
	spans []detectors.Span
	err   error
}

// Analyze detects the wanted entity types in text. An empty wanted set
// selects every type.
func (a *Analyzer) Analyze(ctx context.Context, text, language string, wanted []string) (AnalysisResult, error) {
	ctx, span := a.tracer.Start(ctx, "pii.Analyze", trace.WithAttributes(
		attribute.String("language", language),
		attribute.Int("text.length", len(text)),
	))
	defer span.End()

	recs, err := a.registry.RecognizersFor(language)
	if err != nil {
		return AnalysisResult{}, err
	}

	result := AnalysisResult{Text: text, Language: language, Spans: []detectors.Span{}}
	selected := selectRecognizers(recs, wanted)
	if text == "" || len(selected) == 0 {
		return result, nil
	}

	runs := make([]recognizerRun, len(selected))
	var g errgroup.Group
	for i, rec := range selected {
		g.Go(func() error {
			runs[i] = a.run(ctx, rec, text, language)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	var candidates []candidate
	for i, run := range runs {
		rec := selected[i]
		if run.err != nil {
			errs = append(errs, run.err)
			result.Failed = append(result.Failed, rec.Config.Name)
			continue
		}
		for _, s := range run.spans {
			if !s.Valid(len(text)) || !wants(wanted, s.EntityType) || !rec.Produces(s.EntityType) {
				continue
			}
			if s.Recognizer == "" {
				s.Recognizer = rec.Config.Name
			}
			s.Text = text[s.Start:s.End]
			s = enhanceWithContext(text, s, rec.contextKeys)
			candidates = append(candidates, candidate{span: s, order: rec.Index})
		}
	}

	if len(errs) == len(selected) {
		span.RecordError(errors.Join(errs...))
		return AnalysisResult{}, &AnalysisFailedError{Language: language, Errs: errs}
	}

	result.Spans = resolveOverlaps(candidates)
	for _, s := range result.Spans {
		a.metrics.IncrementSpans(s.EntityType, language)
		if a.verbose {
			a.logger.Debug("span", "entity_type", s.EntityType, "start", s.Start, "end", s.End,
				"score", s.Score, "recognizer", s.Recognizer)
		}
	}
	span.SetAttributes(attribute.Int("spans", len(result.Spans)), attribute.Int("recognizers.failed", len(errs)))
	return result, nil
}

func (a *Analyzer) run(ctx context.Context, rec RegisteredRecognizer, text, language string) recognizerRun {
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	out, err := detectSafely(rctx, rec.Detector, detectors.DetectorInput{Text: text, Language: language})
	a.metrics.ObserveRecognizer(rec.Config.Name, time.Since(start), err)
	if err != nil {
		a.logger.Warn("recognizer failed", "recognizer", rec.Config.Name, "language", language, "error", err)
		return recognizerRun{err: &RecognizerUnavailableError{Recognizer: rec.Config.Name, Err: err}}
	}
	return recognizerRun{spans: out.Spans}
}

// detectSafely turns a panic inside d into an error so one recognizer cannot
// take down the analysis.
func detectSafely(ctx context.Context, d detectors.Detector, input detectors.DetectorInput) (out detectors.DetectorOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = detectors.DetectorOutput{}, fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Detect(ctx, input)
}

func selectRecognizers(recs []RegisteredRecognizer, wanted []string) []RegisteredRecognizer {
	if len(wanted) == 0 {
		return recs
	}
	var selected []RegisteredRecognizer
	for _, rec := range recs {
		if slices.ContainsFunc(rec.Config.EntityTypes, func(t string) bool { return wants(wanted, t) }) {
			selected = append(selected, rec)
		}
	}
	return selected
}

func wants(wanted []string, entityType string) bool {
	return len(wanted) == 0 || slices.Contains(wanted, entityType)
}
