package pii

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/hannes/piibridge/src/backend/metrics"
	"github.com/hannes/piibridge/src/backend/pii/detectors"
	"github.com/hannes/piibridge/src/backend/translation"
)

// RedactRequest is one redaction call.
type RedactRequest struct {
	Language        string   `json:"language"`
	Text            string   `json:"text"`
	Mode            string   `json:"mode"`
	IncludeEntities bool     `json:"include_entities"`
	Entities        []string `json:"entities,omitempty"`
	RequestID       string   `json:"-"`
}

// EntityInfo is a resolved span as reported to callers. Start and End are
// character offsets into the analysed text, which is the pivot translation
// when the request was bridged.
type EntityInfo struct {
	EntityType string  `json:"entity_type"`
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
	Recognizer string  `json:"recognizer"`
}

// RedactResponse is the result of a redaction call.
type RedactResponse struct {
	AnonymizedText string       `json:"anonymized_text"`
	Entities       []EntityInfo `json:"entities,omitempty"`
	Bridged        bool         `json:"bridged"`
	PivotLanguage  string       `json:"pivot_language,omitempty"`
}

// PipelineConfig wires the components of a Pipeline.
type PipelineConfig struct {
	Registry   *Registry
	Analyzer   *Analyzer
	Anonymizer *Anonymizer
	Translator translation.Translator
	Generators *GeneratorService
	Audit      AuditLog
	Metrics    *metrics.Metrics

	PivotLanguage string
	// ForceBridge lists languages that always go through the pivot.
	ForceBridge []string
}

// Pipeline is the process-wide redaction service. It is built once and
// shared by all requests; it holds no request state.
type Pipeline struct {
	registry    *Registry
	analyzer    *Analyzer
	anonymizer  *Anonymizer
	bridge      *Bridge
	tables      map[Mode]OperatorTable
	audit       AuditLog
	metrics     *metrics.Metrics
	pivot       string
	forceBridge []string
	logger      *slog.Logger
}

// NewPipeline validates the operator tables and assembles the pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pipeline: registry is required")
	}
	if !cfg.Registry.Supports(cfg.PivotLanguage) {
		return nil, &UnsupportedLanguageError{Language: cfg.PivotLanguage}
	}
	if cfg.Generators == nil {
		cfg.Generators = NewGeneratorService()
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = NewAnalyzer(cfg.Registry, WithAnalyzerMetrics(cfg.Metrics))
	}
	if cfg.Anonymizer == nil {
		cfg.Anonymizer = NewAnonymizer(cfg.Generators)
	}
	if cfg.Audit == nil {
		cfg.Audit = NewMemoryAuditLog(DefaultMaxAuditEntries)
	}

	placeholder, err := NewOperatorTable(PlaceholderOperators())
	if err != nil {
		return nil, fmt.Errorf("placeholder table: %w", err)
	}
	synthetic, err := NewOperatorTable(SyntheticOperators(cfg.Generators))
	if err != nil {
		return nil, fmt.Errorf("synthetic table: %w", err)
	}

	logger := slog.Default().With("component", "pipeline")
	if unstable := placeholder.UnstableEntries(); len(unstable) > 0 {
		logger.Warn("placeholder table has entries that may not survive translation", "entity_types", unstable)
	}

	var bridge *Bridge
	if cfg.Translator != nil {
		bridge = NewBridge(cfg.Translator, cfg.Metrics)
	}

	return &Pipeline{
		registry:    cfg.Registry,
		analyzer:    cfg.Analyzer,
		anonymizer:  cfg.Anonymizer,
		bridge:      bridge,
		tables:      map[Mode]OperatorTable{ModePlaceholder: placeholder, ModeSynthetic: synthetic},
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		pivot:       cfg.PivotLanguage,
		forceBridge: slices.Clone(cfg.ForceBridge),
		logger:      logger,
	}, nil
}

// Languages returns the supported languages.
func (p *Pipeline) Languages() []string {
	return p.registry.Languages()
}

// PivotLanguage returns the language used for bridged requests.
func (p *Pipeline) PivotLanguage() string {
	return p.pivot
}

// Audit returns the audit log.
func (p *Pipeline) Audit() AuditLog {
	return p.audit
}

// NeedsBridge reports whether language lacks native coverage for wanted.
func (p *Pipeline) NeedsBridge(language string, wanted []string) bool {
	if language == p.pivot || p.bridge == nil {
		return false
	}
	return slices.Contains(p.forceBridge, language) || !p.registry.Covers(language, wanted)
}

// Redact detects and anonymizes PII in req.Text.
func (p *Pipeline) Redact(ctx context.Context, req RedactRequest) (resp RedactResponse, err error) {
	start := time.Now()
	language := ParseLanguage(req.Language)
	bridged := false
	modeLabel := "invalid"
	entityCounts := map[string]int{}

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = errorOutcome(err)
		}
		p.metrics.ObserveRequest(language, modeLabel, bridged, outcome, time.Since(start))
		p.record(ctx, req.RequestID, req.Text, language, modeLabel, bridged, entityCounts, outcome)
	}()

	if !p.registry.Supports(language) {
		return RedactResponse{}, &UnsupportedLanguageError{Language: req.Language}
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return RedactResponse{}, err
	}
	modeLabel = string(mode)
	table := p.tables[mode]

	var (
		text     string
		analysed AnalysisResult
	)
	if p.NeedsBridge(language, req.Entities) {
		bridged = true
		res, err := p.bridge.Process(ctx, req.Text, language, p.pivot,
			func(ctx context.Context, text, lang string) (AnalysisResult, error) {
				return p.analyzer.Analyze(ctx, text, lang, req.Entities)
			},
			func(ctx context.Context, text string, result AnalysisResult) (AnonymizedText, error) {
				return p.anonymizer.Anonymize(ctx, text, result, table)
			})
		if err != nil {
			return RedactResponse{}, err
		}
		text, analysed = res.Text, res.Analysis
	} else {
		analysed, err = p.analyzer.Analyze(ctx, req.Text, language, req.Entities)
		if err != nil {
			return RedactResponse{}, err
		}
		anonymized, err := p.anonymizer.Anonymize(ctx, req.Text, analysed, table)
		if err != nil {
			return RedactResponse{}, err
		}
		text = anonymized.Text
	}

	for _, s := range analysed.Spans {
		entityCounts[s.EntityType]++
	}

	resp = RedactResponse{AnonymizedText: text, Bridged: bridged}
	if bridged {
		resp.PivotLanguage = p.pivot
	}
	if req.IncludeEntities {
		resp.Entities = entityInfos(analysed.Text, analysed.Spans)
	}
	return resp, nil
}

func entityInfos(text string, spans []detectors.Span) []EntityInfo {
	infos := make([]EntityInfo, len(spans))
	for i, s := range spans {
		infos[i] = EntityInfo{
			EntityType: s.EntityType,
			Text:       s.Text,
			Start:      runeOffset(text, s.Start),
			End:        runeOffset(text, s.End),
			Score:      s.Score,
			Recognizer: s.Recognizer,
		}
	}
	return infos
}

func (p *Pipeline) record(ctx context.Context, requestID, text, language, mode string, bridged bool, counts map[string]int, outcome string) {
	entry := AuditEntry{
		RequestID:    requestID,
		Language:     language,
		Mode:         mode,
		Bridged:      bridged,
		TextLength:   utf8.RuneCountInString(text),
		EntityCounts: counts,
		Outcome:      outcome,
	}
	if err := p.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Warn("failed to record audit entry", "request_id", requestID, "error", err)
	}
}

// Close releases the recognizers and the audit log.
func (p *Pipeline) Close() error {
	regErr := p.registry.Close()
	if err := p.audit.Close(); err != nil {
		return err
	}
	return regErr
}
