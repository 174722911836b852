package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hannes/piibridge/src/backend/config"
	"github.com/hannes/piibridge/src/backend/metrics"
	"github.com/hannes/piibridge/src/backend/pii"
	"github.com/hannes/piibridge/src/backend/pii/detectors"
	"github.com/hannes/piibridge/src/backend/translation"
)

// nerEntityTypes are the entity types produced by named-entity recognizers.
var nerEntityTypes = []string{detectors.EntityPerson, detectors.EntityLocation, detectors.EntityNRP}

// app holds the process-wide components built from configuration.
type app struct {
	pipeline *pii.Pipeline
	models   []*pii.ModelManager
	closers  []func() error
	cancel   context.CancelFunc
}

// newApp builds the registry, translator, audit log and pipeline.
func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	a := &app{}
	ctx, a.cancel = context.WithCancel(ctx)

	registry, err := buildRegistry(cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}

	translator, err := a.buildTranslator(cfg, m)
	if err != nil {
		registry.Close() //nolint:errcheck // best-effort close on init failure
		a.close()
		return nil, err
	}

	audit, err := a.buildAudit(ctx, cfg)
	if err != nil {
		registry.Close() //nolint:errcheck // best-effort close on init failure
		a.close()
		return nil, err
	}

	analyzer := pii.NewAnalyzer(registry,
		pii.WithRecognizerTimeout(cfg.Analysis.RecognizerTimeout()),
		pii.WithAnalyzerMetrics(m),
		pii.WithVerboseSpans(cfg.Logging.LogVerbose),
	)

	p, err := pii.NewPipeline(pii.PipelineConfig{
		Registry:      registry,
		Analyzer:      analyzer,
		Translator:    translator,
		Audit:         audit,
		Metrics:       m,
		PivotLanguage: cfg.Languages.Pivot,
		ForceBridge:   cfg.Languages.ForceBridge,
	})
	if err != nil {
		registry.Close() //nolint:errcheck // best-effort close on init failure
		audit.Close()    //nolint:errcheck // best-effort close on init failure
		a.close()
		return nil, err
	}
	a.pipeline = p
	return a, nil
}

// buildRegistry registers the built-in, custom and model recognizers for
// every supported language.
func buildRegistry(cfg *config.Config, a *app) (*pii.Registry, error) {
	var opts []pii.RegistryOption
	if cfg.Analysis.RejectDuplicates {
		opts = append(opts, pii.WithDuplicatePolicy(pii.RejectDuplicates))
	}
	registry := pii.NewRegistry(cfg.Languages.Supported, opts...)

	fail := func(err error) (*pii.Registry, error) {
		registry.Close() //nolint:errcheck // best-effort close on init failure
		return nil, err
	}

	for _, lang := range cfg.Languages.Supported {
		if err := pii.RegisterBuiltins(registry, lang); err != nil {
			return fail(err)
		}
		for _, rc := range cfg.CustomRecognizers {
			if rc.Language != "" && rc.Language != lang {
				continue
			}
			rc.Language = lang
			if rc.Name != "" {
				rc.Name = rc.Name + "_" + lang
			}
			if err := registry.RegisterConfig(rc); err != nil {
				return fail(err)
			}
		}
	}

	if cfg.Model.Enabled {
		mm := pii.NewModelManager("ner", cfg.Model.Directory, pii.ONNXDetectorFactory("ner", cfg.Model.Labels))
		a.models = append(a.models, mm)
		for _, lang := range cfg.Model.Languages {
			err := registry.Register(mm, pii.RecognizerConfig{
				Name:        "ner_" + lang,
				EntityTypes: nerEntityTypes,
				Language:    lang,
				Strategy:    pii.StrategyModel,
			})
			if err != nil {
				return fail(fmt.Errorf("model recognizer: %w", err))
			}
		}
	}

	if cfg.Model.RemoteNERURL != "" {
		timeout := time.Duration(cfg.Model.RemoteTimeoutSecs) * time.Second
		for _, lang := range cfg.Model.RemoteNERLanguages {
			name := "remote_ner_" + lang
			d := detectors.NewRemoteNERDetector(name, cfg.Model.RemoteNERURL, timeout, cfg.Model.Labels)
			err := registry.Register(d, pii.RecognizerConfig{
				Name:        name,
				EntityTypes: nerEntityTypes,
				Language:    lang,
				Strategy:    pii.StrategyModel,
			})
			if err != nil {
				return fail(fmt.Errorf("remote recognizer: %w", err))
			}
		}
	}

	for _, lang := range registry.Languages() {
		slog.Info("recognizers registered", "language", lang, "entity_types", registry.EntityTypes(lang))
	}
	return registry, nil
}

// buildTranslator returns nil when no translation service is configured.
func (a *app) buildTranslator(cfg *config.Config, m *metrics.Metrics) (translation.Translator, error) {
	if cfg.Translation.BaseURL == "" {
		slog.Warn("no translation service configured, every language is analysed natively")
		return nil, nil
	}

	remote := translation.NewHTTPTranslator(translation.HTTPConfig{
		BaseURL:           cfg.Translation.BaseURL,
		APIKey:            cfg.Translation.APIKey,
		Timeout:           cfg.Translation.Timeout(),
		RequestsPerSecond: cfg.Translation.RequestsPerSecond,
		Burst:             cfg.Translation.Burst,
	})

	cache, err := translation.NewCache(translation.CacheConfig{
		Backend:    cfg.Cache.Backend,
		Path:       cfg.Cache.Path,
		RedisURL:   cfg.Cache.RedisURL,
		TTL:        cfg.Cache.TTL(),
		MaxEntries: cfg.Cache.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("translation cache: %w", err)
	}
	if cache == nil {
		return remote, nil
	}

	// Only pivot->source results are cached; their input is already anonymized.
	cached := translation.NewCachedTranslator(remote, cache, cfg.Languages.Pivot, m)
	a.closers = append(a.closers, cached.Close)
	return cached, nil
}

// buildAudit opens the PostgreSQL audit log and schedules its cleanup, or
// falls back to the in-memory log.
func (a *app) buildAudit(ctx context.Context, cfg *config.Config) (pii.AuditLog, error) {
	if !cfg.Database.Enabled {
		return pii.NewMemoryAuditLog(pii.DefaultMaxAuditEntries), nil
	}

	db := cfg.Database
	pg, err := pii.NewPostgresAuditLog(ctx, pii.DatabaseConfig{
		Host:         db.Host,
		Port:         db.Port,
		Database:     db.Database,
		Username:     db.Username,
		Password:     db.Password,
		SSLMode:      db.SSLMode,
		MaxOpenConns: db.MaxOpenConns,
		MaxIdleConns: db.MaxIdleConns,
		MaxLifetime:  time.Duration(db.MaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("audit database: %w", err)
	}

	if db.CleanupHours > 0 {
		go cleanupLoop(ctx, pg, time.Duration(db.CleanupHours)*time.Hour)
	}
	return pg, nil
}

// cleanupLoop removes expired audit entries once an hour until ctx ends.
func cleanupLoop(ctx context.Context, pg *pii.PostgresAuditLog, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.CleanupOldEntries(ctx, retention)
			if err != nil {
				slog.Warn("audit cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired audit entries", "count", n)
			}
		}
	}
}

// close stops background work and releases every component.
func (a *app) close() {
	a.cancel()
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}
}
