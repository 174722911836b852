package pii

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

// Strategy is the matching strategy of a recognizer.
type Strategy string

const (
	StrategyPattern  Strategy = "pattern"
	StrategyDenyList Strategy = "deny_list"
	StrategyModel    Strategy = "model"
)

// RecognizerConfig identifies a recognizer. It is fixed once registered.
type RecognizerConfig struct {
	Name        string              `json:"name"`
	EntityTypes []string            `json:"entity_types"`
	Language    string              `json:"language"`
	Strategy    Strategy            `json:"strategy"`
	Patterns    []detectors.Pattern `json:"patterns,omitempty"`
	DenyList    []string            `json:"deny_list,omitempty"`
	Score       float64             `json:"score,omitempty"`
	Context     []string            `json:"context,omitempty"`
}

// RegisteredRecognizer pairs a detector with its configuration and its
// registration index. Lower indexes win score ties during resolution.
type RegisteredRecognizer struct {
	Detector detectors.Detector
	Config   RecognizerConfig
	Index    int

	contextKeys []string
}

// Produces reports whether the recognizer emits entityType.
func (r RegisteredRecognizer) Produces(entityType string) bool {
	return slices.Contains(r.Config.EntityTypes, entityType)
}

// DuplicatePolicy controls Register for recognizers sharing entity types,
// language and strategy.
type DuplicatePolicy int

const (
	AllowDuplicates DuplicatePolicy = iota
	RejectDuplicates
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDuplicatePolicy sets how identical recognizers are handled.
func WithDuplicatePolicy(p DuplicatePolicy) RegistryOption {
	return func(r *Registry) {
		r.policy = p
	}
}

// Registry holds the recognizers of each supported language in
// registration order. It is populated at startup and read concurrently
// afterwards.
type Registry struct {
	mu          sync.RWMutex
	languages   []string
	recognizers map[string][]RegisteredRecognizer
	policy      DuplicatePolicy
	next        int
}

// NewRegistry creates a registry for the closed set of languages.
func NewRegistry(languages []string, opts ...RegistryOption) *Registry {
	r := &Registry{
		languages:   slices.Clone(languages),
		recognizers: make(map[string][]RegisteredRecognizer, len(languages)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Languages returns the supported languages.
func (r *Registry) Languages() []string {
	return slices.Clone(r.languages)
}

// Supports reports whether language is in the configured set.
func (r *Registry) Supports(language string) bool {
	return slices.Contains(r.languages, language)
}

// Register adds a detector under cfg. An empty cfg.Name takes the detector's
// name.
func (r *Registry) Register(d detectors.Detector, cfg RecognizerConfig) error {
	if d == nil {
		return errors.New("register: nil detector")
	}
	if !r.Supports(cfg.Language) {
		return &UnsupportedLanguageError{Language: cfg.Language}
	}
	if len(cfg.EntityTypes) == 0 {
		return fmt.Errorf("register %q: no entity types", d.GetName())
	}
	if cfg.Name == "" {
		cfg.Name = d.GetName()
	}
	cfg.EntityTypes = slices.Clone(cfg.EntityTypes)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policy == RejectDuplicates {
		for _, existing := range r.recognizers[cfg.Language] {
			if sameTriple(existing.Config, cfg) {
				return &DuplicateRecognizerError{
					Name:        cfg.Name,
					Existing:    existing.Config.Name,
					Language:    cfg.Language,
					EntityTypes: cfg.EntityTypes,
					Strategy:    cfg.Strategy,
				}
			}
		}
	}

	r.recognizers[cfg.Language] = append(r.recognizers[cfg.Language], RegisteredRecognizer{
		Detector:    d,
		Config:      cfg,
		Index:       r.next,
		contextKeys: normalizeKeywords(cfg.Context),
	})
	r.next++
	return nil
}

func sameTriple(a, b RecognizerConfig) bool {
	if a.Strategy != b.Strategy || a.Language != b.Language || len(a.EntityTypes) != len(b.EntityTypes) {
		return false
	}
	x, y := slices.Clone(a.EntityTypes), slices.Clone(b.EntityTypes)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}

// RegisterConfig builds a pattern or deny-list detector from cfg and
// registers it. Model recognizers need a detector and go through Register.
func (r *Registry) RegisterConfig(cfg RecognizerConfig) error {
	if len(cfg.EntityTypes) != 1 {
		return fmt.Errorf("recognizer %q: %s recognizers produce exactly one entity type", cfg.Name, cfg.Strategy)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s_%s_%s", cfg.EntityTypes[0], cfg.Strategy, cfg.Language)
		cfg.Name = name
	}

	var d detectors.Detector
	switch cfg.Strategy {
	case StrategyPattern:
		rd, err := detectors.NewRegexDetector(name, cfg.EntityTypes[0], cfg.Patterns, nil)
		if err != nil {
			return fmt.Errorf("recognizer %q: %w", name, err)
		}
		d = rd
	case StrategyDenyList:
		dd, err := detectors.NewDenyListDetector(name, cfg.EntityTypes[0], cfg.DenyList, cfg.Score)
		if err != nil {
			return fmt.Errorf("recognizer %q: %w", name, err)
		}
		d = dd
	default:
		return fmt.Errorf("recognizer %q: strategy %q cannot be built from configuration", name, cfg.Strategy)
	}
	return r.Register(d, cfg)
}

// RecognizersFor returns the recognizers of language in registration order.
func (r *Registry) RecognizersFor(language string) ([]RegisteredRecognizer, error) {
	if !r.Supports(language) {
		return nil, &UnsupportedLanguageError{Language: language}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := r.recognizers[language]
	if len(recs) == 0 {
		return nil, &UnsupportedLanguageError{Language: language}
	}
	return slices.Clone(recs), nil
}

// EntityTypes returns the sorted union of entity types produced in
// language.
func (r *Registry) EntityTypes(language string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entityTypesOf(r.recognizers[language])
}

// AllEntityTypes returns the sorted union over every language.
func (r *Registry) AllEntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []RegisteredRecognizer
	for _, recs := range r.recognizers {
		all = append(all, recs...)
	}
	return entityTypesOf(all)
}

func entityTypesOf(recs []RegisteredRecognizer) []string {
	seen := map[string]bool{}
	var types []string
	for _, rec := range recs {
		for _, t := range rec.Config.EntityTypes {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	sort.Strings(types)
	return types
}

// Covers reports whether language has a native recognizer for every wanted
// entity type. An empty wanted set stands for every type known to the
// registry in any language.
func (r *Registry) Covers(language string, wanted []string) bool {
	if !r.Supports(language) {
		return false
	}
	if len(wanted) == 0 {
		wanted = r.AllEntityTypes()
	}
	native := r.EntityTypes(language)
	if len(native) == 0 {
		return false
	}
	for _, t := range wanted {
		if _, found := slices.BinarySearch(native, t); !found {
			return false
		}
	}
	return true
}

// Close closes every registered detector.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, recs := range r.recognizers {
		for _, rec := range recs {
			if err := detectors.CloseDetector(rec.Detector); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", rec.Config.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
