package pii

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hannes/piibridge/src/backend/translation"
)

// UnsupportedLanguageError is returned when a language is outside the
// configured set or has no recognizers.
type UnsupportedLanguageError struct {
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language %q", e.Language)
}

// DuplicateRecognizerError is returned by Register under RejectDuplicates
// when a recognizer with the same entity types, language and strategy is
// already present.
type DuplicateRecognizerError struct {
	Name        string
	Existing    string
	Language    string
	EntityTypes []string
	Strategy    Strategy
}

func (e *DuplicateRecognizerError) Error() string {
	return fmt.Sprintf("recognizer %q duplicates %q (%s, %s, %s)",
		e.Name, e.Existing, e.Language, strings.Join(e.EntityTypes, ","), e.Strategy)
}

// MissingOperatorError is returned when a span's entity type has neither an
// operator nor a DEFAULT entry.
type MissingOperatorError struct {
	EntityType string
}

func (e *MissingOperatorError) Error() string {
	return fmt.Sprintf("no operator for entity type %q and no %s entry", e.EntityType, DefaultOperatorKey)
}

// RecognizerUnavailableError wraps the failure or timeout of one recognizer.
type RecognizerUnavailableError struct {
	Recognizer string
	Err        error
}

func (e *RecognizerUnavailableError) Error() string {
	return fmt.Sprintf("recognizer %q unavailable: %v", e.Recognizer, e.Err)
}

func (e *RecognizerUnavailableError) Unwrap() error {
	return e.Err
}

// AnalysisFailedError is returned when every selected recognizer failed.
type AnalysisFailedError struct {
	Language string
	Errs     []error
}

func (e *AnalysisFailedError) Error() string {
	return fmt.Sprintf("analysis failed for %q: all %d recognizers failed: %v",
		e.Language, len(e.Errs), errors.Join(e.Errs...))
}

func (e *AnalysisFailedError) Unwrap() []error {
	return e.Errs
}

// UnknownModeError is returned for an operator mode other than placeholder
// or synthetic.
type UnknownModeError struct {
	Mode string
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("unknown anonymization mode %q", e.Mode)
}

// InvalidOperatorError is returned by NewOperatorTable for malformed entries.
type InvalidOperatorError struct {
	EntityType string
	Reason     string
}

func (e *InvalidOperatorError) Error() string {
	return fmt.Sprintf("invalid operator for %q: %s", e.EntityType, e.Reason)
}

// errorOutcome names the kind of err for metrics and audit entries.
func errorOutcome(err error) string {
	var (
		unsupported *UnsupportedLanguageError
		missing     *MissingOperatorError
		failed      *AnalysisFailedError
		mode        *UnknownModeError
		translate   *translation.TranslationUnavailableError
	)
	switch {
	case errors.As(err, &unsupported):
		return "unsupported_language"
	case errors.As(err, &mode):
		return "unknown_mode"
	case errors.As(err, &missing):
		return "missing_operator"
	case errors.As(err, &translate):
		return "translation_unavailable"
	case errors.As(err, &failed):
		return "analysis_failed"
	default:
		return "error"
	}
}
