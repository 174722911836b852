// Package translation provides the machine translation used to analyse
// text through a pivot language.
package translation

import (
	"context"
	"errors"
	"fmt"
)

// Translator translates text between two languages. Implementations must be
// safe for concurrent use.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, text, from, to string) (string, error)

// Translate calls f.
func (f TranslatorFunc) Translate(ctx context.Context, text, from, to string) (string, error) {
	return f(ctx, text, from, to)
}

// TranslationUnavailableError is returned when the translation provider
// fails or times out.
type TranslationUnavailableError struct {
	From string
	To   string
	Err  error
}

func (e *TranslationUnavailableError) Error() string {
	return fmt.Sprintf("translation %s->%s unavailable: %v", e.From, e.To, e.Err)
}

func (e *TranslationUnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a TranslationUnavailableError unless it already
// is one.
func Unavailable(from, to string, err error) error {
	if err == nil {
		return nil
	}
	var tue *TranslationUnavailableError
	if errors.As(err, &tue) {
		return err
	}
	return &TranslationUnavailableError{From: from, To: to, Err: err}
}
