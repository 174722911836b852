package pii

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

const (
	contextWindow      = 5
	contextBoost       = 0.35
	contextMinScore    = 0.4
	contextMaxScore    = 1.0
	contextPrefixRunes = 4
)

// foldWord lower-cases s and strips combining marks so that "Τηλέφωνο"
// and "τηλεφωνο" compare equal.
func foldWord(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if r == 'ς' {
			return 'σ'
		}
		return r
	}, strings.ToLower(folded))
}

func normalizeKeywords(words []string) []string {
	if len(words) == 0 {
		return nil
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		if f := foldWord(strings.TrimSpace(w)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// precedingWords returns up to n folded words that end before offset.
func precedingWords(text string, offset, n int) []string {
	words := strings.FieldsFunc(text[:offset], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	if len(words) > n {
		words = words[len(words)-n:]
	}
	for i, w := range words {
		words[i] = foldWord(w)
	}
	return words
}

// keywordMatches accepts exact matches and, for longer keywords, inflected
// forms that start with the keyword.
func keywordMatches(word, keyword string) bool {
	if word == keyword {
		return true
	}
	return len([]rune(keyword)) >= contextPrefixRunes && strings.HasPrefix(word, keyword)
}

// enhanceWithContext raises the score of span when one of keys occurs in
// the few words before it.
func enhanceWithContext(text string, span detectors.Span, keys []string) detectors.Span {
	if len(keys) == 0 || span.Start > len(text) {
		return span
	}
	for _, word := range precedingWords(text, span.Start, contextWindow) {
		for _, key := range keys {
			if keywordMatches(word, key) {
				span.Score = min(max(span.Score+contextBoost, contextMinScore), contextMaxScore)
				return span
			}
		}
	}
	return span
}
