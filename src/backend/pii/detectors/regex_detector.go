package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// Pattern is a named regular expression with the base score its matches get.
type Pattern struct {
	Name  string  `json:"name"`
	Regex string  `json:"regex"`
	Score float64 `json:"score"`
}

// Validator inspects a raw match. Matches it rejects are dropped; matches it
// accepts are promoted to full confidence.
type Validator func(match string) bool

type compiledPattern struct {
	name  string
	re    *regexp.Regexp
	score float64
}

// RegexDetector implements Detector using regular expressions
type RegexDetector struct {
	name       string
	entityType string
	patterns   []compiledPattern
	validate   Validator
}

// NewRegexDetector compiles patterns for a single entity type.
func NewRegexDetector(name, entityType string, patterns []Pattern, validate Validator) (*RegexDetector, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("regex detector %s: no patterns", name)
	}

	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("regex detector %s: pattern %q: %w", name, p.Name, err)
		}
		if p.Score < 0 || p.Score > 1 {
			return nil, fmt.Errorf("regex detector %s: pattern %q: score %.2f outside [0,1]", name, p.Name, p.Score)
		}
		compiled = append(compiled, compiledPattern{name: p.Name, re: re, score: p.Score})
	}

	return &RegexDetector{
		name:       name,
		entityType: entityType,
		patterns:   compiled,
		validate:   validate,
	}, nil
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return r.name
}

// EntityType returns the entity type this detector produces.
func (r *RegexDetector) EntityType() string {
	return r.entityType
}

// Detect processes the input and returns detected spans
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	var spans []Span
	seen := make(map[[2]int]int)

	// loop through all patterns and find matches
	for _, pattern := range r.patterns {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}
		for _, match := range pattern.re.FindAllStringIndex(input.Text, -1) {
			startPos, endPos := match[0], match[1]
			if startPos == endPos {
				continue
			}
			matchedText := input.Text[startPos:endPos]

			score := pattern.score
			if r.validate != nil {
				if !r.validate(matchedText) {
					continue
				}
				score = 1.0
			}

			// Two patterns hitting the same range keep the better score.
			key := [2]int{startPos, endPos}
			if idx, ok := seen[key]; ok {
				if score > spans[idx].Score {
					spans[idx].Score = score
				}
				continue
			}
			seen[key] = len(spans)
			spans = append(spans, Span{
				EntityType: r.entityType,
				Start:      startPos,
				End:        endPos,
				Score:      score,
				Recognizer: r.name,
				Text:       matchedText,
			})
		}
	}

	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	return DetectorOutput{
		Text:  input.Text,
		Spans: spans,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}
