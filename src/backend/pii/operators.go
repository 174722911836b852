package pii

import (
	"math/rand"
	"regexp"
	"sort"
)

// DefaultOperatorKey is the operator table entry used for entity types
// without their own entry.
const DefaultOperatorKey = "DEFAULT"

// ValueGenerator produces a replacement for one matched occurrence.
type ValueGenerator func(rng *rand.Rand, original string) string

// Operator is one of Replace, Mask or Redact.
type Operator interface {
	Kind() string
	isOperator()
}

// Replace substitutes the matched text with Value, or with the output of
// Generator when one is set.
type Replace struct {
	Value     string
	Generator ValueGenerator
}

// Mask overwrites Count characters of the match with Char, the trailing
// ones when FromEnd is set and the leading ones otherwise.
type Mask struct {
	Char    rune
	Count   int
	FromEnd bool
}

// Redact removes the match.
type Redact struct{}

func (Replace) Kind() string { return "replace" }
func (Mask) Kind() string    { return "mask" }
func (Redact) Kind() string  { return "redact" }

func (Replace) isOperator() {}
func (Mask) isOperator()    {}
func (Redact) isOperator()  {}

var placeholderPattern = regexp.MustCompile(`^<[A-Z][A-Z0-9_]*>$`)

// IsTranslationStable reports whether value belongs to the bracketed tag
// vocabulary that machine translation leaves alone, e.g. "<HIDDEN_EMAIL>".
func IsTranslationStable(value string) bool {
	return placeholderPattern.MatchString(value)
}

// OperatorTable maps entity types to operators. It is immutable.
type OperatorTable struct {
	ops map[string]Operator
}

// NewOperatorTable validates ops and returns a table holding a copy.
func NewOperatorTable(ops map[string]Operator) (OperatorTable, error) {
	table := OperatorTable{ops: make(map[string]Operator, len(ops))}
	for entityType, op := range ops {
		switch o := op.(type) {
		case Replace:
		case Redact:
		case Mask:
			if o.Count <= 0 {
				return OperatorTable{}, &InvalidOperatorError{EntityType: entityType, Reason: "mask count must be positive"}
			}
			if o.Char == 0 {
				return OperatorTable{}, &InvalidOperatorError{EntityType: entityType, Reason: "mask character is required"}
			}
		case nil:
			return OperatorTable{}, &InvalidOperatorError{EntityType: entityType, Reason: "nil operator"}
		default:
			return OperatorTable{}, &InvalidOperatorError{EntityType: entityType, Reason: "unknown operator kind " + op.Kind()}
		}
		table.ops[entityType] = op
	}
	return table, nil
}

// Lookup returns the operator for entityType, falling back to DEFAULT.
func (t OperatorTable) Lookup(entityType string) (Operator, bool) {
	if op, ok := t.ops[entityType]; ok {
		return op, true
	}
	op, ok := t.ops[DefaultOperatorKey]
	return op, ok
}

// EntityTypes returns the configured keys in sorted order.
func (t OperatorTable) EntityTypes() []string {
	keys := make([]string, 0, len(t.ops))
	for k := range t.ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TranslationStable reports whether every replacement in the table would
// survive machine translation.
func (t OperatorTable) TranslationStable() bool {
	return len(t.UnstableEntries()) == 0
}

// UnstableEntries returns the entity types whose replacement may be altered
// by machine translation. Masks and redactions are stable; replace
// operators are stable only with a fixed bracketed tag.
func (t OperatorTable) UnstableEntries() []string {
	var unstable []string
	for _, k := range t.EntityTypes() {
		if r, ok := t.ops[k].(Replace); ok {
			if r.Generator != nil || !IsTranslationStable(r.Value) {
				unstable = append(unstable, k)
			}
		}
	}
	return unstable
}
