package pii

import (
	"fmt"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

// DefaultContextWords lists the keywords that raise the score of a pattern
// match when they appear shortly before it.
var DefaultContextWords = map[string]map[string][]string{
	"en": {
		detectors.EntityEmailAddress: {"email", "e-mail", "mail", "contact"},
		detectors.EntityIPAddress:    {"ip", "address", "host", "server"},
		detectors.EntityPhoneNumber:  {"phone", "telephone", "mobile", "cell", "number", "call"},
		detectors.EntityIBANCode:     {"iban", "bank", "account", "transfer"},
		detectors.EntityCreditCard:   {"credit", "card", "visa", "mastercard", "amex", "debit", "payment"},
	},
	"el": {
		detectors.EntityEmailAddress: {"μειλ", "email", "ηλεκτρονικό", "ταχυδρομείο"},
		detectors.EntityIPAddress:    {"ip", "διεύθυνση"},
		detectors.EntityPhoneNumber:  {"τηλέφωνο", "τηλ", "κινητό", "αριθμός", "αριθμό"},
		detectors.EntityIBANCode:     {"ιβαν", "iban", "τράπεζα", "λογαριασμός", "λογαριασμό"},
		detectors.EntityCreditCard:   {"credit", "card", "visa", "mastercard", "πιστωτική", "κάρτα", "χρεωστική"},
	},
}

// RegisterBuiltins registers the built-in pattern recognizers for language,
// each with the context words configured for it.
func RegisterBuiltins(r *Registry, language string) error {
	for _, b := range detectors.BuiltinPatterns {
		name := fmt.Sprintf("%s_pattern_%s", b.EntityType, language)
		d, err := detectors.NewRegexDetector(name, b.EntityType, b.Patterns, b.Validate)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", b.EntityType, err)
		}
		cfg := RecognizerConfig{
			Name:        name,
			EntityTypes: []string{b.EntityType},
			Language:    language,
			Strategy:    StrategyPattern,
			Patterns:    b.Patterns,
			Context:     DefaultContextWords[language][b.EntityType],
		}
		if err := r.Register(d, cfg); err != nil {
			return err
		}
	}
	return nil
}

// DefaultCustomRecognizers are the user-supplied recognizers registered for
// every language unless configuration replaces them.
func DefaultCustomRecognizers() []RecognizerConfig {
	return []RecognizerConfig{
		{
			Name:        "blood_type_deny_list",
			EntityTypes: []string{detectors.EntityBloodType},
			Strategy:    StrategyDenyList,
			DenyList:    []string{"A-", "A+", "B-", "B+", "AB-", "AB+", "O-", "O+"},
			Score:       1.0,
		},
		{
			Name:        "numbers_pattern",
			EntityTypes: []string{detectors.EntityNumbers},
			Strategy:    StrategyPattern,
			Patterns:    []detectors.Pattern{{Name: "numbers", Regex: `\d+`, Score: 0.2}},
		},
	}
}
