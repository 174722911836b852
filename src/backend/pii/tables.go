package pii

import (
	"strings"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
	piiGenerators "github.com/hannes/piibridge/src/backend/pii/generators"
)

// Mode selects the operator table of a request.
type Mode string

const (
	ModePlaceholder Mode = "placeholder"
	ModeSynthetic   Mode = "synthetic"
)

// ParseMode accepts "placeholder", "synthetic" and the empty string, which
// selects placeholder.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModePlaceholder:
		return ModePlaceholder, nil
	case ModeSynthetic:
		return ModeSynthetic, nil
	default:
		return "", &UnknownModeError{Mode: s}
	}
}

// PlaceholderOperators replaces entities with bracketed tags and masks
// numbers that stay useful partially visible.
func PlaceholderOperators() map[string]Operator {
	return map[string]Operator{
		DefaultOperatorKey:           Replace{Value: "<ANONYMIZED>"},
		detectors.EntityPerson:       Replace{Value: "<ANONYMOUS>"},
		detectors.EntityNumbers:      Replace{Value: "<HIDDEN_NUMBER>"},
		detectors.EntityLocation:     Replace{Value: "<HIDDEN_LOCATION>"},
		detectors.EntityEmailAddress: Replace{Value: "<HIDDEN_EMAIL>"},
		detectors.EntityNRP:          Replace{Value: "<REDACTED_NRP>"},
		detectors.EntityBloodType:    Replace{Value: "<HIDDEN_BLOOD_TYPE>"},
		detectors.EntityIBANCode:     Replace{Value: "<HIDDEN_IBAN>"},
		detectors.EntityIPAddress:    Mask{Char: '*', Count: 12, FromEnd: true},
		detectors.EntityPhoneNumber:  Mask{Char: '*', Count: 8, FromEnd: false},
		detectors.EntityCreditCard:   Mask{Char: '*', Count: 12, FromEnd: true},
	}
}

// SyntheticOperators replaces entities with plausible fake values drawn
// per occurrence.
func SyntheticOperators(gen *GeneratorService) map[string]Operator {
	return map[string]Operator{
		DefaultOperatorKey:           Replace{Generator: gen.GeneratorFor(DefaultOperatorKey)},
		detectors.EntityPerson:       Replace{Generator: gen.GeneratorFor(detectors.EntityPerson)},
		detectors.EntityNumbers:      Replace{Value: "0000"},
		detectors.EntityLocation:     Replace{Generator: ValueGenerator(piiGenerators.ChoiceGenerator(piiGenerators.DefaultLocations))},
		detectors.EntityEmailAddress: Replace{Value: "example@mail.com"},
		detectors.EntityNRP:          Replace{Generator: gen.GeneratorFor(detectors.EntityNRP)},
		detectors.EntityBloodType:    Replace{Generator: gen.GeneratorFor(detectors.EntityBloodType)},
		detectors.EntityPhoneNumber:  Replace{Generator: gen.GeneratorFor(detectors.EntityPhoneNumber)},
		detectors.EntityCreditCard:   Replace{Generator: gen.GeneratorFor(detectors.EntityCreditCard)},
		detectors.EntityIBANCode:     Replace{Generator: gen.GeneratorFor(detectors.EntityIBANCode)},
		detectors.EntityIPAddress:    Mask{Char: '*', Count: 12, FromEnd: true},
	}
}

// languageAliases maps the names accepted from users to language codes.
var languageAliases = map[string]string{
	"1":       "el",
	"el":      "el",
	"gr":      "el",
	"greek":   "el",
	"2":       "en",
	"en":      "en",
	"english": "en",

	"ελληνικά": "el",
	"αγγλικά":  "en",
}

// ParseLanguage normalises a user supplied language name. Unknown names are
// returned lower-cased so that the registry reports them as unsupported.
func ParseLanguage(s string) string {
	key := strings.ToLower(strings.TrimSpace(s))
	if code, ok := languageAliases[key]; ok {
		return code
	}
	return key
}
