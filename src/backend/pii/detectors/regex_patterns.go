package detectors

// BuiltinPattern describes one of the pattern recognizers shipped with the
// service. Context keywords are configured per language, not here.
type BuiltinPattern struct {
	EntityType string
	Patterns   []Pattern
	Validate   Validator
}

// BuiltinPatterns lists the pattern recognizers registered for every
// supported language.
var BuiltinPatterns = []BuiltinPattern{
	{
		EntityType: EntityEmailAddress,
		Patterns: []Pattern{
			{Name: "email", Regex: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Score: 0.5},
		},
		Validate: ValidEmail,
	},
	{
		EntityType: EntityIPAddress,
		Patterns: []Pattern{
			{Name: "ipv4", Regex: `\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`, Score: 0.6},
			{Name: "ipv6", Regex: `\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`, Score: 0.6},
			{Name: "ipv6_compressed", Regex: `\b(?:[0-9A-Fa-f]{1,4}:){1,6}:(?:[0-9A-Fa-f]{1,4}:){0,5}[0-9A-Fa-f]{1,4}\b`, Score: 0.6},
		},
		Validate: ValidIPAddress,
	},
	{
		EntityType: EntityPhoneNumber,
		Patterns: []Pattern{
			{Name: "gr_mobile", Regex: `(?:\+30[\s-]?)?\b69\d{8}\b`, Score: 0.5},
			{Name: "gr_landline", Regex: `(?:\+30[\s-]?)?\b2\d{9}\b`, Score: 0.4},
			{Name: "international", Regex: `\+\d{1,3}[\s.-]?\(?\d{2,4}\)?[\s.-]?\d{3,4}[\s.-]?\d{3,4}\b`, Score: 0.4},
			{Name: "us", Regex: `\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`, Score: 0.4},
		},
	},
	{
		EntityType: EntityIBANCode,
		Patterns: []Pattern{
			{Name: "iban", Regex: `\b[A-Z]{2}\d{2}(?:[ ]?[A-Z0-9]{4}){2,7}(?:[ ]?[A-Z0-9]{1,3})?\b`, Score: 0.5},
		},
		Validate: ValidIBAN,
	},
	{
		EntityType: EntityCreditCard,
		Patterns: []Pattern{
			{Name: "credit_card", Regex: `\b(?:\d[ -]?){12,18}\d\b`, Score: 0.3},
		},
		Validate: ValidLuhn,
	},
}
