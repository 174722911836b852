package detectors

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text  string `json:"text"`
	Spans []Span `json:"spans"`
}

// Span is a detected occurrence of an entity type. Start and End are byte
// offsets into the analysed text, End exclusive.
type Span struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
	Recognizer string  `json:"recognizer"`
	Text       string  `json:"text"`
}

// Len returns the byte length of the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Overlaps reports whether the two spans share at least one byte.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Contains reports whether other lies entirely inside s.
func (s Span) Contains(other Span) bool {
	return s.Start <= other.Start && other.End <= s.End
}

// Valid reports whether the span is well formed for a text of length n.
func (s Span) Valid(n int) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= n
}

// Entity types produced by the built-in recognizers.
const (
	EntityPerson       = "PERSON"
	EntityLocation     = "LOCATION"
	EntityNRP          = "NRP"
	EntityEmailAddress = "EMAIL_ADDRESS"
	EntityIPAddress    = "IP_ADDRESS"
	EntityPhoneNumber  = "PHONE_NUMBER"
	EntityIBANCode     = "IBAN_CODE"
	EntityCreditCard   = "CREDIT_CARD"
	EntityNumbers      = "NUMBERS"
	EntityBloodType    = "BLOOD_TYPE"
)
