package generators

import (
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"unicode"
)

// Dummy value generators used by the synthetic operator table. Every
// generator receives the RNG of the current anonymization call and the
// matched text, so the output can follow the shape of the original.

// isGreek reports whether the text contains at least one Greek letter.
func isGreek(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Greek, r) {
			return true
		}
	}
	return false
}

func pick(rng *rand.Rand, values []string) string {
	return values[rng.Intn(len(values))]
}

// PersonGenerator generates dummy full names, Greek ones for Greek input
func PersonGenerator(rng *rand.Rand, original string) string {
	if isGreek(original) {
		first := []string{
			"Γιώργος", "Μαρία", "Νίκος", "Ελένη", "Κώστας", "Κατερίνα", "Δημήτρης",
			"Σοφία", "Γιάννης", "Αναστασία", "Παναγιώτης", "Βασιλική", "Χρήστος", "Ειρήνη",
		}
		last := []string{
			"Παπαδόπουλος", "Οικονόμου", "Γεωργίου", "Νικολάου", "Δημητρίου",
			"Ιωάννου", "Κωνσταντίνου", "Αθανασίου", "Χριστοδούλου", "Μιχαηλίδης",
		}
		return pick(rng, first) + " " + pick(rng, last)
	}

	first := []string{
		"John", "Jane", "Michael", "Sarah", "David", "Emily", "James", "Emma",
		"Alex", "Taylor", "Jordan", "Riley", "Maria", "Nikos", "Elena", "Ivan",
	}
	last := []string{
		"Doe", "Smith", "Johnson", "Brown", "Davis", "Wilson", "Moore", "Taylor",
		"Anderson", "Thomas", "Jackson", "White", "Garcia", "Novak", "Kelly",
	}
	// Single-token input gets a single-token name back.
	if !strings.Contains(strings.TrimSpace(original), " ") && original != "" {
		return pick(rng, first)
	}
	return pick(rng, first) + " " + pick(rng, last)
}

// DefaultLocations is the candidate list of LocationGenerator.
var DefaultLocations = []string{"Athens", "Nicosia", "New York"}

// ChoiceGenerator returns a generator drawing uniformly from values.
func ChoiceGenerator(values []string) func(*rand.Rand, string) string {
	return func(rng *rand.Rand, original string) string {
		return pick(rng, values)
	}
}

// LocationGenerator picks one of DefaultLocations
func LocationGenerator(rng *rand.Rand, original string) string {
	return pick(rng, DefaultLocations)
}

// EmailGenerator generates dummy email addresses
func EmailGenerator(rng *rand.Rand, original string) string {
	firstNames := []string{
		"jane", "john", "alex", "sam", "taylor", "casey", "jordan", "riley",
		"maria", "nikos", "eleni", "kostas", "sofia", "dimitris",
	}
	lastNames := []string{
		"doe", "smith", "johnson", "brown", "papadopoulos", "georgiou",
		"nikolaou", "ioannou", "oikonomou",
	}
	// RFC 2606 reserved domains only
	domains := []string{"example.com", "example.org", "example.net"}

	return fmt.Sprintf("%s.%s@%s", pick(rng, firstNames), pick(rng, lastNames), pick(rng, domains))
}

// PhoneGenerator generates dummy phone numbers. Numbers with a +30 prefix or
// a Greek mobile shape stay Greek.
func PhoneGenerator(rng *rand.Rand, original string) string {
	digits := onlyDigits(original)
	if strings.HasPrefix(digits, "30") || strings.HasPrefix(digits, "69") || strings.HasPrefix(digits, "2") {
		number := fmt.Sprintf("69%08d", rng.Intn(100000000))
		if strings.HasPrefix(strings.TrimSpace(original), "+") {
			return "+30 " + number
		}
		return number
	}

	areaCode := 200 + rng.Intn(800)
	exchange := 200 + rng.Intn(800)
	number := 1000 + rng.Intn(9000)

	formats := []string{"%d-%d-%d", "%d.%d.%d", "(%d) %d-%d"}
	return fmt.Sprintf(pick(rng, formats), areaCode, exchange, number)
}

// CreditCardGenerator generates Luhn-valid dummy card numbers, keeping the
// separator of the original when it has one
func CreditCardGenerator(rng *rand.Rand, original string) string {
	digits := make([]int, 16)
	digits[0] = 4
	for i := 1; i < 15; i++ {
		digits[i] = rng.Intn(10)
	}
	digits[15] = luhnCheckDigit(digits[:15])

	sep := ""
	switch {
	case strings.Contains(original, "-"):
		sep = "-"
	case strings.Contains(original, " "):
		sep = " "
	}

	var b strings.Builder
	for i, d := range digits {
		if i > 0 && i%4 == 0 {
			b.WriteString(sep)
		}
		b.WriteByte(byte('0' + d))
	}
	return b.String()
}

func luhnCheckDigit(payload []int) int {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := payload[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

// IbanGenerator generates dummy Greek IBANs with valid check digits
func IbanGenerator(rng *rand.Rand, original string) string {
	bban := fmt.Sprintf("%03d%04d%016d", rng.Intn(1000), rng.Intn(10000), rng.Int63n(1e16))
	check := ibanCheckDigits("GR", bban)
	iban := "GR" + check + bban

	if !strings.Contains(original, " ") {
		return iban
	}
	var b strings.Builder
	for i, r := range iban {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ibanCheckDigits(country, bban string) string {
	var numeric strings.Builder
	for _, r := range bban + country + "00" {
		if r >= 'A' && r <= 'Z' {
			numeric.WriteString(fmt.Sprintf("%d", r-'A'+10))
		} else {
			numeric.WriteRune(r)
		}
	}
	n, _ := new(big.Int).SetString(numeric.String(), 10)
	mod := new(big.Int).Mod(n, big.NewInt(97)).Int64()
	return fmt.Sprintf("%02d", 98-mod)
}

// NumberGenerator replaces every digit with a random one, keeping length
// and punctuation
func NumberGenerator(rng *rand.Rand, original string) string {
	if original == "" {
		return fmt.Sprintf("%d", rng.Intn(10000))
	}
	out := []rune(original)
	for i, r := range out {
		if r >= '0' && r <= '9' {
			out[i] = rune('0' + rng.Intn(10))
		}
	}
	return string(out)
}

// BloodTypeGenerator generates a blood group
func BloodTypeGenerator(rng *rand.Rand, original string) string {
	return pick(rng, []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"})
}

// NRPGenerator generates a nationality, in Greek for Greek input
func NRPGenerator(rng *rand.Rand, original string) string {
	if isGreek(original) {
		return pick(rng, []string{"Έλληνας", "Κύπριος", "Ιταλός", "Γάλλος"})
	}
	return pick(rng, []string{"Greek", "Cypriot", "Italian", "French", "Spanish"})
}

// GenericGenerator is a fallback generator for unknown types
func GenericGenerator(rng *rand.Rand, original string) string {
	return "[REDACTED]"
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
