package detectors

import (
	"math/big"
	"net/netip"
	"strings"
	"unicode"
)

// ValidEmail checks that the domain part has a dotted name with an
// alphabetic top-level label.
func ValidEmail(match string) bool {
	at := strings.LastIndexByte(match, '@')
	if at <= 0 || at == len(match)-1 {
		return false
	}
	domain := match[at+1:]
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" {
			return false
		}
	}
	tld := labels[len(labels)-1]
	for _, r := range tld {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(tld) >= 2
}

// ValidIPAddress parses the match as an IPv4 or IPv6 address.
func ValidIPAddress(match string) bool {
	_, err := netip.ParseAddr(match)
	return err == nil
}

// ValidLuhn runs the Luhn checksum over the digits of match.
func ValidLuhn(match string) bool {
	digits := stripSeparators(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ValidIBAN runs the ISO 13616 mod-97 check.
func ValidIBAN(match string) bool {
	iban := strings.ToUpper(stripSeparators(match))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]

	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}

	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
}
