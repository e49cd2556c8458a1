package internal

import (
	"strings"
)

// NormalizeISBN converts any ISBN-10 or ISBN-13 input to the canonical
// ISBN-13 form: digits (and X) only, uppercase, 10-digit forms converted by
// prepending 978 and recomputing the check digit. Inputs that aren't 10 or 13
// characters after stripping, or whose check digit doesn't verify, are
// rejected.
func NormalizeISBN(raw string) (string, error) {
	s := stripISBN(raw)
	switch len(s) {
	case 10:
		if !validISBN10(s) {
			return "", validationErrf("invalid ISBN-10 check digit: %q", raw)
		}
		return isbn10to13(s), nil
	case 13:
		if !validISBN13(s) {
			return "", validationErrf("invalid ISBN-13 check digit: %q", raw)
		}
		return s, nil
	default:
		return "", validationErrf("invalid ISBN length %d: %q", len(s), raw)
	}
}

// ValidISBN reports whether raw normalizes to a valid canonical ISBN.
func ValidISBN(raw string) bool {
	_, err := NormalizeISBN(raw)
	return err == nil
}

// stripISBN removes separators and uppercases the check character.
func stripISBN(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if (r >= '0' && r <= '9') || r == 'X' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

func validISBN10(s string) bool {
	sum := 0
	for i := 0; i < 10; i++ {
		c := s[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += (10 - i) * v
	}
	return sum%11 == 0
}

func validISBN13(s string) bool {
	sum := 0
	for i := 0; i < 13; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		v := int(c - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// isbn10to13 converts a (valid) ISBN-10 to ISBN-13 by prepending 978 and
// recomputing the check digit.
func isbn10to13(s string) string {
	body := "978" + s[:9]
	sum := 0
	for i := 0; i < 12; i++ {
		v := int(body[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}
