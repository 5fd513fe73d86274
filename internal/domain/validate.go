package domain

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultCountryCode is prefixed onto bare national phone numbers.
const DefaultCountryCode = "55"

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether addr looks like a deliverable mail address.
func ValidEmail(addr string) bool {
	return emailPattern.MatchString(addr)
}

// NormalizePhone canonicalizes a phone number into +<country><number> form
// using DefaultCountryCode. The operation is idempotent: canonical input
// comes back unchanged.
func NormalizePhone(raw string) (string, error) {
	return NormalizePhoneCountry(raw, DefaultCountryCode)
}

// NormalizePhoneCountry canonicalizes raw with an explicit country code.
// Accepted inputs:
//   - already canonical: "+" followed by 10 to 15 digits
//   - national number: 10 or 11 digits, country code gets prefixed
//   - country-prefixed without "+": <country> + 10 or 11 digits
//
// Formatting characters (spaces, dashes, parentheses, dots) are stripped.
func NormalizePhoneCountry(raw, country string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '+' {
			return r
		}
		return -1
	}, raw)

	if cleaned == "" {
		return "", NewSendError(ErrValidation, "empty phone number")
	}
	if strings.Count(cleaned, "+") > 1 || (strings.Contains(cleaned, "+") && !strings.HasPrefix(cleaned, "+")) {
		return "", NewSendError(ErrValidation, "malformed phone number: %s", raw)
	}

	if strings.HasPrefix(cleaned, "+") {
		digits := cleaned[1:]
		if len(digits) < 10 || len(digits) > 15 {
			return "", NewSendError(ErrValidation, "phone number out of range: %s", raw)
		}
		return cleaned, nil
	}

	// National numbers take precedence over country-prefixed ones, so an
	// 11-digit number starting with the country code is still national.
	switch {
	case len(cleaned) == 10 || len(cleaned) == 11:
		return "+" + country + cleaned, nil
	case strings.HasPrefix(cleaned, country) &&
		(len(cleaned) == len(country)+10 || len(cleaned) == len(country)+11):
		return "+" + cleaned, nil
	}
	return "", NewSendError(ErrValidation, "unrecognized phone format: %s", raw)
}

// SanitizeText strips control characters that break provider payloads,
// keeping newlines and tabs, and trims surrounding whitespace.
func SanitizeText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(cleaned)
}

// ValidateEnvelope checks an envelope before any provider is contacted.
// A non-nil result means the send must fail locally with status failed.
func ValidateEnvelope(env Envelope) *SendError {
	if len(env.Recipients) == 0 {
		return NewSendError(ErrValidation, "envelope has no recipients")
	}
	for i, r := range env.Recipients {
		if err := r.Validate(); err != nil {
			if se, ok := err.(*SendError); ok {
				return se
			}
			return NewSendError(ErrValidation, "recipient %d: %v", i, err)
		}
	}
	if strings.TrimSpace(env.Content.Text) == "" && env.Content.MediaPath == "" {
		return NewSendError(ErrValidation, "message text is required")
	}
	if n := utf8.RuneCountInString(env.Content.Text); n > MaxTextLength {
		return NewSendError(ErrValidation,
			"message text exceeds %d characters (%d)", MaxTextLength, n)
	}
	if env.Status != StatusPending {
		return NewSendError(ErrValidation, "envelope %s is not pending (%s)", env.ID, env.Status)
	}
	return nil
}

// RecipientKinds reports which address kinds appear in the slice.
func RecipientKinds(recipients []Recipient) (hasPhone, hasMail bool) {
	for _, r := range recipients {
		switch r.Kind {
		case RecipientPhone:
			hasPhone = true
		case RecipientMail:
			hasMail = true
		}
	}
	return
}
