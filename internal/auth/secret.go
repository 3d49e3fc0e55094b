package auth

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// SecretMode selects how strictly the signing secret is judged.
type SecretMode int

const (
	SecretModeNormal SecretMode = iota
	SecretModeHardened
)

// SecretPolicy holds the tunable bounds of ValidateSecret.
type SecretPolicy struct {
	MinLength         int
	HardenedMinLength int
	Denylist          []string
}

// DefaultSecretDenylist holds placeholder and default values seen in the wild.
var DefaultSecretDenylist = []string{
	"secret",
	"changeme",
	"change-me",
	"password",
	"dev-secret",
	"jwt-secret",
	"your-secret-key",
	"your-256-bit-secret",
	"supersecret",
	"default",
	"test",
	"admin",
	"12345678901234567890123456789012",
	"changemechangemechangemechangeme",
	"secretsecretsecretsecretsecretse",
}

// DefaultSecretPolicy returns the stock bounds.
func DefaultSecretPolicy() SecretPolicy {
	return SecretPolicy{MinLength: 32, HardenedMinLength: 64, Denylist: DefaultSecretDenylist}
}

// ValidateSecret checks the signing secret before any token can be issued.
// Warnings are non-fatal findings the caller should log.
func ValidateSecret(secret string, mode SecretMode, policy SecretPolicy) ([]string, error) {
	if policy.MinLength <= 0 {
		policy.MinLength = 32
	}
	if policy.HardenedMinLength < policy.MinLength {
		policy.HardenedMinLength = policy.MinLength
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret is empty", domain.ErrConfiguration)
	}

	minLength := policy.MinLength
	if mode == SecretModeHardened {
		minLength = policy.HardenedMinLength
	}
	if n := utf8.RuneCountInString(secret); n < minLength {
		return nil, fmt.Errorf("%w: signing secret must be at least %d characters, got %d", domain.ErrConfiguration, minLength, n)
	}

	fold := cases.Fold()
	folded := fold.String(secret)
	for _, weak := range policy.Denylist {
		if weak != "" && folded == fold.String(weak) {
			return nil, fmt.Errorf("%w: signing secret is a known default value", domain.ErrConfiguration)
		}
	}

	if singleRune(secret) {
		return nil, fmt.Errorf("%w: signing secret repeats a single character", domain.ErrConfiguration)
	}

	if classes := characterClasses(secret); classes < 3 {
		msg := fmt.Sprintf("signing secret uses only %d of 4 character classes", classes)
		if mode == SecretModeHardened {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfiguration, msg)
		}
		return []string{msg}, nil
	}
	return nil, nil
}

func singleRune(s string) bool {
	first, _ := utf8.DecodeRuneInString(s)
	for _, r := range s {
		if r != first {
			return false
		}
	}
	return true
}

func characterClasses(s string) int {
	var lower, upper, digit, other bool
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	n := 0
	for _, b := range []bool{lower, upper, digit, other} {
		if b {
			n++
		}
	}
	return n
}
