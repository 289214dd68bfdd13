// Package security provides passphrase strength assessment for storage
// initialization.
package security

import "strings"

// MinPassphraseLength is the shortest passphrase accepted at initialization.
const MinPassphraseLength = 8

// PassphraseStrength represents the strength level of a storage passphrase.
type PassphraseStrength int

const (
	// PassphraseWeak indicates a passphrase under the minimum length or on
	// the common-passphrase list.
	PassphraseWeak PassphraseStrength = iota
	// PassphraseFair indicates a minimally acceptable passphrase.
	PassphraseFair
	// PassphraseGood indicates a good passphrase.
	PassphraseGood
	// PassphraseStrong indicates a strong passphrase.
	PassphraseStrong
)

// String returns a human-readable representation of the strength level.
func (s PassphraseStrength) String() string {
	switch s {
	case PassphraseWeak:
		return "Weak"
	case PassphraseFair:
		return "Fair"
	case PassphraseGood:
		return "Good"
	case PassphraseStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// commonPassphrases are passphrases seen so often in breach corpora that
// length alone cannot save them.
var commonPassphrases = map[string]bool{
	"password":        true,
	"password1":       true,
	"password123":     true,
	"123456789012":    true,
	"qwertyuiop":      true,
	"letmein123":      true,
	"iloveyou123":     true,
	"adminadmin":      true,
	"changeme":        true,
	"trustno1":        true,
	"correcthorse":    true,
	"passphrase":      true,
	"secretsecret":    true,
	"administrator":   true,
	"welcome123":      true,
	"qwerty123456":    true,
	"abc123abc123":    true,
	"password1234":    true,
	"1234567890123456": true,
}

// AssessPassphrase evaluates a human-chosen passphrase.
// Length is the primary factor per NIST SP 800-63B: no composition rules,
// just a minimum length and a check against known-compromised values.
func AssessPassphrase(passphrase string) PassphraseStrength {
	if commonPassphrases[strings.ToLower(passphrase)] {
		return PassphraseWeak
	}

	switch length := len(passphrase); {
	case length >= 20:
		return PassphraseStrong
	case length >= 14:
		return PassphraseGood
	case length >= MinPassphraseLength:
		return PassphraseFair
	default:
		return PassphraseWeak
	}
}
