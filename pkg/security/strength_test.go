package security

import "testing"

func TestAssessPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		want       PassphraseStrength
	}{
		{"empty", "", PassphraseWeak},
		{"below minimum", "short12", PassphraseWeak},
		{"at minimum", "eightchr", PassphraseFair},
		{"thirteen chars", "thirteenchars", PassphraseFair},
		{"fourteen chars", "fourteen-chars", PassphraseGood},
		{"nineteen chars", "nineteen-characters", PassphraseGood},
		{"twenty chars", "twenty-characters-xx", PassphraseStrong},
		{"long diceware", "correct horse battery staple", PassphraseStrong},
		{"common despite length", "password1234", PassphraseWeak},
		{"common case-insensitive", "ChangeMe", PassphraseWeak},
		{"common sixteen digits", "1234567890123456", PassphraseWeak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessPassphrase(tt.passphrase); got != tt.want {
				t.Errorf("AssessPassphrase(%q) = %v, want %v", tt.passphrase, got, tt.want)
			}
		})
	}
}

func TestPassphraseStrengthString(t *testing.T) {
	tests := []struct {
		strength PassphraseStrength
		want     string
	}{
		{PassphraseWeak, "Weak"},
		{PassphraseFair, "Fair"},
		{PassphraseGood, "Good"},
		{PassphraseStrong, "Strong"},
		{PassphraseStrength(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.strength.String(); got != tt.want {
			t.Errorf("PassphraseStrength(%d).String() = %q, want %q", tt.strength, got, tt.want)
		}
	}
}
