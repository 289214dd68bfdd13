package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

// TestDeriveKey tests the Argon2id key derivation function
func TestDeriveKey(t *testing.T) {
	passphrase := "correct-horse-battery"
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("failed to generate salt: %v", err)
	}

	// Test key derivation produces correct length
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	// Test same passphrase + salt produces same key (deterministic)
	key2, err := DeriveKey(passphrase, salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if !bytes.Equal(key, key2) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	// Test different passphrase produces different key
	differentKey, err := DeriveKey("different-passphrase", salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if bytes.Equal(key, differentKey) {
		t.Error("DeriveKey() with different passphrase should produce different key")
	}

	// Test different salt produces different key
	differentSalt := make([]byte, 16)
	if _, err := rand.Read(differentSalt); err != nil {
		t.Fatalf("failed to generate salt: %v", err)
	}
	differentKey, err = DeriveKey(passphrase, differentSalt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if bytes.Equal(key, differentKey) {
		t.Error("DeriveKey() with different salt should produce different key")
	}
}

// TestDeriveKeyValidation tests passphrase and salt validation
func TestDeriveKeyValidation(t *testing.T) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("failed to generate salt: %v", err)
	}

	if _, err := DeriveKey("", salt); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("DeriveKey(\"\") error = %v, want ErrEmptyPassphrase", err)
	}

	shortSalt := make([]byte, 15)
	if _, err := DeriveKey("passphrase", shortSalt); !errors.Is(err, ErrSaltTooShort) {
		t.Errorf("DeriveKey() with 15-byte salt error = %v, want ErrSaltTooShort", err)
	}

	// Salt longer than the minimum is fine
	longSalt := make([]byte, 32)
	if _, err := DeriveKey("passphrase", longSalt); err != nil {
		t.Errorf("DeriveKey() with 32-byte salt error = %v, want nil", err)
	}
}

// TestEncryptDecryptRoundTrip verifies decrypt(encrypt(P, K), K) == P
func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	plaintexts := [][]byte{
		[]byte("session notes for patient p1"),
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte("x"), 64*1024),
	}

	for _, plaintext := range plaintexts {
		ciphertext, nonce, checksum, err := Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}

		if len(nonce) != NonceLength {
			t.Errorf("Encrypt() nonce length = %d, want %d", len(nonce), NonceLength)
		}

		decrypted, err := Decrypt(key, ciphertext, nonce, checksum)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
		}
	}
}

// TestEncryptUniqueNonce verifies each encryption uses a fresh nonce
func TestEncryptUniqueNonce(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	plaintext := []byte("same plaintext")

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		_, nonce, _, err := Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if seen[string(nonce)] {
			t.Fatal("Encrypt() reused a nonce")
		}
		seen[string(nonce)] = true
	}
}

// TestDecryptBitFlip verifies any single bit flip in ciphertext or nonce
// causes ErrDecryptionFailed, never a wrong plaintext
func TestDecryptBitFlip(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	plaintext := []byte("tamper detection test payload")
	ciphertext, nonce, checksum, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip every bit of the ciphertext (covers payload and appended tag)
	for i := 0; i < len(ciphertext); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(ciphertext))
			copy(corrupted, ciphertext)
			corrupted[i] ^= 1 << bit

			if _, err := Decrypt(key, corrupted, nonce, checksum); !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("Decrypt() with flipped ciphertext bit %d of byte %d error = %v, want ErrDecryptionFailed", bit, i, err)
			}
		}
	}

	// Flip every bit of the nonce
	for i := 0; i < len(nonce); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(nonce))
			copy(corrupted, nonce)
			corrupted[i] ^= 1 << bit

			if _, err := Decrypt(key, ciphertext, corrupted, checksum); !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("Decrypt() with flipped nonce bit %d of byte %d error = %v, want ErrDecryptionFailed", bit, i, err)
			}
		}
	}
}

// TestDecryptWrongKey verifies decryption with a different key fails
func TestDecryptWrongKey(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	wrongKey := make([]byte, KeyLength)
	if _, err := rand.Read(wrongKey); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	ciphertext, nonce, checksum, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(wrongKey, ciphertext, nonce, checksum); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

// TestDecryptChecksumMismatch verifies a stored checksum that disagrees with
// the decrypted plaintext is reported distinctly from an auth failure
func TestDecryptChecksumMismatch(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	ciphertext, nonce, _, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// A checksum for different content: authentication passes, checksum must not
	wrongChecksum := Checksum([]byte("different payload"))
	if _, err := Decrypt(key, ciphertext, nonce, wrongChecksum); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Decrypt() with wrong checksum error = %v, want ErrChecksumMismatch", err)
	}
}

// TestDecryptInputValidation tests key, nonce, and length validation
func TestDecryptInputValidation(t *testing.T) {
	key := make([]byte, KeyLength)
	nonce := make([]byte, NonceLength)

	if _, err := Decrypt(make([]byte, 16), []byte("cipher"), nonce, ""); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Decrypt() with short key error = %v, want ErrInvalidKeyLength", err)
	}

	if _, err := Decrypt(key, []byte("cipher"), make([]byte, 8), ""); !errors.Is(err, ErrInvalidNonceLength) {
		t.Errorf("Decrypt() with short nonce error = %v, want ErrInvalidNonceLength", err)
	}

	// Ciphertext shorter than the 16-byte GCM tag
	if _, err := Decrypt(key, make([]byte, 8), nonce, ""); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("Decrypt() with short ciphertext error = %v, want ErrCiphertextTooShort", err)
	}

	if _, _, _, err := Encrypt(make([]byte, 16), []byte("data")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Encrypt() with short key error = %v, want ErrInvalidKeyLength", err)
	}
}

// TestChecksum verifies checksum determinism and sensitivity
func TestChecksum(t *testing.T) {
	a := Checksum([]byte("content"))
	b := Checksum([]byte("content"))
	if a != b {
		t.Error("Checksum() should be deterministic")
	}
	if Checksum([]byte("content")) == Checksum([]byte("Content")) {
		t.Error("Checksum() should differ for different content")
	}
	if len(a) != 64 {
		t.Errorf("Checksum() length = %d, want 64 hex chars", len(a))
	}
}

// TestSecureWipe verifies the buffer is zeroed
func TestSecureWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5}
	SecureWipe(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("SecureWipe() left byte %d = %d, want 0", i, v)
		}
	}
}
