// Package crypto provides the cryptographic primitives for notevault.
//
// This package implements AES-256-GCM authenticated encryption and Argon2id
// key derivation following OWASP recommendations.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - Cryptographically secure random nonce generation
//   - Independent SHA-256 plaintext checksum as a corruption check
//   - Secure memory wiping for sensitive data
//
// The plaintext checksum is defense in depth, not a substitute for the GCM
// tag: it is computed before encryption and verified after decryption, so
// storage-layer corruption is caught even in cases the AEAD layer cannot
// distinguish from a key mismatch.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// MinSaltLength is the minimum accepted salt length in bytes.
	MinSaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrEmptyPassphrase indicates key derivation was attempted with an
	// empty passphrase.
	ErrEmptyPassphrase = errors.New("crypto: passphrase must not be empty")

	// ErrSaltTooShort indicates the salt is shorter than MinSaltLength.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")

	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates authentication tag verification failed,
	// meaning the ciphertext or nonce was tampered with or the key is wrong.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrChecksumMismatch indicates the post-decryption plaintext checksum
	// disagrees with the stored checksum. The plaintext is not returned.
	ErrChecksumMismatch = errors.New("crypto: plaintext checksum mismatch")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// DeriveKey derives a 256-bit encryption key from a passphrase using Argon2id.
//
// The salt must be at least MinSaltLength bytes of cryptographically secure
// random data; it is generated once at storage initialization and persisted
// alongside the database (it is not secret). Derivation is deterministic:
// the same passphrase and salt always yield a byte-identical key, which is
// required for decrypting previously written records.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) < MinSaltLength {
		return nil, ErrSaltTooShort
	}
	return argon2.IDKey([]byte(passphrase), salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength), nil
}

// Checksum returns the hex-encoded SHA-256 digest of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A cryptographically secure random 12-byte nonce is generated per call.
// The authentication tag is appended to the ciphertext per AEAD convention.
// The returned checksum is the SHA-256 digest of the plaintext, computed
// before encryption; it must be stored with the ciphertext and passed back
// to Decrypt.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, checksum string, err error) {
	if len(key) != KeyLength {
		return nil, nil, "", ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, "", fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, "", fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	checksum = Checksum(plaintext)
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, checksum, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM and verifies the plaintext
// checksum.
//
// Verification happens in two independent stages: the GCM tag first
// (ErrDecryptionFailed on mismatch, indicating tampering or a wrong key),
// then the plaintext checksum (ErrChecksumMismatch, indicating storage
// corruption that survived authentication). Both refuse to return any
// plaintext. Neither failure is transient; retrying with the same inputs
// always fails the same way.
func Decrypt(key, ciphertext, nonce []byte, checksum string) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	// Constant-time compare; the checksum is not secret but there is no
	// reason to leak comparison timing either.
	if !hmac.Equal([]byte(Checksum(plaintext)), []byte(checksum)) {
		SecureWipe(plaintext)
		return nil, ErrChecksumMismatch
	}

	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
// This is critical for securely destroying sensitive data like the master key.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
