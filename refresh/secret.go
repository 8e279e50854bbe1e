package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// SecretSize is the number of random bytes in a refresh secret.
const SecretSize = 32

// ErrMalformedSecret is returned when an encoded secret or token cannot be decoded.
var ErrMalformedSecret = errors.New("malformed refresh secret")

// Secret is a raw refresh secret. It is only ever held in memory and handed to the client.
type Secret [SecretSize]byte

// NewSecret reads a fresh secret from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	_, err := rand.Read(s[:])
	return s, err
}

// ParseSecret decodes the base64url form returned by String.
func ParseSecret(encoded string) (Secret, error) {
	var s Secret
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) != SecretSize {
		return s, ErrMalformedSecret
	}
	copy(s[:], raw)
	return s, nil
}

func (s Secret) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// IsZero reports whether s was never set.
func (s Secret) IsZero() bool {
	var zero Secret
	return subtle.ConstantTimeCompare(s[:], zero[:]) == 1
}

// Fingerprint is the sha256 of the secret, the only form persisted in refresh records.
func (s Secret) Fingerprint() [sha256.Size]byte {
	return sha256.Sum256(s[:])
}

// Hash returns the hex fingerprint as stored by the family stores.
func (s Secret) Hash() string {
	fp := s.Fingerprint()
	return hex.EncodeToString(fp[:])
}

// HashEqual compares two hex fingerprints in constant time.
func HashEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
