package refresh

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealKey is returned for keys that are not chacha20poly1305.KeySize bytes.
var ErrSealKey = errors.New("seal key must be 32 bytes")

// Sealer encrypts the current refresh secret of a family so that it can be returned again to
// a caller presenting the immediately superseded secret inside the grace window.
//
// The family id is bound as associated data, so a sealed blob cannot be replayed into another
// family.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds an XChaCha20-Poly1305 sealer.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrSealKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(familyID string, secret Secret) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+SecretSize+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, secret[:], []byte(familyID)), nil
}

// Open authenticates and decrypts a blob produced by Seal for the same family.
func (s *Sealer) Open(familyID string, sealed []byte) (Secret, error) {
	var secret Secret
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return secret, ErrMalformedSecret
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(familyID))
	if err != nil {
		return secret, fmt.Errorf("open sealed secret: %w", err)
	}
	if len(plain) != SecretSize {
		return secret, ErrMalformedSecret
	}
	copy(secret[:], plain)
	return secret, nil
}
