package refresh

import (
	"encoding/base64"

	"github.com/google/uuid"
)

const tokenRawSize = 16 + SecretSize

// Token couples a family id with its refresh secret so the web layer can carry a single value.
type Token struct {
	FamilyID string
	Secret   Secret
}

// Encode returns base64url(familyUUID || secret).
func (t Token) Encode() (string, error) {
	fid, err := uuid.Parse(t.FamilyID)
	if err != nil {
		return "", ErrMalformedSecret
	}

	var raw [tokenRawSize]byte
	copy(raw[:16], fid[:])
	copy(raw[16:], t.Secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeToken reverses Encode.
func DecodeToken(token string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenRawSize {
		return Token{}, ErrMalformedSecret
	}

	fid, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return Token{}, ErrMalformedSecret
	}
	var t Token
	t.FamilyID = fid.String()
	copy(t.Secret[:], raw[16:])
	return t, nil
}
