package refresh

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestSecretRoundTripAndHash(t *testing.T) {
	s, err := NewSecret()
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	if s.IsZero() {
		t.Fatal("fresh secret should not be zero")
	}

	parsed, err := ParseSecret(s.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != s {
		t.Fatal("round trip changed secret")
	}
	if len(s.Hash()) != 64 {
		t.Fatalf("expected hex sha256, got %q", s.Hash())
	}
	if !HashEqual(s.Hash(), parsed.Hash()) {
		t.Fatal("equal secrets must hash equal")
	}

	other, _ := NewSecret()
	if HashEqual(s.Hash(), other.Hash()) {
		t.Fatal("different secrets must not hash equal")
	}
	if HashEqual("", "") {
		t.Fatal("empty hashes never match")
	}
}

func TestParseSecretRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "!!!", strings.Repeat("A", 44)} {
		if _, err := ParseSecret(in); !errors.Is(err, ErrMalformedSecret) {
			t.Fatalf("%q: expected ErrMalformedSecret, got %v", in, err)
		}
	}
}

func TestTokenEncodeDecode(t *testing.T) {
	secret, _ := NewSecret()
	tok := Token{FamilyID: uuid.NewString(), Secret: secret}

	enc, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeToken(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != tok {
		t.Fatalf("round trip mismatch: %+v vs %+v", dec, tok)
	}

	if _, err := (Token{FamilyID: "not-a-uuid", Secret: secret}).Encode(); err == nil {
		t.Fatal("expected non-uuid family to be rejected")
	}
	if _, err := DecodeToken(enc[:len(enc)-2]); err == nil {
		t.Fatal("expected truncated token to be rejected")
	}
}

func TestSealerBindsFamily(t *testing.T) {
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	secret, _ := NewSecret()

	sealed, err := sealer.Seal("fam-a", secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := sealer.Open("fam-a", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != secret {
		t.Fatal("opened secret differs")
	}

	if _, err := sealer.Open("fam-b", sealed); err == nil {
		t.Fatal("sealed secret must not open under another family")
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := sealer.Open("fam-a", sealed); err == nil {
		t.Fatal("tampered blob must not open")
	}
	if _, err := sealer.Open("fam-a", []byte{1, 2, 3}); !errors.Is(err, ErrMalformedSecret) {
		t.Fatalf("expected ErrMalformedSecret for short blob, got %v", err)
	}
}

func TestNewSealerKeySize(t *testing.T) {
	if _, err := NewSealer([]byte("short")); !errors.Is(err, ErrSealKey) {
		t.Fatalf("expected ErrSealKey, got %v", err)
	}
}

func FuzzDecodeToken(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("!!!not-base64!!!")
	secret, _ := NewSecret()
	if enc, err := (Token{FamilyID: uuid.NewString(), Secret: secret}).Encode(); err == nil {
		f.Add(enc)
	}

	f.Fuzz(func(t *testing.T, input string) {
		tok, err := DecodeToken(input)
		if err != nil {
			return
		}
		again, err := tok.Encode()
		if err != nil {
			t.Fatalf("re-encode decoded token: %v", err)
		}
		tok2, err := DecodeToken(again)
		if err != nil || tok2 != tok {
			t.Fatalf("roundtrip mismatch: %v", err)
		}
	})
}
