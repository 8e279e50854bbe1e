package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrExpired is returned by Verify when the token is well formed and correctly signed but
	// its exp claim has passed. A fresh credential can be obtained through the refresh flow.
	ErrExpired = errors.New("access token expired")
	// ErrInvalid is returned by Verify for malformed tokens, bad signatures, unexpected
	// algorithms or claims that do not match the configured issuer/audience.
	ErrInvalid = errors.New("access token invalid")
)

// SigningMethod selects the JWS algorithm used for access credentials.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Config defines signer settings. Keys may be raw bytes or PEM for Ed25519.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	// KeyID is written to the kid header of issued tokens.
	KeyID string
	// VerifyKeys maps kid to verification key. When set, tokens must carry a known kid,
	// which allows retired signing keys to keep verifying during a key rollover.
	VerifyKeys map[string][]byte
}

// Claims is the access credential claim set.
type Claims struct {
	Role     string `json:"role"`
	FamilyID string `json:"fid"`
	jwt.RegisteredClaims
}

// SubjectID returns the subject claim.
func (c *Claims) SubjectID() string {
	return c.Subject
}

// Signer creates and verifies access credentials. It holds no mutable state after
// construction and is safe for concurrent use.
type Signer struct {
	config Config
	now    func() time.Time
}

// NewSigner validates cfg and returns a Signer.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Signer{config: cfg, now: time.Now}, nil
}

// AccessTTL reports the configured lifetime of issued credentials.
func (s *Signer) AccessTTL() time.Duration {
	return s.config.AccessTTL
}

// Issue signs a credential for subjectID/role bound to familyID with exp = now + AccessTTL.
func (s *Signer) Issue(subjectID, role, familyID string) (string, Claims, error) {
	if subjectID == "" || familyID == "" {
		return "", Claims{}, errors.New("subject and family are required")
	}
	if len(s.config.PrivateKey) == 0 {
		return "", Claims{}, errors.New("signer has no private key")
	}

	now := s.now()
	claims := Claims{
		Role:     role,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
		},
	}
	if s.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.config.Audience}
	}

	token := jwt.NewWithClaims(s.method(), claims)
	if s.config.KeyID != "" {
		token.Header["kid"] = s.config.KeyID
	}

	key, err := s.signKey()
	if err != nil {
		return "", Claims{}, err
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, claims, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry. Expiry failures wrap
// ErrExpired, everything else wraps ErrInvalid.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method().Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(s.config.Leeway))
	}
	if s.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.config.Issuer))
	}
	if s.config.Audience != "" {
		options = append(options, jwt.WithAudience(s.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, s.keyFunc)
	if err != nil {
		// golang-jwt reports signature problems before claim validation, so an expired
		// token reaching here is known to carry a valid signature.
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" || claims.FamilyID == "" {
		return nil, fmt.Errorf("%w: missing subject or family", ErrInvalid)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(s.now().Add(s.config.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
	}

	return claims, nil
}

func (s *Signer) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != s.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(s.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := s.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return s.verifyKeyFromBytes(key)
	}

	if s.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != s.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	return s.verifyKey()
}

func (s *Signer) method() jwt.SigningMethod {
	if s.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (s *Signer) signKey() (interface{}, error) {
	if s.config.SigningMethod == MethodHS256 {
		return s.config.PrivateKey, nil
	}
	return parseEdPrivateKey(s.config.PrivateKey)
}

func (s *Signer) verifyKey() (interface{}, error) {
	if s.config.SigningMethod == MethodHS256 {
		return s.config.PrivateKey, nil
	}
	if len(s.config.PublicKey) == 0 && len(s.config.PrivateKey) > 0 {
		priv, err := parseEdPrivateKey(s.config.PrivateKey)
		if err != nil {
			return nil, err
		}
		return priv.Public(), nil
	}
	return parseEdPublicKey(s.config.PublicKey)
}

func (s *Signer) verifyKeyFromBytes(key []byte) (interface{}, error) {
	if s.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
