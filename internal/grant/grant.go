// Package grant issues and verifies short-lived download grants. A grant is
// minted once a claim settles and authorizes payload reads for exactly one
// identity, so the passcode never has to be replayed on download.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
	"github.com/sealpost/sealpost/internal/platform/id"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer     string        `env:"SEALPOST_GRANT_ISSUER"   envDefault:"sealpost"`
	Audience   string        `env:"SEALPOST_GRANT_AUDIENCE" envDefault:"sealpost-download"`
	TTL        time.Duration `env:"SEALPOST_GRANT_TTL"      envDefault:"15m"`
	PrivateKey string        `env:"SEALPOST_GRANT_PRIVATE_KEY"`
}

// Config defines how download grants are signed and verified.
type Config struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Key      ed25519.PrivateKey
	Now      func() time.Time
}

// Claims captures a validated download grant.
type Claims struct {
	Identity  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	Identity string `json:"identity"`
}

// LoadConfigFromEnv reads grant signing configuration. The private key is
// base64 (raw, unpadded), either a 32-byte seed or a 64-byte expanded key.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse grant env: %w", err)
	}
	encoded := strings.TrimSpace(raw.PrivateKey)
	if encoded == "" {
		return Config{}, fmt.Errorf("SEALPOST_GRANT_PRIVATE_KEY is required")
	}
	keyBytes, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return Config{}, fmt.Errorf("decode grant private key: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(keyBytes) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(keyBytes)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(keyBytes)
	default:
		return Config{}, fmt.Errorf("grant private key must be %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   raw.Issuer,
		Audience: raw.Audience,
		TTL:      raw.TTL,
		Key:      key,
		Now:      now,
	}, nil
}

// Issuer signs and verifies download grants with one ed25519 keypair.
type Issuer struct {
	cfg    Config
	public ed25519.PublicKey
}

// NewIssuer constructs a grant issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("grant issuer and audience are required")
	}
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("grant key must be %d bytes", ed25519.PrivateKeySize)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		cfg:    cfg,
		public: cfg.Key.Public().(ed25519.PublicKey),
	}, nil
}

// Issue mints a download grant bound to the identity.
func (i *Issuer) Issue(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}

	grantID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate grant id: %w", err)
	}

	now := i.cfg.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        grantID,
		},
		Identity: identity,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return token, nil
}

// Validate verifies a grant token and requires it to be bound to the
// expected identity.
func (i *Issuer) Validate(token, expectedIdentity string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "download grant is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return i.public, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer != i.cfg.Issuer {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "grant issuer mismatch")
	}
	if !audienceContains(parsed.Audience, i.cfg.Audience) {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "grant audience mismatch")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "grant exp is required")
	}

	now := i.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodePasscodeRequired, "grant not active yet")
	}

	if strings.TrimSpace(parsed.Identity) == "" || parsed.Identity != expectedIdentity {
		return Claims{}, apperrors.New(apperrors.CodeIdentityMismatch, "grant identity mismatch")
	}

	claims := Claims{
		Identity:  parsed.Identity,
		ExpiresAt: exp,
		JWTID:     parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodePasscodeRequired, "grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodePasscodeRequired, "grant alg is invalid")
	}
	return apperrors.New(apperrors.CodePasscodeRequired, "grant is invalid")
}

// audienceContains reports whether the audience list contains the value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}
