// Package auth issues and validates the bearer tokens that bind an HTTP
// caller to a multisig address. Tokens are EdDSA-signed JWTs whose subject
// is the hex address of the caller; the signing key is derived from the
// configured secret with HKDF, so every host sharing the secret accepts
// the same tokens.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/config"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 16

var (
	ErrNoSecret     = errors.New("auth: signing secret not configured")
	ErrShortSecret  = fmt.Errorf("auth: signing secret shorter than %d bytes", MinSecretLength)
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoCaller     = errors.New("auth: no caller in context")
)

// Claims are the JWT claims of a caller token.
type Claims struct {
	jwt.RegisteredClaims
}

// Caller returns the address named by the subject claim.
func (c *Claims) Caller() (address.Address, error) {
	a, err := address.Parse(c.Subject)
	if err != nil {
		return address.Zero, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return a, nil
}

// Keys holds the token signing key pair and issuing policy.
type Keys struct {
	issuer string
	ttl    time.Duration
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	clock  func() time.Time
}

// NewKeys derives the signing key pair from cfg.Secret.
func NewKeys(cfg config.AuthConfig) (*Keys, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrShortSecret
	}

	r := hkdf.New(sha256.New, []byte(cfg.Secret), []byte("multisig-auth-kdf"), []byte(cfg.Issuer))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("auth: HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Keys{
		issuer: cfg.Issuer,
		ttl:    ttl,
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		clock:  time.Now,
	}, nil
}

// WithClock overrides the time source used for issuing and validating.
func (k *Keys) WithClock(clock func() time.Time) *Keys {
	k.clock = clock
	return k
}

// Issue mints a token for caller.
func (k *Keys) Issue(caller address.Address) (string, error) {
	now := k.clock()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    k.issuer,
		Subject:   caller.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenStr and returns the caller it names.
func (k *Keys) Validate(tokenStr string) (address.Address, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return k.pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(k.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(k.clock),
	)
	if err != nil {
		return address.Zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return address.Zero, ErrInvalidToken
	}
	return claims.Caller()
}

type callerKey struct{}

// WithCaller attaches the authenticated caller to ctx.
func WithCaller(ctx context.Context, caller address.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller attached by WithCaller.
func CallerFrom(ctx context.Context) (address.Address, error) {
	a, ok := ctx.Value(callerKey{}).(address.Address)
	if !ok {
		return address.Zero, ErrNoCaller
	}
	return a, nil
}
