// Package linktoken issues and verifies secure-link tokens: HS256-signed compact
// tokens carrying a filename and an issue time. Nothing is stored server side, so
// an issued token stays valid until its window elapses.
package linktoken

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrTampered is returned for any token whose signature does not verify,
	// including malformed tokens and tokens signed under another secret.
	ErrTampered = errors.New("invalid link token")
	// ErrExpired is returned for a correctly signed token older than the window.
	ErrExpired = errors.New("link token expired")
)

const keyInfo = "screenrec secure-link v1"

// Claims is the signed payload. IssuedAtNano carries the issue time at full
// precision; the registered iat claim is truncated to whole seconds.
type Claims struct {
	Filename     string `json:"f"`
	IssuedAtNano int64  `json:"iat_ns"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a key derived from the application secret.
type Codec struct {
	key []byte
	now func() time.Time
}

// NewCodec derives the signing key from secret with HKDF-SHA256.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("linktoken: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("linktoken: derive key: %w", err)
	}
	return &Codec{key: key, now: time.Now}, nil
}

// WithClock replaces the time source; tests use it to simulate elapsed time.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue returns a URL-safe token for filename stamped with the current time.
func (c *Codec) Issue(filename string) (string, error) {
	now := c.now()
	claims := Claims{
		Filename:     filename,
		IssuedAtNano: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Verify checks the signature first and only then the age. It returns the
// embedded filename when the token is authentic and now-issuedAt < maxAge.
func (c *Codec) Verify(token string, maxAge time.Duration) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return "", ErrTampered
	}
	if claims.IssuedAtNano <= 0 || claims.Filename == "" {
		return "", ErrTampered
	}
	if c.now().Sub(time.Unix(0, claims.IssuedAtNano)) >= maxAge {
		return "", ErrExpired
	}
	return claims.Filename, nil
}
