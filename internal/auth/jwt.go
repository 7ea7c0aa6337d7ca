// Package auth verifies bearer tokens and decides whether a principal may
// start a scan.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload. UserID falls back to the standard subject.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	OwnerID string
	Tier    string
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: secret}, nil
}

// GenerateToken signs an HS256 token for userID valid for ttl.
func GenerateToken(secret []byte, userID, tier string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Tier:   tier,
	})

	return token.SignedString(secret)
}

// Verify parses a token string and returns its principal.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return Principal{}, ErrUnauthorized
	}

	owner := claims.UserID
	if owner == "" {
		owner = claims.Subject
	}
	if owner == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	return Principal{OwnerID: owner, Tier: strings.ToLower(claims.Tier)}, nil
}

// VerifyHeader accepts an Authorization header value of the form "Bearer <token>".
func (v *Verifier) VerifyHeader(header string) (Principal, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Principal{}, ErrUnauthorized
	}
	return v.Verify(strings.TrimSpace(token))
}
