// Package auth issues and verifies caller identity tokens. The subject is
// the hex-encoded signer pubkey; the role claim drives RBAC.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"openbudget/internal/ledger"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("missing bearer token")

// Claims carried by an OpenBudget token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Signer returns the pubkey named by the subject claim.
func (c *Claims) Signer() (ledger.Pubkey, error) {
	return ledger.ParsePubkey(c.Subject)
}

// GenerateToken creates a token for signer with the given role.
func GenerateToken(signer ledger.Pubkey, role, secret, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   signer.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates tokenStr and returns its claims.
func ParseToken(tokenStr, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if _, err := claims.Signer(); err != nil {
		return nil, fmt.Errorf("%w: subject: %v", jwt.ErrTokenMalformed, err)
	}
	return &claims, nil
}

// ExtractToken returns the bearer token of r, or ErrMissingToken.
func ExtractToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingToken
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrMissingToken
	}

	return parts[1], nil
}
