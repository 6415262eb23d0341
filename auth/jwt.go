// Package auth verifies the HS256 bearer tokens that identify upload
// clients. Token issuance belongs to the account service; GenerateToken
// exists for tests and the intakectl token command.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/intake/horosafe"
)

// ErrNoClient is returned for a valid token that names no client.
var ErrNoClient = errors.New("auth: token has no client identity")

// GenerateToken signs claims with HS256, setting iat to now and exp to
// now+expiry. The secret must be at least horosafe.MinSecretLen bytes.
func GenerateToken(secret []byte, claims *ClientClaims, expiry time.Duration) (string, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses tokenStr, accepting HS256 only, and requires a
// client identity.
func ValidateToken(secret []byte, tokenStr string) (*ClientClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ClientClaims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	claims, ok := token.Claims.(*ClientClaims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Client() == "" {
		return nil, ErrNoClient
	}
	return claims, nil
}
