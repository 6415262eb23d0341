package auth

import "github.com/golang-jwt/jwt/v5"

// ClientClaims are the JWT claims accepted by the upload API. The client
// identity is client_id, falling back to the registered subject.
type ClientClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Client returns the identity the rate limiter and receipts are keyed by.
func (c *ClientClaims) Client() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return c.Subject
}
