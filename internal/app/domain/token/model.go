// Package token holds the OAuth credential models for the Mercado Livre
// integration.
package token

import "time"

// Bundle is the stored credential set for one seller.
type Bundle struct {
	SellerID    int64  `json:"seller_id"`
	AccessToken string `json:"access_token"`

	// RefreshToken never leaves the service.
	RefreshToken string `json:"-"`

	TokenType string `json:"token_type"`
	Scope     string `json:"scope,omitempty"`

	ObtainedAt  time.Time `json:"obtained_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastRefresh time.Time `json:"last_refresh"`
}

// Valid reports whether the access token is usable now, leaving skew of
// headroom so a token never expires mid-request.
func (b Bundle) Valid(now time.Time, skew time.Duration) bool {
	return b.AccessToken != "" && b.ExpiresAt.After(now.Add(skew))
}

// State is one pending authorization round-trip. Only the SHA-256 of the
// browser-visible state value is stored.
type State struct {
	StateHash    string     `json:"state_hash"`
	CodeVerifier string     `json:"-"`
	Requester    string     `json:"requester,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
