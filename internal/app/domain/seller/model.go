// Package seller holds the Mercado Livre seller account model.
package seller

import "time"

// Seller mirrors the slice of the /users/me payload the warehouse keeps.
type Seller struct {
	ID        int64  `json:"seller_id"`
	Nickname  string `json:"nickname"`
	SiteID    string `json:"site_id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	CountryID string `json:"country_id,omitempty"`

	// RawJSON keeps the upstream payload verbatim for auditing.
	RawJSON string `json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}
