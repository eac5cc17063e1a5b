package meli

import (
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the Mercado Livre API. Error bodies
// carry the machine code in either `error` or `code` depending on the
// endpoint.
type APIError struct {
	StatusCode int
	ErrorCode  string `json:"error"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	BlockedBy  string `json:"blocked_by"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("meli api: status %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("meli api: status %d: %s", e.StatusCode, e.Message)
}

// IsInvalidGrant reports whether the error is a rejected refresh token. The
// seller has to re-authorize when this happens.
func (e *APIError) IsInvalidGrant() bool {
	return e.ErrorCode == "invalid_grant"
}

// IsPolicyAgent reports whether a 403 was issued by the PolicyAgent gate
// rather than a plain scope failure. Those blocks do not clear on token
// refresh, so callers must not retry them.
func (e *APIError) IsPolicyAgent() bool {
	if e.StatusCode != 403 {
		return false
	}
	return e.BlockedBy == "PolicyAgent" ||
		strings.HasPrefix(e.Code, "PA_") ||
		strings.HasPrefix(e.ErrorCode, "PA_")
}
