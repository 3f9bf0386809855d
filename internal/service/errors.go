package service

import (
	"fmt"
	"net/http"
)

// Standard OAuth error codes surfaced by this server.
const (
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeInvalidClient       = "invalid_client"
	ErrCodeInvalidGrant        = "invalid_grant"
	ErrCodeInvalidScope        = "invalid_scope"
	ErrCodeUnauthorizedClient  = "unauthorized_client"
	ErrCodeAccessDenied        = "access_denied"
	ErrCodeUnsupportedGrant    = "unsupported_grant_type"
	ErrCodeUnsupportedResponse = "unsupported_response_type"
	ErrCodeServerError         = "server_error"
)

// OAuthError is a protocol-level failure rendered in the standard OAuth error
// envelope. Redirectable marks authorize-endpoint errors raised after the
// redirect URI was validated; only those may be delivered via 302 to the
// client application.
type OAuthError struct {
	Status       int
	Code         string
	Description  string
	Redirectable bool
}

func (e *OAuthError) redirect() *OAuthError {
	e.Redirectable = true
	return e
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Status: status, Code: code, Description: description}
}

func invalidRequest(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidRequest, description, http.StatusBadRequest)
}

// invalidClient is the one error that maps to 401: unknown client, or a
// confidential client that failed to authenticate.
func invalidClient(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidClient, description, http.StatusUnauthorized)
}

func invalidGrant(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidGrant, description, http.StatusBadRequest)
}

func invalidScope(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidScope, description, http.StatusBadRequest)
}

func unauthorizedClient(description string) *OAuthError {
	return newOAuthError(ErrCodeUnauthorizedClient, description, http.StatusBadRequest)
}
