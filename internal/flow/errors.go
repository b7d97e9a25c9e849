package flow

// Error is an OAuth protocol error. Redirectable reports whether the
// client's redirect URI was validated before the failure: only then may the
// boundary bounce the error back, otherwise it must render it locally.
type Error struct {
	Code         string
	Description  string
	Redirectable bool
}

func (e *Error) Error() string { return e.Code + ": " + e.Description }

func protoErr(code, desc string) *Error {
	return &Error{Code: code, Description: desc}
}

func redirectErr(code, desc string) *Error {
	return &Error{Code: code, Description: desc, Redirectable: true}
}

var (
	ErrInvalidRequest  = protoErr("invalid_request", "malformed or incomplete authorization request")
	ErrInvalidClient   = protoErr("invalid_client", "unknown or unauthorized client")
	ErrInvalidRedirect = protoErr("invalid_request", "redirect_uri is not registered for this client")

	ErrUnsupportedResponseType = redirectErr("unsupported_response_type", "only response_type=code is supported")
	ErrInvalidScope            = redirectErr("invalid_scope", "requested scope exceeds the client's registration")
	ErrAccessDenied            = redirectErr("access_denied", "the signed-in user is not permitted to use this application")
	ErrServerError             = redirectErr("server_error", "the authorization request could not be processed")

	// Token-endpoint failures are never redirected.
	ErrInvalidGrant = protoErr("invalid_grant", "authorization code is invalid, expired, or already used")
)
