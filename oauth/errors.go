package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument reports a programmer error such as storing the empty
// token. It is never retried.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNoToken is returned by a Backend when no token record exists.
var ErrNoToken = errors.New("no token stored")

// TokenInvalidError means the server rejected the credential itself, not
// merely its freshness. The host must discard stored credentials and send
// the user back through login; the runner never clears the store on its own.
type TokenInvalidError struct {
	Message string
	Err     error
}

func (e *TokenInvalidError) Error() string {
	if e.Message == "" {
		return "token invalid"
	}
	return "token invalid: " + e.Message
}

func (e *TokenInvalidError) Unwrap() error {
	return e.Err
}

// HTTPError is a response with a status other than 200 or 401.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// ErrorResponse is the RFC 6749 error body returned by token endpoints.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// OAuthError decodes the body as an RFC 6749 error response.
func (e *HTTPError) OAuthError() (ErrorResponse, bool) {
	return decodeErrorResponse(e.Body)
}

// ProtocolError is a 200 response whose body could not be interpreted.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "malformed response: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TransportError wraps a network or I/O failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTokenInvalid reports whether err requires the user to log in again.
func IsTokenInvalid(err error) bool {
	var invalid *TokenInvalidError
	return errors.As(err, &invalid)
}

func decodeErrorResponse(body []byte) (ErrorResponse, bool) {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		return ErrorResponse{}, false
	}
	return resp, true
}
