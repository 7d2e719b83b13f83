// Package oauth implements the client side of an OAuth2-protected REST API:
// the persisted token record, the token endpoint calls (authorization code
// exchange and refresh), a single-round-trip request executor that classifies
// responses, and a runner that attaches the access token to requests and
// refreshes it at most once per call.
//
// Every network and storage operation blocks. Callers run them from a worker
// goroutine of their choosing.
package oauth
