package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// Token is the persisted credential pair. An empty AccessToken means "no
// credentials" and such a token is never attached to a request.
type Token struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is epoch milliseconds. It is advisory: the server may still
	// reject a token the local clock considers fresh.
	ExpiresAt int64
}

// Valid reports whether t carries an access token.
func (t Token) Valid() bool {
	return t.AccessToken != ""
}

// ExpiredAt reports whether the token had expired at now.
func (t Token) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt < now.UnixMilli()
}

// Expiry returns ExpiresAt as a time.Time.
func (t Token) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// Preview returns a shortened access token safe to print.
func (t Token) Preview() string {
	if len(t.AccessToken) <= 8 {
		return t.AccessToken
	}
	return t.AccessToken[:8] + "..."
}

// OAuth2 converts t into an oauth2.Token.
func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "OAuth",
		Expiry:       t.Expiry(),
	}
}

// expiresAtFrom computes the expiry for a token issued at now that lives
// expiresIn seconds.
func expiresAtFrom(now time.Time, expiresIn int64) int64 {
	return now.UnixMilli() + expiresIn*1000
}
