package oauth

import (
	"net/http"
	"strings"
)

const (
	// challengeErrorElement is the WWW-Authenticate element carrying the
	// provider's error code. The name is matched case-sensitively.
	challengeErrorElement = "OAuth error"
	expiredTokenMarker    = "expired_token"
)

// challengeError returns the value of the "OAuth error" element of the first
// WWW-Authenticate header, e.g. `OAuth error='expired_token'`.
func challengeError(h http.Header) (string, bool) {
	header := h.Get("WWW-Authenticate")
	if header == "" {
		return "", false
	}
	for _, element := range splitElements(header) {
		// Parameters after ';' belong to the element and are ignored.
		element, _, _ = strings.Cut(element, ";")
		name, value, ok := strings.Cut(element, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == challengeErrorElement {
			return unquote(strings.TrimSpace(value)), true
		}
	}
	return "", false
}

// isExpiredChallenge reports whether the challenge value marks an expired
// token, which is the only 401 a refresh can fix.
func isExpiredChallenge(value string) bool {
	return strings.Contains(value, expiredTokenMarker)
}

// splitElements splits a header value on commas that are not inside quotes.
func splitElements(header string) []string {
	var (
		elements []string
		start    int
		quote    rune
	)
	for i, r := range header {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ',':
			elements = append(elements, header[start:i])
			start = i + 1
		}
	}
	return append(elements, header[start:])
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
