package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshTokenPolicy controls how a refresh response without a
// refresh_token is treated. Providers differ on whether refresh tokens rotate.
type RefreshTokenPolicy int

const (
	// RefreshTokenRequired treats a missing refresh_token as a malformed
	// response. Code exchange always uses this policy.
	RefreshTokenRequired RefreshTokenPolicy = iota
	// RefreshTokenOptional keeps the previous refresh token when a refresh
	// response omits it.
	RefreshTokenOptional
)

// ParseRefreshTokenPolicy maps "required" and "optional" to a policy.
func ParseRefreshTokenPolicy(s string) (RefreshTokenPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return RefreshTokenRequired, nil
	case "optional":
		return RefreshTokenOptional, nil
	default:
		return 0, fmt.Errorf("%w: unknown refresh token policy %q", ErrInvalidArgument, s)
	}
}

// Config holds the client registration. It is injected, never global.
type Config struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	Endpoint      oauth2.Endpoint
	RefreshPolicy RefreshTokenPolicy
}

// EndpointClient talks to the provider's token endpoint.
type EndpointClient struct {
	cfg    Config
	exec   *Executor
	now    func() time.Time
	logger *slog.Logger
}

// EndpointOption configures an EndpointClient.
type EndpointOption func(*EndpointClient)

// WithEndpointClock sets the clock used to compute token expiry.
func WithEndpointClock(now func() time.Time) EndpointOption {
	return func(c *EndpointClient) {
		c.now = now
	}
}

// WithEndpointLogger sets the logger.
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(c *EndpointClient) {
		c.logger = logger
	}
}

// NewEndpointClient creates a token endpoint client.
func NewEndpointClient(cfg Config, exec *Executor, opts ...EndpointOption) *EndpointClient {
	c := &EndpointClient{
		cfg:    cfg,
		exec:   exec,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL returns the authorization page URL. It carries client_id,
// response_type=code, the space-joined scopes and state when non-empty.
func (c *EndpointClient) AuthCodeURL(state string) string {
	oc := oauth2.Config{
		ClientID: c.cfg.ClientID,
		Scopes:   c.cfg.Scopes,
		Endpoint: c.cfg.Endpoint,
	}
	return oc.AuthCodeURL(state)
}

// ExchangeCode trades a single-use authorization code for a token pair. A
// 401 is terminal: the code cannot be replayed.
func (c *EndpointClient) ExchangeCode(ctx context.Context, code string) (Token, error) {
	if code == "" {
		return Token{}, fmt.Errorf("%w: authorization code is empty", ErrInvalidArgument)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	form.Set("code", code)

	c.logger.Debug("exchanging authorization code")
	return c.requestToken(ctx, form, "", RefreshTokenRequired)
}

// Refresh obtains a new access token with the refresh_token grant.
func (c *EndpointClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, &TokenInvalidError{Message: "no refresh token available"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)

	c.logger.Debug("refreshing access token")
	return c.requestToken(ctx, form, refreshToken, c.cfg.RefreshPolicy)
}

func (c *EndpointClient) requestToken(
	ctx context.Context,
	form url.Values,
	previousRefreshToken string,
	policy RefreshTokenPolicy,
) (Token, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.cfg.Endpoint.TokenURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return Token{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := c.now()
	switch out := Execute(ctx, c.exec, req, parseTokenResponse).(type) {
	case Success[tokenResponse]:
		return out.Value.token(issuedAt, previousRefreshToken, policy)
	case Unauthorized:
		c.logger.Warn("token endpoint rejected credentials", "reason", out.Reason)
		return Token{}, &TokenInvalidError{Message: unauthorizedMessage(out)}
	case *HTTPError:
		return Token{}, out
	case *TransportError:
		return Token{}, out
	case *ProtocolError:
		return Token{}, out
	default:
		return Token{}, fmt.Errorf("unexpected outcome %T", out)
	}
}

// tokenResponse uses pointers so missing fields can be told apart from zero
// values.
type tokenResponse struct {
	AccessToken  *string `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	ExpiresIn    *int64  `json:"expires_in"`
}

func parseTokenResponse(body []byte) (tokenResponse, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return tokenResponse{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if resp.AccessToken == nil || *resp.AccessToken == "" {
		return tokenResponse{}, errors.New("access_token is missing")
	}
	if resp.ExpiresIn == nil {
		return tokenResponse{}, errors.New("expires_in is missing")
	}
	if *resp.ExpiresIn <= 0 {
		return tokenResponse{}, fmt.Errorf("expires_in must be positive, got: %d", *resp.ExpiresIn)
	}
	return resp, nil
}

func (r tokenResponse) token(
	issuedAt time.Time,
	previousRefreshToken string,
	policy RefreshTokenPolicy,
) (Token, error) {
	refreshToken := ""
	if r.RefreshToken != nil {
		refreshToken = *r.RefreshToken
	}
	if refreshToken == "" {
		if policy != RefreshTokenOptional || previousRefreshToken == "" {
			return Token{}, &ProtocolError{Err: errors.New("refresh_token is missing")}
		}
		refreshToken = previousRefreshToken
	}
	return Token{
		AccessToken:  *r.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAtFrom(issuedAt, *r.ExpiresIn),
	}, nil
}

func unauthorizedMessage(u Unauthorized) string {
	if u.Reason != "" {
		return u.Reason
	}
	if resp, ok := decodeErrorResponse(u.Body); ok {
		if resp.ErrorDescription != "" {
			return resp.Error + ": " + resp.ErrorDescription
		}
		return resp.Error
	}
	return "authentication failed"
}
