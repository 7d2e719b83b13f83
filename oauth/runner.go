package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// DefaultAuthScheme prefixes the access token in the Authorization header.
const DefaultAuthScheme = "OAuth"

// maxAttempts bounds dispatches per Run: the original request plus one retry
// after a refresh.
const maxAttempts = 2

// Refresher exchanges a refresh token for a new token. *EndpointClient
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Runner attaches the stored access token to requests and recovers from an
// expired token with exactly one refresh and one retry.
type Runner struct {
	store     *TokenStore
	refresher Refresher
	exec      *Executor
	scheme    string
	logger    *slog.Logger

	// refreshes coalesces concurrent refreshes of the same refresh token,
	// since some providers invalidate a refresh token after first use.
	refreshes singleflight.Group
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAuthScheme sets the Authorization header scheme.
func WithAuthScheme(scheme string) RunnerOption {
	return func(r *Runner) {
		r.scheme = scheme
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a Runner.
func NewRunner(store *TokenStore, refresher Refresher, exec *Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:     store,
		refresher: refresher,
		exec:      exec,
		scheme:    DefaultAuthScheme,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the runner's token store.
func (r *Runner) Store() *TokenStore {
	return r.store
}

// Run sends template with the current access token and parses a 200 body.
//
// A locally expired token is refreshed before anything is sent. A 401 whose
// challenge names an expired token triggers one refresh and one retry; any
// other 401, or a second 401, fails with *TokenInvalidError. Other failures
// are returned as *HTTPError, *TransportError or *ProtocolError unchanged.
//
// template is never sent itself; each attempt sends a clone, so its body must
// be replayable via GetBody.
func Run[T any](ctx context.Context, r *Runner, template *http.Request, parse Parser[T]) (T, error) {
	var zero T

	token := r.store.Token()
	if token.Valid() && r.store.expired(token) {
		r.logger.Debug("access token expired locally, refreshing before dispatch")
		fresh, err := r.refresh(ctx, token)
		if err != nil {
			return zero, err
		}
		token = fresh
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := r.attach(ctx, template, token)
		if err != nil {
			return zero, err
		}

		switch out := Execute(ctx, r.exec, req, parse).(type) {
		case Success[T]:
			return out.Value, nil

		case Unauthorized:
			if !out.Retryable {
				r.logger.Warn("access token rejected", "reason", out.Reason)
				return zero, &TokenInvalidError{Message: unauthorizedMessage(out)}
			}
			if attempt == maxAttempts {
				r.logger.Error("access token rejected again after refresh", "reason", out.Reason)
				return zero, &TokenInvalidError{Message: "access token rejected after refresh"}
			}
			r.logger.Info("access token expired, refreshing and retrying", "url", template.URL.Redacted())
			fresh, err := r.refresh(ctx, token)
			if err != nil {
				return zero, err
			}
			token = fresh

		case *HTTPError:
			return zero, out
		case *TransportError:
			return zero, out
		case *ProtocolError:
			return zero, out
		default:
			return zero, fmt.Errorf("unexpected outcome %T", out)
		}
	}

	// unreachable: the last attempt always returns
	return zero, &TokenInvalidError{Message: "access token rejected after refresh"}
}

// attach clones template for one attempt and sets the Authorization header
// for token, if any. The template itself never carries the header, so a
// stale token cannot leak into the retry.
func (r *Runner) attach(ctx context.Context, template *http.Request, token Token) (*http.Request, error) {
	req := template.Clone(ctx)
	if template.Body != nil && template.Body != http.NoBody {
		if template.GetBody == nil {
			return nil, fmt.Errorf("%w: request body cannot be replayed", ErrInvalidArgument)
		}
		body, err := template.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to reset request body: %w", err)
		}
		req.Body = body
	}

	req.Header.Del("Authorization")
	if token.Valid() {
		req.Header.Set("Authorization", r.scheme+" "+token.AccessToken)
	}
	return req, nil
}

// refresh replaces stale with a freshly issued token and persists it. If
// another caller already replaced stale in the store, that token is reused
// and the refresh token is not spent again.
func (r *Runner) refresh(ctx context.Context, stale Token) (Token, error) {
	if stale.RefreshToken == "" {
		return Token{}, &TokenInvalidError{Message: "no refresh token available"}
	}

	// The shared refresh outlives any single caller's cancellation; each
	// caller still stops waiting when its own context ends.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.refreshes.DoChan(stale.RefreshToken, func() (any, error) {
		if current := r.store.Token(); current.Valid() &&
			current.AccessToken != stale.AccessToken &&
			!r.store.expired(current) {
			return current, nil
		}

		fresh, err := r.refresher.Refresh(flightCtx, stale.RefreshToken)
		if err != nil {
			return nil, err
		}
		if err := r.store.Set(fresh); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
		}
		return fresh, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
	if res.Err != nil {
		r.logger.Warn("token refresh failed", "error", res.Err)
		return Token{}, res.Err
	}

	r.logger.Debug("token refreshed", "shared", res.Shared)
	return res.Val.(Token), nil
}
