package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStoreTimeout bounds a single durable read or write.
const DefaultStoreTimeout = 10 * time.Second

// Backend persists the single token record.
type Backend interface {
	// Load returns ErrNoToken when nothing is stored.
	Load(ctx context.Context) (Token, error)
	Save(ctx context.Context, token Token) error
	Clear(ctx context.Context) error
}

// TokenStore owns the current token and is the only writer of its Backend.
//
// Every mutating call writes through to the backend before returning, so
// calls may block on storage I/O. Keep them off latency-sensitive paths.
type TokenStore struct {
	// writeMu serializes mutations; mu guards token for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex
	token   Token

	backend Backend
	now     func() time.Time
	timeout time.Duration
	logger  *slog.Logger
}

// StoreOption configures a TokenStore.
type StoreOption func(*TokenStore)

// WithClock sets the clock used by IsExpired.
func WithClock(now func() time.Time) StoreOption {
	return func(s *TokenStore) {
		s.now = now
	}
}

// WithStoreTimeout bounds each backend call.
func WithStoreTimeout(d time.Duration) StoreOption {
	return func(s *TokenStore) {
		s.timeout = d
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *TokenStore) {
		s.logger = logger
	}
}

// NewTokenStore creates a store and loads the persisted token once. A missing
// or unreadable record yields the empty token.
func NewTokenStore(backend Backend, opts ...StoreOption) *TokenStore {
	s := &TokenStore{
		backend: backend,
		now:     time.Now,
		timeout: DefaultStoreTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.token = s.load()
	return s
}

func (s *TokenStore) load() Token {
	ctx, cancel := s.storageContext()
	defer cancel()

	token, err := s.backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNoToken):
		return Token{}
	case err != nil:
		s.logger.Warn("failed to load stored token, starting logged out", "error", err)
		return Token{}
	}
	s.logger.Debug("loaded stored token",
		"has_access_token", token.Valid(),
		"has_refresh_token", token.RefreshToken != "",
		"expires_at", token.Expiry().Format(time.RFC3339),
	)
	return token
}

// Token returns a copy of the current token.
func (s *TokenStore) Token() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Has reports whether an access token is present.
func (s *TokenStore) Has() bool {
	return s.Token().Valid()
}

// IsExpired reports whether the current token's expiry is in the past.
func (s *TokenStore) IsExpired() bool {
	return s.expired(s.Token())
}

func (s *TokenStore) expired(t Token) bool {
	return t.ExpiredAt(s.now())
}

// Set replaces the token and persists it.
func (s *TokenStore) Set(token Token) error {
	if !token.Valid() {
		return fmt.Errorf("%w: token has no access token", ErrInvalidArgument)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.commit(token)
}

// UpdateAccessToken replaces only the access token, keeping the refresh token
// and expiry.
func (s *TokenStore) UpdateAccessToken(accessToken string) error {
	if accessToken == "" {
		return fmt.Errorf("%w: access token is empty", ErrInvalidArgument)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.Token()
	next.AccessToken = accessToken
	return s.commit(next)
}

// Clear erases the durable record and resets to the empty token.
func (s *TokenStore) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := s.storageContext()
	defer cancel()

	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	s.mu.Lock()
	s.token = Token{}
	s.mu.Unlock()

	s.logger.Info("stored token cleared")
	return nil
}

// commit writes token durably and only then publishes it to readers. The
// caller holds writeMu.
func (s *TokenStore) commit(token Token) error {
	ctx, cancel := s.storageContext()
	defer cancel()

	if err := s.backend.Save(ctx, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.logger.Debug("token saved",
		"has_refresh_token", token.RefreshToken != "",
		"expires_at", token.Expiry().Format(time.RFC3339),
	)
	return nil
}

// storageContext is detached from any caller: a durable write, once started,
// runs to completion or to the store timeout.
func (s *TokenStore) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}
