package oauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

const (
	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultUserAgent is sent when a request carries no User-Agent.
	DefaultUserAgent = "people-cli/0.1"
	// DefaultHTTPTimeout bounds a single round trip.
	DefaultHTTPTimeout = 30 * time.Second
)

var errBodyTooLarge = errors.New("response body exceeds limit")

// Outcome is the classified result of one round trip. It is one of
// Success[T], Unauthorized, *HTTPError, *TransportError or *ProtocolError;
// callers handle each case with a type switch.
type Outcome interface {
	outcome()
}

// Success carries the parsed body of a 200 response.
type Success[T any] struct {
	Value T
}

// Unauthorized is a 401 response. Retryable is set only when the server's
// challenge names an expired token.
type Unauthorized struct {
	Retryable bool
	Reason    string
	Body      []byte
}

func (Success[T]) outcome()      {}
func (Unauthorized) outcome()    {}
func (*HTTPError) outcome()      {}
func (*TransportError) outcome() {}
func (*ProtocolError) outcome()  {}

// Parser turns a 200 response body into a typed value.
type Parser[T any] func(body []byte) (T, error)

// Doer sends a request. *retry.Client satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Executor performs exactly one HTTP round trip per call and classifies the
// response. It never retries; retry policy belongs to the caller.
type Executor struct {
	client       Doer
	timeout      time.Duration
	maxBodyBytes int64
	userAgent    string
	logger       *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDoer replaces the underlying HTTP client.
func WithDoer(d Doer) ExecutorOption {
	return func(e *Executor) {
		e.client = d
	}
}

// WithHTTPTimeout sets the per-request timeout of the default client. It has
// no effect together with WithDoer.
func WithHTTPTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithMaxBodyBytes sets the response body cap.
func WithMaxBodyBytes(n int64) ExecutorOption {
	return func(e *Executor) {
		e.maxBodyBytes = n
	}
}

// WithUserAgent sets the default User-Agent header.
func WithUserAgent(ua string) ExecutorOption {
	return func(e *Executor) {
		e.userAgent = ua
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewHTTPClient returns the base client used for all requests: TLS 1.2 or
// newer, pooled connections and an overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewExecutor creates an Executor. Without WithDoer it wraps NewHTTPClient in
// a go-httpretry client configured for a single attempt.
func NewExecutor(opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		timeout:      DefaultHTTPTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		userAgent:    DefaultUserAgent,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		client, err := retry.NewClient(
			retry.WithHTTPClient(NewHTTPClient(e.timeout)),
			retry.WithMaxRetries(0),
			retry.WithRetryableChecker(neverRetry),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		e.client = client
	}
	return e, nil
}

// neverRetry leaves every response to Execute's classification.
func neverRetry(error, *http.Response) bool {
	return false
}

// Execute sends req once and classifies the response. The response body is
// read and closed exactly once on every path.
func Execute[T any](ctx context.Context, e *Executor, req *http.Request, parse Parser[T]) Outcome {
	if e.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.DoWithContext(ctx, req)
	if err != nil {
		if resp == nil {
			return &TransportError{Err: err}
		}
		// A retry client may return the final response together with its
		// retry error; the status still decides the outcome.
		e.logger.Debug("http client returned response with error", "error", err)
	}

	body, err := readBody(resp.Body, e.maxBodyBytes)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	e.logger.Debug("http round trip",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"bytes", len(body),
	)

	switch resp.StatusCode {
	case http.StatusOK:
		value, err := parse(body)
		if err != nil {
			return &ProtocolError{Err: err}
		}
		return Success[T]{Value: value}
	case http.StatusUnauthorized:
		reason, _ := challengeError(resp.Header)
		return Unauthorized{
			Retryable: isExpiredChallenge(reason),
			Reason:    reason,
			Body:      body,
		}
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
}

// readBody reads at most limit bytes and closes rc.
func readBody(rc io.ReadCloser, limit int64) ([]byte, error) {
	defer rc.Close()
	if limit <= 0 {
		return io.ReadAll(rc)
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}
