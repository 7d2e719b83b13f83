package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// callbackTimeout is how long login waits for the browser redirect.
	callbackTimeout = 5 * time.Minute
	// callbackShutdownTimeout bounds draining in-flight redirect requests.
	callbackShutdownTimeout = 5 * time.Second
)

var (
	callbackSuccessPage = template.Must(template.New("success").Parse(
		`<!DOCTYPE html><html><head><title>Authorized</title></head>` +
			`<body><h1>Authorization complete</h1><p>You can close this window and return to the terminal.</p></body></html>`,
	))
	callbackErrorPage = template.Must(template.New("error").Parse(
		`<!DOCTYPE html><html><head><title>Authorization failed</title></head>` +
			`<body><h1>Authorization failed</h1><p>{{.Error}}</p><p>{{.Description}}</p></body></html>`,
	))
)

// errLoginCancelled is returned when the provider redirects back without a
// code, which is how a user declining the consent page shows up.
var errLoginCancelled = errors.New("login cancelled")

// callbackResult is the query of the redirect back from the provider.
type callbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// callbackServer is a one-shot local HTTP server receiving the
// authorization redirect.
type callbackServer struct {
	addr            string
	path            string
	logger          *slog.Logger
	shutdownTimeout time.Duration
	server          *http.Server
	listener        net.Listener
	resultCh        chan callbackResult
	errorCh         chan error
	once            sync.Once
}

// newCallbackServer prepares a server for redirectURL, which must point at
// the loopback interface.
func newCallbackServer(redirectURL string, logger *slog.Logger) (*callbackServer, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URL must use http to be served locally, got: %s", u.Scheme)
	}
	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
	default:
		return nil, fmt.Errorf("redirect URL must point at localhost, got: %s", u.Hostname())
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	return &callbackServer{
		addr:            addr,
		path:            path,
		logger:          logger,
		shutdownTimeout: callbackShutdownTimeout,
		resultCh:        make(chan callbackResult, 1),
		errorCh:         make(chan error, 1),
	}, nil
}

// Start begins listening. The server stops when ctx is cancelled.
func (s *callbackServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Addr returns the address the server listens on.
func (s *callbackServer) Addr() string {
	return s.addr
}

// Wait blocks until the redirect arrives, the server fails or ctx is done.
func (s *callbackServer) Wait(ctx context.Context) (callbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return callbackResult{}, err
	case <-ctx.Done():
		return callbackResult{}, ctx.Err()
	}
}

func (s *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *callbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := callbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var err error
	if result.Code == "" {
		err = callbackErrorPage.Execute(w, map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		})
	} else {
		err = callbackSuccessPage.Execute(w, nil)
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *callbackServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Debug("failed to shut down callback server", "addr", s.addr, "error", err)
	}
}

// authorizationCode validates a callback against the state sent with the
// authorization request and returns the code.
func authorizationCode(result callbackResult, state string) (string, error) {
	if result.State != state {
		return "", errors.New("state mismatch in authorization callback")
	}
	if result.Code == "" {
		if result.Error != "" {
			return "", fmt.Errorf("%w: %s %s", errLoginCancelled, result.Error, result.ErrorDescription)
		}
		return "", errLoginCancelled
	}
	return result.Code, nil
}
