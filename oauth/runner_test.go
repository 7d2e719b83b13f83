package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	expiredChallenge = "OAuth error='expired_token'"
	invalidChallenge = "OAuth error='invalid_token'"
)

// scriptedResponse is one canned reply of the resource server.
type scriptedResponse struct {
	status    int
	challenge string
	body      string
}

// resourceServer replays responses in order and records the Authorization
// header of every dispatch.
type resourceServer struct {
	*httptest.Server
	mu        sync.Mutex
	responses []scriptedResponse
	auth      []string
	bodies    []string
}

func newResourceServer(t *testing.T, responses ...scriptedResponse) *resourceServer {
	t.Helper()
	rs := &resourceServer{responses: responses}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rs.mu.Lock()
		i := len(rs.auth)
		rs.auth = append(rs.auth, r.Header.Get("Authorization"))
		rs.bodies = append(rs.bodies, string(body))
		rs.mu.Unlock()

		if i >= len(rs.responses) {
			t.Errorf("unexpected dispatch #%d", i+1)
			w.WriteHeader(http.StatusTeapot)
			return
		}
		resp := rs.responses[i]
		if resp.challenge != "" {
			w.Header().Set("WWW-Authenticate", resp.challenge)
		}
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *resourceServer) requestBodies() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.bodies...)
}

func (rs *resourceServer) dispatches() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.auth...)
}

// fakeRefresher issues AT<n>/RT<n> tokens and counts calls.
type fakeRefresher struct {
	calls   atomic.Int32
	err     error
	now     time.Time
	delay   time.Duration
	refresh []string
	mu      sync.Mutex
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (Token, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.refresh = append(f.refresh, refreshToken)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Token{}, f.err
	}
	suffix := string(rune('1' + n))
	return Token{
		AccessToken:  "AT" + suffix,
		RefreshToken: "RT" + suffix,
		ExpiresAt:    f.now.Add(time.Hour).UnixMilli(),
	}, nil
}

func (f *fakeRefresher) refreshTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refresh...)
}

type runnerFixture struct {
	store     *TokenStore
	refresher *fakeRefresher
	runner    *Runner
	now       time.Time
}

func newRunnerFixture(t *testing.T, initial Token) *runnerFixture {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	backend := &MemoryBackend{}
	if initial.Valid() {
		require.NoError(t, backend.Save(context.Background(), initial))
	}
	store := NewTokenStore(backend, WithClock(func() time.Time { return now }))
	refresher := &fakeRefresher{now: now}
	return &runnerFixture{
		store:     store,
		refresher: refresher,
		runner:    NewRunner(store, refresher, newTestExecutor(t)),
		now:       now,
	}
}

func (f *runnerFixture) freshToken() Token {
	return Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: f.now.Add(time.Hour).UnixMilli()}
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestRun_SuccessFirstAttempt(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	rs := newResourceServer(t, scriptedResponse{status: http.StatusOK, body: "payload"})

	got, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
	assert.Equal(t, []string{"OAuth AT1"}, rs.dispatches())
	assert.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestRun_ExpiredThenSuccess(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
		scriptedResponse{status: http.StatusOK, body: "payload"},
	)

	got, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)

	assert.Equal(t, int32(1), f.refresher.calls.Load(), "exactly one refresh")
	assert.Equal(t, []string{"RT1"}, f.refresher.refreshTokens())
	assert.Equal(t, []string{"OAuth AT1", "OAuth AT2"}, rs.dispatches(), "exactly two dispatches")
	assert.Equal(t, "AT2", f.store.Token().AccessToken, "refreshed token persisted")
	assert.Equal(t, "RT2", f.store.Token().RefreshToken)
}

func TestRun_ExpiredTwiceFailsClosed(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
	)

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	assert.True(t, IsTokenInvalid(err), "got %v", err)
	assert.Equal(t, int32(1), f.refresher.calls.Load(), "no second refresh")
	assert.Len(t, rs.dispatches(), 2, "no third dispatch")
}

func TestRun_InvalidTokenNoRefresh(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: invalidChallenge},
	)

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	var invalid *TokenInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "invalid_token", invalid.Message)
	assert.Equal(t, int32(0), f.refresher.calls.Load())
	assert.Len(t, rs.dispatches(), 1)
	assert.True(t, f.store.Has(), "runner never clears the store")
}

func TestRun_InvalidOnRetryFailsClosed(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
		scriptedResponse{status: http.StatusUnauthorized, challenge: invalidChallenge},
	)

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	assert.True(t, IsTokenInvalid(err))
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Len(t, rs.dispatches(), 2)
}

func TestRun_ProactiveRefreshWhenLocallyExpired(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	stale := Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: f.now.UnixMilli() - 1}
	require.NoError(t, f.store.Set(stale))
	rs := newResourceServer(t, scriptedResponse{status: http.StatusOK, body: "payload"})

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	require.NoError(t, err)

	assert.Equal(t, []string{"OAuth AT2"}, rs.dispatches(), "stale token never sent")
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Equal(t, "AT2", f.store.Token().AccessToken)
}

func TestRun_ProactiveRefreshFailureSendsNothing(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: 0}))
	f.refresher.err = &TokenInvalidError{Message: "refresh token revoked"}
	rs := newResourceServer(t)

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	assert.True(t, IsTokenInvalid(err))
	assert.Empty(t, rs.dispatches())
	assert.Equal(t, "AT1", f.store.Token().AccessToken, "store unchanged on failed refresh")
}

func TestRun_ReactiveRefreshFailurePropagates(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	f.refresher.err = &TransportError{Err: errors.New("connection reset")}
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
	)

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Len(t, rs.dispatches(), 1)
}

func TestRun_AnonymousWhenNoToken(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusOK, body: "public"},
	)

	got, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	require.NoError(t, err)
	assert.Equal(t, "public", got)
	assert.Equal(t, []string{""}, rs.dispatches(), "no Authorization header")
}

func TestRun_AnonymousExpiredChallengeIsInvalid(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
	)

	_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
	assert.True(t, IsTokenInvalid(err))
	assert.Equal(t, int32(0), f.refresher.calls.Load())
	assert.Len(t, rs.dispatches(), 1)
}

func TestRun_NonAuthErrorsPropagateVerbatim(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))

	t.Run("http error", func(t *testing.T) {
		rs := newResourceServer(t, scriptedResponse{status: http.StatusServiceUnavailable, body: "down"})
		_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
		var herr *HTTPError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, http.StatusServiceUnavailable, herr.StatusCode)
		assert.Len(t, rs.dispatches(), 1, "5xx never retried")
	})

	t.Run("protocol error", func(t *testing.T) {
		rs := newResourceServer(t, scriptedResponse{status: http.StatusOK, body: ""})
		_, err := Run(context.Background(), f.runner, getRequest(t, rs.URL), parseString)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("transport error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := server.URL
		server.Close()
		_, err := Run(context.Background(), f.runner, getRequest(t, url), parseString)
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
	})

	assert.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestRun_ReplaysBodyOnRetry(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
		scriptedResponse{status: http.StatusOK, body: "ok"},
	)

	req, err := http.NewRequest(http.MethodPost, rs.URL, strings.NewReader("startIndex=0"))
	require.NoError(t, err)

	_, err = Run(context.Background(), f.runner, req, parseString)
	require.NoError(t, err)
	assert.Equal(t, []string{"startIndex=0", "startIndex=0"}, rs.requestBodies())
	assert.Empty(t, req.Header.Get("Authorization"), "template untouched")
}

func TestRun_RejectsUnreplayableBody(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid", io.NopCloser(strings.NewReader("x")))
	require.NoError(t, err)

	_, err = Run(context.Background(), f.runner, req, parseString)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRun_CustomAuthScheme(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))
	runner := NewRunner(f.store, f.refresher, newTestExecutor(t), WithAuthScheme("Bearer"))
	rs := newResourceServer(t, scriptedResponse{status: http.StatusOK, body: "ok"})

	_, err := Run(context.Background(), runner, getRequest(t, rs.URL), parseString)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer AT1"}, rs.dispatches())
}

func TestRun_ConcurrentRefreshesCoalesce(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: 0}))
	f.refresher.delay = 50 * time.Millisecond

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "OAuth AT2" {
			w.Header().Set("WWW-Authenticate", invalidChallenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), f.runner, getRequest(t, server.URL), parseString)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.refresher.calls.Load(), "refresh token spent once")
	assert.Equal(t, int32(callers), hits.Load())
}

func TestRun_StaleCallerReusesStoredToken(t *testing.T) {
	f := newRunnerFixture(t, Token{})
	require.NoError(t, f.store.Set(f.freshToken()))

	// Another caller rotates the token while this one's first request is in
	// flight with AT1.
	rotated := Token{AccessToken: "AT9", RefreshToken: "RT9", ExpiresAt: f.now.Add(time.Hour).UnixMilli()}
	var (
		mu   sync.Mutex
		auth []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		first := len(auth) == 1
		mu.Unlock()

		if first {
			require.NoError(t, f.store.Set(rotated))
			w.Header().Set("WWW-Authenticate", expiredChallenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	_, err := Run(context.Background(), f.runner, getRequest(t, server.URL), parseString)
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.refresher.calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"OAuth AT1", "OAuth AT9"}, auth)
}

func TestRun_EndToEndWithTokenEndpoint(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var refreshCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "RT1", r.PostForm.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "AT2",
			"refresh_token": "RT2",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	exec := newTestExecutor(t)
	store := NewTokenStore(&MemoryBackend{}, WithClock(func() time.Time { return now }))
	require.NoError(t, store.Set(Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: now.Add(time.Minute).UnixMilli()}))

	endpoint := NewEndpointClient(Config{
		ClientID:     "client-id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenServer.URL},
	}, exec, WithEndpointClock(func() time.Time { return now }))
	runner := NewRunner(store, endpoint, exec)

	rs := newResourceServer(t,
		scriptedResponse{status: http.StatusUnauthorized, challenge: expiredChallenge},
		scriptedResponse{status: http.StatusOK, body: "ok"},
	)

	_, err := Run(context.Background(), runner, getRequest(t, rs.URL), parseString)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, Token{AccessToken: "AT2", RefreshToken: "RT2", ExpiresAt: now.UnixMilli() + 3_600_000}, store.Token())
}

func TestRun_MalformedRefreshLeavesStoreUnmodified(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"AT2","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	exec := newTestExecutor(t)
	store := NewTokenStore(&MemoryBackend{})
	original := Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: 0}
	require.NoError(t, store.Set(original))

	endpoint := NewEndpointClient(Config{Endpoint: oauth2.Endpoint{TokenURL: tokenServer.URL}}, exec)
	runner := NewRunner(store, endpoint, exec)
	rs := newResourceServer(t)

	_, err := Run(context.Background(), runner, getRequest(t, rs.URL), parseString)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, original, store.Token())
	assert.Empty(t, rs.dispatches())
}

// gatedRefresher blocks until released and records its context's state.
type gatedRefresher struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	ctxErr  atomic.Value
	now     time.Time
}

func (g *gatedRefresher) Refresh(ctx context.Context, _ string) (Token, error) {
	g.calls.Add(1)
	close(g.started)
	<-g.release
	g.ctxErr.Store(fmt.Sprint(ctx.Err()))
	return Token{AccessToken: "AT2", RefreshToken: "RT2", ExpiresAt: g.now.Add(time.Hour).UnixMilli()}, nil
}

func TestRefresh_FirstCallerCancelDoesNotAbortSharedRefresh(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	stale := Token{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: now.Add(-time.Minute).UnixMilli()}
	backend := &MemoryBackend{}
	require.NoError(t, backend.Save(context.Background(), stale))
	store := NewTokenStore(backend, WithClock(func() time.Time { return now }))
	g := &gatedRefresher{started: make(chan struct{}), release: make(chan struct{}), now: now}
	r := NewRunner(store, g, newTestExecutor(t))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.refresh(ctxA, stale)
		errA <- err
	}()

	<-g.started
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	tokB := make(chan Token, 1)
	go func() {
		tok, err := r.refresh(context.Background(), stale)
		assert.NoError(t, err)
		tokB <- tok
	}()
	close(g.release)

	assert.Equal(t, "AT2", (<-tokB).AccessToken)
	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, "<nil>", g.ctxErr.Load())
	assert.Equal(t, "AT2", store.Token().AccessToken)
}
