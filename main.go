package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/people-cli/oauth"
	"github.com/go-authgate/people-cli/people"
	"github.com/go-authgate/people-cli/tui"
)

const usage = `Usage: people-cli [flags] <command> [command flags]

Commands:
  login    authorize this client and store the tokens
  friends  list your friends (-start N, -count N, -all)
  status   show the stored token
  logout   remove the stored tokens

Run "people-cli -h" for the global flags.
`

// app wires the oauth core to one CLI invocation.
type app struct {
	cfg      *Config
	d        tui.Displayer
	logger   *slog.Logger
	store    *oauth.TokenStore
	endpoint *oauth.EndpointClient
	people   *people.Client
	location string

	// openBrowser is replaced in tests.
	openBrowser func(url string) error
	closers     []func() error
}

// newApp builds the token store, executor, endpoint client, runner and
// People client from cfg.
func newApp(cfg *Config, d tui.Displayer, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:         cfg,
		d:           d,
		logger:      logger,
		openBrowser: browser.OpenURL,
	}

	var backend oauth.Backend
	switch cfg.TokenStore {
	case storeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		backend = oauth.NewRedisBackend(client, cfg.RedisKey)
		a.location = fmt.Sprintf("redis://%s/%s", cfg.RedisAddr, cfg.RedisKey)
	case storeMemory:
		backend = &oauth.MemoryBackend{}
		a.location = "memory"
	default:
		fb := oauth.NewFileBackend(cfg.TokenFile)
		backend = fb
		a.location = fb.Path()
	}

	exec, err := oauth.NewExecutor(
		oauth.WithHTTPTimeout(cfg.HTTPTimeout),
		oauth.WithExecutorLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	a.store = oauth.NewTokenStore(backend, oauth.WithStoreLogger(logger))
	a.endpoint = oauth.NewEndpointClient(cfg.OAuth(), exec, oauth.WithEndpointLogger(logger))
	runner := oauth.NewRunner(a.store, a.endpoint, exec, oauth.WithRunnerLogger(logger))
	a.people = people.NewClient(runner, cfg.APIURL)
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, args, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(cfg, d, logger, args)
		p.Quit()
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		if err := run(cfg, d, logger, args); err != nil {
			os.Exit(1)
		}
	}
}

func run(cfg *Config, d tui.Displayer, logger *slog.Logger, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, w := range cfg.Warnings {
		d.Warning(w)
	}

	a, err := newApp(cfg, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.Close()

	if err := a.dispatch(ctx, args); err != nil {
		if oauth.IsTokenInvalid(err) {
			// Stored tokens can never succeed again; drop them so the next
			// run starts from login.
			if clearErr := a.store.Clear(); clearErr != nil {
				logger.Warn("failed to clear rejected tokens", "error", clearErr)
			}
			d.ReAuthRequired(err)
			return err
		}
		d.Fatal(err)
		return err
	}
	return nil
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command\n" + usage)
	}
	switch args[0] {
	case "login":
		return a.login(ctx, args[1:])
	case "friends":
		return a.friends(ctx, args[1:])
	case "status":
		return a.status()
	case "logout":
		return a.logout()
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

// login runs the authorization code flow. With -code the given code is
// exchanged directly; otherwise the redirect is caught on the local
// callback server.
func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	code := fs.String("code", "", "authorization code obtained out of band")
	noBrowser := fs.Bool("no-browser", false, "print the authorization URL without opening a browser")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *code == "" {
		var err error
		*code, err = a.awaitCode(ctx, !*noBrowser)
		if err != nil {
			return err
		}
	}

	a.d.Exchanging()
	token, err := a.endpoint.ExchangeCode(ctx, *code)
	if err != nil {
		return fmt.Errorf("authorization code exchange failed: %w", err)
	}
	a.d.AuthSuccess()

	if err := a.store.Set(token); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	a.d.TokenSaved(a.location)
	return nil
}

// awaitCode shows the authorization page and waits for the redirect.
func (a *app) awaitCode(ctx context.Context, openBrowser bool) (string, error) {
	srv, err := newCallbackServer(a.cfg.RedirectURL, a.logger)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return "", err
	}
	defer srv.Stop()

	state := uuid.NewString()
	authURL := a.endpoint.AuthCodeURL(state)
	a.d.LoginURL(authURL)
	if openBrowser {
		if err := a.openBrowser(authURL); err != nil {
			a.d.BrowserFailed(err)
		}
	}

	deadline, _ := ctx.Deadline()
	a.d.WaitingForCallback(srv.Addr(), deadline)

	result, err := srv.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("waiting for authorization failed: %w", err)
	}
	return authorizationCode(result, state)
}

func (a *app) friends(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("friends", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	start := fs.Int("start", 0, "index of the first friend")
	count := fs.Int("count", 20, "friends per page")
	all := fs.Bool("all", false, "fetch every page")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !a.store.Has() {
		return fmt.Errorf("%w, run login first", oauth.ErrNoToken)
	}

	a.d.Fetching()
	if !*all {
		page, err := a.people.Friends(ctx, *start, *count)
		if err != nil {
			return err
		}
		a.d.FriendsPage(page.StartIndex, page.TotalResults, page.Entry)
		return nil
	}

	var friends []people.Person
	for p, err := range a.people.All(ctx, *count) {
		if err != nil {
			return err
		}
		friends = append(friends, p)
	}
	a.d.FriendsPage(0, len(friends), friends)
	return nil
}

func (a *app) status() error {
	if !a.store.Has() {
		a.d.TokensNotFound()
		return nil
	}
	tok := a.store.Token()
	a.d.TokensFound(
		tok.Preview(),
		time.Until(tok.Expiry()).Round(time.Second),
		a.store.IsExpired(),
		a.location,
	)
	return nil
}

func (a *app) logout() error {
	if err := a.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	a.d.LoggedOut()
	return nil
}
