package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/people-cli/people"
)

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner()
	Warning(text string)
	TokensFound(preview string, expiresIn time.Duration, expired bool, location string)
	TokensNotFound()
	LoginURL(url string)
	BrowserFailed(err error)
	WaitingForCallback(addr string, deadline time.Time)
	Exchanging()
	AuthSuccess()
	TokenSaved(location string)
	Fetching()
	FriendsPage(startIndex, totalResults int, entries []people.Person)
	ReAuthRequired(err error)
	LoggedOut()
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== People API CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) Warning(text string) {
	fmt.Fprintf(p.w, "WARNING: %s\n", text)
}

func (p *PlainDisplayer) TokensFound(preview string, expiresIn time.Duration, expired bool, location string) {
	fmt.Fprintf(p.w, "Tokens found in %s\n", location)
	fmt.Fprintf(p.w, "Access Token: %s\n", preview)
	if expired {
		fmt.Fprintln(p.w, "Expired: the next request will refresh it")
		return
	}
	fmt.Fprintf(p.w, "Expires In: %s\n", formatDuration(expiresIn))
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No tokens stored, run login first.")
}

func (p *PlainDisplayer) LoginURL(url string) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", url)
	fmt.Fprintln(p.w, "----------------------------------------")
}

func (p *PlainDisplayer) BrowserFailed(err error) {
	fmt.Fprintf(p.w, "Could not open a browser: %v\n", err)
}

func (p *PlainDisplayer) WaitingForCallback(addr string, deadline time.Time) {
	fmt.Fprintf(p.w, "Waiting for authorization on %s (%s remaining)...\n",
		addr, formatDuration(time.Until(deadline)))
}

func (p *PlainDisplayer) Exchanging() {
	fmt.Fprintln(p.w, "Exchanging authorization code...")
}

func (p *PlainDisplayer) AuthSuccess() {
	fmt.Fprintln(p.w, "Authorization successful!")
}

func (p *PlainDisplayer) TokenSaved(location string) {
	fmt.Fprintf(p.w, "Tokens saved to %s\n", location)
}

func (p *PlainDisplayer) Fetching() {}

func (p *PlainDisplayer) FriendsPage(startIndex, totalResults int, entries []people.Person) {
	for _, e := range entries {
		fmt.Fprintf(p.w, "%s\t%s\n", e.DisplayName, e.ProfileURL)
	}
	fmt.Fprintf(p.w, "(%d-%d of %d)\n", startIndex, startIndex+len(entries), totalResults)
}

func (p *PlainDisplayer) ReAuthRequired(err error) {
	fmt.Fprintf(p.w, "Authorization is no longer valid: %v\n", err)
	fmt.Fprintln(p.w, "Stored tokens were cleared, run login again.")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                                 {}
func (NoopDisplayer) Warning(_ string)                                        {}
func (NoopDisplayer) TokensFound(_ string, _ time.Duration, _ bool, _ string) {}
func (NoopDisplayer) TokensNotFound()                                         {}
func (NoopDisplayer) LoginURL(_ string)                                       {}
func (NoopDisplayer) BrowserFailed(_ error)                                   {}
func (NoopDisplayer) WaitingForCallback(_ string, _ time.Time)                {}
func (NoopDisplayer) Exchanging()                                             {}
func (NoopDisplayer) AuthSuccess()                                            {}
func (NoopDisplayer) TokenSaved(_ string)                                     {}
func (NoopDisplayer) Fetching()                                               {}
func (NoopDisplayer) FriendsPage(_, _ int, _ []people.Person)                 {}
func (NoopDisplayer) ReAuthRequired(_ error)                                  {}
func (NoopDisplayer) LoggedOut()                                              {}
func (NoopDisplayer) Fatal(_ error)                                           {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) Warning(text string) {
	t.p.Send(MsgWarning{Text: text})
}

func (t *ProgramDisplayer) TokensFound(preview string, expiresIn time.Duration, expired bool, location string) {
	t.p.Send(MsgTokensFound{
		Preview:   preview,
		ExpiresIn: expiresIn,
		Expired:   expired,
		Location:  location,
	})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) LoginURL(url string) {
	t.p.Send(MsgLoginURL{URL: url})
}

func (t *ProgramDisplayer) BrowserFailed(err error) {
	t.p.Send(MsgBrowserFailed{Err: err})
}

func (t *ProgramDisplayer) WaitingForCallback(addr string, deadline time.Time) {
	t.p.Send(MsgWaitingForCallback{Addr: addr, Deadline: deadline})
}

func (t *ProgramDisplayer) Exchanging() {
	t.p.Send(MsgExchanging{})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(location string) {
	t.p.Send(MsgTokenSaved{Location: location})
}

func (t *ProgramDisplayer) Fetching() {
	t.p.Send(MsgFetching{})
}

func (t *ProgramDisplayer) FriendsPage(startIndex, totalResults int, entries []people.Person) {
	t.p.Send(MsgFriendsPage{
		StartIndex:   startIndex,
		TotalResults: totalResults,
		Entries:      entries,
	})
}

func (t *ProgramDisplayer) ReAuthRequired(err error) {
	t.p.Send(MsgReAuthRequired{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
