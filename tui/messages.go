package tui

import (
	"time"

	"github.com/go-authgate/people-cli/people"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgWarning carries a non-fatal configuration warning.
type MsgWarning struct{ Text string }

// MsgTokensFound signals that a stored token exists.
type MsgTokensFound struct {
	Preview   string
	ExpiresIn time.Duration
	Expired   bool
	Location  string
}

// MsgTokensNotFound signals that nothing is stored.
type MsgTokensNotFound struct{}

// MsgLoginURL signals that the authorization page is ready for the user.
type MsgLoginURL struct{ URL string }

// MsgBrowserFailed signals that the browser could not be opened.
type MsgBrowserFailed struct{ Err error }

// MsgWaitingForCallback signals that the local redirect listener is up.
type MsgWaitingForCallback struct {
	Addr     string
	Deadline time.Time
}

// MsgExchanging signals that the authorization code is being exchanged.
type MsgExchanging struct{}

// MsgAuthSuccess signals that the user authorized successfully.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that tokens were persisted.
type MsgTokenSaved struct{ Location string }

// MsgFetching signals that a friends request is in flight.
type MsgFetching struct{}

// MsgFriendsPage carries friends to render.
type MsgFriendsPage struct {
	StartIndex   int
	TotalResults int
	Entries      []people.Person
}

// MsgReAuthRequired signals that stored tokens were rejected and cleared.
type MsgReAuthRequired struct{ Err error }

// MsgLoggedOut signals that stored tokens were removed.
type MsgLoggedOut struct{}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
