package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/go-authgate/people-cli/people"
)

// tickMsg is fired every second to update the callback countdown.
type tickMsg time.Time

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateWaiting          // authorization page shown, waiting for redirect
	stateExchanging       // trading the code for tokens
	stateFetching         // friends request in flight
	stateDone             // command finished
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Login
	loginURL     string
	callbackAddr string
	deadline     time.Time
	remaining    time.Duration

	// Friends
	friends      []people.Person
	startIndex   int
	totalResults int

	errMsg string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleURL = lipgloss.NewStyle().
			Foreground(lipgloss.Color("228")).
			Underline(true)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateWaiting {
			return m, nil
		}
		m.remaining = max(time.Until(m.deadline), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgWarning:
		m.addStatus(statusWarn, msg.Text)
		return m, nil

	case MsgTokensFound:
		m.addStatus(statusOK, "Tokens found in "+msg.Location)
		m.addStatus(statusInfo, "Access token: "+msg.Preview)
		if msg.Expired {
			m.addStatus(statusWarn, "Access token expired, the next request will refresh it")
		} else {
			m.addStatus(statusInfo, "Expires in "+formatDuration(msg.ExpiresIn))
		}
		m.state = stateDone
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusWarn, "No tokens stored, run login first")
		m.state = stateDone
		return m, nil

	case MsgLoginURL:
		m.loginURL = msg.URL
		m.state = stateWaiting
		return m, nil

	case MsgBrowserFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Could not open a browser: %v", msg.Err))
		return m, nil

	case MsgWaitingForCallback:
		m.callbackAddr = msg.Addr
		m.deadline = msg.Deadline
		m.remaining = time.Until(msg.Deadline)
		m.state = stateWaiting
		return m, tickAfterSecond()

	case MsgExchanging:
		m.state = stateExchanging
		m.addStatus(statusInfo, "Exchanging authorization code...")
		return m, nil

	case MsgAuthSuccess:
		m.addStatus(statusOK, "Authorization successful!")
		return m, nil

	case MsgTokenSaved:
		m.addStatus(statusOK, "Tokens saved to "+msg.Location)
		m.state = stateDone
		return m, nil

	case MsgFetching:
		m.state = stateFetching
		return m, nil

	case MsgFriendsPage:
		m.friends = append(m.friends, msg.Entries...)
		if len(m.friends) == len(msg.Entries) {
			m.startIndex = msg.StartIndex
		}
		m.totalResults = msg.TotalResults
		m.state = stateDone
		return m, nil

	case MsgReAuthRequired:
		m.errMsg = fmt.Sprintf("%v. Stored tokens were cleared, run login again.", msg.Err)
		m.state = stateError
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Logged out")
		m.state = stateDone
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateDone:
		return tea.NewView(m.viewDone())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while a command is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  People API  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateWaiting:
		b.WriteString(styleBold.Render("Open this link to authorize:"))
		b.WriteString("\n")
		b.WriteString(styleURL.Render(m.loginURL))
		b.WriteString("\n\n")

		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for authorization...")
		if m.callbackAddr != "" {
			b.WriteString(styleDim.Render("  " + m.callbackAddr))
		}
		if m.remaining > 0 {
			b.WriteString(styleDim.Render("  " + formatDuration(m.remaining) + " remaining"))
		}
		b.WriteString("\n")

	case stateExchanging:
		b.WriteString(m.spinner.View())
		b.WriteString(" Exchanging authorization code...\n")

	case stateFetching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Fetching friends...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewDone is shown after a command finished.
func (m Model) viewDone() string {
	var b strings.Builder

	if len(m.friends) > 0 {
		b.WriteString("\n")
		b.WriteString(m.viewFriends())
		b.WriteString("\n")
		b.WriteString(styleDim.Render(fmt.Sprintf(
			"  %d-%d of %d",
			m.startIndex, m.startIndex+len(m.friends), m.totalResults,
		)))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewFriends renders the friends as a table.
func (m Model) viewFriends() string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styleDim).
		Headers("Name", "Profile").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleBold.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, p := range m.friends {
		t.Row(p.DisplayName, p.ProfileURL)
	}
	return t.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Request failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
