// Package people fetches the authorized user's friends list from the People
// API through an oauth.Runner.
package people

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-authgate/people-cli/oauth"
)

// DefaultBaseURL is the People API root.
const DefaultBaseURL = "https://api.mixi-platform.com/2"

const friendsPath = "/people/@me/@friends"

// Person is one entry of the friends list.
type Person struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	ProfileURL   string `json:"profileUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// Page is one page of the friends list.
type Page struct {
	ItemsPerPage int      `json:"itemsPerPage"`
	StartIndex   int      `json:"startIndex"`
	TotalResults int      `json:"totalResults"`
	Entry        []Person `json:"entry"`
}

// Client is the People API client.
type Client struct {
	runner  *oauth.Runner
	baseURL string
}

// NewClient returns a client rooted at baseURL, or DefaultBaseURL if empty.
func NewClient(runner *oauth.Runner, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		runner:  runner,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Friends fetches count friends starting at startIndex.
func (c *Client) Friends(ctx context.Context, startIndex, count int) (*Page, error) {
	if startIndex < 0 {
		return nil, fmt.Errorf("%w: startIndex must not be negative, got: %d", oauth.ErrInvalidArgument, startIndex)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got: %d", oauth.ErrInvalidArgument, count)
	}

	query := url.Values{}
	query.Set("startIndex", strconv.Itoa(startIndex))
	query.Set("count", strconv.Itoa(count))

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+friendsPath+"?"+query.Encode(),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create friends request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	page, err := oauth.Run(ctx, c.runner, req, parsePage)
	if err != nil {
		return nil, fmt.Errorf("friends request failed: %w", err)
	}
	return page, nil
}

// All walks every page of the friends list, pageSize entries at a time. It
// stops after the first error.
func (c *Client) All(ctx context.Context, pageSize int) iter.Seq2[Person, error] {
	return func(yield func(Person, error) bool) {
		start := 0
		for {
			page, err := c.Friends(ctx, start, pageSize)
			if err != nil {
				yield(Person{}, err)
				return
			}
			for _, p := range page.Entry {
				if !yield(p, nil) {
					return
				}
			}
			next := page.StartIndex + len(page.Entry)
			// a server that ignores startIndex would otherwise loop forever
			if len(page.Entry) == 0 || next <= start || next >= page.TotalResults {
				return
			}
			start = next
		}
	}
}

// rawPage mirrors Page with pointers so required fields can be checked.
type rawPage struct {
	ItemsPerPage *int        `json:"itemsPerPage"`
	StartIndex   *int        `json:"startIndex"`
	TotalResults *int        `json:"totalResults"`
	Entry        *[]rawEntry `json:"entry"`
}

type rawEntry struct {
	ID           string  `json:"id"`
	DisplayName  *string `json:"displayName"`
	ProfileURL   *string `json:"profileUrl"`
	ThumbnailURL string  `json:"thumbnailUrl"`
}

func parsePage(body []byte) (*Page, error) {
	var raw rawPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse friends response: %w", err)
	}
	switch {
	case raw.ItemsPerPage == nil:
		return nil, errors.New("itemsPerPage is missing")
	case raw.StartIndex == nil:
		return nil, errors.New("startIndex is missing")
	case raw.TotalResults == nil:
		return nil, errors.New("totalResults is missing")
	case raw.Entry == nil:
		return nil, errors.New("entry is missing")
	}

	page := &Page{
		ItemsPerPage: *raw.ItemsPerPage,
		StartIndex:   *raw.StartIndex,
		TotalResults: *raw.TotalResults,
		Entry:        make([]Person, 0, len(*raw.Entry)),
	}
	for i, e := range *raw.Entry {
		if e.DisplayName == nil {
			return nil, fmt.Errorf("entry %d: displayName is missing", i)
		}
		if e.ProfileURL == nil {
			return nil, fmt.Errorf("entry %d: profileUrl is missing", i)
		}
		page.Entry = append(page.Entry, Person{
			ID:           e.ID,
			DisplayName:  *e.DisplayName,
			ProfileURL:   *e.ProfileURL,
			ThumbnailURL: e.ThumbnailURL,
		})
	}
	return page, nil
}
