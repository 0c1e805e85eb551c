package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRESTURL     = "https://api.twitter.com"
	defaultRESTTimeout = 30 * time.Second
	maxErrorBody       = 512
)

// APIError is returned for a non-200 REST response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("twitter API returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("twitter API returned HTTP %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the request was throttled.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == StatusEnhanceYourCalm
}

// REST is a minimal client for the v1.1 REST endpoints the scoring lookup
// needs. Responses are returned undecoded.
type REST struct {
	baseURL    string
	httpClient *http.Client
}

// NewREST creates a REST client. httpClient is copied and given a request
// timeout, so the same signed client can back both REST and Stream.
func NewREST(httpClient *http.Client, baseURL string) *REST {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	hc := *httpClient
	if hc.Timeout == 0 {
		hc.Timeout = defaultRESTTimeout
	}
	return &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &hc,
	}
}

// UserTimeline returns the most recent posts of the user with the given
// numeric ID, retweets included, as a raw JSON array.
func (c *REST) UserTimeline(ctx context.Context, userID string, count int) (json.RawMessage, error) {
	q := url.Values{
		"user_id":     {userID},
		"count":       {strconv.Itoa(count)},
		"include_rts": {"true"},
	}
	return c.get(ctx, "/1.1/statuses/user_timeline.json", q)
}

// SearchTweets runs a standard search and returns the raw response object
// ({"statuses": [...], "search_metadata": {...}}).
func (c *REST) SearchTweets(ctx context.Context, query string, count int) (json.RawMessage, error) {
	q := url.Values{
		"q":     {query},
		"count": {strconv.Itoa(count)},
	}
	return c.get(ctx, "/1.1/search/tweets.json", q)
}

func (c *REST) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return json.RawMessage(body), nil
}
