package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	DefaultBaseURL = "https://botometer-pro.p.rapidapi.com"
	DefaultHost    = "botometer-pro.p.rapidapi.com"

	checkAccountPath = "/4/check_account"
	timelineCount    = 200
	mentionsCount    = 100

	defaultTimeout       = 60 * time.Second
	defaultRetryDelay    = 30 * time.Second
	defaultMaxRetryDelay = 15 * time.Minute
	maxErrorBody         = 512
)

var (
	// ErrNoTimeline means the author has no posts to score. The lookup can
	// never succeed for this author as things stand; skip it.
	ErrNoTimeline = errors.New("no timeline available for account")
	// ErrRequestFailed covers every other lookup failure: quota exhaustion,
	// protected accounts, transport errors, unexpected responses.
	ErrRequestFailed = errors.New("scoring request failed")
)

// APIError is returned for a non-200 response from the scoring endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scoring API returned HTTP %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the provider throttled the request.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// TimelineSource supplies the author data the scoring API expects.
// *twitter.REST implements it.
type TimelineSource interface {
	UserTimeline(ctx context.Context, userID string, count int) (json.RawMessage, error)
	SearchTweets(ctx context.Context, query string, count int) (json.RawMessage, error)
}

// Config configures a Client. Zero values select the defaults.
type Config struct {
	APIKey  string
	BaseURL string
	Host    string
	Timeout time.Duration

	// MaxRetries bounds how many times a throttled call is retried.
	// -1 waits indefinitely; 0 fails on the first throttle.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Client looks up bot-likelihood scores for post authors.
type Client struct {
	apiKey     string
	baseURL    string
	host       string
	source     TimelineSource
	httpClient *http.Client
	executor   failsafe.Executor[json.RawMessage]
	logger     *slog.Logger
}

// NewClient creates a Client that reads author data from source.
func NewClient(source TimelineSource, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(defaultMaxRetryDelay, 2*cfg.RetryDelay)
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		host:       cfg.Host,
		source:     source,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		executor:   newRateLimitExecutor(cfg),
		logger:     slog.Default(),
	}
}

// newRateLimitExecutor retries throttled calls with exponential backoff.
// Nothing else is retried.
func newRateLimitExecutor(cfg Config) failsafe.Executor[json.RawMessage] {
	policy := retrypolicy.NewBuilder[json.RawMessage]().
		HandleIf(func(_ json.RawMessage, err error) bool {
			return isRateLimited(err)
		}).
		WithBackoff(cfg.RetryDelay, cfg.MaxRetryDelay).
		WithMaxRetries(cfg.MaxRetries).
		Build()
	return failsafe.With(policy)
}

func isRateLimited(err error) bool {
	var rl interface{ RateLimited() bool }
	return errors.As(err, &rl) && rl.RateLimited()
}

func (c *Client) call(ctx context.Context, what string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	attempt := 0
	return c.executor.WithContext(ctx).Get(func() (json.RawMessage, error) {
		if attempt > 0 {
			c.logger.Info("retrying throttled request", "call", what, "attempt", attempt)
		}
		attempt++
		return fn()
	})
}

type checkAccountRequest struct {
	User     json.RawMessage   `json:"user"`
	Timeline []json.RawMessage `json:"timeline"`
	Mentions []json.RawMessage `json:"mentions"`
}

// Lookup scores the author with the given numeric ID and handle and returns
// the scoring API's response verbatim. Errors wrap ErrNoTimeline or
// ErrRequestFailed.
func (c *Client) Lookup(ctx context.Context, userID, screenName string) (json.RawMessage, error) {
	raw, err := c.call(ctx, "user_timeline", func() (json.RawMessage, error) {
		return c.source.UserTimeline(ctx, userID, timelineCount)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching timeline of %s: %w", ErrRequestFailed, screenName, err)
	}

	var timeline []json.RawMessage
	if err := json.Unmarshal(raw, &timeline); err != nil {
		return nil, fmt.Errorf("%w: decoding timeline of %s: %w", ErrRequestFailed, screenName, err)
	}
	if len(timeline) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTimeline, screenName)
	}

	var first struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(timeline[0], &first); err != nil || len(first.User) == 0 {
		return nil, fmt.Errorf("%w: timeline of %s carries no user object", ErrRequestFailed, screenName)
	}

	raw, err = c.call(ctx, "search", func() (json.RawMessage, error) {
		return c.source.SearchTweets(ctx, "@"+screenName, mentionsCount)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: searching mentions of %s: %w", ErrRequestFailed, screenName, err)
	}
	var search struct {
		Statuses []json.RawMessage `json:"statuses"`
	}
	if err := json.Unmarshal(raw, &search); err != nil {
		return nil, fmt.Errorf("%w: decoding mentions of %s: %w", ErrRequestFailed, screenName, err)
	}
	if search.Statuses == nil {
		search.Statuses = []json.RawMessage{}
	}

	body, err := json.Marshal(checkAccountRequest{
		User:     first.User,
		Timeline: timeline,
		Mentions: search.Statuses,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %w", ErrRequestFailed, err)
	}

	result, err := c.call(ctx, "check_account", func() (json.RawMessage, error) {
		return c.checkAccount(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: checking %s: %w", ErrRequestFailed, screenName, err)
	}

	c.logger.Debug("account scored", "screen_name", screenName, "timeline", len(timeline), "mentions", len(search.Statuses))
	return result, nil
}

func (c *Client) checkAccount(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+checkAccountPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
	req.Header.Set("X-RapidAPI-Host", c.host)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return json.RawMessage(out), nil
}
