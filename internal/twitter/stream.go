package twitter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultStreamURL = "https://stream.twitter.com"
	filterPath       = "/1.1/statuses/filter.json"

	// StatusEnhanceYourCalm is the stream provider's rate-limit status code.
	StatusEnhanceYourCalm = 420

	maxMessageSize = 1 << 20

	// DefaultStallTimeout is how long a subscription may go without any line,
	// keep-alives included. The provider sends a keep-alive about every 30s.
	DefaultStallTimeout = 90 * time.Second
)

// StreamAction tells the transport what to do after a transport error.
type StreamAction int

const (
	// Continue ends the current subscription so the caller can resubscribe.
	Continue StreamAction = iota
	// Disconnect ends the current subscription for good.
	Disconnect
)

func (a StreamAction) String() string {
	if a == Disconnect {
		return "disconnect"
	}
	return "continue"
}

var (
	// ErrDisconnected is returned by Filter when the handler asked to disconnect.
	ErrDisconnected = errors.New("stream disconnected by handler")
	// ErrConnect wraps failures to get any response from the stream endpoint.
	ErrConnect = errors.New("stream connect failed")
	// ErrStreamRead wraps faults on an established subscription: a truncated
	// body or a stall past the stall timeout.
	ErrStreamRead = errors.New("stream read failed")
)

// StatusError is returned by Filter when the stream answered with a non-200
// status and the handler chose Continue.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream returned HTTP %d", e.Code)
}

// StreamHandler receives stream events. Filter calls it from a single
// goroutine and does not read the next message until OnStatus returns.
type StreamHandler interface {
	// OnStatus handles one post. A non-nil error aborts the subscription and
	// is returned from Filter.
	OnStatus(ctx context.Context, st Status) error
	// OnError handles a non-200 response from the stream endpoint.
	OnError(code int) StreamAction
}

// Stream subscribes to the filtered real-time post stream.
type Stream struct {
	baseURL      string
	httpClient   *http.Client
	stallTimeout time.Duration
	logger       *slog.Logger
}

// NewStream creates a Stream that sends requests through httpClient, which is
// expected to sign them (see Credentials.HTTPClient).
func NewStream(httpClient *http.Client, baseURL string) *Stream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &Stream{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		stallTimeout: DefaultStallTimeout,
		logger:       slog.Default(),
	}
}

// WithStallTimeout returns s with its stall timeout replaced. Non-positive
// values are ignored.
func (s *Stream) WithStallTimeout(d time.Duration) *Stream {
	if d > 0 {
		s.stallTimeout = d
	}
	return s
}

// Filter opens a subscription tracking the given keywords and blocks,
// delivering posts to h until the stream ends, h fails, or ctx is cancelled.
//
// Return values:
//   - nil when the server closed the stream cleanly
//   - ErrDisconnected when h.OnError returned Disconnect
//   - *StatusError when h.OnError returned Continue
//   - an error wrapping ErrConnect when no response arrived
//   - an error wrapping ErrStreamRead on a truncated or stalled body
//   - ctx.Err() after cancellation
//   - the error from h.OnStatus, wrapped
func (s *Stream) Filter(ctx context.Context, track []string, h StreamHandler) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The stall timer runs while waiting on the network only; it is paused
	// while h handles a post.
	var stalled atomic.Bool
	stall := time.AfterFunc(s.stallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer stall.Stop()

	form := url.Values{"track": {strings.Join(track, ",")}}
	req, err := http.NewRequestWithContext(subCtx, http.MethodPost, s.baseURL+filterPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stalled.Load() {
			return fmt.Errorf("%w: no response within %s", ErrConnect, s.stallTimeout)
		}
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		stall.Stop()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		action := h.OnError(resp.StatusCode)
		s.logger.Debug("stream error status", "status", resp.StatusCode, "action", action.String())
		if action == Disconnect {
			return ErrDisconnected
		}
		return &StatusError{Code: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for stall.Reset(s.stallTimeout); scanner.Scan(); stall.Reset(s.stallTimeout) {
		if !stall.Stop() && stalled.Load() {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// keep-alive
			continue
		}

		st, msg, ok, err := decodeStatus(line)
		if err != nil {
			s.logger.Warn("skipping malformed stream message", "error", err)
			continue
		}
		if !ok {
			s.logControl(msg)
			continue
		}

		if err := h.OnStatus(ctx, st); err != nil {
			return fmt.Errorf("handling status %s: %w", st.IDStr, err)
		}
	}

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case stalled.Load():
		return fmt.Errorf("%w: no data for %s", ErrStreamRead, s.stallTimeout)
	case scanner.Err() != nil:
		return fmt.Errorf("%w: %w", ErrStreamRead, scanner.Err())
	}
	return nil
}

func (s *Stream) logControl(msg message) {
	switch {
	case msg.Disconnect != nil:
		s.logger.Warn("stream disconnect notice", "code", msg.Disconnect.Code, "reason", msg.Disconnect.Reason)
	case msg.Limit != nil:
		s.logger.Debug("stream limit notice", "limit", string(msg.Limit))
	case msg.Warning != nil:
		s.logger.Warn("stream warning", "warning", string(msg.Warning))
	case msg.Delete != nil:
		s.logger.Debug("stream delete notice")
	default:
		s.logger.Debug("ignoring stream message without author")
	}
}
