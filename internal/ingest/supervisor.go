package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/botwatch/internal/twitter"
)

// Transport opens a filtered subscription and blocks until it ends.
// *twitter.Stream implements it.
type Transport interface {
	Filter(ctx context.Context, track []string, h twitter.StreamHandler) error
}

// Supervisor owns the subscription lifecycle: it subscribes, and
// resubscribes with the same handler and keywords after recoverable faults.
type Supervisor struct {
	transport Transport
	handler   twitter.StreamHandler
	track     []string
	metrics   *Metrics
	logger    *slog.Logger

	statusBackoff  backoffState
	connectBackoff backoffState
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a Supervisor. The handler is reused across every
// subscription it opens.
func NewSupervisor(transport Transport, handler twitter.StreamHandler, track []string, metrics *Metrics) *Supervisor {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Supervisor{
		transport: transport,
		handler:   handler,
		track:     append([]string(nil), track...),
		metrics:   metrics,
		logger:    slog.Default(),

		statusBackoff:  backoffState{Backoff: DefaultStatusBackoff},
		connectBackoff: backoffState{Backoff: DefaultConnectBackoff},
		sleep:          sleepCtx,
	}
}

// WithBackoff returns s with the resubscribe delays replaced.
func (s *Supervisor) WithBackoff(status, connect Backoff) *Supervisor {
	s.statusBackoff = backoffState{Backoff: status}
	s.connectBackoff = backoffState{Backoff: connect}
	return s
}

// WithLogger returns s with its logger replaced.
func (s *Supervisor) WithLogger(logger *slog.Logger) *Supervisor {
	s.logger = logger
	return s
}

// Run subscribes until ctx is cancelled or the handler disconnects, both of
// which return nil. After a truncated or stalled read, or a clean server
// close, it resubscribes immediately. Non-200 statuses the handler chose to
// continue past and connect failures are retried after an exponential
// backoff, each with its own sequence; both sequences restart once a
// subscription has been established. Any other error, such as a store
// failure, is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	reason := reasonInitial
	for {
		if ctx.Err() != nil {
			s.logger.Info("interrupted, stopping stream")
			return nil
		}

		s.metrics.Subscriptions.WithLabelValues(reason).Inc()
		s.logger.Info("subscribing to stream", "track", s.track, "reason", reason)
		err := s.transport.Filter(ctx, s.track, s.handler)

		var (
			statusErr *twitter.StatusError
			delay     time.Duration
		)
		switch {
		case ctx.Err() != nil:
			s.logger.Info("interrupted, stopping stream")
			return nil
		case errors.Is(err, twitter.ErrDisconnected):
			s.logger.Warn("stream disconnected by listener, not resubscribing")
			return nil
		case errors.Is(err, twitter.ErrStreamRead):
			s.logger.Warn("stream read failed, resubscribing", "error", err)
			s.established()
			reason = reasonReadFault
		case errors.Is(err, twitter.ErrConnect):
			delay = s.connectBackoff.next()
			s.logger.Warn("stream connect failed", "error", err, "retry_in", delay)
			reason = reasonConnect
		case errors.As(err, &statusErr):
			delay = s.statusBackoff.next()
			s.logger.Info("resubscribing after stream status", "status", statusErr.Code, "retry_in", delay)
			reason = reasonStatus
		case err == nil:
			s.logger.Info("stream closed by server, resubscribing")
			s.established()
			reason = reasonClosed
		default:
			return fmt.Errorf("stream subscription: %w", err)
		}

		if delay > 0 {
			s.metrics.BackoffSeconds.Add(delay.Seconds())
			if err := s.sleep(ctx, delay); err != nil {
				s.logger.Info("interrupted during backoff, stopping stream")
				return nil
			}
		}
	}
}

// established restarts both backoff sequences after a subscription got a 200.
func (s *Supervisor) established() {
	s.statusBackoff.reset()
	s.connectBackoff.reset()
}
