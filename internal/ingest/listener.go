package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/botwatch/internal/scoring"
	"github.com/kalambet/botwatch/internal/storage"
	"github.com/kalambet/botwatch/internal/twitter"
)

// Scorer looks up a bot-likelihood score for a post author.
type Scorer interface {
	Lookup(ctx context.Context, userID, screenName string) (json.RawMessage, error)
}

// ObservationWriter appends observations.
type ObservationWriter interface {
	Insert(ctx context.Context, o storage.Observation) error
}

// Listener scores the author of every streamed post and stores the pair.
// It implements twitter.StreamHandler and relies on the transport calling it
// from one goroutine at a time.
type Listener struct {
	scorer  Scorer
	store   ObservationWriter
	metrics *Metrics
	logger  *slog.Logger
}

// NewListener creates a Listener. A nil metrics gets a private set.
func NewListener(scorer Scorer, store ObservationWriter, metrics *Metrics) *Listener {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Listener{
		scorer:  scorer,
		store:   store,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// WithLogger returns l with its logger replaced.
func (l *Listener) WithLogger(logger *slog.Logger) *Listener {
	l.logger = logger
	return l
}

// OnStatus scores the post's author and stores the post with its score.
// Lookup failures skip the post; only a store failure is returned.
func (l *Listener) OnStatus(ctx context.Context, st twitter.Status) error {
	l.metrics.PostsReceived.Inc()
	log := l.logger.With("screen_name", st.User.ScreenName, "post_id", st.IDStr)
	log.Info("post received, scoring author")
	log.Debug("post text", "text", st.Text)

	score, err := l.scorer.Lookup(ctx, st.User.IDStr, st.User.ScreenName)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Shutting down; the transport returns the context error next.
		log.Debug("lookup interrupted", "error", err)
		return nil
	case errors.Is(err, scoring.ErrNoTimeline):
		l.metrics.LookupsSkipped.WithLabelValues(reasonNoTimeline).Inc()
		log.Info("author has no timeline, skipping post")
		return nil
	default:
		l.metrics.LookupsSkipped.WithLabelValues(reasonRequestFailed).Inc()
		log.Warn("score lookup failed, skipping post; repeated failures usually mean the API quota is exhausted", "error", err)
		return nil
	}

	o := storage.Observation{
		ScreenName: st.User.ScreenName,
		PostJSON:   string(st.Raw),
		ScoreJSON:  string(score),
	}
	if err := l.store.Insert(ctx, o); err != nil {
		return fmt.Errorf("storing observation: %w", err)
	}
	l.metrics.Observations.Inc()
	log.Info("observation stored")
	return nil
}

// OnError disconnects when the stream provider rate limits us and asks for a
// fresh subscription on any other status.
func (l *Listener) OnError(code int) twitter.StreamAction {
	l.metrics.TransportErrors.WithLabelValues(codeLabel(code)).Inc()
	if code == twitter.StatusEnhanceYourCalm {
		l.logger.Warn("rate limited by stream provider, disconnecting", "status", code)
		return twitter.Disconnect
	}
	l.logger.Warn("stream error, reconnecting", "status", code)
	return twitter.Continue
}
