package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/botwatch/internal/scoring"
	"github.com/kalambet/botwatch/internal/twitter"
)

// session scripts one subscription: it may deliver events to h and returns
// what Filter would return.
type session func(ctx context.Context, h twitter.StreamHandler) error

// fakeTransport replays sessions in order. Once they run out it cancels the
// run, standing in for an operator interrupt.
type fakeTransport struct {
	sessions []session
	tracks   [][]string
	cancel   context.CancelFunc
}

func (f *fakeTransport) Filter(ctx context.Context, track []string, h twitter.StreamHandler) error {
	f.tracks = append(f.tracks, append([]string(nil), track...))
	i := len(f.tracks) - 1
	if i >= len(f.sessions) {
		f.cancel()
		return ctx.Err()
	}
	return f.sessions[i](ctx, h)
}

// deliver sends posts the way twitter.Stream does: in order, stopping on the
// first handler error.
func deliver(statuses ...twitter.Status) session {
	return func(ctx context.Context, h twitter.StreamHandler) error {
		for _, st := range statuses {
			if err := h.OnStatus(ctx, st); err != nil {
				return fmt.Errorf("handling status %s: %w", st.IDStr, err)
			}
		}
		return nil
	}
}

// statusCode reports a non-200 response the way twitter.Stream does.
func statusCode(code int) session {
	return func(ctx context.Context, h twitter.StreamHandler) error {
		if h.OnError(code) == twitter.Disconnect {
			return twitter.ErrDisconnected
		}
		return &twitter.StatusError{Code: code}
	}
}

func then(first session, err error) session {
	return func(ctx context.Context, h twitter.StreamHandler) error {
		if ferr := first(ctx, h); ferr != nil {
			return ferr
		}
		return err
	}
}

// connectFailure reports an unreachable endpoint the way twitter.Stream does.
func connectFailure(ctx context.Context, h twitter.StreamHandler) error {
	return fmt.Errorf("%w: dial tcp: connection refused", twitter.ErrConnect)
}

// recordDelays replaces the supervisor's sleep so backoffs are recorded
// instead of waited out.
func recordDelays(s *Supervisor) *[]time.Duration {
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return &delays
}

func newRun(t *testing.T, sessions ...session) (context.Context, *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx, &fakeTransport{sessions: sessions, cancel: cancel}
}

func TestRun_TwoScoredOneNoTimeline(t *testing.T) {
	store := openTestStore(t)
	scorer := &mockScorer{
		results: map[string]string{
			"alice": `{"cap":{"english":0.9}}`,
			"bob":   `{"cap":{"english":0.1}}`,
		},
		errs: map[string]error{"carol": fmt.Errorf("%w: carol", scoring.ErrNoTimeline)},
	}
	ctx, tr := newRun(t, deliver(
		testStatus("1", "10", "alice", "foo"),
		testStatus("2", "30", "carol", "bar"),
		testStatus("3", "20", "bob", "foo bar"),
	))

	track := []string{"foo", "bar"}
	sup := NewSupervisor(tr, NewListener(scorer, store, nil), track, nil)
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := countRows(t, store); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	if !reflect.DeepEqual(scorer.calls, []string{"alice", "carol", "bob"}) {
		t.Errorf("lookup order = %v", scorer.calls)
	}
	for i, got := range tr.tracks {
		if !reflect.DeepEqual(got, track) {
			t.Errorf("subscription %d track = %v, want %v", i, got, track)
		}
	}
}

func TestRun_RateLimitDoesNotResubscribe(t *testing.T) {
	ctx, tr := newRun(t, statusCode(420), deliver(testStatus("1", "10", "alice", "foo")))
	m := NewMetrics(nil)
	scorer := &mockScorer{}
	sup := NewSupervisor(tr, NewListener(scorer, &recordingWriter{}, m), []string{"foo"}, m)

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.tracks) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(tr.tracks))
	}
	if len(scorer.calls) != 0 {
		t.Errorf("posts after disconnect were processed: %v", scorer.calls)
	}
	if ctx.Err() != nil {
		t.Error("Run should stop on its own, not by interrupt")
	}
}

func TestRun_OtherStatusResubscribesWithSameFilter(t *testing.T) {
	store := openTestStore(t)
	scorer := &mockScorer{results: map[string]string{"alice": `{}`}}
	ctx, tr := newRun(t, statusCode(503), statusCode(401), deliver(testStatus("1", "10", "alice", "foo")))
	m := NewMetrics(nil)

	track := []string{"foo", "bar"}
	sup := NewSupervisor(tr, NewListener(scorer, store, m), track, m)
	recordDelays(sup)
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// three scripted sessions plus the one that ends the run
	if len(tr.tracks) != 4 {
		t.Fatalf("subscriptions = %d, want 4", len(tr.tracks))
	}
	for i, got := range tr.tracks {
		if !reflect.DeepEqual(got, track) {
			t.Errorf("subscription %d track = %v, want %v", i, got, track)
		}
	}
	if n := countRows(t, store); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if v := testutil.ToFloat64(m.Subscriptions.WithLabelValues(reasonStatus)); v != 2 {
		t.Errorf("status resubscribes = %v, want 2", v)
	}
}

func TestRun_ReadFaultKeepsStoreAndListener(t *testing.T) {
	store := openTestStore(t)
	scorer := &mockScorer{results: map[string]string{
		"alice": `{"cap":{"english":0.9}}`,
		"bob":   `{"cap":{"english":0.1}}`,
	}}
	readFault := fmt.Errorf("%w: %w", twitter.ErrStreamRead, io.ErrUnexpectedEOF)
	ctx, tr := newRun(t,
		then(deliver(testStatus("1", "10", "alice", "foo")), readFault),
		deliver(testStatus("2", "20", "bob", "foo")),
	)
	m := NewMetrics(nil)

	var seen []twitter.StreamHandler
	listener := NewListener(scorer, store, m)
	recorder := &handlerRecorder{StreamHandler: listener, seen: &seen}
	sup := NewSupervisor(tr, recorder, []string{"foo"}, m)
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := countRows(t, store); n != 2 {
		t.Errorf("rows = %d, want 2 (rows must persist across the reconnect)", n)
	}
	if len(tr.tracks) < 2 {
		t.Fatalf("subscriptions = %d, want at least 2", len(tr.tracks))
	}
	if v := testutil.ToFloat64(m.Subscriptions.WithLabelValues(reasonReadFault)); v != 1 {
		t.Errorf("read_fault resubscribes = %v, want 1", v)
	}
	for _, h := range seen {
		if h != twitter.StreamHandler(listener) {
			t.Error("supervisor swapped the listener between subscriptions")
		}
	}
}

// handlerRecorder notes which listener each post reached.
type handlerRecorder struct {
	twitter.StreamHandler
	seen *[]twitter.StreamHandler
}

func (r *handlerRecorder) OnStatus(ctx context.Context, st twitter.Status) error {
	*r.seen = append(*r.seen, r.StreamHandler)
	return r.StreamHandler.OnStatus(ctx, st)
}

func TestRun_CleanCloseResubscribes(t *testing.T) {
	ctx, tr := newRun(t, deliver(), deliver())
	m := NewMetrics(nil)
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, m), []string{"foo"}, m)

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.tracks) != 3 {
		t.Errorf("subscriptions = %d, want 3", len(tr.tracks))
	}
	if v := testutil.ToFloat64(m.Subscriptions.WithLabelValues(reasonClosed)); v != 2 {
		t.Errorf("closed resubscribes = %v, want 2", v)
	}
}

func TestRun_StoreFailureStopsRun(t *testing.T) {
	diskFull := errors.New("disk full")
	scorer := &mockScorer{results: map[string]string{"alice": `{}`}}
	ctx, tr := newRun(t, deliver(testStatus("1", "10", "alice", "foo")), deliver())
	sup := NewSupervisor(tr, NewListener(scorer, failingWriter{err: diskFull}, nil), []string{"foo"}, nil)

	err := sup.Run(ctx)
	if !errors.Is(err, diskFull) {
		t.Fatalf("Run error = %v, want wrapped %v", err, diskFull)
	}
	if len(tr.tracks) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(tr.tracks))
	}
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &fakeTransport{cancel: cancel}
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, nil), []string{"foo"}, nil)

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.tracks) != 0 {
		t.Errorf("subscribed %d times after cancellation", len(tr.tracks))
	}
}

func TestNewSupervisor_CopiesTrack(t *testing.T) {
	track := []string{"foo", "bar"}
	ctx, tr := newRun(t)
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, nil), track, nil)
	track[0] = "mutated"

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr.tracks[0][0] != "foo" {
		t.Errorf("track = %v, want caller mutation ignored", tr.tracks[0])
	}
}

func TestRun_StatusBackoffGrowsAndResets(t *testing.T) {
	ctx, tr := newRun(t,
		statusCode(503), statusCode(503), statusCode(401),
		deliver(),
		statusCode(503),
	)
	m := NewMetrics(nil)
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, m), []string{"foo"}, m)
	delays := recordDelays(sup)

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(*delays, want) {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
	if v := testutil.ToFloat64(m.BackoffSeconds); v != 40 {
		t.Errorf("backoff seconds = %v, want 40", v)
	}
}

func TestRun_ConnectBackoffGrowsAndResets(t *testing.T) {
	readFault := fmt.Errorf("%w: %w", twitter.ErrStreamRead, io.ErrUnexpectedEOF)
	ctx, tr := newRun(t,
		connectFailure, connectFailure, connectFailure,
		then(deliver(), readFault),
		connectFailure,
	)
	m := NewMetrics(nil)
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, m), []string{"foo"}, m)
	delays := recordDelays(sup)

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 250 * time.Millisecond}
	if !reflect.DeepEqual(*delays, want) {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
	if v := testutil.ToFloat64(m.Subscriptions.WithLabelValues(reasonConnect)); v != 4 {
		t.Errorf("connect resubscribes = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.Subscriptions.WithLabelValues(reasonReadFault)); v != 1 {
		t.Errorf("read_fault resubscribes = %v, want 1", v)
	}
}

func TestRun_BackoffSequencesAreIndependent(t *testing.T) {
	ctx, tr := newRun(t, connectFailure, statusCode(503), connectFailure, statusCode(503))
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, nil), []string{"foo"}, nil)
	delays := recordDelays(sup)

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{250 * time.Millisecond, 5 * time.Second, 500 * time.Millisecond, 10 * time.Second}
	if !reflect.DeepEqual(*delays, want) {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestBackoffState_Caps(t *testing.T) {
	b := backoffState{Backoff: Backoff{Initial: time.Second, Max: 5 * time.Second}}
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.next())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delays = %v, want %v", got, want)
	}

	b.reset()
	if d := b.next(); d != time.Second {
		t.Errorf("after reset = %v, want 1s", d)
	}
}

func TestRun_InterruptDuringBackoff(t *testing.T) {
	ctx, tr := newRun(t, statusCode(503), deliver())
	sup := NewSupervisor(tr, NewListener(&mockScorer{}, &recordingWriter{}, nil), []string{"foo"}, nil).
		WithBackoff(Backoff{Initial: time.Hour, Max: time.Hour}, DefaultConnectBackoff)
	time.AfterFunc(50*time.Millisecond, tr.cancel)

	start := time.Now()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v to stop after interrupt", elapsed)
	}
	if len(tr.tracks) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(tr.tracks))
	}
}

func TestRun_UnauthorizedStreamBacksOff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sup := NewSupervisor(twitter.NewStream(srv.Client(), srv.URL),
		NewListener(&mockScorer{}, &recordingWriter{}, nil), []string{"foo"}, nil)
	var delays []time.Duration
	sup.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("server hits = %d, want 3", n)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestRun_UnreachableStreamBacksOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewMetrics(nil)
	sup := NewSupervisor(twitter.NewStream(http.DefaultClient, url),
		NewListener(&mockScorer{}, &recordingWriter{}, m), []string{"foo"}, m)
	var delays []time.Duration
	sup.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
	if v := testutil.ToFloat64(m.Subscriptions.WithLabelValues(reasonReadFault)); v != 0 {
		t.Errorf("connect failures counted as read faults: %v", v)
	}
}
