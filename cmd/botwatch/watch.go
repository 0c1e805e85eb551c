package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/botwatch/internal/config"
	"github.com/kalambet/botwatch/internal/ingest"
	"github.com/kalambet/botwatch/internal/scoring"
	"github.com/kalambet/botwatch/internal/storage"
	"github.com/kalambet/botwatch/internal/twitter"
)

var watchCmd = &cobra.Command{
	Use:   "watch <scoring-api-key> <stream-credentials-json>",
	Short: "Follow the stream and store scored posts until interrupted",
	Long: `Follow the filtered post stream and store every post whose author could be
scored, together with the score.

The credentials argument is a JSON object with consumer_key, consumer_secret,
access_token and access_token_secret.

Examples:
  botwatch watch "$RAPIDAPI_KEY" "$(cat twitter.json)" -t election -t vote
  botwatch watch "$RAPIDAPI_KEY" "$(cat twitter.json)" -t golang -f golang-run -v`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseWatchOptions(cmd, args)
		if err != nil {
			return err
		}
		return runWatch(cmd.Context(), opts)
	},
}

func init() {
	addWatchFlags(watchCmd)
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("track", "t", nil, "keyword or hashtag to track (repeatable)")
	cmd.Flags().StringP("database-name", "f", "", "database file name inside the data directory (default from config: botwatch)")
	cmd.Flags().String("data-dir", "", "directory holding the database (default from config: ./db)")
	cmd.Flags().BoolP("verbose", "v", false, "log at info level")
	cmd.Flags().BoolP("debug", "d", false, "log at debug level")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
}

type watchOptions struct {
	apiKey       string
	credentials  twitter.Credentials
	track        []string
	databaseName string
	dataDir      string
	verbose      bool
	debug        bool
	metricsAddr  string
}

func parseWatchOptions(cmd *cobra.Command, args []string) (watchOptions, error) {
	opts := watchOptions{apiKey: strings.TrimSpace(args[0])}
	if opts.apiKey == "" {
		return watchOptions{}, fmt.Errorf("scoring API key is empty")
	}

	creds, err := twitter.ParseCredentials(args[1])
	if err != nil {
		return watchOptions{}, err
	}
	opts.credentials = creds

	raw, _ := cmd.Flags().GetStringArray("track")
	for _, kw := range raw {
		for _, part := range strings.Split(kw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				opts.track = append(opts.track, part)
			}
		}
	}
	if len(opts.track) == 0 {
		return watchOptions{}, fmt.Errorf("at least one --track keyword is required")
	}

	opts.databaseName, _ = cmd.Flags().GetString("database-name")
	opts.dataDir, _ = cmd.Flags().GetString("data-dir")
	opts.verbose, _ = cmd.Flags().GetBool("verbose")
	opts.debug, _ = cmd.Flags().GetBool("debug")
	opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	return opts, nil
}

// applyFlags lets non-empty command-line values win over config.
func (o watchOptions) applyFlags(cfg *config.Config) {
	if o.databaseName != "" {
		cfg.Storage.DatabaseName = o.databaseName
	}
	if o.dataDir != "" {
		cfg.Storage.DataDir = o.dataDir
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
}

func logLevel(cfgLevel string, verbose, debug bool) slog.Level {
	switch {
	case debug:
		return slog.LevelDebug
	case verbose:
		return slog.LevelInfo
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(cfgLevel)); err != nil {
		return slog.LevelWarn
	}
	return l
}

func parseDuration(key, raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func runWatch(parent context.Context, opts watchOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	fmt.Fprintf(statusOut, "botwatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts.applyFlags(&cfg)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level, opts.verbose, opts.debug),
	})))
	logger := slog.Default().With("run_id", uuid.New().String())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage once; it lives across every resubscribe.
	store, err := storage.Open(cfg.Storage.DataDir, cfg.Storage.DatabaseName)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if n, err := store.Count(); err == nil {
			printSuccess("%d observations in %s", n, store.Path())
		}
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()
	if err := store.EnsureSchema(); err != nil {
		return err
	}

	httpClient := opts.credentials.HTTPClient(ctx)
	scorer := scoring.NewClient(twitter.NewREST(httpClient, cfg.Stream.RESTBaseURL), scoring.Config{
		APIKey:     opts.apiKey,
		BaseURL:    cfg.Scoring.BaseURL,
		Host:       cfg.Scoring.Host,
		Timeout:    parseDuration("scoring.timeout", cfg.Scoring.Timeout, time.Minute),
		MaxRetries: cfg.Scoring.MaxRetries,
		RetryDelay: parseDuration("scoring.retry_delay", cfg.Scoring.RetryDelay, 30*time.Second),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ingest.NewMetrics(reg)

	listener := ingest.NewListener(scorer, store, metrics).WithLogger(logger)
	stream := twitter.NewStream(httpClient, cfg.Stream.BaseURL).
		WithStallTimeout(parseDuration("stream.stall_timeout", cfg.Stream.StallTimeout, twitter.DefaultStallTimeout))
	supervisor := ingest.NewSupervisor(stream, listener, opts.track, metrics).
		WithLogger(logger)

	printStep("Tracking stream keywords: %s", strings.Join(opts.track, ", "))
	printStatus("Database", "%s", store.Path())

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancelRun()
		return supervisor.Run(gCtx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			return serveMetrics(gCtx, cfg.Metrics.Addr, newMetricsRouter(reg))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		printStep("shutting down")
	}
	return nil
}
