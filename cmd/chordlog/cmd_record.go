package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/chordlog/internal/config"
	"github.com/user/chordlog/internal/delivery"
	"github.com/user/chordlog/internal/engine"
	"github.com/user/chordlog/internal/gateway"
	"github.com/user/chordlog/internal/scheduler"
	"github.com/user/chordlog/internal/source"
	"github.com/user/chordlog/internal/state"
	"github.com/user/chordlog/internal/stream"
	"github.com/user/chordlog/internal/types"
	"github.com/user/chordlog/internal/webhook"
)

var (
	recordSource string
	recordFile   string
	recordListen string
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringVar(&recordSource, "source", "", "event source: stdin, file, synthetic or http (overrides source.kind)")
	recordCmd.Flags().StringVar(&recordFile, "file", "", "JSONL event file for the file source (overrides source.path)")
	recordCmd.Flags().StringVar(&recordListen, "listen", "", "HTTP listen address (overrides http.listen)")
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Run the live recorder until interrupted or the source ends",
	Args:  cobra.NoArgs,
	RunE:  runRecord,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "chordlog.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// recordStats is the /api/stats payload.
type recordStats struct {
	RecordingID types.RecordingID      `json:"recording_id"`
	Engine      engine.Stats           `json:"engine"`
	Delivery    delivery.DeliveryStats `json:"delivery"`
	Queued      int                    `json:"queued"`
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if recordSource != "" {
		cfg.Source.Kind = recordSource
	}
	if recordFile != "" {
		cfg.Source.Path = recordFile
	}
	if recordListen != "" {
		cfg.HTTP.Listen = recordListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	recording := types.NewRecordingID()
	logger := slog.Default().With("recording_id", string(recording))

	policy, _ := engine.ParseShutdownPolicy(cfg.Engine.ShutdownPolicy)
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxHold(cfg.MaxHold()),
		engine.WithHistoryCap(cfg.Engine.HistoryCap),
	}
	if cfg.Engine.Trace {
		engineOpts = append(engineOpts, engine.WithObserver(engine.LogObserver{Logger: logger}))
	}
	eng := engine.New(engineOpts...)

	// Sinks
	sinks := delivery.NewRegistry()
	if cfg.Sinks.JSONL {
		batchLog := state.NewBatchLog(cfg.DataDir)
		sinks.Register("jsonl", func(ctx context.Context, set types.ParallelActionSet) error {
			return batchLog.Append(ctx, recording, set)
		})
		logger.Info("jsonl sink enabled", "path", batchLog.Path(recording))
	}
	if cfg.Sinks.SQLite {
		dbPath := filepath.Join(cfg.DataDir, "chordlog.db")
		store, err := state.OpenSQLite(cmd.Context(), dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks.Register("sqlite", func(ctx context.Context, set types.ParallelActionSet) error {
			return store.Append(ctx, recording, set)
		})
		logger.Info("sqlite sink enabled", "path", dbPath)
	}
	var broadcaster *stream.Broadcaster
	if cfg.Sinks.Websocket && cfg.HTTP.Listen != "" {
		broadcaster = stream.NewBroadcaster(eng.CurrentHistory, cfg.HTTP.MaxWSClients, logger)
		defer broadcaster.Close()
		sinks.Register("websocket", broadcaster.Publish)
	}

	retry := delivery.DefaultRetryPolicy()
	if cfg.Sinks.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Sinks.RetryAttempts
	}
	// Delivery outlives the signal so the flushed final batch is written.
	dispatcher := delivery.NewDispatcher(sinks, cfg.Sinks.Backlog, retry)
	dispatcher.Start(context.Background())
	eng.OnSealed(dispatcher.Enqueue)

	consumerOpts := []gateway.ConsumerOption{
		gateway.WithShutdownPolicy(policy),
		gateway.WithConsumerLogger(logger),
	}
	if cfg.MaxHold() > 0 && cfg.Source.Kind != "file" {
		consumerOpts = append(consumerOpts, gateway.WithSweepInterval(cfg.SweepInterval()))
	}
	gw := gateway.New(eng, cfg.QueueCapacity, consumerOpts...)
	gw.Start(context.Background())

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Drain scheduler
	var sched *scheduler.Scheduler
	if cfg.Drain.Schedule != "" {
		sched = scheduler.New(drainJobs(cfg), scheduler.DrainHandler(eng.History(), logger), logger)
		sched.Start()
		defer sched.Stop()
	}

	// SIGHUP reloads the drain schedule from the config file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reloaded, err := config.Load(cfgPath)
				if err != nil {
					logger.Error("reload config failed", "error", err)
					continue
				}
				if sched == nil {
					logger.Warn("drain scheduler not running, restart to enable it")
					continue
				}
				n := sched.Reload(drainJobs(reloaded))
				logger.Info("drain schedule reloaded", "jobs", n)
			}
		}
	})

	// HTTP API
	if cfg.HTTP.Listen != "" {
		opts := webhook.Options{
			Ingest:      gw,
			History:     eng.CurrentHistory,
			AuthToken:   cfg.HTTP.AuthToken,
			RecordingID: recording,
			Logger:      logger,
			Stats: func() any {
				return recordStats{
					RecordingID: recording,
					Engine:      eng.Stats(),
					Delivery:    dispatcher.Stats(),
					Queued:      gw.Queue.Len(),
				}
			},
		}
		if broadcaster != nil {
			opts.Stream = broadcaster.Handler(originChecker(cfg.HTTP.AllowedOrigins))
		}
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           webhook.NewServer(opts),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	// Event source
	src, closer, err := openSource(cfg, logger)
	if err != nil {
		cancel()
		g.Wait()
		gw.Stop()
		dispatcher.Stop()
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	if src != nil {
		// A blocked stdin read cannot be interrupted, so the pump runs
		// outside the group and the group only waits for its result.
		srcDone := make(chan error, 1)
		go func() {
			defer cancel()
			n, err := source.Pump(gctx, src, gw)
			logger.Info("source finished", "kind", cfg.Source.Kind, "events", n)
			srcDone <- err
		}()
		g.Go(func() error {
			var err error
			select {
			case err = <-srcDone:
			case <-gctx.Done():
				select {
				case err = <-srcDone:
				default:
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, gateway.ErrQueueClosed) {
				return err
			}
			return nil
		})
	}

	logger.Info("chordlog recording",
		"data_dir", cfg.DataDir,
		"source", cfg.Source.Kind,
		"sinks", sinks.Names(),
		"shutdown_policy", string(policy),
		"max_hold", cfg.MaxHold(),
		"pid_file", pidPath,
	)

	runErr := g.Wait()
	if sigCtx.Err() != nil {
		logger.Info("shutting down on signal")
	}

	// Closing the queue lets the consumer drain it and apply the shutdown
	// policy; the dispatcher then delivers whatever was sealed.
	if err := gw.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", "error", err)
	}
	dispatcher.Stop()

	stats := eng.Stats()
	ds := dispatcher.Stats()
	logger.Info("recording finished",
		"events", stats.Events,
		"actions", stats.Actions,
		"sealed", stats.Sealed,
		"delivered", ds.Delivered,
		"failed", ds.Failed,
		"dropped", ds.Dropped,
	)
	return runErr
}

func drainJobs(cfg *config.Config) []scheduler.Job {
	return []scheduler.Job{{
		Name:     scheduler.DrainJob,
		Schedule: cfg.Drain.Schedule,
		Enabled:  cfg.Drain.Schedule != "",
	}}
}

// openSource builds the configured event source. The http source has no
// producer of its own; events arrive through POST /api/events.
func openSource(cfg *config.Config, logger *slog.Logger) (source.EventSource, io.Closer, error) {
	var opts []source.JSONLOption
	opts = append(opts, source.WithLogger(logger))
	if cfg.Source.Lenient {
		opts = append(opts, source.Lenient())
	}
	switch cfg.Source.Kind {
	case "", "stdin":
		return source.NewJSONL(os.Stdin, opts...), nil, nil
	case "file":
		src, closer, err := source.OpenFile(cfg.Source.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return src, closer, nil
	case "synthetic":
		return source.Synthetic{
			Step:   cfg.SyntheticStep(),
			Rounds: cfg.Source.SyntheticRounds,
			Pace:   true,
		}, nil, nil
	case "http":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
}

// originChecker allows requests without an Origin header, same-host origins,
// and any origin listed in allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
