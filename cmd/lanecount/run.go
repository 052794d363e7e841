package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/lanecount/internal/api"
	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/eventmux"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/pipeline"
	"github.com/banshee-data/lanecount/internal/regions"
	"github.com/banshee-data/lanecount/internal/report"
	"github.com/banshee-data/lanecount/internal/timeutil"
	"github.com/banshee-data/lanecount/internal/tracking"
)

// options carries the parsed command line into run.
type options struct {
	ConfigPath  string
	Input       string
	DBPath      string
	Listen      string
	ChartPNG    string
	LegacyMatch bool
	Out         io.Writer
}

// loadConfig reads path, or the repository defaults file when path is empty
// and it exists, or the built-in defaults.
func loadConfig(path string) (*config.CounterConfig, error) {
	if path != "" {
		return config.LoadCounterConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadCounterConfig(config.DefaultConfigPath)
	}
	return config.DefaultCounterConfig(), nil
}

// openInput opens the region log; "-" reads stdin.
func openInput(path string, minArea float64) (*regions.ReplaySource, string, error) {
	if path == "-" {
		return regions.NewReplaySource(os.Stdin, minArea), "stdin", nil
	}
	src, err := regions.OpenReplayFile(path, minArea)
	if err != nil {
		return nil, "", err
	}
	return src, path, nil
}

func labelsOf(boundaries []crossing.Boundary) []string {
	labels := make([]string, len(boundaries))
	for i, b := range boundaries {
		labels[i] = b.Label
	}
	return labels
}

// run counts one region log. It returns nil when the log was fully consumed
// or the run was interrupted; counts so far are printed either way.
func run(ctx context.Context, opts options) error {
	if opts.Input == "" {
		return errors.New("an -input region log is required")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tc := cfg.TrackerConfig()
	if opts.LegacyMatch {
		tc.Policy = tracking.MatchShared
	}
	boundaries, err := cfg.GetBoundaries()
	if err != nil {
		return fmt.Errorf("invalid boundaries: %w", err)
	}
	labels := labelsOf(boundaries)

	src, sourceName, err := openInput(opts.Input, cfg.GetMinRegionArea())
	if err != nil {
		return err
	}
	defer src.Close()

	events := eventmux.New(cfg.GetEventBuffer())
	defer events.Close()
	sinks := []pipeline.Sink{events}

	var store *db.DB
	var recorder *db.RunRecorder
	if opts.DBPath != "" {
		store, err = db.NewDB(opts.DBPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		recorder, err = db.NewRunRecorder(ctx, store, sourceName, timeutil.RealClock{}, cfg.GetFlushInterval())
		if err != nil {
			return err
		}
		sinks = append(sinks, recorder)
	}

	loop, err := pipeline.NewLoop(src, tracking.NewTracker(tc), boundaries, sinks...)
	if err != nil {
		return err
	}
	if !cfg.HasBoundaries() {
		// frame_height only covers frames that carry no height of their own.
		loop.Layout = crossing.DefaultBoundaries
	}
	// With a store the chart is read back from it; otherwise the loop keeps
	// the run's events in memory.
	loop.KeepEvents = opts.ChartPNG != "" && recorder == nil
	monitoring.Logf("counting %s: policy=%s match_distance=%.1f boundaries=%d", sourceName, tc.Policy, tc.MatchDistance, len(boundaries))

	// Create a wait group for the HTTP server routine
	var wg sync.WaitGroup
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	serveErr := make(chan error, 1)

	if opts.Listen != "" {
		mux := api.NewServer(loop, store, api.NewConfigView(cfg, tc, boundaries)).ServeMux()
		events.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveErr <- serveHTTP(serveCtx, opts.Listen, api.LoggingMiddleware(mux))
		}()
	}

	res, runErr := loop.Run(ctx)

	if err := report.WriteTotals(opts.Out, res.Counters, labels); err != nil {
		monitoring.Logf("failed to write totals: %v", err)
	}
	if src.Dropped() > 0 {
		monitoring.Logf("%d regions below min_region_area were ignored", src.Dropped())
	}
	if recorder != nil {
		monitoring.Logf("recorded run %s", recorder.RunID())
	}

	if opts.ChartPNG != "" {
		if err := writeChart(context.WithoutCancel(ctx), opts.ChartPNG, sourceName, store, recorder, res, labels, loop.Snapshot().LastFrame); err != nil {
			monitoring.Logf("failed to write chart: %v", err)
		} else {
			monitoring.Logf("wrote chart %s", opts.ChartPNG)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		stopServe()
		wg.Wait()
		return runErr
	}
	if errors.Is(runErr, context.Canceled) {
		monitoring.Logf("interrupted after %d frames", res.Frames)
	}

	// Keep the API up after the log is consumed until signalled.
	if opts.Listen != "" && ctx.Err() == nil {
		monitoring.Logf("run finished; serving on %s until interrupted", opts.Listen)
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			wg.Wait()
			return err
		}
	}

	stopServe()
	wg.Wait()
	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// writeChart saves the cumulative count chart, reading the run's events from
// the store when one recorded them.
func writeChart(ctx context.Context, path, sourceName string, store *db.DB, recorder *db.RunRecorder, res pipeline.Result, labels []string, lastFrame int64) error {
	events := res.Events
	if recorder != nil {
		stored, _, err := store.RunEvents(ctx, recorder.RunID())
		if err != nil {
			return err
		}
		events = stored
	}
	return report.SavePNG(path, fmt.Sprintf("Crossings: %s", sourceName), report.CumulativeSeries(events, labels, max(lastFrame, 0)))
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err, ok := <-listenErr:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	// Create a shutdown context with a shorter timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
