package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/mcwatch/internal/config"
	"github.com/tinytelemetry/mcwatch/internal/duckdb"
	"github.com/tinytelemetry/mcwatch/internal/httpserver"
	"github.com/tinytelemetry/mcwatch/internal/ingest"
	"github.com/tinytelemetry/mcwatch/internal/journal"
	"github.com/tinytelemetry/mcwatch/internal/model"
	"github.com/tinytelemetry/mcwatch/internal/monitor"
	"github.com/tinytelemetry/mcwatch/internal/notify"
)

// runServer wires signal handling and the runtime logger around run.
func runServer(cfg config.Config, verbose bool) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg)
	return run(ctx, cfg, verbose, os.Stdout)
}

// run starts the monitor, the dispatcher and the optional history store and
// API, and blocks until ctx ends or the monitor fails. Log-sink deliveries
// are written to out.
func run(ctx context.Context, cfg config.Config, verbose bool, out io.Writer) error {
	sink, err := buildSink(cfg.Delivery, out)
	if err != nil {
		return err
	}

	var (
		history ingest.RecordSink
		records model.RecordReader
	)
	if cfg.History.Enabled {
		store, buffer, cleaner, err := openHistory(cfg.History)
		if err != nil {
			return err
		}
		defer store.Close()
		// Deferred after Close so the final flush lands first.
		defer buffer.Stop()
		if cleaner != nil {
			defer cleaner.Stop()
		}
		history = buffer
		records = store
	}

	queue := make(chan model.Message, cfg.Delivery.QueueSize)
	dispatcher := notify.NewDispatcher(queue, sink)
	mon := monitor.New(monitor.Config{
		LogPath:       cfg.LogPath,
		Frequency:     cfg.Frequency,
		StartupDelay:  cfg.StartupDelay,
		ReadFromStart: cfg.ReadFromStart,
		Rotation:      cfg.Rotation,
		Notifications: cfg.Notifications,
		Verbose:       verbose,
	}, monitor.Deps{Queue: queue, History: history})

	if cfg.API.Enabled {
		apiServer := httpserver.NewServer(cfg.API.Addr, mon, dispatcher, records)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
		log.Printf("server: status API listening on %s", apiServer.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := mon.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	stats := dispatcher.Stats()
	log.Printf("server: stopped (delivered=%d failed=%d)", stats.Delivered, stats.Failed)
	return nil
}

func buildSink(d config.Delivery, out io.Writer) (notify.Sink, error) {
	switch d.Type {
	case config.DeliveryWebhook:
		s, err := notify.NewWebhookSink(d.WebhookURL, d.Timeout)
		if err != nil {
			return nil, fmt.Errorf("webhook delivery: %w", err)
		}
		return s, nil
	case config.DeliveryLog, "":
		return notify.NewLogSink(out), nil
	default:
		return nil, fmt.Errorf("unknown delivery type %q", d.Type)
	}
}

func openHistory(h config.History) (*duckdb.Store, *duckdb.InsertBuffer, *duckdb.RetentionCleaner, error) {
	store, err := duckdb.NewStore(h.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open history store: %w", err)
	}

	var j *journal.Journal
	if h.Journal {
		var opts journal.Options
		if h.RetentionDays > 0 {
			opts.Retention = time.Duration(h.RetentionDays) * 24 * time.Hour
		}
		j, err = journal.Open(h.JournalPath, opts)
		if err != nil {
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("failed to open history journal: %w", err)
		}
		n, err := duckdb.ReplayJournal(j, store)
		if err != nil {
			_ = j.Close()
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("failed to replay history journal: %w", err)
		}
		if n > 0 {
			log.Printf("history journal: replayed %d uncommitted records", n)
		}
	}

	buffer := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{Journal: j})
	cleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{RetentionDays: h.RetentionDays})
	return store, buffer, cleaner, nil
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "mcwatch")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "mcwatch.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}
