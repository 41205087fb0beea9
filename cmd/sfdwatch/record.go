package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sfdwatch/internal/backup"
	"github.com/tinytelemetry/sfdwatch/internal/duckdb"
	"github.com/tinytelemetry/sfdwatch/internal/journal"
	"github.com/tinytelemetry/sfdwatch/internal/metrics"
	"github.com/tinytelemetry/sfdwatch/internal/model"
	"github.com/tinytelemetry/sfdwatch/internal/mqttfwd"
	"github.com/tinytelemetry/sfdwatch/internal/normalize"
	"github.com/tinytelemetry/sfdwatch/internal/stream"
)

func newRecordCmd(load configLoader) *cobra.Command {
	var catchUp bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Archive the live stream headlessly (and forward it to MQTT)",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runRecord(cfg, catchUp)
		},
	}
	cmd.Flags().BoolVar(&catchUp, "catch-up", true, "archive today's recent records before following the stream")
	return cmd
}

// recordSink receives every normalized record.
type recordSink interface {
	Add(rec model.DetectionRecord)
}

type forwarder interface {
	Forward(rec model.DetectionRecord) error
}

// recorder turns stream events into archived (and forwarded) records.
type recorder struct {
	norm    *normalize.Normalizer
	sink    recordSink
	forward forwarder
	seen    int
}

func (r *recorder) handle(ev stream.Event) {
	switch ev.Kind {
	case stream.EventOpen:
		log.Printf("record: stream open")
	case stream.EventError:
		log.Printf("record: stream error: %v", ev.Err)
	case stream.EventMessage:
		rec, err := r.norm.Normalize(ev.Data)
		if err != nil {
			normalize.Drop("stream", err)
			return
		}
		r.store(rec)
	}
}

func (r *recorder) store(rec model.DetectionRecord) {
	r.seen++
	r.sink.Add(rec)
	if r.forward == nil {
		return
	}
	if err := r.forward.Forward(rec); err != nil {
		log.Printf("record: forward %d: %v", rec.ID, err)
	}
}

// run consumes events until the channel closes or ctx ends.
func (r *recorder) run(ctx context.Context, events <-chan stream.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ev)
		}
	}
}

func runRecord(cfg appConfig, catchUp bool) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	if err := requireSession(client); err != nil {
		return explain(err)
	}

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	// Open the write-ahead journal and land whatever a previous run left behind.
	var recordJournal *journal.Journal
	if cfg.JournalEnabled {
		recordJournal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open record journal: %w", err)
		}
		defer recordJournal.Close()
		if _, err := duckdb.ReplayJournal(recordJournal, store, cfg.InsertBatchSize); err != nil {
			return fmt.Errorf("failed to replay record journal: %w", err)
		}
	}

	insertBuffer := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
		BatchSize:     cfg.InsertBatchSize,
		FlushInterval: cfg.InsertFlushInterval,
		Journal:       recordJournal,
	})
	defer insertBuffer.Stop()

	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.ArchiveRetention,
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:  cfg.SnapshotDir != "",
		Interval: cfg.SnapshotInterval,
		LocalDir: cfg.SnapshotDir,
		KeepLast: cfg.SnapshotKeep,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize snapshots: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{norm: client.Normalizer(), sink: insertBuffer}
	if cfg.MQTTBroker != "" {
		fwd, err := mqttfwd.New(mqttfwd.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
		})
		if err != nil {
			return fmt.Errorf("invalid mqtt config: %w", err)
		}
		if err := fwd.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			log.Printf("record: mqtt connect: %v", err)
		}
		defer fwd.Close()
		rec.forward = fwd
	}

	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		if metricsListener, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			return fmt.Errorf("failed to start metrics listener: %w", err)
		}
		defer metricsListener.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
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

	printStartupBanner(cfg, "record",
		bannerSection{title: "Source", items: []bannerItem{
			{label: "Stream", value: client.URL(cfg.StreamPath)},
			{label: "Reconnect", value: onOff(cfg.Reconnect)},
		}},
		bannerSection{title: "Storage", items: []bannerItem{
			{label: "Archive", value: cfg.DBPath, path: true},
			{label: "Journal", value: journalLabel(cfg), path: cfg.JournalEnabled},
			{label: "Retention", value: retentionLabel(cfg.ArchiveRetention)},
			{label: "Snapshots", value: cfg.SnapshotDir, path: true},
		}},
		bannerSection{title: "Outputs", items: []bannerItem{
			{label: "MQTT", value: cfg.MQTTBroker},
			{label: "Metrics", value: cfg.MetricsAddr},
		}},
	)

	if catchUp {
		records, err := client.RecentRecords(ctx, time.Now())
		if err != nil {
			log.Printf("record: catch-up failed: %v", explain(err))
		} else {
			for _, r := range records {
				insertBuffer.Add(r)
			}
			log.Printf("record: catch-up archived %d records", len(records))
		}
	}

	sub := newSubscriber(cfg, client)
	events, err := sub.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// a stream that ends without reconnect ends the command
		defer cancel()
		return rec.run(gctx, events)
	})
	if metricsListener != nil {
		g.Go(func() error { return serveMetrics(gctx, metricsListener) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("record: errgroup exited with error: %v", err)
	}
	log.Printf("record: %d stream records archived", rec.seen)

	cancel()
	signal.Stop(sigCh)
	return nil
}

// serveMetrics serves the metrics registry on ln until ctx is done. A
// failing metrics endpoint is logged and does not stop recording.
func serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		log.Printf("record: metrics server: %v", err)
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	<-served
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return ""
}

func retentionLabel(days int) string {
	if days <= 0 {
		return ""
	}
	return fmt.Sprintf("%d days", days)
}

func journalLabel(cfg appConfig) string {
	if !cfg.JournalEnabled {
		return ""
	}
	return cfg.JournalPath
}
