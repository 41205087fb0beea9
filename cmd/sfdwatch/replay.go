package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/sfdwatch/internal/duckdb"
	"github.com/tinytelemetry/sfdwatch/internal/httpserver"
)

func newReplayCmd(load configLoader) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Serve the local archive over the SFD API for offline demos and tests",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ReplayAddr = addr
			}
			return runReplay(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides replay-addr)")
	return cmd
}

func runReplay(cfg appConfig) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	count, err := store.Count()
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	server := httpserver.NewServer(httpserver.Config{
		Addr:           cfg.ReplayAddr,
		ReplayInterval: cfg.ReplayInterval,
		Event:          cfg.StreamEvent,
	}, store)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start replay server: %w", err)
	}
	defer server.Stop()

	printStartupBanner(cfg, "replay",
		bannerSection{title: "Gateway", items: []bannerItem{
			{label: "HTTP API", value: server.Addr()},
			{label: "Event", value: cfg.StreamEvent},
			{label: "Pace", value: cfg.ReplayInterval.String()},
		}},
		bannerSection{title: "Storage", items: []bannerItem{
			{label: "Archive", value: cfg.DBPath, path: true},
			{label: "Records", value: fmt.Sprintf("%d", count)},
		}},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	<-sigCh
	fmt.Println("\nShutting down...")
	return nil
}
