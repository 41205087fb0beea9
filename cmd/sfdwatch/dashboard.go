package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/sfdwatch/internal/aggregate"
	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
	"github.com/tinytelemetry/sfdwatch/internal/duckdb"
	"github.com/tinytelemetry/sfdwatch/internal/feed"
	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/model"
	"github.com/tinytelemetry/sfdwatch/internal/tui"
)

func newLiveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Open the live detection dashboard",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runDashboard(cfg, tui.LivePageID, time.Time{}, sourceServer)
		},
	}
}

func newHistoryCmd(load configLoader) *cobra.Command {
	var (
		date    string
		offline bool
		legacy  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse detections of one calendar date",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			day := time.Now()
			if date != "" {
				if day, err = time.ParseInLocation("2006-01-02", date, time.Local); err != nil {
					return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date)
				}
			}
			source := sourceServer
			switch {
			case offline && legacy:
				return errors.New("--offline and --legacy are mutually exclusive")
			case offline:
				source = sourceArchive
			case legacy:
				source = sourceLegacy
			}
			return runDashboard(cfg, tui.HistoryPageID, day, source)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date to show (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&offline, "offline", false, "read the local archive instead of the server")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "load history from the legacy full-analysis endpoint")
	return cmd
}

// historySource selects where the history page loads records from.
type historySource int

const (
	sourceServer historySource = iota
	sourceArchive
	sourceLegacy
)

// runDashboard builds both pages and starts on the requested one. The
// archive source has no live page.
func runDashboard(cfg appConfig, start string, date time.Time, source historySource) error {
	norm, err := newNormalizer(cfg)
	if err != nil {
		return err
	}
	table := norm.Labels()

	var pages []tui.Page
	history := tui.HistoryConfig{Date: date, TrendDays: cfg.TrendDays}

	if source == sourceArchive {
		store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
		if err != nil {
			return fmt.Errorf("opening archive %s: %w", shortenPath(cfg.DBPath), err)
		}
		defer store.Close()
		history.NewFeed = historyFeed(cfg, table, archiveBootstrap(store, cfg.TrendDays))
		pages = append(pages, tui.NewHistoryPage(history))
	} else {
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		if err := requireSession(client); err != nil {
			return explain(err)
		}
		image := func(ctx context.Context, id int64) (string, error) {
			ref, err := client.Image(ctx, id)
			return ref.ObjectURL, err
		}
		bootstrap := feed.BootstrapFunc(client.RecentRecords)
		if source == sourceLegacy {
			bootstrap = legacyBootstrap(client.DefectAllData)
		}
		history.NewFeed = historyFeed(cfg, table, bootstrap)
		history.Image = image

		live := tui.NewLivePage(tui.LiveConfig{
			NewFeed: func() *feed.Feed {
				return feed.New(feed.Config{
					Bootstrap:     client.RecentRecords,
					Stream:        newSubscriber(cfg, client),
					Normalizer:    client.Normalizer(),
					Options:       aggregate.LiveOptions(table),
					ClockInterval: cfg.ClockInterval,
				})
			},
			Image: image,
		})
		if start == tui.LivePageID {
			pages = append(pages, live, tui.NewHistoryPage(history))
		} else {
			pages = append(pages, tui.NewHistoryPage(history), live)
		}
	}

	cleanup := configureRuntimeLogger()
	defer cleanup()

	app := tui.NewApp(pages...)
	defer app.Close()

	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
			return fmt.Errorf("TUI requires a real terminal")
		}
		return fmt.Errorf("error running TUI: %w", err)
	}

	if errors.Is(app.Err(), apiclient.ErrSessionExpired) {
		fmt.Fprintln(os.Stderr, loginHint)
		return app.Err()
	}
	return nil
}

func historyFeed(cfg appConfig, table *labels.Table, bootstrap feed.BootstrapFunc) func(time.Time) *feed.Feed {
	return func(date time.Time) *feed.Feed {
		return feed.New(feed.Config{
			Bootstrap:     bootstrap,
			Options:       aggregate.HistoryOptions(table, cfg.TrendDays),
			Ref:           func() time.Time { return date },
			ClockInterval: cfg.ClockInterval,
		})
	}
}

// archiveBootstrap reads the selected day plus the trailing trend window.
func archiveBootstrap(store *duckdb.Store, trendDays int) feed.BootstrapFunc {
	if trendDays < 1 {
		trendDays = model.DefaultTrendDays
	}
	return func(_ context.Context, ref time.Time) ([]model.DetectionRecord, error) {
		y, m, d := ref.Date()
		end := time.Date(y, m, d, 0, 0, 0, 0, ref.Location()).AddDate(0, 0, 1)
		return store.RecordsBetween(end.AddDate(0, 0, -trendDays), end)
	}
}

// legacyBootstrap adapts the full-analysis endpoint, which has no date
// parameter. The history filter keeps the selected day and trend window.
func legacyBootstrap(fetch func(context.Context) ([]model.DetectionRecord, error)) feed.BootstrapFunc {
	return func(ctx context.Context, _ time.Time) ([]model.DetectionRecord, error) {
		return fetch(ctx)
	}
}
