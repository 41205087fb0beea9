package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/sfdwatch/internal/authstore"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	defaultBaseURL              = "http://127.0.0.1:8089"
	defaultStreamPath           = "/session/connect"
	defaultRequestTimeout       = 15 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	defaultReconnectMaxInterval = 30 * time.Second
	defaultQueryTimeout         = 30 * time.Second
	defaultArchiveRetention     = 90 // days, 0 = disabled
	defaultInsertBatchSize      = 200
	defaultInsertFlushInterval  = time.Second
	defaultReplayAddr           = "127.0.0.1:8089"
	defaultReplayInterval       = time.Second
	defaultMQTTTopicPrefix      = "sfdwatch/detections"
	defaultMQTTClientID         = "sfdwatch"
	defaultSnapshotInterval     = 6 * time.Hour
	defaultSnapshotKeep         = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	BaseURL              string        `mapstructure:"base-url"`
	StreamPath           string        `mapstructure:"stream-path"`
	StreamEvent          string        `mapstructure:"stream-event"`
	RequestTimeout       time.Duration `mapstructure:"request-timeout"`
	ConnectTimeout       time.Duration `mapstructure:"connect-timeout"`
	Reconnect            bool          `mapstructure:"reconnect"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect-max-interval"`
	ClockInterval        time.Duration `mapstructure:"clock-interval"`
	Locale               string        `mapstructure:"locale"`
	LabelsFile           string        `mapstructure:"labels-file"`
	AuthPath             string        `mapstructure:"auth-path"`
	TrendDays            int           `mapstructure:"trend-days"`

	DBPath              string        `mapstructure:"db-path"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	ArchiveRetention    int           `mapstructure:"archive-retention"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	JournalEnabled      bool          `mapstructure:"journal"`
	JournalPath         string        `mapstructure:"journal-path"`
	SnapshotDir         string        `mapstructure:"snapshot-dir"`
	SnapshotInterval    time.Duration `mapstructure:"snapshot-interval"`
	SnapshotKeep        int           `mapstructure:"snapshot-keep"`

	ReplayAddr     string        `mapstructure:"replay-addr"`
	ReplayInterval time.Duration `mapstructure:"replay-interval"`
	MetricsAddr    string        `mapstructure:"metrics-addr"`

	MQTTBroker      string `mapstructure:"mqtt-broker"`
	MQTTTopicPrefix string `mapstructure:"mqtt-topic-prefix"`
	MQTTClientID    string `mapstructure:"mqtt-client-id"`
	MQTTUsername    string `mapstructure:"mqtt-username"`
	MQTTPassword    string `mapstructure:"mqtt-password"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "sfdwatch")
	defaultDBPath := filepath.Join(dataDir, "sfdwatch.duckdb")
	defaultJournalPath := filepath.Join(dataDir, "record.journal")

	v := viper.New()
	v.SetEnvPrefix("SFDWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("base-url", defaultBaseURL)
	v.SetDefault("stream-path", defaultStreamPath)
	v.SetDefault("stream-event", model.DefaultStreamEvent)
	v.SetDefault("request-timeout", defaultRequestTimeout)
	v.SetDefault("connect-timeout", defaultConnectTimeout)
	v.SetDefault("reconnect", false)
	v.SetDefault("reconnect-max-interval", defaultReconnectMaxInterval)
	v.SetDefault("clock-interval", model.DefaultClockInterval)
	v.SetDefault("locale", model.DefaultLocale)
	v.SetDefault("labels-file", "")
	v.SetDefault("auth-path", authstore.DefaultPath())
	v.SetDefault("trend-days", model.DefaultTrendDays)
	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("archive-retention", defaultArchiveRetention)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("journal", true)
	v.SetDefault("journal-path", defaultJournalPath)
	v.SetDefault("snapshot-dir", "")
	v.SetDefault("snapshot-interval", defaultSnapshotInterval)
	v.SetDefault("snapshot-keep", defaultSnapshotKeep)
	v.SetDefault("replay-addr", defaultReplayAddr)
	v.SetDefault("replay-interval", defaultReplayInterval)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("mqtt-broker", "")
	v.SetDefault("mqtt-topic-prefix", defaultMQTTTopicPrefix)
	v.SetDefault("mqtt-client-id", defaultMQTTClientID)
	v.SetDefault("mqtt-username", "")
	v.SetDefault("mqtt-password", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "sfdwatch", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cfg, fmt.Errorf("invalid base-url: %q", cfg.BaseURL)
	}
	if cfg.TrendDays < 1 {
		return cfg, fmt.Errorf("invalid trend-days: %d", cfg.TrendDays)
	}
	if cfg.ArchiveRetention < 0 {
		return cfg, fmt.Errorf("invalid archive-retention: %d", cfg.ArchiveRetention)
	}

	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)
	cfg.AuthPath = expandHome(home, cfg.AuthPath)
	cfg.LabelsFile = expandHome(home, cfg.LabelsFile)
	cfg.SnapshotDir = expandHome(home, cfg.SnapshotDir)

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
