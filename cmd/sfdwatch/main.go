package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "sfdwatch",
		Short:         "Terminal dashboard for surface-defect detections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/.config/sfdwatch/config.yml)")

	load := func() (appConfig, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return cfg, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(
		newLoginCmd(load),
		newLogoutCmd(load),
		newWhoamiCmd(load),
		newSignupCmd(load),
		newProfileCmd(load),
		newDomainCmd(load),
		newLiveCmd(load),
		newHistoryCmd(load),
		newRecordCmd(load),
		newReplayCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

type configLoader func() (appConfig, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sfdwatch - Surface Defect Detection Monitor\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	}
}
