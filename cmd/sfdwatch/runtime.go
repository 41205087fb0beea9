package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// configureRuntimeLogger moves the log off the terminal while the TUI owns it.
func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "sfdwatch")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "sfdwatch.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}
}

// bannerItem is one row of the startup banner. An empty value renders as
// disabled.
type bannerItem struct {
	label string
	value string
	path  bool
}

type bannerSection struct {
	title string
	items []bannerItem
}

func printStartupBanner(cfg appConfig, mode string, sections ...bannerSection) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╔╦╗╦ ╦╔═╗╔╦╗╔═╗╦ ╦
    ╚═╗╠╣  ║║║║║╠═╣ ║ ║  ╠═╣
    ╚═╝╚  ═╩╝╚╩╝╩ ╩ ╩ ╚═╝╩ ╩`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version+"  "+mode), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	config := bannerSection{title: "Config", items: []bannerItem{
		{label: "Config File", value: cfg.ConfigPath, path: true},
		{label: "Labels", value: cfg.Locale + labelsSuffix(cfg.LabelsFile)},
	}}
	for _, sec := range append(sections, config) {
		lines = append(lines, bold.Render("    "+sec.title), "")
		for _, it := range sec.items {
			label := fmt.Sprintf("%-14s", it.label)
			switch {
			case it.value == "":
				lines = append(lines, fmt.Sprintf("    %s  %s %s", dot, label, dim.Render("disabled")))
			case it.path:
				lines = append(lines, fmt.Sprintf("    %s  %s %s", check, label, dim.Render(shortenPath(it.value))))
			default:
				lines = append(lines, fmt.Sprintf("    %s  %s %s", check, label, cyan.Render(it.value)))
			}
		}
		lines = append(lines, "")
	}

	lines = append(lines, separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func labelsSuffix(path string) string {
	if path == "" {
		return ""
	}
	return " (" + shortenPath(path) + ")"
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
