package model

import "time"

// Shared defaults used by the CLI, the feed and the TUI.
const (
	DefaultClockInterval = 1 * time.Second
	DefaultTrendDays     = 5
	DefaultStreamEvent   = "object-detected"
	DefaultLocale        = "en"
)
