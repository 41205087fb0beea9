// Package metrics holds the prometheus collectors shared by the stream
// subscriber, the normalizer and the REST client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process-wide registry exposed by the replay server and by
// the optional metrics listener of the record command.
var Registry = prometheus.NewRegistry()

var (
	// StreamConnects counts successful stream opens.
	StreamConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "stream",
		Name:      "connects_total",
		Help:      "Successful detection stream connections.",
	})

	// StreamErrors counts transport errors on the detection stream.
	StreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "stream",
		Name:      "errors_total",
		Help:      "Transport errors on the detection stream.",
	})

	// StreamEvents counts forwarded stream messages by event name.
	StreamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Stream messages forwarded to consumers.",
	}, []string{"event"})

	// NormalizeDropped counts payloads dropped during normalization.
	NormalizeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "normalize",
		Name:      "dropped_total",
		Help:      "Malformed detection payloads dropped during normalization.",
	}, []string{"reason"})

	// APIRequests counts REST calls by endpoint and status class.
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "REST requests by endpoint and status class.",
	}, []string{"endpoint", "status"})

	// TokenRefreshes counts token refresh attempts by outcome.
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "api",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts by outcome.",
	}, []string{"outcome"})

	// ArchiveInserts counts detection records written to the local archive.
	ArchiveInserts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "archive",
		Name:      "inserts_total",
		Help:      "Detection records written to the local archive.",
	})

	// ReplayEvents counts detections sent by the replay server.
	ReplayEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfdwatch",
		Subsystem: "replay",
		Name:      "events_total",
		Help:      "Archived detections replayed as stream events.",
	})
)

func init() {
	Registry.MustRegister(
		StreamConnects,
		StreamErrors,
		StreamEvents,
		NormalizeDropped,
		APIRequests,
		TokenRefreshes,
		ArchiveInserts,
		ReplayEvents,
	)
}

// StatusClass buckets an HTTP status code as "2xx", "4xx", ... or "error"
// when no response was received.
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return string(rune('0'+code/100)) + "xx"
}
