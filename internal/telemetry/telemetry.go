// Package telemetry holds the metric names and labels emitted by the server
// and workers.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricServerClientsConnected = []string{"server", "clients", "connected"}
	MetricServerClientConnCount  = []string{"server", "client", "connection", "count"}
	MetricServerDisconnectCount  = []string{"server", "client", "disconnect", "count"}
	MetricServerProtocolErrors   = []string{"server", "protocol", "error", "count"}
	MetricServerWorkDispatched   = []string{"server", "work", "dispatched", "count"}
	MetricServerWorkCompleted    = []string{"server", "work", "completed", "count"}
	MetricServerWorkDuration     = []string{"server", "work", "duration"}
	MetricServerWaiting          = []string{"server", "waiting", "calls"}
	MetricServerPoolSize         = []string{"server", "pool", "size"}

	MetricWorkerReconnectCount = []string{"worker", "reconnect", "count"}
	MetricWorkerWorkCount      = []string{"worker", "work", "count"}
	MetricWorkerKeepaliveMiss  = []string{"worker", "keepalive", "miss", "count"}
)

// Label names a metric label and the matching slog attribute.
type Label string

var (
	LabelClient  Label = "client"
	LabelTask    Label = "task"
	LabelOutcome Label = "outcome"
	LabelError   Label = "error"
	LabelServer  Label = "server"
)

// M returns the metric label.
func (l Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(l), Value: val}
}

// L returns the log attribute.
func (l Label) L(val any) slog.Attr {
	return slog.Any(string(l), val)
}

// Sink returns s, or the global go-metrics sink when s is nil.
func Sink(s metrics.MetricSink) metrics.MetricSink {
	if s == nil {
		return metrics.Default()
	}
	return s
}
