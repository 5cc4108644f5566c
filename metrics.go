package funksiyachi

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricDialCount          = []string{"funksiyachi", "dial", "count"}
	MetricDialErrorCount     = []string{"funksiyachi", "dial", "error", "count"}
	MetricDialDuration       = []string{"funksiyachi", "dial", "duration"}
	MetricCallCount          = []string{"funksiyachi", "client", "call", "count"}
	MetricCallErrorCount     = []string{"funksiyachi", "client", "call", "error", "count"}
	MetricConnEstCount       = []string{"funksiyachi", "server", "connection", "established", "count"}
	MetricStreamEstInCount   = []string{"funksiyachi", "server", "stream", "establishment", "in", "count"}
	MetricRequestCount       = []string{"funksiyachi", "server", "request", "count"}
	MetricRequestErrorCount  = []string{"funksiyachi", "server", "request", "error", "count"}
	MetricUDPBufferSizeBytes = []string{"funksiyachi", "udp", "buffer", "size", "bytes"}
	MetricResponseErrorCount = []string{"funksiyachi", "server", "response", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelTarget   TelemetryLabel = "target"
	LabelPolicy   TelemetryLabel = "trust_policy"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelMethod   TelemetryLabel = "method"
	LabelStreamID TelemetryLabel = "stream_id"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels copies base before appending so shared label slices are
// never aliased between calls.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
