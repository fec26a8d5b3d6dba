package caphub

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPeerEstablishedCount  = []string{"caphub", "peer", "established", "count"}
	MetricPeerNegotiationErrors = []string{"caphub", "peer", "negotiation", "error", "count"}
	MetricPeerDisconnectedCount = []string{"caphub", "peer", "disconnected", "count"}
	MetricPeerActive            = []string{"caphub", "peer", "active"}
	MetricFrameInCount          = []string{"caphub", "frame", "in", "count"}
	MetricFrameOutCount         = []string{"caphub", "frame", "out", "count"}
	MetricFrameDroppedCount     = []string{"caphub", "frame", "dropped", "count"}
	MetricLeaderElectedCount    = []string{"caphub", "leader", "elected", "count"}

	MetricDiscoveryConnCount  = []string{"caphub", "discovery", "connection", "count"}
	MetricDiscoveryErrorCount = []string{"caphub", "discovery", "error", "count"}

	MetricDeviceAnnouncedCount = []string{"caphub", "device", "announced", "count"}
	MetricDeviceRejectedCount  = []string{"caphub", "device", "rejected", "count"}
	MetricDeviceRemovedCount   = []string{"caphub", "device", "removed", "count"}

	MetricServiceAvailableCount   = []string{"caphub", "service", "available", "count"}
	MetricServiceUnavailableCount = []string{"caphub", "service", "unavailable", "count"}
	MetricServiceInvokeInCount    = []string{"caphub", "service", "invoke", "in", "count"}
	MetricServiceInvokeOutCount   = []string{"caphub", "service", "invoke", "out", "count"}
	MetricServiceInvokeErrorCount = []string{"caphub", "service", "invoke", "error", "count"}
	MetricServiceResultDropped    = []string{"caphub", "service", "result", "dropped", "count"}
	MetricServiceEventOutCount    = []string{"caphub", "service", "event", "out", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelNodeID      TelemetryLabel = "node_id"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelRole        TelemetryLabel = "role"
	LabelMessageType TelemetryLabel = "message_type"
	LabelDeviceID    TelemetryLabel = "device_id"
	LabelServiceID   TelemetryLabel = "service_id"
	LabelAction      TelemetryLabel = "action"
	LabelSeq         TelemetryLabel = "seq"
	LabelDiscovery   TelemetryLabel = "discovery"
	LabelDuration    TelemetryLabel = "duration"
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

// withLabels never appends in place to base, which is shared config.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
