package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP bridge_uptime_seconds Time since the bridge started\n")
	sb.WriteString("# TYPE bridge_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("bridge_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_requests_total Total number of HTTP requests by endpoint\n")
	sb.WriteString("# TYPE bridge_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("bridge_requests_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_request_errors_total Total number of HTTP request errors by endpoint\n")
	sb.WriteString("# TYPE bridge_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("bridge_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE bridge_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		if count := snap.RequestsInProgress[endpoint]; count > 0 {
			sb.WriteString(fmt.Sprintf("bridge_requests_in_progress{endpoint=\"%s\"} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE bridge_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("bridge_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_inbound_total Inbound webhook messages by result\n")
	sb.WriteString("# TYPE bridge_inbound_total counter\n")
	for _, result := range sortedKeys(snap.Inbound) {
		sb.WriteString(fmt.Sprintf("bridge_inbound_total{result=\"%s\"} %d\n", result, snap.Inbound[result]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_dispatch_total Downstream calls by service type and outcome\n")
	sb.WriteString("# TYPE bridge_dispatch_total counter\n")
	for _, key := range sortedKeys(snap.DispatchOutcomes) {
		service, outcome, _ := strings.Cut(key, "|")
		sb.WriteString(fmt.Sprintf("bridge_dispatch_total{service=\"%s\",outcome=\"%s\"} %d\n", service, outcome, snap.DispatchOutcomes[key]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_dispatch_latency_ms_total Total downstream latency in milliseconds\n")
	sb.WriteString("# TYPE bridge_dispatch_latency_ms_total counter\n")
	for _, service := range sortedKeys(snap.DispatchLatency) {
		sb.WriteString(fmt.Sprintf("bridge_dispatch_latency_ms_total{service=\"%s\"} %d\n", service, snap.DispatchLatency[service]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_push_total Finished push deliveries by result\n")
	sb.WriteString("# TYPE bridge_push_total counter\n")
	sb.WriteString(fmt.Sprintf("bridge_push_total{result=\"delivered\"} %d\n", snap.PushDelivered))
	sb.WriteString(fmt.Sprintf("bridge_push_total{result=\"abandoned\"} %d\n", snap.PushAbandoned))
	sb.WriteString("\n")

	sb.WriteString("# HELP bridge_push_attempts_total Push attempts including retries\n")
	sb.WriteString("# TYPE bridge_push_attempts_total counter\n")
	sb.WriteString(fmt.Sprintf("bridge_push_attempts_total %d\n", snap.PushAttempts))
	sb.WriteString("\n")

	for _, name := range sortedKeys(snap.Gauges) {
		if help := snap.GaugeHelp[name]; help != "" {
			sb.WriteString(fmt.Sprintf("# HELP bridge_%s %s\n", name, help))
		}
		sb.WriteString(fmt.Sprintf("# TYPE bridge_%s gauge\n", name))
		sb.WriteString(fmt.Sprintf("bridge_%s %d\n", name, snap.Gauges[name]))
		sb.WriteString("\n")
	}

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
