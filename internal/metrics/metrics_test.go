package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordRequestStart("/wechat")
	c.RecordRequest("/wechat", 15*time.Millisecond)
	c.RecordRequestEnd("/wechat")
	c.RecordError("/wechat")
	c.ObserveInbound("accepted")
	c.ObserveInbound("accepted")
	c.ObserveInbound("rejected_signature")
	c.ObserveDispatch("openai", "reply", 120*time.Millisecond)
	c.ObserveDispatch("openai", "timeout", 5*time.Second)
	c.ObservePush(true, 1)
	c.ObservePush(false, 3)
	c.RegisterGauge("credential_available", "1 when an access token is cached", func() int64 { return 1 })

	snap := c.GetSnapshot()
	if snap.TotalRequests["/wechat"] != 1 || snap.RequestErrors["/wechat"] != 1 {
		t.Fatalf("unexpected request counters %+v", snap)
	}
	if snap.Inbound["accepted"] != 2 || snap.Inbound["rejected_signature"] != 1 {
		t.Fatalf("unexpected inbound counters %v", snap.Inbound)
	}
	if snap.DispatchOutcomes["openai|reply"] != 1 || snap.DispatchLatency["openai"] != 5120 {
		t.Fatalf("unexpected dispatch counters %v %v", snap.DispatchOutcomes, snap.DispatchLatency)
	}
	if snap.PushDelivered != 1 || snap.PushAbandoned != 1 || snap.PushAttempts != 4 {
		t.Fatalf("unexpected push counters %+v", snap)
	}
	if snap.Gauges["credential_available"] != 1 {
		t.Fatalf("gauge not evaluated")
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.ObserveDispatch("default", "error", time.Millisecond)
	c.ObservePush(true, 2)
	c.RegisterGauge("dispatch_queue_pending", "Queued downstream calls", func() int64 { return 7 })

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		"# TYPE bridge_uptime_seconds gauge",
		`bridge_dispatch_total{service="default",outcome="error"} 1`,
		`bridge_push_total{result="delivered"} 1`,
		"bridge_push_attempts_total 2",
		"# HELP bridge_dispatch_queue_pending Queued downstream calls",
		"bridge_dispatch_queue_pending 7",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
