package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollector_CounterReuse(t *testing.T) {
	c := NewCollector("docrelay")
	a := c.Counter("events_total", "Events", Labels("channel", "whatsapp"))
	b := c.Counter("events_total", "Events", Labels("channel", "whatsapp"))
	a.Inc()
	b.Add(2)
	if a != b || a.Value() != 3 {
		t.Fatalf("expected shared counter with value 3, got %d", a.Value())
	}
}

func TestCollector_Render(t *testing.T) {
	c := NewCollector("docrelay")
	c.Counter("events_total", "Events", Labels("channel", "messenger")).Inc()
	c.Counter("events_total", "Events", Labels("channel", "whatsapp")).Add(4)
	c.Gauge("in_flight", "In flight", "").Set(2)
	h := c.Histogram("latency_seconds", "Latency", Labels("stage", "model"), []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(3)

	rr := httptest.NewRecorder()
	c.Handler()(rr, httptest.NewRequest("GET", "/metrics", nil))
	out := rr.Body.String()

	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	for _, want := range []string{
		"# TYPE docrelay_uptime_seconds gauge",
		"# TYPE docrelay_events_total counter",
		`docrelay_events_total{channel="messenger"} 1`,
		`docrelay_events_total{channel="whatsapp"} 4`,
		"docrelay_in_flight 2",
		`docrelay_latency_seconds_bucket{stage="model",le="0.5"} 1`,
		`docrelay_latency_seconds_bucket{stage="model",le="1"} 2`,
		`docrelay_latency_seconds_bucket{stage="model",le="+Inf"} 3`,
		`docrelay_latency_seconds_count{stage="model"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Count(out, "# HELP docrelay_events_total") != 1 {
		t.Error("help line should be written once per metric name")
	}
	if strings.Index(out, `channel="messenger"`) > strings.Index(out, `channel="whatsapp"`) {
		t.Error("series should be sorted")
	}
}

func TestLabels(t *testing.T) {
	if got := Labels("a", "1", "b", `x"y`); got != `a="1",b="x\"y"` {
		t.Fatalf("unexpected labels %s", got)
	}
	if Labels() != "" {
		t.Fatal("expected empty labels")
	}
}

func TestRelay_NilSafe(t *testing.T) {
	var r *Relay
	r.Received("whatsapp", "text")
	r.Failed("whatsapp", "dispatch")
	r.StageDone("model", time.Now())
	r.Begin()
	r.End()
}

func TestRelay_Records(t *testing.T) {
	c := NewCollector("docrelay")
	r := NewRelay(c)
	r.Received("whatsapp", "audio")
	r.Recovered("model")
	r.Dispatched("whatsapp", "voice")
	r.StageDone("model", time.Now().Add(-2*time.Second))
	r.Begin()

	out := c.Render()
	for _, want := range []string{
		`docrelay_messages_received_total{channel="whatsapp",kind="audio"} 1`,
		`docrelay_stage_recoveries_total{error="model"} 1`,
		`docrelay_replies_dispatched_total{channel="whatsapp",mode="voice"} 1`,
		`docrelay_stage_duration_seconds_count{stage="model"} 1`,
		"docrelay_messages_in_flight 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
