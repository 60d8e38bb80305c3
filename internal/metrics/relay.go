package metrics

import (
	"time"
)

var stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Relay is the metric set recorded by the reply orchestrator. A nil *Relay
// records nothing.
type Relay struct {
	c        *Collector
	InFlight *Gauge
}

func NewRelay(c *Collector) *Relay {
	return &Relay{
		c:        c,
		InFlight: c.Gauge("messages_in_flight", "Messages currently being processed", ""),
	}
}

// Received counts a normalized inbound message.
func (r *Relay) Received(channel, kind string) {
	if r == nil {
		return
	}
	r.c.Counter("messages_received_total", "Inbound messages accepted for processing",
		Labels("channel", channel, "kind", kind)).Inc()
}

// Failed counts a message that ended without a reply.
func (r *Relay) Failed(channel, errKind string) {
	if r == nil {
		return
	}
	r.c.Counter("messages_failed_total", "Messages that ended without a delivered reply",
		Labels("channel", channel, "error", errKind)).Inc()
}

// Recovered counts a degraded stage that did not stop the reply.
func (r *Relay) Recovered(errKind string) {
	if r == nil {
		return
	}
	r.c.Counter("stage_recoveries_total", "Stage failures recovered by degrading",
		Labels("error", errKind)).Inc()
}

// Dispatched counts a delivered reply.
func (r *Relay) Dispatched(channel, mode string) {
	if r == nil {
		return
	}
	r.c.Counter("replies_dispatched_total", "Replies delivered to a platform",
		Labels("channel", channel, "mode", mode)).Inc()
}

// Dropped counts webhook events that were acknowledged but not processed.
func (r *Relay) Dropped(channel, reason string) {
	if r == nil {
		return
	}
	r.c.Counter("webhook_dropped_total", "Webhook events acknowledged without processing",
		Labels("channel", channel, "reason", reason)).Inc()
}

// StageDone observes how long a pipeline stage took.
func (r *Relay) StageDone(stage string, start time.Time) {
	if r == nil {
		return
	}
	r.c.Histogram("stage_duration_seconds", "Pipeline stage latency in seconds",
		Labels("stage", stage), stageBuckets).ObserveSince(start)
}

func (r *Relay) Begin() {
	if r == nil {
		return
	}
	r.InFlight.Inc()
}

func (r *Relay) End() {
	if r == nil {
		return
	}
	r.InFlight.Dec()
}
