package stack

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// Stats counts the traffic crossing the stack boundary. The bottom layer
// counts packets handed to the wire; the top layer counts packets surviving
// the receive phase and the strays it discards.
type Stats struct {
	sent            atomic.Int64
	received        atomic.Int64
	droppedReceived atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Sent            int64
	Received        int64
	DroppedReceived int64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sent:            s.sent.Load(),
		Received:        s.received.Load(),
		DroppedReceived: s.droppedReceived.Load(),
	}
}

// bottomLayer closes the send phase: by the time it runs the interface layer
// has transmitted, so whatever is still live in the send queue went to the
// wire.
type bottomLayer struct {
	stats *Stats
}

// NewBottom builds the bottom bookkeeping layer.
func NewBottom(stats *Stats) Layer {
	return &bottomLayer{stats: stats}
}

func (b *bottomLayer) Name() string { return "bottom" }

func (b *bottomLayer) Initialize(*settings.Settings, *connection.List, *int) error { return nil }

func (b *bottomLayer) ScheduleReceive(*UpdateContext) error { return nil }

func (b *bottomLayer) ScheduleSend(ctx *UpdateContext) error {
	for _, p := range ctx.Send.Packets() {
		if len(p.Payload()) > 0 {
			b.stats.sent.Add(1)
		}
	}
	return nil
}

func (b *bottomLayer) Close() error { return nil }

// topLayer closes the receive phase: packets that made it through every
// layer without being attached to a live connection are strays and stop
// here.
type topLayer struct {
	stats *Stats
	conns *connection.List
}

// NewTop builds the top bookkeeping layer.
func NewTop(stats *Stats) Layer {
	return &topLayer{stats: stats}
}

func (t *topLayer) Name() string { return "top" }

func (t *topLayer) Initialize(_ *settings.Settings, conns *connection.List, _ *int) error {
	t.conns = conns
	return nil
}

func (t *topLayer) ScheduleReceive(ctx *UpdateContext) error {
	for _, p := range ctx.Receive.Packets() {
		if len(p.Payload()) == 0 {
			continue
		}
		if !p.Metadata().Connection.IsCreated() {
			t.stats.droppedReceived.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleReceive",
				"layer":    "top",
				"endpoint": p.Endpoint().String(),
				"size":     len(p.Payload()),
			}).Debug("Dropping packet without a connection")
			p.Drop()
			continue
		}
		t.stats.received.Add(1)
	}
	return nil
}

func (t *topLayer) ScheduleSend(*UpdateContext) error { return nil }

func (t *topLayer) Close() error { return nil }
