package transport

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
	"github.com/opd-ai/netdriver/settings"
)

// Interface is the raw network contract every backend implements to plug
// into the layer stack.
//
// Initialize receives the driver settings and a cumulative packet padding
// accumulator: a backend that frames every datagram adds its per-packet
// header size so upper layers know how much front space is pre-reserved.
type Interface interface {
	// Initialize prepares the backend. packetPadding is an in/out
	// accumulator of header bytes reserved at the front of every buffer.
	Initialize(s *settings.Settings, packetPadding *int) error

	// Bind attaches the backend to a local endpoint. Called once.
	Bind(endpoint connection.Endpoint) error

	// Listen enables acceptance of remote-initiated traffic where the
	// backend distinguishes it (TCP, WebSocket). Datagram backends no-op.
	Listen() error

	// ScheduleReceive drains pending inbound datagrams into the receive
	// queue. It must be safe to call on every update even when idle; the
	// backend keeps its receive machinery perpetually armed.
	ScheduleReceive(args ReceiveArgs) error

	// ScheduleSend transmits every live packet in the send queue.
	ScheduleSend(args SendArgs) error

	// LocalEndpoint returns the bound local endpoint.
	LocalEndpoint() connection.Endpoint

	// Close releases the backend's resources.
	Close() error
}

// ReceiveArgs carries the receive-phase working set.
type ReceiveArgs struct {
	Queue *packet.Queue
}

// SendArgs carries the send-phase working set.
type SendArgs struct {
	Queue *packet.Queue
}

// Params configures backend behavior. One structure per driver, stored in
// the settings map.
type Params struct {
	// MaxSocketRecreate bounds automatic socket recreation after repeated
	// syscall failures before the backend fails permanently.
	MaxSocketRecreate int
	// ReceiveBacklog is the capacity of the raw inbound datagram channel.
	ReceiveBacklog int
	// ReadTimeout is the poll deadline of the background read loop.
	ReadTimeout time.Duration
}

// Validate implements settings.Parameter.
func (p Params) Validate() error {
	if p.MaxSocketRecreate < 0 {
		return fmt.Errorf("MaxSocketRecreate must not be negative: %d", p.MaxSocketRecreate)
	}
	if p.ReceiveBacklog <= 0 {
		return fmt.Errorf("ReceiveBacklog must be positive: %d", p.ReceiveBacklog)
	}
	if p.ReadTimeout <= 0 {
		return fmt.Errorf("ReadTimeout must be positive: %v", p.ReadTimeout)
	}
	return nil
}

// DefaultParams returns the backend defaults.
func DefaultParams() Params {
	return Params{
		MaxSocketRecreate: 3,
		ReceiveBacklog:    256,
		ReadTimeout:       100 * time.Millisecond,
	}
}

// datagram is one raw inbound payload with its source endpoint.
type datagram struct {
	from connection.Endpoint
	data []byte
}

// drainIncoming moves buffered datagrams into the receive queue. When the
// pool runs out the remaining datagrams stay buffered in the channel; that
// is backpressure, not an error.
func drainIncoming(incoming <-chan datagram, q *packet.Queue) error {
	for {
		select {
		case d := <-incoming:
			p, ok := q.Enqueue()
			if !ok {
				logrus.WithFields(logrus.Fields{
					"function": "drainIncoming",
					"pending":  len(incoming) + 1,
				}).Warn("Receive pool exhausted, leaving datagrams buffered")
				return nil
			}
			if err := p.AppendToPayload(d.data); err != nil {
				p.Drop()
				logrus.WithFields(logrus.Fields{
					"function": "drainIncoming",
					"size":     len(d.data),
				}).Warn("Dropping datagram larger than packet buffer")
				continue
			}
			p.SetEndpoint(d.from)
		default:
			return nil
		}
	}
}

// nowPlus returns the read-deadline for one poll of a background loop.
func nowPlus(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// offerIncoming pushes a datagram copy into a backend's inbound channel,
// dropping it when the backlog is full.
func offerIncoming(incoming chan datagram, from connection.Endpoint, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case incoming <- datagram{from: from, data: buf}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "offerIncoming",
			"from":     from.String(),
			"size":     len(data),
		}).Warn("Inbound backlog full, dropping datagram")
	}
}
