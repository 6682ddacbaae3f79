package stack

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// Control protocol of the connection-management layer. Every packet crossing
// the layer carries a two-byte header [message type][reason]; the reason
// byte is meaningful only on disconnects.
const (
	msgData           = 0
	msgConnectRequest = 1
	msgConnectAccept  = 2
	msgHeartbeat      = 3
	msgDisconnect     = 4
)

const controlHeaderSize = 2

// ConnectionParams configures handshake retries, keepalives and timeouts.
// All durations are driver-clock milliseconds.
type ConnectionParams struct {
	// ConnectTimeout is the wait between connect request attempts.
	ConnectTimeout int64
	// MaxConnectAttempts bounds connect requests before the connection
	// fails with ReasonMaxConnectionAttempts.
	MaxConnectAttempts int
	// DisconnectTimeout is the inactivity window after which a connected
	// peer is considered gone.
	DisconnectTimeout int64
	// HeartbeatTimeout is the send-side idle window before a heartbeat
	// keeps the connection warm.
	HeartbeatTimeout int64
}

// Validate implements settings.Parameter.
func (p ConnectionParams) Validate() error {
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("ConnectTimeout must be positive: %d", p.ConnectTimeout)
	}
	if p.MaxConnectAttempts <= 0 {
		return fmt.Errorf("MaxConnectAttempts must be positive: %d", p.MaxConnectAttempts)
	}
	if p.DisconnectTimeout <= 0 {
		return fmt.Errorf("DisconnectTimeout must be positive: %d", p.DisconnectTimeout)
	}
	if p.HeartbeatTimeout <= 0 || p.HeartbeatTimeout >= p.DisconnectTimeout {
		return fmt.Errorf("HeartbeatTimeout must be positive and below DisconnectTimeout: %d", p.HeartbeatTimeout)
	}
	return nil
}

// DefaultConnectionParams returns the connection-management defaults.
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		ConnectTimeout:     1000,
		MaxConnectAttempts: 10,
		DisconnectTimeout:  30000,
		HeartbeatTimeout:   500,
	}
}

// connectionLayer drives the connection lifecycle: it turns the registry's
// Connecting and Disconnecting states into control packets, completes
// handshakes from inbound control packets, stamps data packets with their
// connection, and enforces retry, heartbeat and inactivity timers.
type connectionLayer struct {
	params  ConnectionParams
	conns   *connection.List
	padding int // cumulative padding including our own header

	lastSend    connection.DataMap[int64]
	lastRecv    connection.DataMap[int64]
	lastAttempt connection.DataMap[int64]
	attempts    connection.DataMap[int]
	sendAccept  connection.DataMap[bool]
}

// NewConnectionLayer builds the connection-management layer.
func NewConnectionLayer() Layer {
	return &connectionLayer{}
}

func (cl *connectionLayer) Name() string { return "connection" }

func (cl *connectionLayer) Initialize(s *settings.Settings, conns *connection.List, packetPadding *int) error {
	cl.params = settings.GetOrDefault(s, DefaultConnectionParams())
	cl.conns = conns
	*packetPadding += controlHeaderSize
	cl.padding = *packetPadding
	return nil
}

func (cl *connectionLayer) ScheduleReceive(ctx *UpdateContext) error {
	for _, p := range ctx.Receive.Packets() {
		payload := p.Payload()
		if len(payload) == 0 {
			continue
		}
		if len(payload) < controlHeaderSize {
			p.Drop()
			continue
		}

		ep := p.Endpoint()
		id, known := cl.conns.ByEndpoint(ep)

		switch payload[0] {
		case msgConnectRequest:
			if !known {
				id = cl.conns.StartConnecting(ep)
				cl.conns.FinishConnectingFromRemote(id)
			}
			// Accept replies go out in the send phase; re-requests mean
			// the previous accept was lost, so answer again.
			cl.sendAccept.Set(id, true)
			cl.lastRecv.Set(id, ctx.Now)
			p.Drop()

		case msgConnectAccept:
			if known && cl.conns.State(id) == connection.Connecting {
				cl.conns.FinishConnectingFromLocal(id)
			}
			if known {
				cl.lastRecv.Set(id, ctx.Now)
			}
			p.Drop()

		case msgHeartbeat:
			if known {
				cl.lastRecv.Set(id, ctx.Now)
			}
			p.Drop()

		case msgDisconnect:
			if known {
				cl.conns.FinishDisconnecting(id, connection.ReasonClosedByRemote)
			}
			p.Drop()

		case msgData:
			if !known || cl.conns.State(id) != connection.Connected {
				logrus.WithFields(logrus.Fields{
					"function": "ScheduleReceive",
					"layer":    "connection",
					"endpoint": ep.String(),
				}).Debug("Data from endpoint without a connection, dropping")
				p.Drop()
				continue
			}
			p.SetConnection(id)
			if err := p.RemoveFromPayloadStart(controlHeaderSize); err != nil {
				p.Drop()
				continue
			}
			cl.lastRecv.Set(id, ctx.Now)

		default:
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleReceive",
				"layer":    "connection",
				"endpoint": ep.String(),
				"type":     payload[0],
			}).Warn("Unknown control message, dropping")
			p.Drop()
		}
	}
	return nil
}

func (cl *connectionLayer) ScheduleSend(ctx *UpdateContext) error {
	// Stamp the data packets the driver queued before emitting any control
	// traffic, so the control packets below never get double-framed.
	for _, p := range ctx.Send.Packets() {
		if len(p.Payload()) == 0 {
			continue
		}
		if err := p.PrependToPayload([]byte{msgData, 0}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleSend",
				"layer":    "connection",
				"error":    err,
			}).Warn("No header space for data packet, dropping")
			p.Drop()
			continue
		}
		cl.lastSend.Set(p.Metadata().Connection, ctx.Now)
	}

	for _, id := range cl.conns.Connections() {
		switch cl.conns.State(id) {
		case connection.Connecting:
			cl.driveConnect(ctx, id)
		case connection.Connected:
			cl.driveConnected(ctx, id)
		case connection.Disconnecting:
			ep, ok := cl.conns.EndpointOf(id)
			if ok {
				cl.emit(ctx, id, ep, msgDisconnect, byte(connection.ReasonClosedByRemote))
			}
			cl.conns.FinishDisconnecting(id, connection.ReasonDefault)
		}
	}
	return nil
}

// driveConnect retries the connect request until accepted or out of
// attempts. Remote-initiated connections never stay in Connecting, so every
// connection here is a local connect.
func (cl *connectionLayer) driveConnect(ctx *UpdateContext, id connection.ID) {
	tried := cl.attempts.Get(id, 0)
	if tried > 0 && ctx.Now-cl.lastAttempt.Get(id, 0) < cl.params.ConnectTimeout {
		return
	}
	if tried >= cl.params.MaxConnectAttempts {
		logrus.WithFields(logrus.Fields{
			"function":   "driveConnect",
			"layer":      "connection",
			"connection": id.String(),
			"attempts":   tried,
		}).Warn("Connect attempts exhausted")
		cl.conns.FinishDisconnecting(id, connection.ReasonMaxConnectionAttempts)
		return
	}

	ep, ok := cl.conns.EndpointOf(id)
	if !ok {
		return
	}
	cl.attempts.Set(id, tried+1)
	cl.lastAttempt.Set(id, ctx.Now)
	cl.emit(ctx, id, ep, msgConnectRequest, 0)
}

func (cl *connectionLayer) driveConnected(ctx *UpdateContext, id connection.ID) {
	if cl.sendAccept.Get(id, false) {
		cl.sendAccept.Set(id, false)
		if ep, ok := cl.conns.EndpointOf(id); ok {
			cl.emit(ctx, id, ep, msgConnectAccept, 0)
		}
	}

	if ctx.Now-cl.lastRecv.Get(id, 0) > cl.params.DisconnectTimeout {
		cl.conns.FinishDisconnecting(id, connection.ReasonTimeout)
		return
	}
	if ctx.Now-cl.lastSend.Get(id, 0) >= cl.params.HeartbeatTimeout {
		if ep, ok := cl.conns.EndpointOf(id); ok {
			cl.emit(ctx, id, ep, msgHeartbeat, 0)
		}
	}
}

// emit queues one control packet. The window starts below our own header
// slot so the layers beneath keep their reserved front space.
func (cl *connectionLayer) emit(ctx *UpdateContext, id connection.ID, ep connection.Endpoint, msgType, reason byte) {
	p, ok := ctx.Send.Enqueue()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "emit",
			"layer":      "connection",
			"connection": id.String(),
			"type":       msgType,
		}).Warn("Send pool exhausted, control packet deferred")
		return
	}
	p.SetConnection(id)
	p.SetEndpoint(ep)
	if err := p.SetWindow(cl.padding-controlHeaderSize, 0); err != nil {
		p.Drop()
		return
	}
	if err := p.AppendToPayload([]byte{msgType, reason}); err != nil {
		p.Drop()
		return
	}
	cl.lastSend.Set(id, ctx.Now)
}

func (cl *connectionLayer) Close() error { return nil }
