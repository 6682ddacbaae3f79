package stack

import (
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// Relay frame types. Data frames carry a session token and the serialized
// far endpoint; ping/pong keep the relay mapping alive through NATs.
const (
	relayTypeData = 1
	relayTypePing = 2
	relayTypePong = 3
)

const relayTokenSize = 16

// relayMaxEndpoint is the largest serialized endpoint (4-byte fixed part
// plus a full IPv6 textual host).
const relayMaxEndpoint = 4 + 45

// relayOverhead is the front space the layer reserves per packet.
const relayOverhead = 1 + relayTokenSize + relayMaxEndpoint

// RelayParams configures the relay layer. A zero Server endpoint disables
// relaying entirely; the layer then passes every packet through untouched
// and reserves no padding.
type RelayParams struct {
	// Server is the relay endpoint all traffic is forwarded through.
	Server connection.Endpoint
	// SessionCacheSize bounds the token cache of recently used far
	// endpoints.
	SessionCacheSize int
	// PingInterval is the keepalive period in driver-clock milliseconds.
	PingInterval int64
}

// Validate implements settings.Parameter.
func (p RelayParams) Validate() error {
	if p.SessionCacheSize <= 0 {
		return fmt.Errorf("SessionCacheSize must be positive: %d", p.SessionCacheSize)
	}
	if p.PingInterval < 0 {
		return fmt.Errorf("PingInterval must not be negative: %d", p.PingInterval)
	}
	return nil
}

// DefaultRelayParams returns the relay defaults (disabled).
func DefaultRelayParams() RelayParams {
	return RelayParams{SessionCacheSize: 128, PingInterval: 15000}
}

// relayLayer forwards all traffic through a relay server. Outbound packets
// are framed with a per-destination session token and the destination
// endpoint, then redirected to the server; inbound frames from the server
// are unwrapped and their source endpoint restored, so the layers above
// never see the relay at all.
type relayLayer struct {
	params   RelayParams
	enabled  bool
	tokens   *lru.Cache[connection.Endpoint, uuid.UUID]
	lastPing int64
	gotPong  bool
}

// NewRelayLayer builds the relay client layer.
func NewRelayLayer() Layer {
	return &relayLayer{}
}

func (rl *relayLayer) Name() string { return "relay" }

func (rl *relayLayer) Initialize(s *settings.Settings, _ *connection.List, packetPadding *int) error {
	rl.params = settings.GetOrDefault(s, DefaultRelayParams())
	rl.enabled = rl.params.Server.IsValid()
	if !rl.enabled {
		return nil
	}

	cache, err := lru.New[connection.Endpoint, uuid.UUID](rl.params.SessionCacheSize)
	if err != nil {
		return fmt.Errorf("relay session cache: %w", err)
	}
	rl.tokens = cache
	*packetPadding += relayOverhead

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"layer":    "relay",
		"server":   rl.params.Server.String(),
	}).Info("Relay layer initialized")
	return nil
}

func (rl *relayLayer) ScheduleReceive(ctx *UpdateContext) error {
	if !rl.enabled {
		return nil
	}
	for _, p := range ctx.Receive.Packets() {
		payload := p.Payload()
		if len(payload) == 0 || p.Endpoint() != rl.params.Server {
			continue
		}

		switch payload[0] {
		case relayTypeData:
			if len(payload) < 1+relayTokenSize+4 {
				p.Drop()
				continue
			}
			var src connection.Endpoint
			n, err := src.UnmarshalBinary(payload[1+relayTokenSize:])
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ScheduleReceive",
					"layer":    "relay",
					"error":    err,
				}).Warn("Malformed relay frame, dropping")
				p.Drop()
				continue
			}
			if err := p.RemoveFromPayloadStart(1 + relayTokenSize + n); err != nil {
				p.Drop()
				continue
			}
			p.SetEndpoint(src)

		case relayTypePong:
			rl.gotPong = true
			p.Drop()

		default:
			p.Drop()
		}
	}
	return nil
}

func (rl *relayLayer) ScheduleSend(ctx *UpdateContext) error {
	if !rl.enabled {
		return nil
	}
	for _, p := range ctx.Send.Packets() {
		if len(p.Payload()) == 0 {
			continue
		}
		dest := p.Endpoint()
		if dest == rl.params.Server {
			continue // already relay traffic
		}

		token, ok := rl.tokens.Get(dest)
		if !ok {
			token = uuid.New()
			rl.tokens.Add(dest, token)
		}
		serialized, err := dest.MarshalBinary()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleSend",
				"layer":    "relay",
				"endpoint": dest.String(),
				"error":    err,
			}).Warn("Endpoint cannot be relayed, dropping packet")
			p.Drop()
			continue
		}

		header := make([]byte, 0, 1+relayTokenSize+len(serialized))
		header = append(header, relayTypeData)
		header = append(header, token[:]...)
		header = append(header, serialized...)
		if err := p.PrependToPayload(header); err != nil {
			p.Drop()
			continue
		}
		p.SetEndpoint(rl.params.Server)
	}

	if rl.params.PingInterval > 0 && ctx.Now-rl.lastPing >= rl.params.PingInterval {
		rl.lastPing = ctx.Now
		if p, ok := ctx.Send.Enqueue(); ok {
			p.SetEndpoint(rl.params.Server)
			if err := p.AppendToPayload([]byte{relayTypePing}); err != nil {
				p.Drop()
			}
		}
	}
	return nil
}

func (rl *relayLayer) Close() error { return nil }
