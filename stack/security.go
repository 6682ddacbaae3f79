package stack

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
	"github.com/opd-ai/netdriver/settings"
)

// Wire framing of the security layer: one type byte in front of every
// packet, and for data packets a 16-byte AEAD tag at the end.
const (
	secTypeHandshake = 1
	secTypeData      = 2
)

const secAEADOverhead = 16

// secOverhead is the per-packet space the layer reserves.
const secOverhead = 1 + secAEADOverhead

// SecurityParams configures the security layer.
type SecurityParams struct {
	// StaticPrivateKey is the node's long-term Curve25519 private key.
	// Empty generates an ephemeral identity at initialization.
	StaticPrivateKey []byte
	// HandshakeTimeout is how long, in driver-clock milliseconds, an
	// incomplete handshake may linger before it is abandoned.
	HandshakeTimeout int64
	// MaxPendingSends bounds the outbound payloads buffered per endpoint
	// while its handshake is in flight.
	MaxPendingSends int
}

// Validate implements settings.Parameter.
func (p SecurityParams) Validate() error {
	if len(p.StaticPrivateKey) != 0 && len(p.StaticPrivateKey) != 32 {
		return fmt.Errorf("StaticPrivateKey must be 32 bytes, got %d", len(p.StaticPrivateKey))
	}
	if p.HandshakeTimeout <= 0 {
		return fmt.Errorf("HandshakeTimeout must be positive: %d", p.HandshakeTimeout)
	}
	if p.MaxPendingSends <= 0 {
		return fmt.Errorf("MaxPendingSends must be positive: %d", p.MaxPendingSends)
	}
	return nil
}

// DefaultSecurityParams returns the security layer defaults.
func DefaultSecurityParams() SecurityParams {
	return SecurityParams{HandshakeTimeout: 5000, MaxPendingSends: 32}
}

// noiseSession is the per-endpoint handshake and transport cipher state.
type noiseSession struct {
	hs        *noise.HandshakeState
	send      *noise.CipherState
	recv      *noise.CipherState
	initiator bool
	complete  bool
	createdAt int64
	pending   [][]byte // plaintext payloads awaiting the session
}

type outMessage struct {
	endpoint connection.Endpoint
	data     []byte
}

// securityLayer encrypts every data packet with a per-endpoint Noise-XX
// session. The XX pattern needs no prior knowledge of peer keys; the first
// outbound packet to an unknown endpoint starts the three-message handshake
// and is buffered until it completes. Handshake messages never leave this
// layer upward.
type securityLayer struct {
	params   SecurityParams
	suite    noise.CipherSuite
	keys     noise.DHKey
	sessions map[connection.Endpoint]*noiseSession
	outbox   []outMessage
}

// NewSecurityLayer builds the Noise security layer.
func NewSecurityLayer() Layer {
	return &securityLayer{sessions: make(map[connection.Endpoint]*noiseSession)}
}

func (sl *securityLayer) Name() string { return "security" }

func (sl *securityLayer) Initialize(s *settings.Settings, _ *connection.List, packetPadding *int) error {
	sl.params = settings.GetOrDefault(s, DefaultSecurityParams())
	sl.suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	if len(sl.params.StaticPrivateKey) == 32 {
		priv := make([]byte, 32)
		copy(priv, sl.params.StaticPrivateKey)
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return fmt.Errorf("derive static public key: %w", err)
		}
		sl.keys = noise.DHKey{Private: priv, Public: pub}
	} else {
		keys, err := sl.suite.GenerateKeypair(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate static keypair: %w", err)
		}
		sl.keys = keys
	}

	*packetPadding += secOverhead
	logrus.WithFields(logrus.Fields{
		"function":   "Initialize",
		"layer":      "security",
		"public_key": fmt.Sprintf("%x", sl.keys.Public[:8]),
	}).Info("Security layer initialized")
	return nil
}

func (sl *securityLayer) newSession(initiator bool, now int64) (*noiseSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   sl.suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: sl.keys,
	})
	if err != nil {
		return nil, err
	}
	return &noiseSession{hs: hs, initiator: initiator, createdAt: now}, nil
}

func (sl *securityLayer) ScheduleReceive(ctx *UpdateContext) error {
	for _, p := range ctx.Receive.Packets() {
		payload := p.Payload()
		if len(payload) == 0 {
			continue
		}
		ep := p.Endpoint()

		switch payload[0] {
		case secTypeHandshake:
			sl.handleHandshake(ep, payload[1:], ctx.Now)
			p.Drop()

		case secTypeData:
			sess := sl.sessions[ep]
			if sess == nil || !sess.complete {
				logrus.WithFields(logrus.Fields{
					"function": "ScheduleReceive",
					"layer":    "security",
					"endpoint": ep.String(),
				}).Warn("Encrypted packet without an established session")
				p.Drop()
				continue
			}
			pt, err := sess.recv.Decrypt(nil, nil, payload[1:])
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ScheduleReceive",
					"layer":    "security",
					"endpoint": ep.String(),
					"error":    err,
				}).Warn("Packet failed authentication, dropping")
				p.Drop()
				continue
			}
			off := int(p.Metadata().Offset) + 1
			buf := p.Buffer()
			copy(buf[off:], pt)
			if err := p.SetWindow(off, len(pt)); err != nil {
				p.Drop()
			}

		default:
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleReceive",
				"layer":    "security",
				"endpoint": ep.String(),
				"type":     payload[0],
			}).Warn("Unknown security packet type, dropping")
			p.Drop()
		}
	}
	return nil
}

// handleHandshake advances the endpoint's handshake by one message. XX runs
// three messages: initiator e, responder e+s, initiator s. Responder
// sessions are created on first contact.
func (sl *securityLayer) handleHandshake(ep connection.Endpoint, msg []byte, now int64) {
	sess := sl.sessions[ep]

	switch {
	case sess == nil:
		sess, err := sl.newSession(false, now)
		if err != nil {
			sl.logHandshakeFailure(ep, "create responder session", err)
			return
		}
		if _, _, _, err := sess.hs.ReadMessage(nil, msg); err != nil {
			sl.logHandshakeFailure(ep, "read initiation", err)
			return
		}
		reply, _, _, err := sess.hs.WriteMessage(nil, nil)
		if err != nil {
			sl.logHandshakeFailure(ep, "write response", err)
			return
		}
		sl.sessions[ep] = sess
		sl.outbox = append(sl.outbox, outMessage{endpoint: ep, data: reply})

	case sess.complete:
		logrus.WithFields(logrus.Fields{
			"function": "handleHandshake",
			"layer":    "security",
			"endpoint": ep.String(),
		}).Warn("Handshake message on established session, ignoring")

	case sess.initiator:
		if _, _, _, err := sess.hs.ReadMessage(nil, msg); err != nil {
			sl.logHandshakeFailure(ep, "read response", err)
			delete(sl.sessions, ep)
			return
		}
		final, cs0, cs1, err := sess.hs.WriteMessage(nil, nil)
		if err != nil || cs0 == nil {
			sl.logHandshakeFailure(ep, "write final", err)
			delete(sl.sessions, ep)
			return
		}
		sess.send, sess.recv = cs0, cs1
		sess.complete = true
		sl.outbox = append(sl.outbox, outMessage{endpoint: ep, data: final})
		sl.logSessionEstablished(ep)

	default:
		_, cs0, cs1, err := sess.hs.ReadMessage(nil, msg)
		if err != nil || cs0 == nil {
			sl.logHandshakeFailure(ep, "read final", err)
			delete(sl.sessions, ep)
			return
		}
		sess.send, sess.recv = cs1, cs0
		sess.complete = true
		sl.logSessionEstablished(ep)
	}
}

func (sl *securityLayer) ScheduleSend(ctx *UpdateContext) error {
	for _, p := range ctx.Send.Packets() {
		payload := p.Payload()
		if len(payload) == 0 {
			continue
		}
		ep := p.Endpoint()

		sess := sl.sessions[ep]
		if sess == nil {
			created, err := sl.newSession(true, ctx.Now)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ScheduleSend",
					"layer":    "security",
					"endpoint": ep.String(),
					"error":    err,
				}).Error("Failed to start handshake, dropping packet")
				p.Drop()
				continue
			}
			initiation, _, _, err := created.hs.WriteMessage(nil, nil)
			if err != nil {
				p.Drop()
				continue
			}
			sl.sessions[ep] = created
			sl.outbox = append(sl.outbox, outMessage{endpoint: ep, data: initiation})
			sess = created
		}

		if !sess.complete {
			if len(sess.pending) >= sl.params.MaxPendingSends {
				logrus.WithFields(logrus.Fields{
					"function": "ScheduleSend",
					"layer":    "security",
					"endpoint": ep.String(),
					"pending":  len(sess.pending),
				}).Warn("Handshake pending queue full, dropping packet")
			} else {
				sess.pending = append(sess.pending, append([]byte(nil), payload...))
			}
			p.Drop()
			continue
		}

		if err := sl.encryptInPlace(sess, p, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleSend",
				"layer":    "security",
				"endpoint": ep.String(),
				"error":    err,
			}).Error("Encryption failed, dropping packet")
			p.Drop()
		}
	}

	sl.expireSessions(ctx.Now)
	sl.flush(ctx)
	return nil
}

// encryptInPlace rewrites the packet window as [type][ciphertext]. The
// window shifts left by the full reserved overhead so the AEAD tag growing
// the tail lands exactly on the old window end; total footprint never
// exceeds what initialization reserved.
func (sl *securityLayer) encryptInPlace(sess *noiseSession, p packet.Processor, payload []byte) error {
	off := int(p.Metadata().Offset)
	if off < secOverhead {
		return fmt.Errorf("packet offset %d leaves no room for security framing", off)
	}
	ct, err := sess.send.Encrypt(nil, nil, payload)
	if err != nil {
		return err
	}

	buf := p.Buffer()
	newOff := off - secOverhead
	buf[newOff] = secTypeData
	copy(buf[newOff+1:], ct)
	return p.SetWindow(newOff, 1+len(ct))
}

func (sl *securityLayer) expireSessions(now int64) {
	for ep, sess := range sl.sessions {
		if sess.complete || now-sess.createdAt <= sl.params.HandshakeTimeout {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "expireSessions",
			"layer":    "security",
			"endpoint": ep.String(),
			"pending":  len(sess.pending),
		}).Warn("Handshake timed out, abandoning session")
		delete(sl.sessions, ep)
	}
}

// flush appends queued handshake messages and the buffered payloads of
// freshly completed sessions to the send queue. They pass only the layers
// below, which prepend nothing, so the windows start at the buffer front.
func (sl *securityLayer) flush(ctx *UpdateContext) {
	for _, msg := range sl.outbox {
		p, ok := ctx.Send.Enqueue()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "flush",
				"layer":    "security",
			}).Warn("Send pool exhausted, handshake message deferred")
			break
		}
		p.SetEndpoint(msg.endpoint)
		if err := p.AppendToPayload(append([]byte{secTypeHandshake}, msg.data...)); err != nil {
			p.Drop()
		}
	}
	sl.outbox = sl.outbox[:0]

	for ep, sess := range sl.sessions {
		if !sess.complete || len(sess.pending) == 0 {
			continue
		}
		for _, pt := range sess.pending {
			p, ok := ctx.Send.Enqueue()
			if !ok {
				logrus.WithFields(logrus.Fields{
					"function": "flush",
					"layer":    "security",
					"endpoint": ep.String(),
				}).Warn("Send pool exhausted, buffered payload dropped")
				break
			}
			ct, err := sess.send.Encrypt(nil, nil, pt)
			if err != nil {
				p.Drop()
				continue
			}
			p.SetEndpoint(ep)
			if err := p.AppendToPayload(append([]byte{secTypeData}, ct...)); err != nil {
				p.Drop()
			}
		}
		sess.pending = nil
	}
}

func (sl *securityLayer) logHandshakeFailure(ep connection.Endpoint, step string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "handleHandshake",
		"layer":    "security",
		"endpoint": ep.String(),
		"step":     step,
		"error":    err,
	}).Warn("Handshake failed")
}

func (sl *securityLayer) logSessionEstablished(ep connection.Endpoint) {
	logrus.WithFields(logrus.Fields{
		"function": "handleHandshake",
		"layer":    "security",
		"endpoint": ep.String(),
	}).Info("Noise session established")
}

func (sl *securityLayer) Close() error {
	for i := range sl.keys.Private {
		sl.keys.Private[i] = 0
	}
	sl.sessions = make(map[connection.Endpoint]*noiseSession)
	return nil
}
