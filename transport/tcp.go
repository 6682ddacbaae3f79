package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// tcpFrameHeader is the length prefix turning the stream back into
// datagrams: 2 bytes, big endian.
const tcpFrameHeader = 2

// TCP carries datagrams over length-prefixed TCP streams. The listener
// accepts remote-initiated streams; outbound streams are dialed lazily on
// the first send to an endpoint.
type TCP struct {
	mu       sync.Mutex
	params   Params
	local    connection.Endpoint
	bindTo   connection.Endpoint
	listener net.Listener
	conns    map[connection.Endpoint]*tcpConn
	incoming chan datagram
	bound    bool

	ctx    context.Context
	cancel context.CancelFunc
}

type tcpConn struct {
	c   net.Conn
	wmu sync.Mutex
}

// NewTCP creates an uninitialized TCP backend.
func NewTCP() *TCP {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		conns:  make(map[connection.Endpoint]*tcpConn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize implements Interface. The length prefix is stripped before
// packets reach the queue, so no padding is reserved.
func (t *TCP) Initialize(s *settings.Settings, packetPadding *int) error {
	t.params = settings.GetOrDefault(s, DefaultParams())
	t.incoming = make(chan datagram, t.params.ReceiveBacklog)
	_ = packetPadding
	return nil
}

// Bind records the local endpoint. The listening socket itself is created
// by Listen; pure clients never open one.
func (t *TCP) Bind(endpoint connection.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bound {
		return opError("bind", ResultNotBound, fmt.Errorf("already bound to %s", t.local))
	}
	t.bindTo = endpoint
	t.local = connection.TCPEndpoint(endpoint.Host, endpoint.Port)
	t.bound = true
	return nil
}

// Listen opens the accept socket and starts the accept loop.
func (t *TCP) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.bound {
		return opError("listen", ResultNotBound, nil)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.bindTo.Host, t.bindTo.Port))
	if err != nil {
		return opError("listen", ResultInterfaceFailed, err)
	}
	t.listener = listener
	t.local = endpointFromTCPAddr(listener.Addr())

	go t.acceptLoop(listener)

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"backend":  "tcp",
		"local":    t.local.String(),
	}).Info("TCP backend listening")
	return nil
}

// ScheduleReceive drains framed datagrams read off every stream.
func (t *TCP) ScheduleReceive(args ReceiveArgs) error {
	t.mu.Lock()
	bound := t.bound
	t.mu.Unlock()

	if !bound {
		return opError("receive", ResultNotBound, nil)
	}
	return drainIncoming(t.incoming, args.Queue)
}

// ScheduleSend writes every live packet as one frame on the stream to its
// endpoint, dialing the stream first if needed.
func (t *TCP) ScheduleSend(args SendArgs) error {
	t.mu.Lock()
	bound := t.bound
	t.mu.Unlock()

	if !bound {
		return opError("send", ResultNotBound, nil)
	}

	var firstErr error
	for _, p := range args.Queue.Packets() {
		if p.Metadata().Length == 0 {
			continue
		}
		if err := t.sendTo(p.Endpoint(), p.Payload()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LocalEndpoint implements Interface.
func (t *TCP) LocalEndpoint() connection.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Close shuts down the listener and every stream.
func (t *TCP) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, tc := range t.conns {
		_ = tc.c.Close()
	}
	t.conns = make(map[connection.Endpoint]*tcpConn)
	return nil
}

func (t *TCP) sendTo(ep connection.Endpoint, payload []byte) error {
	tc, err := t.connFor(ep)
	if err != nil {
		return err
	}

	frame := make([]byte, tcpFrameHeader+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[tcpFrameHeader:], payload)

	tc.wmu.Lock()
	_, err = tc.c.Write(frame)
	tc.wmu.Unlock()
	if err != nil {
		t.dropConn(ep)
		logrus.WithFields(logrus.Fields{
			"function": "sendTo",
			"backend":  "tcp",
			"endpoint": ep.String(),
			"error":    err,
		}).Error("TCP send failed, dropping stream")
		return opError("send", ResultSendFailure, err)
	}
	return nil
}

func (t *TCP) connFor(ep connection.Endpoint) (*tcpConn, error) {
	t.mu.Lock()
	tc, ok := t.conns[ep]
	t.mu.Unlock()
	if ok {
		return tc, nil
	}

	c, err := net.Dial("tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		return nil, opError("send", ResultUnreachable, err)
	}
	tc = &tcpConn{c: c}

	t.mu.Lock()
	t.conns[ep] = tc
	t.mu.Unlock()

	go t.readLoop(tc, ep)
	return tc, nil
}

func (t *TCP) dropConn(ep connection.Endpoint) {
	t.mu.Lock()
	if tc, ok := t.conns[ep]; ok {
		_ = tc.c.Close()
		delete(t.conns, ep)
	}
	t.mu.Unlock()
}

func (t *TCP) acceptLoop(listener net.Listener) {
	for {
		c, err := listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"backend":  "tcp",
				"error":    err,
			}).Warn("TCP accept failed")
			return
		}
		ep := endpointFromTCPAddr(c.RemoteAddr())
		tc := &tcpConn{c: c}

		t.mu.Lock()
		t.conns[ep] = tc
		t.mu.Unlock()

		go t.readLoop(tc, ep)
	}
}

// readLoop reassembles frames off one stream into inbound datagrams.
func (t *TCP) readLoop(tc *tcpConn, ep connection.Endpoint) {
	header := make([]byte, tcpFrameHeader)
	body := make([]byte, maxDatagramSize)

	for {
		if _, err := io.ReadFull(tc.c, header); err != nil {
			t.dropConn(ep)
			return
		}
		size := int(binary.BigEndian.Uint16(header))
		if size > len(body) {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"backend":  "tcp",
				"endpoint": ep.String(),
				"size":     size,
			}).Warn("Oversized TCP frame, dropping stream")
			t.dropConn(ep)
			return
		}
		if _, err := io.ReadFull(tc.c, body[:size]); err != nil {
			t.dropConn(ep)
			return
		}
		offerIncoming(t.incoming, ep, body[:size])
	}
}

func endpointFromTCPAddr(addr net.Addr) connection.Endpoint {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return connection.Endpoint{}
	}
	return connection.TCPEndpoint(tcpAddr.IP.String(), uint16(tcpAddr.Port))
}
