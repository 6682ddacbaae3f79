package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// maxDatagramSize bounds a single read off the socket. It matches the
// largest packet buffer the driver configures.
const maxDatagramSize = 2048

// UDP is the reference datagram backend: one unconnected socket, a
// background read loop feeding the inbound channel, and per-update flushes
// of the send queue.
type UDP struct {
	mu       sync.Mutex
	conn     net.PacketConn
	local    connection.Endpoint
	incoming chan datagram
	params   Params

	ctx    context.Context
	cancel context.CancelFunc

	recreates int
	failed    bool
}

// NewUDP creates an uninitialized UDP backend.
func NewUDP() *UDP {
	ctx, cancel := context.WithCancel(context.Background())
	return &UDP{ctx: ctx, cancel: cancel}
}

// Initialize implements Interface. UDP adds no per-packet framing, so the
// padding accumulator is left untouched.
func (u *UDP) Initialize(s *settings.Settings, packetPadding *int) error {
	u.params = settings.GetOrDefault(s, DefaultParams())
	u.incoming = make(chan datagram, u.params.ReceiveBacklog)
	_ = packetPadding
	return nil
}

// Bind opens the socket and starts the read loop.
func (u *UDP) Bind(endpoint connection.Endpoint) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		return opError("bind", ResultNotBound, fmt.Errorf("already bound to %s", u.local))
	}
	conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port))
	if err != nil {
		return opError("bind", ResultInterfaceFailed, err)
	}
	u.conn = conn
	u.local = endpointFromUDPAddr(conn.LocalAddr())

	go u.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Bind",
		"backend":  "udp",
		"local":    u.local.String(),
	}).Info("UDP backend bound")
	return nil
}

// Listen implements Interface. Datagram sockets accept implicitly.
func (u *UDP) Listen() error {
	return nil
}

// ScheduleReceive drains buffered datagrams into the receive queue.
func (u *UDP) ScheduleReceive(args ReceiveArgs) error {
	u.mu.Lock()
	failed := u.failed
	bound := u.conn != nil
	u.mu.Unlock()

	if !bound {
		return opError("receive", ResultNotBound, nil)
	}
	if failed {
		return opError("receive", ResultInterfaceFailed, nil)
	}
	return drainIncoming(u.incoming, args.Queue)
}

// ScheduleSend transmits every live packet in the send queue.
func (u *UDP) ScheduleSend(args SendArgs) error {
	u.mu.Lock()
	conn := u.conn
	failed := u.failed
	u.mu.Unlock()

	if conn == nil {
		return opError("send", ResultNotBound, nil)
	}
	if failed {
		return opError("send", ResultInterfaceFailed, nil)
	}

	var firstErr error
	for _, p := range args.Queue.Packets() {
		if p.Metadata().Length == 0 {
			continue
		}
		addr, err := udpAddrFromEndpoint(p.Endpoint())
		if err != nil {
			if firstErr == nil {
				firstErr = opError("send", ResultUnreachable, err)
			}
			continue
		}
		if _, err := conn.WriteTo(p.Payload(), addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleSend",
				"backend":  "udp",
				"endpoint": p.Endpoint().String(),
				"error":    err,
			}).Error("UDP send failed")
			if firstErr == nil {
				firstErr = opError("send", ResultSendFailure, err)
			}
		}
	}
	return firstErr
}

// LocalEndpoint implements Interface.
func (u *UDP) LocalEndpoint() connection.Endpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.local
}

// Close implements Interface.
func (u *UDP) Close() error {
	u.cancel()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

// readLoop keeps a receive perpetually in flight, recreating the socket a
// bounded number of times on persistent failure.
func (u *UDP) readLoop() {
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-u.ctx.Done():
			return
		default:
		}

		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(nowPlus(u.params.ReadTimeout))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if u.ctx.Err() != nil {
				return
			}
			if !u.recreateSocket(err) {
				return
			}
			continue
		}
		offerIncoming(u.incoming, endpointFromUDPAddr(addr), buffer[:n])
	}
}

// recreateSocket rebinds the socket after a hard read error. Returns false
// once the recreation budget is exhausted and the backend is marked failed.
func (u *UDP) recreateSocket(cause error) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.recreates >= u.params.MaxSocketRecreate {
		u.failed = true
		logrus.WithFields(logrus.Fields{
			"function":  "recreateSocket",
			"backend":   "udp",
			"recreates": u.recreates,
			"error":     cause,
		}).Error("Socket recreation budget exhausted, interface failed")
		return false
	}
	u.recreates++

	if u.conn != nil {
		_ = u.conn.Close()
	}
	conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", u.local.Host, u.local.Port))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recreateSocket",
			"backend":  "udp",
			"attempt":  u.recreates,
			"error":    err,
		}).Error("Socket recreation failed")
		return true // retry again on the next loop iteration
	}
	u.conn = conn

	logrus.WithFields(logrus.Fields{
		"function": "recreateSocket",
		"backend":  "udp",
		"attempt":  u.recreates,
		"cause":    cause,
	}).Warn("Recreated UDP socket after read failure")
	return true
}

func endpointFromUDPAddr(addr net.Addr) connection.Endpoint {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return connection.Endpoint{}
	}
	return connection.UDPEndpoint(udpAddr.IP.String(), uint16(udpAddr.Port))
}

func udpAddrFromEndpoint(ep connection.Endpoint) (*net.UDPAddr, error) {
	if ep.Net != connection.NetworkUDP {
		return nil, fmt.Errorf("endpoint %s is not udp", ep)
	}
	ip := net.ParseIP(ep.Host)
	if ip == nil {
		return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	}
	return &net.UDPAddr{IP: ip, Port: int(ep.Port)}, nil
}
