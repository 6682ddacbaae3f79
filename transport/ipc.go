package transport

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// ipcFirstEphemeral is where automatic IPC port assignment starts.
const ipcFirstEphemeral uint16 = 49152

// ipcNetwork is the process-wide loopback fabric: one inbound channel per
// bound port. Every IPC backend in the process shares it, which is what
// lets two drivers in the same test talk to each other without a socket.
type ipcNetwork struct {
	mu       sync.Mutex
	queues   map[uint16]chan datagram
	nextPort uint16
}

var sharedIPC = &ipcNetwork{
	queues:   make(map[uint16]chan datagram),
	nextPort: ipcFirstEphemeral,
}

func (n *ipcNetwork) bind(port uint16, backlog int) (uint16, chan datagram, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if port == 0 {
		for n.queues[n.nextPort] != nil {
			n.nextPort++
		}
		port = n.nextPort
		n.nextPort++
	} else if n.queues[port] != nil {
		return 0, nil, fmt.Errorf("ipc port %d already bound", port)
	}
	ch := make(chan datagram, backlog)
	n.queues[port] = ch
	return port, ch, nil
}

func (n *ipcNetwork) unbind(port uint16) {
	n.mu.Lock()
	delete(n.queues, port)
	n.mu.Unlock()
}

func (n *ipcNetwork) lookup(port uint16) (chan datagram, bool) {
	n.mu.Lock()
	ch, ok := n.queues[port]
	n.mu.Unlock()
	return ch, ok
}

// IPC is the in-process loopback backend. Datagrams are delivered through a
// shared per-port queue map, preserving datagram semantics (whole-message
// delivery, drops when the destination backlog is full) without any real
// socket underneath.
type IPC struct {
	mu       sync.Mutex
	local    connection.Endpoint
	incoming chan datagram
	params   Params
	bound    bool
	closed   bool
}

// NewIPC creates an uninitialized loopback backend.
func NewIPC() *IPC {
	return &IPC{}
}

// Initialize implements Interface. IPC frames nothing, so no padding.
func (i *IPC) Initialize(s *settings.Settings, packetPadding *int) error {
	i.params = settings.GetOrDefault(s, DefaultParams())
	_ = packetPadding
	return nil
}

// Bind registers the backend's port in the shared fabric.
func (i *IPC) Bind(endpoint connection.Endpoint) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.bound {
		return opError("bind", ResultNotBound, fmt.Errorf("already bound to %s", i.local))
	}
	port, ch, err := sharedIPC.bind(endpoint.Port, i.params.ReceiveBacklog)
	if err != nil {
		return opError("bind", ResultInterfaceFailed, err)
	}
	i.local = connection.IPCEndpoint(port)
	i.incoming = ch
	i.bound = true

	logrus.WithFields(logrus.Fields{
		"function": "Bind",
		"backend":  "ipc",
		"local":    i.local.String(),
	}).Info("IPC backend bound")
	return nil
}

// Listen implements Interface.
func (i *IPC) Listen() error {
	return nil
}

// ScheduleReceive drains the port's queue into the receive pool.
func (i *IPC) ScheduleReceive(args ReceiveArgs) error {
	i.mu.Lock()
	bound, closed := i.bound, i.closed
	i.mu.Unlock()

	if !bound || closed {
		return opError("receive", ResultNotBound, nil)
	}
	return drainIncoming(i.incoming, args.Queue)
}

// ScheduleSend delivers every live packet straight into the destination
// port's queue.
func (i *IPC) ScheduleSend(args SendArgs) error {
	i.mu.Lock()
	bound, closed, local := i.bound, i.closed, i.local
	i.mu.Unlock()

	if !bound || closed {
		return opError("send", ResultNotBound, nil)
	}

	var firstErr error
	for _, p := range args.Queue.Packets() {
		if p.Metadata().Length == 0 {
			continue
		}
		dest := p.Endpoint()
		ch, ok := sharedIPC.lookup(dest.Port)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "ScheduleSend",
				"backend":  "ipc",
				"endpoint": dest.String(),
			}).Warn("No IPC listener on destination port, dropping packet")
			if firstErr == nil {
				firstErr = opError("send", ResultUnreachable, nil)
			}
			continue
		}
		offerIncoming(ch, local, p.Payload())
	}
	return firstErr
}

// LocalEndpoint implements Interface.
func (i *IPC) LocalEndpoint() connection.Endpoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.local
}

// Close unregisters the port.
func (i *IPC) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.bound && !i.closed {
		sharedIPC.unbind(i.local.Port)
	}
	i.closed = true
	return nil
}
