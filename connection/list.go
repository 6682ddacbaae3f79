package connection

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// Disconnection pairs a connection with the reason it went away. Entries are
// queued by FinishDisconnecting and drained by the driver at the start of the
// next update, where each becomes a Disconnect event.
type Disconnection struct {
	Connection ID
	Reason     DisconnectReason
}

type slot struct {
	endpoint Endpoint
	state    State
	version  int32
	accepted bool
}

// List is the connection registry: a versioned slot table plus the queues
// that surface lifecycle changes to the driver.
//
// All methods are safe for concurrent use.
type List struct {
	mu         sync.RWMutex
	slots      []slot
	byEndpoint map[Endpoint]ID

	free         *queue.Queue // int32 slot indices, version already bumped
	incoming     *queue.Queue // ID, remote-initiated, waiting for Accept
	finished     *queue.Queue // ID, local connects that completed
	disconnected *queue.Queue // Disconnection
	cleanup      []int32
}

// NewList creates an empty registry.
func NewList() *List {
	return &List{
		byEndpoint:   make(map[Endpoint]ID),
		free:         queue.New(),
		incoming:     queue.New(),
		finished:     queue.New(),
		disconnected: queue.New(),
	}
}

// StartConnecting allocates a slot for a connection to the given endpoint and
// puts it in the Connecting state. A recycled slot keeps its already-bumped
// version; a fresh slot starts at version 1.
func (l *List) StartConnecting(endpoint Endpoint) ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var id ID
	if l.free.Length() > 0 {
		index := l.free.Remove().(int32)
		id = ID{Index: index, Version: l.slots[index].version}
	} else {
		l.slots = append(l.slots, slot{version: 1})
		id = ID{Index: int32(len(l.slots) - 1), Version: 1}
	}

	s := &l.slots[id.Index]
	s.endpoint = endpoint
	s.state = Connecting
	s.accepted = false
	l.byEndpoint[endpoint] = id

	logrus.WithFields(logrus.Fields{
		"function":   "StartConnecting",
		"connection": id.String(),
		"endpoint":   endpoint.String(),
	}).Debug("Connection slot allocated")
	return id
}

// FinishConnectingFromLocal completes a locally initiated handshake. The
// connection becomes Connected and is queued so the driver can emit a Connect
// event. Local connections never pass through Accept, so they are marked
// accepted here.
func (l *List) FinishConnectingFromLocal(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slotFor(id)
	if s == nil || s.state != Connecting {
		l.logInvalidTransition("FinishConnectingFromLocal", id, s)
		return false
	}
	s.state = Connected
	s.accepted = true
	l.finished.Add(id)
	return true
}

// FinishConnectingFromRemote completes a remotely initiated handshake. The
// connection becomes Connected but stays unusable until the application pulls
// it out of the incoming queue with Accept.
func (l *List) FinishConnectingFromRemote(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slotFor(id)
	if s == nil || s.state != Connecting {
		l.logInvalidTransition("FinishConnectingFromRemote", id, s)
		return false
	}
	s.state = Connected
	l.incoming.Add(id)
	return true
}

// StartDisconnecting moves a connection into the Disconnecting state. Calling
// it on a connection that is already disconnecting or gone logs and no-ops:
// local and remote closes routinely race.
func (l *List) StartDisconnecting(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slotFor(id)
	if s == nil || s.state == Disconnecting || s.state == Disconnected {
		l.logInvalidTransition("StartDisconnecting", id, s)
		return false
	}
	s.state = Disconnecting
	return true
}

// FinishDisconnecting finalizes teardown. It queues a Disconnection that the
// driver turns into a Disconnect event at the start of its next update, and
// schedules the slot for recycling in Cleanup. Repeat calls no-op.
func (l *List) FinishDisconnecting(id ID, reason DisconnectReason) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slotFor(id)
	if s == nil || s.state == Disconnected {
		l.logInvalidTransition("FinishDisconnecting", id, s)
		return false
	}
	s.state = Disconnected
	delete(l.byEndpoint, s.endpoint)
	l.disconnected.Add(Disconnection{Connection: id, Reason: reason})
	l.cleanup = append(l.cleanup, id.Index)

	logrus.WithFields(logrus.Fields{
		"function":   "FinishDisconnecting",
		"connection": id.String(),
		"reason":     reason.String(),
	}).Info("Connection disconnected")
	return true
}

// Accept pops the oldest remote-initiated connection and marks it usable.
func (l *List) Accept() (ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.incoming.Length() > 0 {
		id := l.incoming.Remove().(ID)
		s := l.slotFor(id)
		if s == nil || s.state != Connected {
			continue // disconnected while waiting in the backlog
		}
		s.accepted = true
		return id, true
	}
	return ID{}, false
}

// PopFinished drains one completed local connect.
func (l *List) PopFinished() (ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finished.Length() == 0 {
		return ID{}, false
	}
	return l.finished.Remove().(ID), true
}

// PopDisconnected drains one pending disconnection.
func (l *List) PopDisconnected() (Disconnection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disconnected.Length() == 0 {
		return Disconnection{}, false
	}
	return l.disconnected.Remove().(Disconnection), true
}

// Cleanup returns fully disconnected slots to the free list, bumping each
// slot's version so stale IDs become observably invalid. It runs at the end
// of the driver update, never inline with FinishDisconnecting, so in-flight
// references get a full update cycle to notice the disconnect first.
func (l *List) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, index := range l.cleanup {
		l.slots[index].version++
		l.slots[index].endpoint = Endpoint{}
		l.free.Add(index)
	}
	l.cleanup = l.cleanup[:0]
}

// State returns the connection's lifecycle state, or Disconnected for stale
// or unknown IDs.
func (l *List) State(id ID) State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.slotFor(id)
	if s == nil {
		return Disconnected
	}
	return s.state
}

// EndpointOf returns the remote endpoint of a live connection.
func (l *List) EndpointOf(id ID) (Endpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.slotFor(id)
	if s == nil {
		return Endpoint{}, false
	}
	return s.endpoint, true
}

// IsAccepted reports whether data events for the connection may be surfaced.
// Remote-initiated connections are not accepted until Accept returns them.
func (l *List) IsAccepted(id ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.slotFor(id)
	return s != nil && s.accepted
}

// ByEndpoint looks up the live connection for an endpoint.
func (l *List) ByEndpoint(endpoint Endpoint) (ID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byEndpoint[endpoint]
	return id, ok
}

// Connections returns a snapshot of every slot that is not Disconnected. The
// connection-management layer walks this each update to drive handshakes,
// heartbeats and timeouts.
func (l *List) Connections() []ID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ID, 0, len(l.slots))
	for i := range l.slots {
		if l.slots[i].state != Disconnected {
			out = append(out, ID{Index: int32(i), Version: l.slots[i].version})
		}
	}
	return out
}

// slotFor resolves an ID to its slot, or nil when the ID is stale. Callers
// hold l.mu.
func (l *List) slotFor(id ID) *slot {
	if !id.IsCreated() || id.Index < 0 || int(id.Index) >= len(l.slots) {
		return nil
	}
	s := &l.slots[id.Index]
	if s.version != id.Version {
		return nil
	}
	return s
}

func (l *List) logInvalidTransition(function string, id ID, s *slot) {
	state := "stale"
	if s != nil {
		state = s.state.String()
	}
	logrus.WithFields(logrus.Fields{
		"function":   function,
		"connection": id.String(),
		"state":      state,
	}).Warn("Ignoring invalid connection state transition")
}
