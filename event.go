package netdriver

import (
	"fmt"
	"sync/atomic"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/pipeline"
)

// EventType classifies what a popped Event carries.
type EventType uint8

const (
	// EventEmpty means no event was pending.
	EventEmpty EventType = iota
	// EventData carries a received payload.
	EventData
	// EventConnect signals a completed local connect.
	EventConnect
	// EventDisconnect signals a finished teardown; the payload is the single
	// reason byte.
	EventDisconnect
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventEmpty:
		return "empty"
	case EventData:
		return "data"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is one item of the driver's per-update event queue. The payload
// aliases driver-owned memory and is valid until the next ScheduleUpdate;
// copy it out to keep it longer.
type Event struct {
	Type       EventType
	Connection connection.ID
	Pipeline   pipeline.ID

	payload []byte
}

// Payload returns the event's bytes: the received data for EventData, the
// reason byte for EventDisconnect, empty otherwise.
func (e Event) Payload() []byte {
	return e.payload
}

// eventRecord is one queued event plus its consumption flag. Records are
// heap-allocated individually so the flag's address survives queue growth.
type eventRecord struct {
	event    Event
	consumed atomic.Bool
}

// connEvents is the per-connection view into the master queue: the records
// of one connection in arrival order plus a racing pop cursor.
type connEvents struct {
	records []*eventRecord
	head    atomic.Int32
}

// eventQueue buffers the events of one driver update. Pushes happen only
// inside ScheduleUpdate; pops may race with each other (each record is
// claimed by a compare-and-swap on its consumed flag) but never with an
// update. Payload bytes are copied into a private arena so they outlive the
// packet pools they came from.
type eventQueue struct {
	arena  []byte
	used   int
	master []*eventRecord
	cursor int

	byConn map[connection.ID]*connEvents
}

func newEventQueue(arenaSize int) *eventQueue {
	return &eventQueue{
		arena:  make([]byte, arenaSize),
		byConn: make(map[connection.ID]*connEvents),
	}
}

// push appends one event, copying its payload into the arena. Earlier
// payload views stay valid across arena growth because the old backing
// array keeps its bytes.
func (q *eventQueue) push(typ EventType, conn connection.ID, pipe pipeline.ID, payload []byte) {
	var view []byte
	if len(payload) > 0 {
		if q.used+len(payload) > len(q.arena) {
			grown := make([]byte, max(2*len(q.arena), q.used+len(payload)))
			copy(grown, q.arena[:q.used])
			q.arena = grown
		}
		copy(q.arena[q.used:], payload)
		view = q.arena[q.used : q.used+len(payload) : q.used+len(payload)]
		q.used += len(payload)
	}

	rec := &eventRecord{event: Event{
		Type:       typ,
		Connection: conn,
		Pipeline:   pipe,
		payload:    view,
	}}
	q.master = append(q.master, rec)

	ce := q.byConn[conn]
	if ce == nil {
		ce = &connEvents{}
		q.byConn[conn] = ce
	}
	ce.records = append(ce.records, rec)
}

// pop claims the oldest unconsumed event across all connections.
func (q *eventQueue) pop() (Event, bool) {
	for q.cursor < len(q.master) {
		rec := q.master[q.cursor]
		q.cursor++
		if rec.consumed.CompareAndSwap(false, true) {
			return rec.event, true
		}
	}
	return Event{}, false
}

// popForConnection claims the oldest unconsumed event of one connection.
// Safe to call from multiple goroutines for different connections; racing
// pops on the same connection each claim distinct records in order.
func (q *eventQueue) popForConnection(conn connection.ID) (Event, bool) {
	ce := q.byConn[conn]
	if ce == nil {
		return Event{}, false
	}
	for {
		h := ce.head.Load()
		if int(h) >= len(ce.records) {
			return Event{}, false
		}
		rec := ce.records[h]
		ce.head.CompareAndSwap(h, h+1)
		if rec.consumed.CompareAndSwap(false, true) {
			return rec.event, true
		}
	}
}

// unconsumed counts the events still waiting to be popped.
func (q *eventQueue) unconsumed() int {
	n := 0
	for _, rec := range q.master {
		if !rec.consumed.Load() {
			n++
		}
	}
	return n
}

// reset discards all events and reclaims the arena for the next update.
func (q *eventQueue) reset() {
	q.master = q.master[:0]
	q.used = 0
	q.cursor = 0
	clear(q.byConn)
}
