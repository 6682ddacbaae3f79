// Package connection implements the versioned connection registry used by
// the network driver.
//
// Connections are addressed by an ID made of a slot index and a version
// number. Slots are recycled after a connection fully disconnects, and the
// version is bumped on every recycle so stale IDs held by callers can never
// be mistaken for the slot's new occupant.
//
// The registry also owns the connection state machine:
//
//	Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//
// and the queues that surface state changes to the driver: incoming
// (remote-initiated, requires Accept), finished (local connects that
// completed) and disconnected (pending Disconnect events).
package connection
