package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartConnectingAllocatesSlots(t *testing.T) {
	l := NewList()

	a := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	b := l.StartConnecting(UDPEndpoint("127.0.0.1", 9001))

	assert.True(t, a.IsCreated())
	assert.True(t, b.IsCreated())
	assert.NotEqual(t, a, b)
	assert.Equal(t, Connecting, l.State(a))
	assert.Equal(t, Connecting, l.State(b))
}

func TestSlotReuseBumpsVersion(t *testing.T) {
	l := NewList()

	old := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	require.True(t, l.FinishConnectingFromLocal(old))
	require.True(t, l.StartDisconnecting(old))
	require.True(t, l.FinishDisconnecting(old, ReasonDefault))
	l.Cleanup()

	reused := l.StartConnecting(UDPEndpoint("127.0.0.1", 9001))

	// Same slot, different version: a stale handle must never alias the
	// new occupant.
	assert.Equal(t, old.Index, reused.Index)
	assert.NotEqual(t, old.Version, reused.Version)
	assert.NotEqual(t, old, reused)
	assert.Equal(t, Disconnected, l.State(old))
	assert.Equal(t, Connecting, l.State(reused))
}

func TestSlotNotRecycledBeforeCleanup(t *testing.T) {
	l := NewList()

	old := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	require.True(t, l.FinishConnectingFromLocal(old))
	require.True(t, l.FinishDisconnecting(old, ReasonClosedByRemote))

	// Without Cleanup the slot stays out of the free list.
	next := l.StartConnecting(UDPEndpoint("127.0.0.1", 9001))
	assert.NotEqual(t, old.Index, next.Index)
}

func TestFinishConnectingRequiresConnectingState(t *testing.T) {
	l := NewList()

	id := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	require.True(t, l.FinishConnectingFromLocal(id))

	assert.False(t, l.FinishConnectingFromLocal(id))
	assert.False(t, l.FinishConnectingFromRemote(id))
	assert.Equal(t, Connected, l.State(id))
}

func TestRemoteConnectionsRequireAccept(t *testing.T) {
	l := NewList()

	id := l.StartConnecting(UDPEndpoint("10.0.0.2", 7777))
	require.True(t, l.FinishConnectingFromRemote(id))

	assert.False(t, l.IsAccepted(id))

	accepted, ok := l.Accept()
	require.True(t, ok)
	assert.Equal(t, id, accepted)
	assert.True(t, l.IsAccepted(id))

	_, ok = l.Accept()
	assert.False(t, ok)
}

func TestAcceptSkipsConnectionsGoneFromBacklog(t *testing.T) {
	l := NewList()

	id := l.StartConnecting(UDPEndpoint("10.0.0.2", 7777))
	require.True(t, l.FinishConnectingFromRemote(id))
	require.True(t, l.StartDisconnecting(id))
	require.True(t, l.FinishDisconnecting(id, ReasonTimeout))

	_, ok := l.Accept()
	assert.False(t, ok)
}

func TestLocalConnectionsAreImplicitlyAccepted(t *testing.T) {
	l := NewList()

	id := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	require.True(t, l.FinishConnectingFromLocal(id))

	assert.True(t, l.IsAccepted(id))

	finished, ok := l.PopFinished()
	require.True(t, ok)
	assert.Equal(t, id, finished)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	l := NewList()

	id := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	require.True(t, l.FinishConnectingFromLocal(id))

	assert.True(t, l.StartDisconnecting(id))
	assert.False(t, l.StartDisconnecting(id), "second StartDisconnecting must no-op")

	assert.True(t, l.FinishDisconnecting(id, ReasonDefault))
	assert.False(t, l.FinishDisconnecting(id, ReasonDefault))

	// Exactly one queued disconnection.
	d, ok := l.PopDisconnected()
	require.True(t, ok)
	assert.Equal(t, id, d.Connection)
	assert.Equal(t, ReasonDefault, d.Reason)

	_, ok = l.PopDisconnected()
	assert.False(t, ok)
}

func TestByEndpointLookup(t *testing.T) {
	l := NewList()
	ep := UDPEndpoint("192.168.1.5", 4242)

	id := l.StartConnecting(ep)

	got, ok := l.ByEndpoint(ep)
	require.True(t, ok)
	assert.Equal(t, id, got)

	require.True(t, l.FinishDisconnecting(id, ReasonDefault))
	_, ok = l.ByEndpoint(ep)
	assert.False(t, ok)
}

func TestStaleIDQueries(t *testing.T) {
	l := NewList()

	id := l.StartConnecting(UDPEndpoint("127.0.0.1", 9000))
	require.True(t, l.FinishDisconnecting(id, ReasonDefault))
	l.Cleanup()

	assert.Equal(t, Disconnected, l.State(id))
	assert.False(t, l.IsAccepted(id))
	_, ok := l.EndpointOf(id)
	assert.False(t, ok)
	assert.False(t, l.StartDisconnecting(id))
}

func TestConnectionsSnapshot(t *testing.T) {
	l := NewList()

	a := l.StartConnecting(UDPEndpoint("127.0.0.1", 1))
	b := l.StartConnecting(UDPEndpoint("127.0.0.1", 2))
	require.True(t, l.FinishDisconnecting(b, ReasonDefault))

	live := l.Connections()
	assert.Equal(t, []ID{a}, live)
}
