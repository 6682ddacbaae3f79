package netdriver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/pipeline"
	"github.com/opd-ai/netdriver/settings"
	"github.com/opd-ai/netdriver/transport"
)

// newIPCDriver builds a bound, listening driver on the in-process loopback
// fabric with a deterministic fixed-step clock.
func newIPCDriver(t *testing.T, mutate func(*DriverParams)) *Driver {
	t.Helper()

	params := DefaultDriverParams()
	params.FixedFrameTime = 10
	if mutate != nil {
		mutate(&params)
	}
	s := settings.New()
	require.NoError(t, settings.Set(s, params))

	d, err := New(transport.NewIPC(), s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Bind(connection.IPCEndpoint(0)))
	require.NoError(t, d.Listen())
	return d
}

// connectPair drives the connect handshake between two drivers until the
// local side's Connect event fires, and accepts on the remote side.
func connectPair(t *testing.T, a, b *Driver) (local, remote connection.ID) {
	t.Helper()

	local, err := a.Connect(b.LocalEndpoint())
	require.NoError(t, err)

	require.NoError(t, a.ScheduleUpdate()) // request goes out
	require.NoError(t, b.ScheduleUpdate()) // request in, accept out
	require.NoError(t, a.ScheduleUpdate()) // accept in, connect finishes

	e := a.PopEvent()
	require.Equal(t, EventConnect, e.Type)
	require.Equal(t, local, e.Connection)

	remote, err = b.Accept()
	require.NoError(t, err)
	return local, remote
}

// sendOn queues one payload on the pipeline, two-phase.
func sendOn(t *testing.T, d *Driver, pipe pipeline.ID, conn connection.ID, payload []byte) {
	t.Helper()
	h, err := d.BeginSend(pipe, conn)
	require.NoError(t, err)
	require.NoError(t, h.Append(payload))
	n, err := d.EndSend(h)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
}

func TestDriverConnectAcceptDataRoundTrip(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)
	local, remote := connectPair(t, a, b)

	sendOn(t, a, pipeline.Null, local, []byte("0123456789"))
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())

	e := b.PopEventForConnection(remote)
	require.Equal(t, EventData, e.Type)
	assert.Equal(t, remote, e.Connection)
	assert.Equal(t, pipeline.Null, e.Pipeline)
	assert.Equal(t, []byte("0123456789"), e.Payload())

	// And back the other way.
	sendOn(t, b, pipeline.Null, remote, []byte("pong"))
	require.NoError(t, b.ScheduleUpdate())
	require.NoError(t, a.ScheduleUpdate())

	e = a.PopEventForConnection(local)
	require.Equal(t, EventData, e.Type)
	assert.Equal(t, []byte("pong"), e.Payload())

	stats := a.Stats()
	assert.Positive(t, stats.Sent)
	assert.Positive(t, stats.Received)
}

func TestDriverEventOrderPerConnection(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)
	local, remote := connectPair(t, a, b)

	for _, msg := range []string{"one", "two", "three"} {
		sendOn(t, a, pipeline.Null, local, []byte(msg))
	}
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())

	for _, want := range []string{"one", "two", "three"} {
		e := b.PopEventForConnection(remote)
		require.Equal(t, EventData, e.Type)
		assert.Equal(t, []byte(want), e.Payload())
	}
	assert.Equal(t, EventEmpty, b.PopEventForConnection(remote).Type)
}

func TestDriverSuppressesDataBeforeAccept(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)

	local, err := a.Connect(b.LocalEndpoint())
	require.NoError(t, err)
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())
	require.NoError(t, a.ScheduleUpdate())
	require.Equal(t, EventConnect, a.PopEvent().Type)

	// b never accepted, so data for the connection must not surface.
	sendOn(t, a, pipeline.Null, local, []byte("early"))
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())
	assert.Equal(t, EventEmpty, b.PopEvent().Type)

	// After Accept, fresh data flows.
	remote, err := b.Accept()
	require.NoError(t, err)
	sendOn(t, a, pipeline.Null, local, []byte("late"))
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())

	e := b.PopEventForConnection(remote)
	require.Equal(t, EventData, e.Type)
	assert.Equal(t, []byte("late"), e.Payload())
}

func TestDriverSuppressesPipelinedDataBeforeAccept(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)

	frag := pipeline.MakeStageID(pipeline.FragmentationStageName)
	pipeA, err := a.CreatePipeline(frag)
	require.NoError(t, err)
	_, err = b.CreatePipeline(frag)
	require.NoError(t, err)

	local, err := a.Connect(b.LocalEndpoint())
	require.NoError(t, err)
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())
	require.NoError(t, a.ScheduleUpdate())
	require.Equal(t, EventConnect, a.PopEvent().Type)

	// Pipelined data for the unaccepted connection is discarded quietly;
	// the update must not fail on the missing pipeline state.
	sendOn(t, a, pipeA, local, []byte("early"))
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())
	assert.Equal(t, EventEmpty, b.PopEvent().Type)

	remote, err := b.Accept()
	require.NoError(t, err)
	sendOn(t, a, pipeA, local, []byte("late"))
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())

	e := b.PopEventForConnection(remote)
	require.Equal(t, EventData, e.Type)
	assert.Equal(t, pipeA, e.Pipeline)
	assert.Equal(t, []byte("late"), e.Payload())
}

func TestDriverDisconnectEvents(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)
	local, remote := connectPair(t, a, b)

	require.NoError(t, a.Disconnect(local))
	require.NoError(t, a.Disconnect(local)) // repeat requests collapse
	require.NoError(t, a.ScheduleUpdate()) // disconnect packet out, teardown finalized
	require.NoError(t, b.ScheduleUpdate()) // remote learns of the close
	require.NoError(t, a.ScheduleUpdate()) // teardown surfaces locally

	e := a.PopEvent()
	require.Equal(t, EventDisconnect, e.Type)
	assert.Equal(t, local, e.Connection)
	require.Len(t, e.Payload(), 1)
	assert.Equal(t, byte(connection.ReasonDefault), e.Payload()[0])
	assert.Equal(t, EventEmpty, a.PopEvent().Type, "one disconnect yields one event")

	require.NoError(t, b.ScheduleUpdate())
	e = b.PopEvent()
	require.Equal(t, EventDisconnect, e.Type)
	assert.Equal(t, remote, e.Connection)
	require.Len(t, e.Payload(), 1)
	assert.Equal(t, byte(connection.ReasonClosedByRemote), e.Payload()[0])

	assert.Equal(t, connection.Disconnected, a.State(local))
	assert.Equal(t, connection.Disconnected, b.State(remote))
}

func TestDriverFragmentedPipelineRoundTrip(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)

	// Pipelines freeze at the first connection, so both sides define the
	// same composition up front.
	frag := pipeline.MakeStageID(pipeline.FragmentationStageName)
	pipeA, err := a.CreatePipeline(frag)
	require.NoError(t, err)
	pipeB, err := b.CreatePipeline(frag)
	require.NoError(t, err)
	require.Equal(t, pipeA, pipeB)

	local, remote := connectPair(t, a, b)

	message := bytes.Repeat([]byte("fragmented payload "), 63) // 1197 bytes, 3 fragments
	capacity, err := a.PayloadCapacity(pipeA)
	require.NoError(t, err)
	require.LessOrEqual(t, len(message), capacity)

	sendOn(t, a, pipeA, local, message)
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())

	e := b.PopEventForConnection(remote)
	require.Equal(t, EventData, e.Type)
	assert.Equal(t, pipeA, e.Pipeline)
	assert.Equal(t, message, e.Payload())
	assert.Equal(t, EventEmpty, b.PopEventForConnection(remote).Type)
}

func TestDriverBeginSendValidation(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)
	local, _ := connectPair(t, a, b)

	_, err := a.BeginSend(pipeline.ID(42), local)
	assert.ErrorIs(t, err, pipeline.ErrInvalidPipeline)

	_, err = a.BeginSend(pipeline.Null, connection.ID{Index: 7, Version: 3})
	assert.ErrorIs(t, err, ErrNotConnected)

	h, err := a.BeginSend(pipeline.Null, local)
	require.NoError(t, err)
	capacity := h.Capacity()
	err = h.Append(make([]byte, capacity+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	require.NoError(t, a.AbortSend(h))
}

func TestDriverDoubleEndSend(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)
	local, _ := connectPair(t, a, b)

	h, err := a.BeginSend(pipeline.Null, local)
	require.NoError(t, err)
	require.NoError(t, h.Append([]byte("x")))
	_, err = a.EndSend(h)
	require.NoError(t, err)

	// Degraded mode warns and no-ops.
	n, err := a.EndSend(h)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, h.Append([]byte("y")), ErrSendFinished)
}

func TestDriverStrictModeDoubleEndSend(t *testing.T) {
	a := newIPCDriver(t, func(p *DriverParams) { p.StrictMode = true })
	b := newIPCDriver(t, nil)
	local, _ := connectPair(t, a, b)

	h, err := a.BeginSend(pipeline.Null, local)
	require.NoError(t, err)
	_, err = a.EndSend(h)
	require.NoError(t, err)
	_, err = a.EndSend(h)
	assert.ErrorIs(t, err, ErrSendFinished)
	assert.ErrorIs(t, a.AbortSend(h), ErrSendFinished)
}

func TestDriverStrictModeUnreadEvents(t *testing.T) {
	a := newIPCDriver(t, func(p *DriverParams) { p.StrictMode = true })
	b := newIPCDriver(t, nil)

	_, err := a.Connect(b.LocalEndpoint())
	require.NoError(t, err)
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())
	require.NoError(t, a.ScheduleUpdate()) // Connect event pushed, never popped

	err = a.ScheduleUpdate()
	assert.ErrorIs(t, err, ErrUnreadEvents)
}

func TestDriverLifecycleGuards(t *testing.T) {
	d, err := New(transport.NewIPC(), nil)
	require.NoError(t, err)

	require.ErrorIs(t, d.Listen(), ErrNotBound)
	_, err = d.Accept()
	assert.ErrorIs(t, err, ErrNotListening)

	require.NoError(t, d.Bind(connection.IPCEndpoint(0)))
	assert.ErrorIs(t, d.Bind(connection.IPCEndpoint(0)), ErrAlreadyBound)
	require.NoError(t, d.Listen())
	_, err = d.Accept()
	assert.ErrorIs(t, err, ErrNoIncoming)

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.ScheduleUpdate(), ErrDriverClosed)
	assert.ErrorIs(t, d.Close(), ErrDriverClosed)
	_, err = d.Connect(connection.IPCEndpoint(1))
	assert.ErrorIs(t, err, ErrDriverClosed)
}

func TestDriverConnectAutoBinds(t *testing.T) {
	b := newIPCDriver(t, nil)

	params := DefaultDriverParams()
	params.FixedFrameTime = 10
	s := settings.New()
	require.NoError(t, settings.Set(s, params))
	a, err := New(transport.NewIPC(), s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	local, err := a.Connect(b.LocalEndpoint())
	require.NoError(t, err)
	assert.True(t, a.LocalEndpoint().IsValid(), "Connect must bind the wildcard endpoint")

	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())
	require.NoError(t, a.ScheduleUpdate())
	e := a.PopEvent()
	require.Equal(t, EventConnect, e.Type)
	assert.Equal(t, local, e.Connection)
}

func TestDriverFixedFrameClock(t *testing.T) {
	a := newIPCDriver(t, func(p *DriverParams) { p.FixedFrameTime = 25 })

	require.Zero(t, a.Now())
	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, a.ScheduleUpdate())
	assert.Equal(t, int64(50), a.Now())
}

func TestDriverConcurrentViewSends(t *testing.T) {
	a := newIPCDriver(t, nil)
	b := newIPCDriver(t, nil)
	local, remote := connectPair(t, a, b)

	view := a.ToConcurrent()
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(tag byte) {
			h, err := view.BeginSend(pipeline.Null, local)
			if err != nil {
				done <- err
				return
			}
			if err := h.Append([]byte{'w', tag}); err != nil {
				done <- err
				return
			}
			_, err = view.EndSend(h)
			done <- err
		}(byte('0' + i))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}

	require.NoError(t, a.ScheduleUpdate())
	require.NoError(t, b.ScheduleUpdate())

	got := map[string]bool{}
	for {
		e := b.ToConcurrent().PopEventForConnection(remote)
		if e.Type == EventEmpty {
			break
		}
		require.Equal(t, EventData, e.Type)
		got[string(e.Payload())] = true
	}
	assert.Len(t, got, 4)
}

func TestDriverParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultDriverParams().Validate())

	bad := DefaultDriverParams()
	bad.PoolCapacity = 0
	assert.Error(t, bad.Validate())

	bad = DefaultDriverParams()
	bad.BufferSize = -1
	assert.Error(t, bad.Validate())

	bad = DefaultDriverParams()
	bad.FixedFrameTime = -5
	assert.Error(t, bad.Validate())
}
