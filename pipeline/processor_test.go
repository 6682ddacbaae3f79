package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
)

const testBufferSize = 1400

type procHarness struct {
	proc  *Processor
	queue *packet.Queue
	conns *connection.List
	conn  connection.ID
	pipe  ID
}

func newProcHarness(t *testing.T, stages ...*Stage) *procHarness {
	t.Helper()

	reg := NewRegistry()
	ids := make([]StageID, 0, len(stages))
	for _, s := range stages {
		id, err := reg.Register(s)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	conns := connection.NewList()
	conn := conns.StartConnecting(connection.UDPEndpoint("127.0.0.1", 9000))
	require.True(t, conns.FinishConnectingFromLocal(conn))

	proc := NewProcessor(reg, conns, testBufferSize, 0)
	pipe, err := proc.CreatePipeline(ids...)
	require.NoError(t, err)
	proc.InitializeConnection(conn)

	return &procHarness{
		proc:  proc,
		queue: packet.NewQueue(8, testBufferSize),
		conns: conns,
		conn:  conn,
		pipe:  pipe,
	}
}

func (h *procHarness) acquire(t *testing.T, payload []byte) packet.Processor {
	t.Helper()
	p, ok := h.queue.Enqueue()
	require.True(t, ok)
	p.SetConnection(h.conn)
	require.NoError(t, p.SetWindow(h.proc.InitialOffset(h.pipe), 0))
	require.NoError(t, p.AppendToPayload(payload))
	return p
}

// send pushes payload through the pipeline and returns the wire bytes of
// every surviving packet, oldest first.
func (h *procHarness) send(t *testing.T, payload []byte, now int64) [][]byte {
	t.Helper()
	p := h.acquire(t, payload)
	require.NoError(t, h.proc.Send(h.pipe, h.queue, p, now))
	return h.drainWire()
}

func (h *procHarness) drainWire() [][]byte {
	var out [][]byte
	for _, p := range h.queue.Packets() {
		if len(p.Payload()) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), p.Payload()...))
	}
	h.queue.Clear()
	return out
}

// receive feeds wire bytes (pipeline id byte included) back through the
// receive chain and returns the emitted payloads.
func (h *procHarness) receive(t *testing.T, wire []byte, now int64) [][]byte {
	t.Helper()
	require.NotEmpty(t, wire)
	require.Equal(t, byte(h.pipe), wire[0])

	p, ok := h.queue.Enqueue()
	require.True(t, ok)
	p.SetConnection(h.conn)
	require.NoError(t, p.SetWindow(0, 0))
	require.NoError(t, p.AppendToPayload(wire[1:]))

	var emitted [][]byte
	err := h.proc.Receive(h.pipe, p, now, func(payload []byte) {
		emitted = append(emitted, append([]byte(nil), payload...))
	})
	require.NoError(t, err)
	h.queue.Clear()
	return emitted
}

// tagStage prepends a fixed marker header on send and strips it on receive.
func tagStage(name string, marker []byte) *Stage {
	return &Stage{
		Name:           name,
		HeaderCapacity: len(marker),
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			if err := ctx.SetHeader(marker); err != nil {
				return nil, err
			}
			return payload, nil
		},
		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) < len(marker) {
				return nil, errTruncatedHeader
			}
			return payload[len(marker):], nil
		},
	}
}

func TestNullPipelineSendPrependsIDByte(t *testing.T) {
	h := newProcHarness(t, tagStage("null-unused", []byte{0xEE}))

	p, ok := h.queue.Enqueue()
	require.True(t, ok)
	p.SetConnection(h.conn)
	require.NoError(t, p.SetWindow(h.proc.InitialOffset(Null), 0))
	require.NoError(t, p.AppendToPayload([]byte("raw")))

	require.NoError(t, h.proc.Send(Null, h.queue, p, 0))
	assert.Equal(t, []byte{0x00, 'r', 'a', 'w'}, p.Payload())
}

func TestSendReceiveHeaderRoundTrip(t *testing.T) {
	inner := tagStage("inner-tag", []byte{0xA1, 0xA2})
	outer := tagStage("outer-tag", []byte{0xB1, 0xB2, 0xB3})
	h := newProcHarness(t, inner, outer)

	payload := []byte("header round trip")
	wires := h.send(t, payload, 0)
	require.Len(t, wires, 1)

	// Stage order on send is inner then outer, so the outer header travels
	// in front, directly behind the pipeline id byte.
	want := []byte{byte(h.pipe), 0xB1, 0xB2, 0xB3, 0xA1, 0xA2}
	want = append(want, payload...)
	assert.Equal(t, want, wires[0])

	emitted := h.receive(t, wires[0], 0)
	require.Len(t, emitted, 1)
	assert.Equal(t, payload, emitted[0])
}

func TestShortHeaderIsCompacted(t *testing.T) {
	wide := &Stage{
		Name:           "wide-header",
		HeaderCapacity: 6,
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			if err := ctx.SetHeader([]byte{0xC1, 0xC2}); err != nil {
				return nil, err
			}
			return payload, nil
		},
		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			return payload[2:], nil
		},
	}
	h := newProcHarness(t, wide)

	wires := h.send(t, []byte("x"), 0)
	require.Len(t, wires, 1)
	assert.Equal(t, []byte{byte(h.pipe), 0xC1, 0xC2, 'x'}, wires[0],
		"unused reserved header space must not reach the wire")
}

func TestConsumedPacketHaltsChain(t *testing.T) {
	laterCalls := 0
	hold := &Stage{
		Name: "hold",
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			return nil, nil // swallow everything
		},
	}
	later := &Stage{
		Name: "later",
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			laterCalls++
			return payload, nil
		},
	}
	h := newProcHarness(t, hold, later)

	p := h.acquire(t, []byte("swallowed"))
	require.NoError(t, h.proc.Send(h.pipe, h.queue, p, 0))

	assert.Zero(t, laterCalls, "stages after the consuming one must not run")
	assert.Empty(t, p.Payload(), "consumed packet must be dropped")
}

func TestResumeAcquiresFreshBuffers(t *testing.T) {
	frag := NewFragmentationStage(FragmentationParams{FragmentSize: 16, MaxMessageSize: 64})
	h := newProcHarness(t, frag)

	message := make([]byte, 40)
	for i := range message {
		message[i] = byte(i)
	}
	wires := h.send(t, message, 0)
	require.Len(t, wires, 3, "40 bytes over 16-byte fragments is three packets")

	var emitted [][]byte
	for _, w := range wires {
		emitted = append(emitted, h.receive(t, w, 0)...)
	}
	require.Len(t, emitted, 1)
	assert.Equal(t, message, emitted[0])
}

func TestConcurrentSendRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := &Stage{
		Name: "blocking",
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			entered <- struct{}{}
			<-release
			return payload, nil
		},
	}
	h := newProcHarness(t, blocking)

	first := h.acquire(t, []byte("first"))
	done := make(chan error, 1)
	go func() {
		done <- h.proc.Send(h.pipe, h.queue, first, 0)
	}()
	<-entered

	second := h.acquire(t, []byte("second"))
	err := h.proc.Send(h.pipe, h.queue, second, 0)
	assert.ErrorIs(t, err, ErrConcurrentSend)

	close(release)
	require.NoError(t, <-done)
}

func TestCreatePipelineFrozenAfterFirstConnection(t *testing.T) {
	h := newProcHarness(t, tagStage("freeze-tag", []byte{1}))

	_, err := h.proc.CreatePipeline()
	assert.ErrorIs(t, err, ErrPipelinesFrozen)
}

func TestSendWithoutConnectionState(t *testing.T) {
	h := newProcHarness(t, tagStage("state-tag", []byte{1}))

	stranger := connection.ID{Index: 99, Version: 7}
	p, ok := h.queue.Enqueue()
	require.True(t, ok)
	p.SetConnection(stranger)
	require.NoError(t, p.SetWindow(h.proc.InitialOffset(h.pipe), 0))

	err := h.proc.Send(h.pipe, h.queue, p, 0)
	assert.ErrorIs(t, err, ErrNoConnectionState)
}

func TestPayloadCapacityAccountsForHeaders(t *testing.T) {
	h := newProcHarness(t, tagStage("cap-a", []byte{1, 2, 3}), tagStage("cap-b", []byte{4}))

	capacity, err := h.proc.PayloadCapacity(h.pipe)
	require.NoError(t, err)
	assert.Equal(t, testBufferSize-1-4, capacity)

	nullCap, err := h.proc.PayloadCapacity(Null)
	require.NoError(t, err)
	assert.Equal(t, testBufferSize-1, nullCap)
}

func TestUpdateRequestsDeduplicate(t *testing.T) {
	updateCalls := 0
	ticking := &Stage{
		Name: "ticking",
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				updateCalls++
				return nil, nil
			}
			ctx.Requests |= RequestUpdate
			return payload, nil
		},
	}
	h := newProcHarness(t, ticking)

	h.send(t, []byte("one"), 0)
	h.send(t, []byte("two"), 0)
	require.True(t, h.proc.HasPendingUpdates())

	h.proc.RunSendUpdates(h.queue, 1)
	assert.Equal(t, 1, updateCalls, "identical update requests must collapse")
	assert.False(t, h.proc.HasPendingUpdates())
}

func TestSendUpdateRaisedFromReceivePath(t *testing.T) {
	acking := &Stage{
		Name:           "acking",
		HeaderCapacity: 1,
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				// Flush triggered by the inbound packet below.
				if err := ctx.SetHeader([]byte{0xAC}); err != nil {
					return nil, err
				}
				return nil, nil
			}
			if err := ctx.SetHeader([]byte{0xDA}); err != nil {
				return nil, err
			}
			return payload, nil
		},
		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			ctx.Requests |= RequestSendUpdate
			return payload[1:], nil
		},
	}
	h := newProcHarness(t, acking)

	wires := h.send(t, []byte("ping"), 0)
	require.Len(t, wires, 1)
	h.receive(t, wires[0], 0)
	require.True(t, h.proc.HasPendingUpdates())

	h.proc.RunSendUpdates(h.queue, 1)
	flushed := h.drainWire()
	require.Len(t, flushed, 1)
	assert.Equal(t, []byte{byte(h.pipe), 0xAC}, flushed[0], "header-only packet expected")
}

func TestStageErrorSurvivesLaterResume(t *testing.T) {
	calls := 0
	flaky := &Stage{
		Name: "flaky",
		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			calls++
			if calls == 1 {
				ctx.Requests |= RequestResume
				return nil, assert.AnError
			}
			return nil, nil
		},
	}
	h := newProcHarness(t, flaky)

	p := h.acquire(t, []byte("doomed"))
	err := h.proc.Send(h.pipe, h.queue, p, 0)
	assert.ErrorIs(t, err, assert.AnError, "first stage error wins over later resume outcomes")
	assert.Equal(t, 2, calls)
}
