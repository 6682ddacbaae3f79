package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
	"github.com/opd-ai/netdriver/settings"
)

type fakeLayer struct {
	name  string
	pad   int
	calls *[]string
}

func (f *fakeLayer) Name() string { return f.name }

func (f *fakeLayer) Initialize(_ *settings.Settings, _ *connection.List, packetPadding *int) error {
	*f.calls = append(*f.calls, "init:"+f.name)
	*packetPadding += f.pad
	return nil
}

func (f *fakeLayer) ScheduleReceive(*UpdateContext) error {
	*f.calls = append(*f.calls, "recv:"+f.name)
	return nil
}

func (f *fakeLayer) ScheduleSend(*UpdateContext) error {
	*f.calls = append(*f.calls, "send:"+f.name)
	return nil
}

func (f *fakeLayer) Close() error {
	*f.calls = append(*f.calls, "close:"+f.name)
	return nil
}

func TestStackSchedulingOrder(t *testing.T) {
	var calls []string
	st := New(
		&fakeLayer{name: "a", calls: &calls},
		&fakeLayer{name: "b", calls: &calls},
		&fakeLayer{name: "c", calls: &calls},
	)
	require.NoError(t, st.Initialize(settings.New(), connection.NewList()))
	assert.Equal(t, []string{"init:a", "init:b", "init:c"}, calls)

	calls = nil
	ctx := &UpdateContext{}
	require.NoError(t, st.ScheduleReceive(ctx))
	assert.Equal(t, []string{"recv:a", "recv:b", "recv:c"}, calls, "receive runs bottom-up")

	calls = nil
	require.NoError(t, st.ScheduleSend(ctx))
	assert.Equal(t, []string{"send:c", "send:b", "send:a"}, calls, "send runs top-down")

	calls = nil
	require.NoError(t, st.Close())
	assert.Equal(t, []string{"close:c", "close:b", "close:a"}, calls)
}

func TestStackPaddingAccumulates(t *testing.T) {
	var calls []string
	st := New(
		&fakeLayer{name: "a", pad: 3, calls: &calls},
		&fakeLayer{name: "b", pad: 5, calls: &calls},
	)
	require.NoError(t, st.Initialize(settings.New(), connection.NewList()))
	assert.Equal(t, 8, st.PacketPadding())
}

func TestStackRejectsShrinkingPadding(t *testing.T) {
	var calls []string
	st := New(
		&fakeLayer{name: "a", pad: 4, calls: &calls},
		&fakeLayer{name: "bad", pad: -2, calls: &calls},
	)
	err := st.Initialize(settings.New(), connection.NewList())
	assert.ErrorIs(t, err, ErrPaddingDecreased)
}

func TestEmptyStackRejected(t *testing.T) {
	err := New().Initialize(settings.New(), connection.NewList())
	assert.ErrorIs(t, err, ErrEmptyStack)
}

// shuttle moves every live packet from one queue into another, stamping the
// given source endpoint, the way a wire delivery would.
func shuttle(t *testing.T, from, to *packet.Queue, src connection.Endpoint) int {
	t.Helper()
	moved := 0
	for _, p := range from.Packets() {
		payload := p.Payload()
		if len(payload) == 0 {
			continue
		}
		q, ok := to.Enqueue()
		require.True(t, ok)
		require.NoError(t, q.AppendToPayload(payload))
		q.SetEndpoint(src)
		moved++
	}
	from.Clear()
	return moved
}

// livePayloads snapshots the non-dropped payloads of a queue.
func livePayloads(q *packet.Queue) [][]byte {
	var out [][]byte
	for _, p := range q.Packets() {
		if len(p.Payload()) > 0 {
			out = append(out, append([]byte(nil), p.Payload()...))
		}
	}
	return out
}
