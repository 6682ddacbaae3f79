package netdriver

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/pipeline"
)

func TestEventQueueMasterOrder(t *testing.T) {
	q := newEventQueue(64)
	c1 := connection.ID{Index: 0, Version: 1}
	c2 := connection.ID{Index: 1, Version: 1}

	q.push(EventConnect, c1, pipeline.Null, nil)
	q.push(EventData, c2, 1, []byte("alpha"))
	q.push(EventData, c1, 2, []byte("beta"))

	e, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, EventConnect, e.Type)
	assert.Equal(t, c1, e.Connection)
	assert.Empty(t, e.Payload())

	e, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), e.Payload())
	assert.Equal(t, pipeline.ID(1), e.Pipeline)

	e, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("beta"), e.Payload())

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestEventQueuePerConnectionIsolation(t *testing.T) {
	q := newEventQueue(64)
	c1 := connection.ID{Index: 0, Version: 1}
	c2 := connection.ID{Index: 1, Version: 1}

	q.push(EventData, c1, 1, []byte("c1-first"))
	q.push(EventData, c2, 1, []byte("c2-first"))
	q.push(EventData, c1, 1, []byte("c1-second"))

	e, ok := q.popForConnection(c2)
	require.True(t, ok)
	assert.Equal(t, []byte("c2-first"), e.Payload())
	_, ok = q.popForConnection(c2)
	assert.False(t, ok)

	e, ok = q.popForConnection(c1)
	require.True(t, ok)
	assert.Equal(t, []byte("c1-first"), e.Payload())
	e, ok = q.popForConnection(c1)
	require.True(t, ok)
	assert.Equal(t, []byte("c1-second"), e.Payload())
}

// A record claimed through the per-connection view must not come back from
// the master pop, and vice versa.
func TestEventQueueSharedConsumption(t *testing.T) {
	q := newEventQueue(64)
	c1 := connection.ID{Index: 0, Version: 1}

	q.push(EventData, c1, 1, []byte("only"))
	_, ok := q.popForConnection(c1)
	require.True(t, ok)
	_, ok = q.pop()
	assert.False(t, ok)

	q.push(EventData, c1, 1, []byte("again"))
	_, ok = q.pop()
	require.True(t, ok)
	_, ok = q.popForConnection(c1)
	assert.False(t, ok)
}

func TestEventQueueUnconsumedAndReset(t *testing.T) {
	q := newEventQueue(8)
	c1 := connection.ID{Index: 0, Version: 1}

	q.push(EventData, c1, 1, []byte("a"))
	q.push(EventData, c1, 1, []byte("b"))
	assert.Equal(t, 2, q.unconsumed())

	_, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, 1, q.unconsumed())

	q.reset()
	assert.Zero(t, q.unconsumed())
	_, ok = q.pop()
	assert.False(t, ok)
	_, ok = q.popForConnection(c1)
	assert.False(t, ok)
}

// Payload views taken before arena growth must keep their bytes.
func TestEventQueueArenaGrowthKeepsEarlierPayloads(t *testing.T) {
	q := newEventQueue(4)
	c1 := connection.ID{Index: 0, Version: 1}

	q.push(EventData, c1, 1, []byte("ab"))
	first, ok := q.pop()
	require.True(t, ok)

	q.push(EventData, c1, 1, []byte("a much longer payload forcing the arena to grow"))
	assert.Equal(t, []byte("ab"), first.Payload())

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("a much longer payload forcing the arena to grow"), second.Payload())
}

func TestEventQueueConcurrentPerConnectionPops(t *testing.T) {
	q := newEventQueue(1024)
	conns := make([]connection.ID, 4)
	const perConn = 50
	for i := range conns {
		conns[i] = connection.ID{Index: int32(i), Version: 1}
		for j := 0; j < perConn; j++ {
			q.push(EventData, conns[i], 1, []byte(fmt.Sprintf("%d-%d", i, j)))
		}
	}

	var wg sync.WaitGroup
	results := make([][]string, len(conns))
	for i, conn := range conns {
		wg.Add(1)
		go func(slot int, conn connection.ID) {
			defer wg.Done()
			for {
				e, ok := q.popForConnection(conn)
				if !ok {
					return
				}
				results[slot] = append(results[slot], string(e.Payload()))
			}
		}(i, conn)
	}
	wg.Wait()

	for i := range conns {
		require.Len(t, results[i], perConn)
		for j, got := range results[i] {
			assert.Equal(t, fmt.Sprintf("%d-%d", i, j), got, "per-connection order must hold")
		}
	}
	assert.Zero(t, q.unconsumed())
}
