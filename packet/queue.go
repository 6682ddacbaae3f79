package packet

import (
	"errors"
	"sync/atomic"

	"github.com/opd-ai/netdriver/connection"
)

var (
	// ErrOverflow indicates a payload operation that would exceed the
	// buffer's fixed capacity.
	ErrOverflow = errors.New("packet buffer overflow")
	// ErrUnderflow indicates removing more payload bytes than are present.
	ErrUnderflow = errors.New("packet buffer underflow")
	// ErrInvalidProcessor indicates use of a zero or released Processor.
	ErrInvalidProcessor = errors.New("invalid packet processor")
	// ErrBadSlice indicates a slice request outside the payload window.
	ErrBadSlice = errors.New("slice outside payload bounds")
)

// Metadata describes the live payload window of one pooled buffer: a slice
// (offset+length) within the buffer's fixed capacity, plus the connection
// the packet belongs to. A packet whose Length is zero counts as dropped.
type Metadata struct {
	Length     int32
	Offset     int32
	Capacity   int32
	Connection connection.ID
}

// Queue is a fixed-capacity pool of packet buffers. The payload bytes of all
// buffers live in a single arena allocated at construction; per-buffer
// metadata and endpoint slots sit in parallel slices indexed the same way.
//
// The free list is a Treiber stack over buffer indices: the head word packs
// a 32-bit modification tag with the 32-bit top index so concurrent pops
// cannot be fooled by an index recycled mid-CAS.
type Queue struct {
	bufferSize int
	arena      []byte
	metadata   []Metadata
	endpoints  []connection.Endpoint

	next []int32
	head atomic.Uint64

	acquired    []int32
	acquiredLen atomic.Int32
}

// NewQueue creates a pool of capacity buffers of bufferSize bytes each.
func NewQueue(capacity, bufferSize int) *Queue {
	q := &Queue{
		bufferSize: bufferSize,
		arena:      make([]byte, capacity*bufferSize),
		metadata:   make([]Metadata, capacity),
		endpoints:  make([]connection.Endpoint, capacity),
		next:       make([]int32, capacity),
		acquired:   make([]int32, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		q.push(int32(i))
	}
	return q
}

// Capacity returns the number of buffers in the pool.
func (q *Queue) Capacity() int {
	return len(q.metadata)
}

// BufferSize returns the fixed byte capacity of each buffer.
func (q *Queue) BufferSize() int {
	return q.bufferSize
}

// InUse returns how many buffers are currently acquired.
func (q *Queue) InUse() int {
	return int(q.acquiredLen.Load())
}

// Enqueue acquires a free buffer and returns a Processor view over it. It
// returns ok == false when the pool is exhausted; callers treat that as
// backpressure, not as an error to propagate.
func (q *Queue) Enqueue() (Processor, bool) {
	index := q.pop()
	if index < 0 {
		return Processor{}, false
	}
	q.metadata[index] = Metadata{Capacity: int32(q.bufferSize)}
	q.endpoints[index] = connection.Endpoint{}

	pos := q.acquiredLen.Add(1) - 1
	q.acquired[pos] = index
	return Processor{queue: q, index: index + 1}, true
}

// Packets returns Processor views over every buffer acquired since the last
// Clear, in acquisition order. The driver and stack layers walk this to
// process the update's working set; entries that were dropped have a zero
// Length and are skipped by callers.
func (q *Queue) Packets() []Processor {
	n := int(q.acquiredLen.Load())
	out := make([]Processor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Processor{queue: q, index: q.acquired[i] + 1})
	}
	return out
}

// Clear returns every acquired buffer to the free list in one sweep. Dropped
// buffers (zero length) and consumed buffers alike become reusable; this
// runs once per driver update instead of contending on the free list for
// every individual packet.
func (q *Queue) Clear() {
	n := int(q.acquiredLen.Load())
	for i := 0; i < n; i++ {
		index := q.acquired[i]
		q.metadata[index] = Metadata{}
		q.push(index)
	}
	q.acquiredLen.Store(0)
}

// pop removes the top free index, or returns -1 when the pool is empty.
func (q *Queue) pop() int32 {
	for {
		old := q.head.Load()
		top := uint32(old)
		if top == 0 {
			return -1
		}
		index := int32(top) - 1
		next := q.next[index]
		tagged := (old>>32 + 1) << 32
		if q.head.CompareAndSwap(old, tagged|uint64(uint32(next+1))) {
			return index
		}
	}
}

// push places an index back on the free list.
func (q *Queue) push(index int32) {
	for {
		old := q.head.Load()
		q.next[index] = int32(uint32(old)) - 1
		tagged := (old>>32 + 1) << 32
		if q.head.CompareAndSwap(old, tagged|uint64(uint32(index+1))) {
			return
		}
	}
}

func (q *Queue) bufferAt(index int32) []byte {
	base := int(index) * q.bufferSize
	return q.arena[base : base+q.bufferSize]
}
