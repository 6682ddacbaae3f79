package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
)

var (
	// ErrConcurrentSend indicates two goroutines pushing packets through
	// the same connection's pipeline at once.
	ErrConcurrentSend = errors.New("concurrent send on the same connection")
	// ErrInvalidPipeline indicates an unknown pipeline ID.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrPipelinesFrozen indicates CreatePipeline after a connection was
	// initialized.
	ErrPipelinesFrozen = errors.New("pipelines are frozen once connections exist")
	// ErrNoConnectionState indicates pipeline traffic for a connection
	// that was never initialized.
	ErrNoConnectionState = errors.New("connection has no pipeline state")
	// ErrTooManyPipelines indicates exceeding the one-byte pipeline space.
	ErrTooManyPipelines = errors.New("too many pipelines")
)

// ID names a pipeline. It travels as the single byte in front of every
// payload; Null (0) means the payload bypasses stage processing.
type ID byte

// Null is the stage-less pipeline.
const Null ID = 0

type pipelineImpl struct {
	stages          []*Stage
	headerCapacity  int
	payloadCapacity int
	sendLayout      arenaLayout
	recvLayout      arenaLayout
	sharedLayout    arenaLayout
}

// connState is one connection's scratch arenas, one region triple per
// pipeline. sendLock carries the per-pipeline spinlock guarding the send
// regions; it is allocated once and never copied.
type connState struct {
	send     [][]byte
	recv     [][]byte
	shared   [][]byte
	sendLock []atomic.Int32
}

type updateDirection uint8

const (
	updateSend updateDirection = iota
	updateReceive
)

type updateKey struct {
	dir   updateDirection
	pipe  ID
	stage int
	conn  connection.ID
}

// Processor owns every pipeline definition and the per-connection stage
// state, and runs the send/receive stage chains.
type Processor struct {
	registry    *Registry
	conns       *connection.List
	bufferSize  int
	basePadding int

	pipelines []*pipelineImpl // index 0 reserved for Null
	frozen    bool

	mu       sync.Mutex
	states   connection.DataMap[*connState]
	pending  map[updateKey]struct{}
	ordering []updateKey
}

// NewProcessor creates a processor. bufferSize is the packet buffer
// capacity; basePadding the cumulative stack padding reserved in front of
// every buffer.
func NewProcessor(registry *Registry, conns *connection.List, bufferSize, basePadding int) *Processor {
	return &Processor{
		registry:    registry,
		conns:       conns,
		bufferSize:  bufferSize,
		basePadding: basePadding,
		pipelines:   []*pipelineImpl{nil},
		pending:     make(map[updateKey]struct{}),
	}
}

// CreatePipeline resolves an ordered stage list into a pipeline. Pipelines
// can only be created before the first connection is initialized, so every
// connection's arena covers every pipeline.
func (pr *Processor) CreatePipeline(ids ...StageID) (ID, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.frozen {
		return Null, ErrPipelinesFrozen
	}
	if len(pr.pipelines) > 255 {
		return Null, ErrTooManyPipelines
	}

	impl := &pipelineImpl{}
	for _, id := range ids {
		stage, ok := pr.registry.Lookup(id)
		if !ok {
			return Null, fmt.Errorf("%w: %d", ErrStageUnknown, id)
		}
		impl.stages = append(impl.stages, stage)
		impl.headerCapacity += stage.HeaderCapacity
		impl.sendLayout.reserve(stage.SendCapacity)
		impl.recvLayout.reserve(stage.ReceiveCapacity)
		impl.sharedLayout.reserve(stage.SharedCapacity)
	}

	impl.payloadCapacity = pr.bufferSize - pr.basePadding - 1 - impl.headerCapacity
	for _, stage := range impl.stages {
		if stage.PayloadCapacity > 0 && stage.PayloadCapacity < impl.payloadCapacity {
			impl.payloadCapacity = stage.PayloadCapacity
		}
	}
	if impl.payloadCapacity <= 0 {
		return Null, fmt.Errorf("pipeline headers leave no payload space (%d bytes over)", -impl.payloadCapacity)
	}

	pr.pipelines = append(pr.pipelines, impl)
	return ID(len(pr.pipelines) - 1), nil
}

// PayloadCapacity returns the largest payload one BeginSend may reserve on
// the pipeline.
func (pr *Processor) PayloadCapacity(pipe ID) (int, error) {
	if pipe == Null {
		return pr.bufferSize - pr.basePadding - 1, nil
	}
	impl, err := pr.implFor(pipe)
	if err != nil {
		return 0, err
	}
	return impl.payloadCapacity, nil
}

// InitialOffset returns the buffer offset where a fresh outbound payload
// starts: base stack padding, the pipeline id byte, and every stage's
// reserved header space.
func (pr *Processor) InitialOffset(pipe ID) int {
	if pipe == Null {
		return pr.basePadding + 1
	}
	impl, err := pr.implFor(pipe)
	if err != nil {
		return pr.basePadding + 1
	}
	return pr.basePadding + 1 + impl.headerCapacity
}

// InitializeConnection allocates and seeds the connection's scratch arenas.
// Safe to call more than once per connection; later calls no-op. The first
// call freezes pipeline creation.
func (pr *Processor) InitializeConnection(conn connection.ID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.frozen = true
	if pr.states.Get(conn, nil) != nil {
		return
	}

	n := len(pr.pipelines) - 1
	st := &connState{
		send:     make([][]byte, n),
		recv:     make([][]byte, n),
		shared:   make([][]byte, n),
		sendLock: make([]atomic.Int32, n),
	}
	for p := 1; p <= n; p++ {
		impl := pr.pipelines[p]
		st.send[p-1] = make([]byte, impl.sendLayout.size)
		st.recv[p-1] = make([]byte, impl.recvLayout.size)
		st.shared[p-1] = make([]byte, impl.sharedLayout.size)
		for i, stage := range impl.stages {
			if stage.InitializeConnection == nil {
				continue
			}
			stage.InitializeConnection(
				impl.sendLayout.slice(st.send[p-1], i, stage.SendCapacity),
				impl.recvLayout.slice(st.recv[p-1], i, stage.ReceiveCapacity),
				impl.sharedLayout.slice(st.shared[p-1], i, stage.SharedCapacity),
			)
		}
	}
	pr.states.Set(conn, st)
}

// Send runs the pipeline's stages in definition order over the packet and
// leaves the wire-ready bytes (pipeline id byte included) in the buffer.
// Stages draining internal queues may emit additional packets acquired from
// q. A stage error is saved and returned even when a later resume iteration
// succeeds.
func (pr *Processor) Send(pipe ID, q *packet.Queue, p packet.Processor, now int64) error {
	if pipe == Null {
		return p.PrependToPayload([]byte{byte(Null)})
	}
	impl, err := pr.implFor(pipe)
	if err != nil {
		return err
	}
	st, err := pr.stateFor(p.Metadata().Connection)
	if err != nil {
		return err
	}

	lock := &st.sendLock[pipe-1]
	if !lock.CompareAndSwap(0, 1) {
		return ErrConcurrentSend
	}
	defer lock.Store(0)

	return pr.sendChainLoop(impl, pipe, st, q, p, now, 0)
}

// sendChainLoop runs the chain and services Resume requests, acquiring one
// fresh buffer per resume iteration. Caller holds the send lock.
func (pr *Processor) sendChainLoop(impl *pipelineImpl, pipe ID, st *connState, q *packet.Queue, p packet.Processor, now int64, startStage int) error {
	conn := p.Metadata().Connection
	ep := p.Endpoint()

	var savedErr error
	cur, start := p, startStage
	for {
		resume, err := pr.runSendChain(impl, pipe, st, cur, now, start)
		if err != nil {
			cur.Drop()
			if savedErr == nil {
				savedErr = err
			}
		}
		if resume < 0 {
			return savedErr
		}
		next, ok := q.Enqueue()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":   "sendChainLoop",
				"pipeline":   pipe,
				"connection": conn.String(),
				"stage":      impl.stages[resume].Name,
			}).Warn("Send pool exhausted mid-resume, deferring stage to next update")
			pr.queueUpdate(updateKey{dir: updateSend, pipe: pipe, stage: resume, conn: conn})
			return savedErr
		}
		next.SetConnection(conn)
		next.SetEndpoint(ep)
		_ = next.SetWindow(pr.InitialOffset(pipe), 0)
		cur, start = next, resume
	}
}

// runSendChain applies stages startStage..N-1 to the packet in place and
// returns the stage index that requested a resume, or -1.
func (pr *Processor) runSendChain(impl *pipelineImpl, pipe ID, st *connState, p packet.Processor, now int64, startStage int) (int, error) {
	md := p.Metadata()
	buf := p.Buffer()
	off, ln := int(md.Offset), int(md.Length)
	resume := -1

	for i := startStage; i < len(impl.stages); i++ {
		stage := impl.stages[i]
		hc := stage.HeaderCapacity
		if off-hc < pr.basePadding+1 {
			return resume, fmt.Errorf("stage %s: %w", stage.Name, packet.ErrOverflow)
		}

		ctx := Context{
			Timestamp:      now,
			SendScratch:    impl.sendLayout.slice(st.send[pipe-1], i, stage.SendCapacity),
			ReceiveScratch: impl.recvLayout.slice(st.recv[pipe-1], i, stage.ReceiveCapacity),
			SharedScratch:  impl.sharedLayout.slice(st.shared[pipe-1], i, stage.SharedCapacity),
			Header:         buf[off-hc : off],
		}
		out, err := stage.Send(&ctx, buf[off:off+ln])
		pr.collectRequests(&ctx, updateSend, pipe, i, md.Connection, &resume)
		if err != nil {
			return resume, fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		if len(out) == 0 && ctx.HeaderLen == 0 {
			// Stage consumed the packet (held for later delivery).
			p.Drop()
			return resume, nil
		}

		if off+len(out) > len(buf) {
			return resume, fmt.Errorf("stage %s: %w", stage.Name, packet.ErrOverflow)
		}
		if len(out) > 0 && &out[0] != &buf[off] {
			copy(buf[off:], out)
		}
		ln = len(out)

		// Compact unused reserved header space: the header written at the
		// front of the reservation is shifted right to abut the payload.
		if ctx.HeaderLen > 0 {
			copy(buf[off-ctx.HeaderLen:off], buf[off-hc:off-hc+ctx.HeaderLen])
			off -= ctx.HeaderLen
			ln += ctx.HeaderLen
		}
	}

	off--
	buf[off] = byte(pipe)
	ln++
	if err := p.SetWindow(off, ln); err != nil {
		return resume, err
	}
	return resume, nil
}

// Receive runs the stages in reverse order over an inbound payload (the
// pipeline id byte already stripped) and emits every completed payload.
// Stages delivering buffered packets may emit more than once per inbound
// packet via Resume.
func (pr *Processor) Receive(pipe ID, p packet.Processor, now int64, emit func(payload []byte)) error {
	impl, err := pr.implFor(pipe)
	if err != nil {
		return err
	}
	st, err := pr.stateFor(p.Metadata().Connection)
	if err != nil {
		return err
	}
	defer p.Drop()

	cur := p.Payload()
	start := len(impl.stages) - 1
	for {
		out, resume, err := pr.runReceiveChain(impl, pipe, st, p.Metadata().Connection, cur, now, start)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			emit(out)
		}
		if resume < 0 {
			return nil
		}
		cur, start = nil, resume
	}
}

// runReceiveChain applies stages startStage..0 and returns the surviving
// payload, if any, plus the stage requesting a resume.
func (pr *Processor) runReceiveChain(impl *pipelineImpl, pipe ID, st *connState, conn connection.ID, input []byte, now int64, startStage int) ([]byte, int, error) {
	cur := input
	resume := -1

	for i := startStage; i >= 0; i-- {
		stage := impl.stages[i]
		ctx := Context{
			Timestamp:      now,
			SendScratch:    impl.sendLayout.slice(st.send[pipe-1], i, stage.SendCapacity),
			ReceiveScratch: impl.recvLayout.slice(st.recv[pipe-1], i, stage.ReceiveCapacity),
			SharedScratch:  impl.sharedLayout.slice(st.shared[pipe-1], i, stage.SharedCapacity),
		}
		out, err := stage.Receive(&ctx, cur)
		pr.collectRequests(&ctx, updateReceive, pipe, i, conn, &resume)
		if err != nil {
			return nil, resume, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		if len(out) == 0 {
			return nil, resume, nil
		}
		cur = out
	}
	return cur, resume, nil
}

// RunSendUpdates services every queued send-side update once. Redundant
// requests for the same (pipeline, stage, connection) were already
// collapsed at queue time. Updates queued while running are serviced on the
// next tick.
func (pr *Processor) RunSendUpdates(q *packet.Queue, now int64) {
	for _, key := range pr.takePending(updateSend) {
		impl, err := pr.implFor(key.pipe)
		if err != nil {
			continue
		}
		st, err := pr.stateFor(key.conn)
		if err != nil {
			continue
		}
		ep, ok := pr.conns.EndpointOf(key.conn)
		if !ok {
			continue // connection went away since the request
		}

		lock := &st.sendLock[key.pipe-1]
		if !lock.CompareAndSwap(0, 1) {
			pr.queueUpdate(key)
			continue
		}

		p, poolOK := q.Enqueue()
		if !poolOK {
			lock.Store(0)
			pr.queueUpdate(key)
			return
		}
		p.SetConnection(key.conn)
		p.SetEndpoint(ep)
		_ = p.SetWindow(pr.InitialOffset(key.pipe), 0)

		if err := pr.sendChainLoop(impl, key.pipe, st, q, p, now, key.stage); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "RunSendUpdates",
				"pipeline":   key.pipe,
				"connection": key.conn.String(),
				"error":      err,
			}).Error("Pipeline update failed")
		}
		lock.Store(0)
	}
}

// RunReceiveUpdates services queued receive-side updates (reassembly and
// delivery-window timers), emitting any payloads they release.
func (pr *Processor) RunReceiveUpdates(now int64, emit func(conn connection.ID, pipe ID, payload []byte)) {
	for _, key := range pr.takePending(updateReceive) {
		impl, err := pr.implFor(key.pipe)
		if err != nil {
			continue
		}
		st, err := pr.stateFor(key.conn)
		if err != nil {
			continue
		}

		start := key.stage
		for {
			out, resume, err := pr.runReceiveChain(impl, key.pipe, st, key.conn, nil, now, start)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "RunReceiveUpdates",
					"pipeline":   key.pipe,
					"connection": key.conn.String(),
					"error":      err,
				}).Error("Pipeline receive update failed")
				break
			}
			if len(out) > 0 {
				emit(key.conn, key.pipe, out)
			}
			if resume < 0 {
				break
			}
			start = resume
		}
	}
}

// HasPendingUpdates reports whether any stage asked to run again.
func (pr *Processor) HasPendingUpdates() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.ordering) > 0
}

func (pr *Processor) collectRequests(ctx *Context, dir updateDirection, pipe ID, stage int, conn connection.ID, resume *int) {
	if ctx.Requests.Has(RequestResume) && *resume < 0 {
		*resume = stage
	}
	if ctx.Requests.Has(RequestUpdate) {
		pr.queueUpdate(updateKey{dir: dir, pipe: pipe, stage: stage, conn: conn})
	}
	if ctx.Requests.Has(RequestSendUpdate) {
		pr.queueUpdate(updateKey{dir: updateSend, pipe: pipe, stage: stage, conn: conn})
	}
}

func (pr *Processor) queueUpdate(key updateKey) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, dup := pr.pending[key]; dup {
		return
	}
	pr.pending[key] = struct{}{}
	pr.ordering = append(pr.ordering, key)
}

// takePending snapshots and removes queued updates for one direction.
func (pr *Processor) takePending(dir updateDirection) []updateKey {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	var taken []updateKey
	var kept []updateKey
	for _, key := range pr.ordering {
		if key.dir == dir {
			taken = append(taken, key)
			delete(pr.pending, key)
		} else {
			kept = append(kept, key)
		}
	}
	pr.ordering = kept
	return taken
}

func (pr *Processor) implFor(pipe ID) (*pipelineImpl, error) {
	if pipe == Null || int(pipe) >= len(pr.pipelines) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPipeline, pipe)
	}
	return pr.pipelines[pipe], nil
}

func (pr *Processor) stateFor(conn connection.ID) (*connState, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	st := pr.states.Get(conn, nil)
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnectionState, conn)
	}
	return st, nil
}
