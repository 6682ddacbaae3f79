package netdriver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
	"github.com/opd-ai/netdriver/pipeline"
	"github.com/opd-ai/netdriver/settings"
	"github.com/opd-ai/netdriver/stack"
	"github.com/opd-ai/netdriver/transport"
)

var (
	// ErrDriverClosed indicates use of a driver after Close.
	ErrDriverClosed = errors.New("driver is closed")
	// ErrAlreadyBound indicates a second Bind.
	ErrAlreadyBound = errors.New("driver is already bound")
	// ErrNotBound indicates Listen before Bind.
	ErrNotBound = errors.New("driver is not bound")
	// ErrNotListening indicates Accept on a driver that never called Listen.
	ErrNotListening = errors.New("driver is not listening")
	// ErrNoIncoming indicates no remote connection is waiting for Accept.
	ErrNoIncoming = errors.New("no incoming connection pending")
	// ErrNotConnected indicates sending on a connection that is not up.
	ErrNotConnected = errors.New("connection is not ready for sending")
	// ErrNoBufferSpace indicates send pool exhaustion.
	ErrNoBufferSpace = errors.New("packet pool exhausted")
	// ErrPayloadTooLarge indicates a payload exceeding the pipeline capacity.
	ErrPayloadTooLarge = errors.New("payload exceeds pipeline capacity")
	// ErrSendFinished indicates EndSend or AbortSend on a finished handle.
	ErrSendFinished = errors.New("send already finished")
	// ErrUnreadEvents indicates events left unread before an update in
	// strict mode.
	ErrUnreadEvents = errors.New("events left unread before update")
)

// DriverParams is the root configuration of a driver instance.
type DriverParams struct {
	// PoolCapacity is the number of packet buffers per direction.
	PoolCapacity int
	// BufferSize is the byte capacity of each packet buffer.
	BufferSize int
	// MaxFrameTime clamps the wall-clock delta applied per update, in
	// milliseconds. A stalled process then resumes with bounded timers.
	MaxFrameTime int64
	// FixedFrameTime, when positive, advances the driver clock by a fixed
	// amount per update instead of wall time. Deterministic runs.
	FixedFrameTime int64
	// StrictMode turns misuse (double EndSend, unread events) into errors
	// instead of warnings.
	StrictMode bool
	// WithSecurity inserts the encryption layer into the stack.
	WithSecurity bool
	// WarnCacheSize bounds the one-time-warning caches.
	WarnCacheSize int
	// Clock supplies wall time; nil means the real clock. Tests inject a
	// mock to step time by hand.
	Clock clock.Clock
}

// Validate implements settings.Parameter.
func (p DriverParams) Validate() error {
	if p.PoolCapacity <= 0 {
		return fmt.Errorf("PoolCapacity must be positive: %d", p.PoolCapacity)
	}
	if p.BufferSize <= 0 {
		return fmt.Errorf("BufferSize must be positive: %d", p.BufferSize)
	}
	if p.MaxFrameTime <= 0 {
		return fmt.Errorf("MaxFrameTime must be positive: %d", p.MaxFrameTime)
	}
	if p.FixedFrameTime < 0 {
		return fmt.Errorf("FixedFrameTime must not be negative: %d", p.FixedFrameTime)
	}
	if p.WarnCacheSize <= 0 {
		return fmt.Errorf("WarnCacheSize must be positive: %d", p.WarnCacheSize)
	}
	return nil
}

// DefaultDriverParams returns the driver defaults.
func DefaultDriverParams() DriverParams {
	return DriverParams{
		PoolCapacity:  64,
		BufferSize:    1400,
		MaxFrameTime:  100,
		WarnCacheSize: 128,
	}
}

// Driver is the root transport object: one network interface wrapped in a
// layer stack, a connection registry, per-connection pipelines and an event
// queue, all advanced by explicit ScheduleUpdate calls.
//
// All methods belong to the owning goroutine unless obtained through
// ToConcurrent.
type Driver struct {
	mu     sync.Mutex
	params DriverParams
	set    *settings.Settings

	itf      transport.Interface
	stk      *stack.Stack
	conns    *connection.List
	registry *pipeline.Registry
	proc     *pipeline.Processor
	stats    *stack.Stats

	recv   *packet.Queue
	send   *packet.Queue
	events *eventQueue

	clk      clock.Clock
	lastTick time.Time
	now      atomic.Int64

	acceptWarn *lru.Cache[connection.ID, struct{}]

	bound     bool
	listening bool
	closed    atomic.Bool
}

// New builds a driver over the given network interface. A nil settings
// store means all defaults; the store is frozen once the driver owns it.
// The built-in pipeline stages are pre-registered.
func New(itf transport.Interface, s *settings.Settings) (*Driver, error) {
	if s == nil {
		s = settings.New()
	}
	params := settings.GetOrDefault(s, DefaultDriverParams())
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("driver params: %w", err)
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}

	stats := &stack.Stats{}
	conns := connection.NewList()

	layers := []stack.Layer{
		stack.NewBottom(stats),
		stack.NewInterfaceLayer(itf),
	}
	if params.WithSecurity {
		layers = append(layers, stack.NewSecurityLayer())
	}
	layers = append(layers,
		stack.NewRelayLayer(),
		stack.NewConnectionLayer(),
		stack.NewTop(stats),
	)
	stk := stack.New(layers...)
	if err := stk.Initialize(s, conns); err != nil {
		return nil, err
	}
	s.Freeze()

	registry := pipeline.NewRegistry()
	if err := registerBuiltinStages(registry, s, params.BufferSize); err != nil {
		return nil, err
	}

	warn, err := lru.New[connection.ID, struct{}](params.WarnCacheSize)
	if err != nil {
		return nil, fmt.Errorf("warning cache: %w", err)
	}

	d := &Driver{
		params:     params,
		set:        s,
		itf:        itf,
		stk:        stk,
		conns:      conns,
		registry:   registry,
		proc:       pipeline.NewProcessor(registry, conns, params.BufferSize, stk.PacketPadding()),
		stats:      stats,
		recv:       packet.NewQueue(params.PoolCapacity, params.BufferSize),
		send:       packet.NewQueue(params.PoolCapacity, params.BufferSize),
		events:     newEventQueue(params.PoolCapacity * 64),
		clk:        clk,
		lastTick:   clk.Now(),
		acceptWarn: warn,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"buffer_size": params.BufferSize,
		"pool":        params.PoolCapacity,
		"security":    params.WithSecurity,
	}).Info("Network driver created")
	return d, nil
}

// registerBuiltinStages seeds the registry with the stock stages, their
// parameters pulled from the settings store.
func registerBuiltinStages(r *pipeline.Registry, s *settings.Settings, bufferSize int) error {
	stages := []*pipeline.Stage{
		pipeline.NewSequencerStage(),
		pipeline.NewCompressionStage(bufferSize),
		pipeline.NewFragmentationStage(settings.GetOrDefault(s, pipeline.DefaultFragmentationParams())),
		pipeline.NewReliabilityStage(settings.GetOrDefault(s, pipeline.DefaultReliabilityParams())),
		pipeline.NewSimulatorStage(settings.GetOrDefault(s, pipeline.SimulatorParams{}), bufferSize),
	}
	for _, stage := range stages {
		if _, err := r.Register(stage); err != nil {
			return fmt.Errorf("builtin stage %s: %w", stage.Name, err)
		}
	}
	return nil
}

// RegisterStage adds a custom pipeline stage. Must precede CreatePipeline
// calls that reference it.
func (d *Driver) RegisterStage(stage *pipeline.Stage) (pipeline.StageID, error) {
	return d.registry.Register(stage)
}

// CreatePipeline resolves an ordered stage list into a pipeline usable with
// BeginSend. Pipelines must be created before the first connection.
func (d *Driver) CreatePipeline(stages ...pipeline.StageID) (pipeline.ID, error) {
	return d.proc.CreatePipeline(stages...)
}

// PayloadCapacity returns the largest payload one send may carry on the
// pipeline.
func (d *Driver) PayloadCapacity(pipe pipeline.ID) (int, error) {
	return d.proc.PayloadCapacity(pipe)
}

// Bind attaches the driver to a local endpoint. Called at most once.
func (d *Driver) Bind(endpoint connection.Endpoint) error {
	if d.closed.Load() {
		return ErrDriverClosed
	}
	if d.bound {
		return ErrAlreadyBound
	}
	if err := d.itf.Bind(endpoint); err != nil {
		return err
	}
	d.bound = true
	return nil
}

// Listen enables acceptance of remote-initiated connections.
func (d *Driver) Listen() error {
	if d.closed.Load() {
		return ErrDriverClosed
	}
	if !d.bound {
		return ErrNotBound
	}
	if err := d.itf.Listen(); err != nil {
		return err
	}
	d.listening = true
	return nil
}

// LocalEndpoint returns the bound local endpoint.
func (d *Driver) LocalEndpoint() connection.Endpoint {
	return d.itf.LocalEndpoint()
}

// Connect starts connecting to a remote endpoint. An unbound driver binds
// to the wildcard endpoint of the same network family first. The handshake
// runs across subsequent updates; completion surfaces as a Connect event.
func (d *Driver) Connect(endpoint connection.Endpoint) (connection.ID, error) {
	if d.closed.Load() {
		return connection.ID{}, ErrDriverClosed
	}
	if !d.bound {
		if err := d.Bind(wildcardFor(endpoint)); err != nil {
			return connection.ID{}, err
		}
	}
	id := d.conns.StartConnecting(endpoint)
	d.proc.InitializeConnection(id)
	return id, nil
}

// Accept pops one remote-initiated connection. Only valid while listening.
func (d *Driver) Accept() (connection.ID, error) {
	if d.closed.Load() {
		return connection.ID{}, ErrDriverClosed
	}
	if !d.listening {
		return connection.ID{}, ErrNotListening
	}
	id, ok := d.conns.Accept()
	if !ok {
		return connection.ID{}, ErrNoIncoming
	}
	d.proc.InitializeConnection(id)
	return id, nil
}

// Disconnect requests teardown. The disconnect packet goes out on the next
// update; the Disconnect event follows once teardown finishes.
func (d *Driver) Disconnect(id connection.ID) error {
	if d.closed.Load() {
		return ErrDriverClosed
	}
	d.conns.StartDisconnecting(id)
	return nil
}

// State returns the connection's lifecycle state.
func (d *Driver) State(id connection.ID) connection.State {
	return d.conns.State(id)
}

// Stats returns a snapshot of the stack traffic counters.
func (d *Driver) Stats() stack.StatsSnapshot {
	return d.stats.Snapshot()
}

// Now returns the driver's logical clock in milliseconds.
func (d *Driver) Now() int64 {
	return d.now.Load()
}

// SendHandle is an in-progress two-phase send: BeginSend reserves the
// buffer, Append fills it, EndSend pushes it through the pipeline.
type SendHandle struct {
	pipe     pipeline.ID
	p        packet.Processor
	capacity int
	done     bool
}

// Capacity returns the payload bytes the handle can still hold in total.
func (h *SendHandle) Capacity() int {
	return h.capacity
}

// Append adds payload bytes to the pending send.
func (h *SendHandle) Append(data []byte) error {
	if h.done {
		return ErrSendFinished
	}
	if len(h.p.Payload())+len(data) > h.capacity {
		return fmt.Errorf("%w: %d over %d", ErrPayloadTooLarge, len(h.p.Payload())+len(data), h.capacity)
	}
	return h.p.AppendToPayload(data)
}

// BeginSend reserves a packet buffer on the pipeline for the connection.
// Every BeginSend must be matched by EndSend or AbortSend before the next
// update.
func (d *Driver) BeginSend(pipe pipeline.ID, conn connection.ID) (*SendHandle, error) {
	if d.closed.Load() {
		return nil, ErrDriverClosed
	}
	capacity, err := d.proc.PayloadCapacity(pipe)
	if err != nil {
		return nil, err
	}
	if d.conns.State(conn) != connection.Connected || !d.conns.IsAccepted(conn) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, conn)
	}
	ep, ok := d.conns.EndpointOf(conn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, conn)
	}

	p, ok := d.send.Enqueue()
	if !ok {
		return nil, ErrNoBufferSpace
	}
	p.SetConnection(conn)
	p.SetEndpoint(ep)
	if err := p.SetWindow(d.proc.InitialOffset(pipe), 0); err != nil {
		p.Drop()
		return nil, err
	}
	return &SendHandle{pipe: pipe, p: p, capacity: capacity}, nil
}

// EndSend runs the pipeline over the pending payload and leaves the wire
// bytes queued for the next update's send phase. Returns the payload size
// handed to the pipeline.
func (d *Driver) EndSend(h *SendHandle) (int, error) {
	if h.done {
		if d.params.StrictMode {
			return 0, ErrSendFinished
		}
		logrus.WithFields(logrus.Fields{
			"function": "EndSend",
			"pipeline": h.pipe,
		}).Warn("EndSend on a finished handle, ignoring")
		return 0, nil
	}
	h.done = true

	n := len(h.p.Payload())
	if err := d.proc.Send(h.pipe, d.send, h.p, d.now.Load()); err != nil {
		return 0, err
	}
	return n, nil
}

// AbortSend releases a reserved buffer without sending.
func (d *Driver) AbortSend(h *SendHandle) error {
	if h.done {
		if d.params.StrictMode {
			return ErrSendFinished
		}
		return nil
	}
	h.done = true
	h.p.Drop()
	return nil
}

// PopEvent claims the oldest pending event, EventEmpty when none.
func (d *Driver) PopEvent() Event {
	e, ok := d.events.pop()
	if !ok {
		return Event{}
	}
	return e
}

// PopEventForConnection claims the oldest pending event of one connection.
func (d *Driver) PopEventForConnection(conn connection.ID) Event {
	e, ok := d.events.popForConnection(conn)
	if !ok {
		return Event{}
	}
	return e
}

// ScheduleUpdate runs one driver tick: it advances the logical clock,
// recycles the event queue, runs the stack receive phase, routes received
// payloads through their pipelines into events, services pipeline updates,
// runs the send phase and returns every packet buffer to its pool.
func (d *Driver) ScheduleUpdate() error {
	if d.closed.Load() {
		return ErrDriverClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.advanceClock()

	if unread := d.events.unconsumed(); unread > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ScheduleUpdate",
			"unread":   unread,
		}).Warn("Discarding events left unread since the previous update")
		if d.params.StrictMode {
			d.events.reset()
			return fmt.Errorf("%w: %d", ErrUnreadEvents, unread)
		}
	}
	d.events.reset()

	// Teardowns finalized during the previous update surface first, so no
	// data event ever follows its connection's disconnect.
	for {
		dc, ok := d.conns.PopDisconnected()
		if !ok {
			break
		}
		d.events.push(EventDisconnect, dc.Connection, pipeline.Null, []byte{byte(dc.Reason)})
	}

	ctx := &stack.UpdateContext{Now: d.now.Load(), Receive: d.recv, Send: d.send}
	if err := d.stk.ScheduleReceive(ctx); err != nil {
		return err
	}

	for {
		id, ok := d.conns.PopFinished()
		if !ok {
			break
		}
		d.proc.InitializeConnection(id)
		d.events.push(EventConnect, id, pipeline.Null, nil)
	}

	d.deliverReceived()
	d.proc.RunReceiveUpdates(d.now.Load(), func(conn connection.ID, pipe pipeline.ID, payload []byte) {
		d.pushData(conn, pipe, payload)
	})
	d.proc.RunSendUpdates(d.send, d.now.Load())

	if err := d.stk.ScheduleSend(ctx); err != nil {
		return err
	}

	d.recv.Clear()
	d.send.Clear()
	d.conns.Cleanup()
	return nil
}

// deliverReceived routes every surviving inbound packet through its
// pipeline and turns the completed payloads into data events.
func (d *Driver) deliverReceived() {
	for _, p := range d.recv.Packets() {
		payload := p.Payload()
		if len(payload) == 0 {
			continue
		}
		conn := p.Metadata().Connection
		if !conn.IsCreated() {
			continue
		}
		if !d.conns.IsAccepted(conn) {
			// Pipeline state does not exist until Accept, so the packet
			// cannot be processed either way.
			d.warnUnaccepted(conn, len(payload))
			p.Drop()
			continue
		}

		pipe := pipeline.ID(payload[0])
		if pipe == pipeline.Null {
			d.pushData(conn, pipeline.Null, payload[1:])
			p.Drop()
			continue
		}
		if err := p.RemoveFromPayloadStart(1); err != nil {
			p.Drop()
			continue
		}
		if err := d.proc.Receive(pipe, p, d.now.Load(), func(out []byte) {
			d.pushData(conn, pipe, out)
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "deliverReceived",
				"connection": conn.String(),
				"pipeline":   pipe,
				"error":      err,
			}).Warn("Pipeline receive failed, packet dropped")
		}
	}
}

// pushData queues one data event, suppressing traffic of connections the
// application has not accepted.
func (d *Driver) pushData(conn connection.ID, pipe pipeline.ID, payload []byte) {
	if !d.conns.IsAccepted(conn) {
		d.warnUnaccepted(conn, len(payload))
		return
	}
	d.events.push(EventData, conn, pipe, payload)
}

// warnUnaccepted logs the suppression of unaccepted-connection traffic at
// most once per connection.
func (d *Driver) warnUnaccepted(conn connection.ID, size int) {
	if seen, _ := d.acceptWarn.ContainsOrAdd(conn, struct{}{}); !seen {
		logrus.WithFields(logrus.Fields{
			"function":   "warnUnaccepted",
			"connection": conn.String(),
			"size":       size,
		}).Warn("Suppressing data for a connection that was never accepted")
	}
}

// advanceClock moves the logical millisecond clock forward, either by the
// fixed frame time or by clamped wall time.
func (d *Driver) advanceClock() {
	if d.params.FixedFrameTime > 0 {
		d.now.Add(d.params.FixedFrameTime)
		return
	}
	wall := d.clk.Now()
	delta := wall.Sub(d.lastTick).Milliseconds()
	d.lastTick = wall
	if delta < 0 {
		delta = 0
	}
	if delta > d.params.MaxFrameTime {
		delta = d.params.MaxFrameTime
	}
	d.now.Add(delta)
}

// Close tears the stack down. The driver is unusable afterwards.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return ErrDriverClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stk.Close()
}

// wildcardFor returns the catch-all local endpoint of an endpoint's
// network family, used when Connect runs before Bind.
func wildcardFor(ep connection.Endpoint) connection.Endpoint {
	switch ep.Net {
	case connection.NetworkIPC:
		return connection.IPCEndpoint(0)
	case connection.NetworkTCP:
		return connection.TCPEndpoint("0.0.0.0", 0)
	case connection.NetworkWebSocket:
		return connection.WebSocketEndpoint("0.0.0.0", 0)
	default:
		return connection.UDPEndpoint("0.0.0.0", 0)
	}
}
