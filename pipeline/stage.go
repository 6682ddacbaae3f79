package pipeline

import (
	"errors"
	"fmt"
	"hash/fnv"
)

var (
	// ErrStageUnknown indicates a pipeline referencing an unregistered stage.
	ErrStageUnknown = errors.New("unknown pipeline stage")
	// ErrStageRegistered indicates a duplicate stage registration.
	ErrStageRegistered = errors.New("stage already registered")
)

// StageID is a stable identifier for a stage type, derived from the stage
// name. Stage instances are singletons: registering a stage once makes it
// usable by every pipeline, with per-connection state confined to the
// connection's scratch regions.
type StageID uint32

// MakeStageID hashes a stage name into its ID.
func MakeStageID(name string) StageID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return StageID(h.Sum32())
}

// Requests is the set of control-flow flags a stage raises during one
// invocation.
type Requests uint8

const (
	// RequestResume asks the processor to re-invoke the same stage with a
	// fresh buffer before finishing this packet's chain.
	RequestResume Requests = 1 << iota
	// RequestUpdate asks for a re-invocation on a future driver tick even
	// with no new payload.
	RequestUpdate
	// RequestSendUpdate, raised on the receive path, asks for a send-side
	// update of the same connection this tick (ack piggybacking).
	RequestSendUpdate
)

// Has reports whether flag is set.
func (r Requests) Has(flag Requests) bool {
	return r&flag != 0
}

// Context is the state handed to a stage invocation. The scratch slices
// alias the connection's arena regions for this stage; Header is the
// reserved header window directly in front of the packet payload on the
// send path (receive stages parse their header out of the payload front
// instead).
type Context struct {
	Timestamp int64

	SendScratch    []byte
	ReceiveScratch []byte
	SharedScratch  []byte

	Header    []byte
	HeaderLen int

	Requests Requests
}

// SetHeader copies hdr into the reserved header window and records its
// length. Headers shorter than the reserved capacity are compacted against
// the payload by the processor afterwards.
func (c *Context) SetHeader(hdr []byte) error {
	if len(hdr) > len(c.Header) {
		return fmt.Errorf("header of %d bytes exceeds reserved capacity %d", len(hdr), len(c.Header))
	}
	copy(c.Header, hdr)
	c.HeaderLen = len(hdr)
	return nil
}

// SendFunc transforms an outbound payload. The returned slice is the
// payload to carry forward (it may alias the input or the stage's scratch);
// returning an empty slice with no header consumes the packet, which halts
// the chain (hold-for-later semantics).
type SendFunc func(ctx *Context, payload []byte) ([]byte, error)

// ReceiveFunc mirrors SendFunc for inbound payloads. The input still
// carries this stage's header at the front; the stage strips it and returns
// the application-ward bytes, or an empty slice when the packet was
// consumed (buffered for reassembly, stale, an ack).
type ReceiveFunc func(ctx *Context, payload []byte) ([]byte, error)

// InitFunc seeds a connection's zeroed scratch regions for this stage.
type InitFunc func(sendScratch, receiveScratch, sharedScratch []byte)

// Stage describes one protocol transform: its entry points and its fixed
// per-connection scratch and header requirements. All capacities are in
// bytes.
type Stage struct {
	Name string

	// SendCapacity, ReceiveCapacity and SharedCapacity size the
	// connection's scratch regions for this stage.
	SendCapacity    int
	ReceiveCapacity int
	SharedCapacity  int

	// HeaderCapacity is reserved in front of the payload for every packet
	// passing the stage on the send path.
	HeaderCapacity int

	// PayloadCapacity caps the payload the stage can emit in one packet.
	// Zero means no cap beyond the buffer itself.
	PayloadCapacity int

	Send                 SendFunc
	Receive              ReceiveFunc
	InitializeConnection InitFunc
}

// Registry maps stage IDs to their singleton descriptors.
type Registry struct {
	stages map[StageID]*Stage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[StageID]*Stage)}
}

// Register adds a stage and returns its ID.
func (r *Registry) Register(stage *Stage) (StageID, error) {
	id := MakeStageID(stage.Name)
	if _, exists := r.stages[id]; exists {
		return 0, fmt.Errorf("%w: %s", ErrStageRegistered, stage.Name)
	}
	r.stages[id] = stage
	return id, nil
}

// Lookup resolves a stage ID.
func (r *Registry) Lookup(id StageID) (*Stage, bool) {
	s, ok := r.stages[id]
	return s, ok
}
