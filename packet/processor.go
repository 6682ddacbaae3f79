package packet

import "github.com/opd-ai/netdriver/connection"

// Processor is a transient, non-owning view over one acquired buffer. It is
// a value (queue pointer plus index) that stays valid only while the buffer
// is acquired; Clear on the owning Queue invalidates all views. The zero
// Processor is invalid.
type Processor struct {
	queue *Queue
	index int32 // 1-based so the zero value is invalid
}

// IsValid reports whether the view refers to a buffer at all.
func (p Processor) IsValid() bool {
	return p.queue != nil && p.index > 0
}

// Metadata returns a copy of the buffer's metadata.
func (p Processor) Metadata() Metadata {
	if !p.IsValid() {
		return Metadata{}
	}
	return p.queue.metadata[p.index-1]
}

// SetConnection records which connection the packet belongs to.
func (p Processor) SetConnection(id connection.ID) {
	if p.IsValid() {
		p.queue.metadata[p.index-1].Connection = id
	}
}

// Endpoint returns the remote endpoint associated with the packet.
func (p Processor) Endpoint() connection.Endpoint {
	if !p.IsValid() {
		return connection.Endpoint{}
	}
	return p.queue.endpoints[p.index-1]
}

// SetEndpoint records the packet's remote endpoint.
func (p Processor) SetEndpoint(ep connection.Endpoint) {
	if p.IsValid() {
		p.queue.endpoints[p.index-1] = ep
	}
}

// Buffer exposes the buffer's full fixed-capacity byte range. The pipeline
// processor uses it for in-place header arithmetic; the payload window
// within it is described by Metadata.
func (p Processor) Buffer() []byte {
	if !p.IsValid() {
		return nil
	}
	return p.queue.bufferAt(p.index - 1)
}

// Payload returns the live payload window.
func (p Processor) Payload() []byte {
	if !p.IsValid() {
		return nil
	}
	md := &p.queue.metadata[p.index-1]
	buf := p.queue.bufferAt(p.index - 1)
	return buf[md.Offset : md.Offset+md.Length]
}

// SetWindow repositions the payload window inside the buffer. Offset and
// length are validated against the fixed capacity.
func (p Processor) SetWindow(offset, length int) error {
	if !p.IsValid() {
		return ErrInvalidProcessor
	}
	md := &p.queue.metadata[p.index-1]
	if offset < 0 || length < 0 || offset+length > int(md.Capacity) {
		return ErrOverflow
	}
	md.Offset = int32(offset)
	md.Length = int32(length)
	return nil
}

// AppendToPayload writes data after the current payload, growing the window.
func (p Processor) AppendToPayload(data []byte) error {
	if !p.IsValid() {
		return ErrInvalidProcessor
	}
	md := &p.queue.metadata[p.index-1]
	if int(md.Offset+md.Length)+len(data) > int(md.Capacity) {
		return ErrOverflow
	}
	buf := p.queue.bufferAt(p.index - 1)
	copy(buf[md.Offset+md.Length:], data)
	md.Length += int32(len(data))
	return nil
}

// PrependToPayload writes data immediately before the current payload,
// consuming reserved header space in front of the window.
func (p Processor) PrependToPayload(data []byte) error {
	if !p.IsValid() {
		return ErrInvalidProcessor
	}
	md := &p.queue.metadata[p.index-1]
	if len(data) > int(md.Offset) {
		return ErrOverflow
	}
	buf := p.queue.bufferAt(p.index - 1)
	copy(buf[int(md.Offset)-len(data):], data)
	md.Offset -= int32(len(data))
	md.Length += int32(len(data))
	return nil
}

// RemoveFromPayloadStart advances the window past n consumed bytes.
func (p Processor) RemoveFromPayloadStart(n int) error {
	if !p.IsValid() {
		return ErrInvalidProcessor
	}
	md := &p.queue.metadata[p.index-1]
	if n < 0 || int32(n) > md.Length {
		return ErrUnderflow
	}
	md.Offset += int32(n)
	md.Length -= int32(n)
	return nil
}

// CopyPayload copies the payload window into dst and returns the number of
// bytes copied. dst shorter than the payload is an overflow.
func (p Processor) CopyPayload(dst []byte) (int, error) {
	if !p.IsValid() {
		return 0, ErrInvalidProcessor
	}
	payload := p.Payload()
	if len(dst) < len(payload) {
		return 0, ErrOverflow
	}
	return copy(dst, payload), nil
}

// Slice returns a sub-slice of the payload window.
func (p Processor) Slice(offset, length int) ([]byte, error) {
	if !p.IsValid() {
		return nil, ErrInvalidProcessor
	}
	md := &p.queue.metadata[p.index-1]
	if offset < 0 || length < 0 || offset+length > int(md.Length) {
		return nil, ErrBadSlice
	}
	buf := p.queue.bufferAt(p.index - 1)
	start := int(md.Offset) + offset
	return buf[start : start+length], nil
}

// Drop marks the packet as discarded. The buffer itself is reclaimed in
// bulk by the owning queue's Clear.
func (p Processor) Drop() {
	if !p.IsValid() {
		return
	}
	p.queue.metadata[p.index-1].Length = 0
}
