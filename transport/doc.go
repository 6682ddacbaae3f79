// Package transport defines the raw network interface contract consumed by
// the layer stack, and the concrete backends that implement it: UDP sockets,
// an in-process loopback (IPC) keyed by port, TCP streams carrying
// length-framed datagrams, and WebSocket binary messages.
//
// A backend never parses protocol headers. Its job is to drain the wire into
// the receive packet queue and to flush the send packet queue back onto the
// wire, re-arming its receive machinery on every update. Transient socket
// errors surface as OpError codes; repeated failures trigger a bounded
// number of socket recreations before the backend marks itself failed.
package transport
