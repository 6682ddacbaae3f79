// Package stack composes the layered network stack that sits between the raw
// transport backend and the driver.
//
// A Stack is an ordered list of Layers, bottom first. During the receive
// phase of a driver update the layers run bottom-up, each consuming or
// transforming the inbound packets the layer below produced; during the send
// phase they run top-down, each wrapping the outbound packets before the
// layer below transmits them. Every layer declares the per-packet header
// space it needs through a cumulative padding accumulator at initialization,
// so upper layers always reserve enough front room for the layers beneath.
//
// The standard composition is bottom, interface, security, relay, connection
// management, top; security and relay are optional.
package stack
