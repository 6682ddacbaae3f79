package stack

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/packet"
	"github.com/opd-ai/netdriver/settings"
)

var (
	// ErrPaddingDecreased indicates a layer that shrank the cumulative
	// packet padding during initialization.
	ErrPaddingDecreased = errors.New("layer decreased packet padding")
	// ErrEmptyStack indicates a stack built with no layers.
	ErrEmptyStack = errors.New("stack has no layers")
)

// UpdateContext is the per-update working set handed to every layer: the
// inbound and outbound packet pools and the driver's logical timestamp in
// milliseconds.
type UpdateContext struct {
	Now     int64
	Receive *packet.Queue
	Send    *packet.Queue
}

// Layer is one stratum of the network stack.
//
// Initialize runs bottom-up exactly once; packetPadding accumulates the
// header bytes reserved at the front of every packet buffer and must never
// decrease. ScheduleReceive runs bottom-up each update, ScheduleSend
// top-down.
type Layer interface {
	Name() string
	Initialize(s *settings.Settings, conns *connection.List, packetPadding *int) error
	ScheduleReceive(ctx *UpdateContext) error
	ScheduleSend(ctx *UpdateContext) error
	Close() error
}

// Stack is an initialized, ordered layer composition.
type Stack struct {
	layers  []Layer
	padding int
}

// New builds a stack from layers listed bottom first.
func New(layers ...Layer) *Stack {
	return &Stack{layers: layers}
}

// Initialize runs every layer's initialization bottom-up and records the
// final cumulative packet padding.
func (st *Stack) Initialize(s *settings.Settings, conns *connection.List) error {
	if len(st.layers) == 0 {
		return ErrEmptyStack
	}

	padding := 0
	for _, l := range st.layers {
		before := padding
		if err := l.Initialize(s, conns, &padding); err != nil {
			return fmt.Errorf("layer %s: %w", l.Name(), err)
		}
		if padding < before {
			return fmt.Errorf("%w: %s went from %d to %d", ErrPaddingDecreased, l.Name(), before, padding)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"layer":    l.Name(),
			"padding":  padding,
		}).Debug("Stack layer initialized")
	}
	st.padding = padding
	return nil
}

// PacketPadding returns the total front space the stack reserves in every
// packet buffer. Fresh outbound payload windows start past it.
func (st *Stack) PacketPadding() int {
	return st.padding
}

// ScheduleReceive runs the receive phase bottom-up.
func (st *Stack) ScheduleReceive(ctx *UpdateContext) error {
	for _, l := range st.layers {
		if err := l.ScheduleReceive(ctx); err != nil {
			return fmt.Errorf("layer %s receive: %w", l.Name(), err)
		}
	}
	return nil
}

// ScheduleSend runs the send phase top-down.
func (st *Stack) ScheduleSend(ctx *UpdateContext) error {
	for i := len(st.layers) - 1; i >= 0; i-- {
		if err := st.layers[i].ScheduleSend(ctx); err != nil {
			return fmt.Errorf("layer %s send: %w", st.layers[i].Name(), err)
		}
	}
	return nil
}

// Close shuts the layers down top-down, returning the first error while
// still closing the rest.
func (st *Stack) Close() error {
	var firstErr error
	for i := len(st.layers) - 1; i >= 0; i-- {
		if err := st.layers[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("layer %s close: %w", st.layers[i].Name(), err)
		}
	}
	return firstErr
}
