package netdriver

import (
	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/pipeline"
)

// Concurrent is the worker-goroutine view of a driver. Its methods may be
// called from any number of goroutines concurrently with each other, but
// never concurrently with ScheduleUpdate; the update tick owns the packet
// pools and the event queue while it runs.
//
// Two goroutines sending on the same connection and pipeline at once get
// pipeline.ErrConcurrentSend; sends on distinct connections proceed in
// parallel. Event pops claim records atomically, so several workers can
// drain different connections' events at the same time.
type Concurrent struct {
	d *Driver
}

// ToConcurrent returns the concurrent view. The view shares all state with
// the driver; it adds no synchronization of its own beyond what the
// underlying structures already provide.
func (d *Driver) ToConcurrent() *Concurrent {
	return &Concurrent{d: d}
}

// BeginSend reserves a packet buffer. See Driver.BeginSend.
func (c *Concurrent) BeginSend(pipe pipeline.ID, conn connection.ID) (*SendHandle, error) {
	return c.d.BeginSend(pipe, conn)
}

// EndSend pushes a pending send through its pipeline. See Driver.EndSend.
func (c *Concurrent) EndSend(h *SendHandle) (int, error) {
	return c.d.EndSend(h)
}

// AbortSend releases a pending send. See Driver.AbortSend.
func (c *Concurrent) AbortSend(h *SendHandle) error {
	return c.d.AbortSend(h)
}

// PopEventForConnection claims the oldest pending event of one connection.
func (c *Concurrent) PopEventForConnection(conn connection.ID) Event {
	return c.d.PopEventForConnection(conn)
}
