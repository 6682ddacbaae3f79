package stack

import (
	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
	"github.com/opd-ai/netdriver/transport"
)

// interfaceLayer adapts a transport backend into the layer contract. It is
// the only layer that touches sockets; everything above works purely on the
// packet queues.
type interfaceLayer struct {
	itf transport.Interface
}

// NewInterfaceLayer wraps a transport backend as a stack layer.
func NewInterfaceLayer(itf transport.Interface) Layer {
	return &interfaceLayer{itf: itf}
}

func (il *interfaceLayer) Name() string { return "interface" }

func (il *interfaceLayer) Initialize(s *settings.Settings, _ *connection.List, packetPadding *int) error {
	return il.itf.Initialize(s, packetPadding)
}

func (il *interfaceLayer) ScheduleReceive(ctx *UpdateContext) error {
	return il.itf.ScheduleReceive(transport.ReceiveArgs{Queue: ctx.Receive})
}

func (il *interfaceLayer) ScheduleSend(ctx *UpdateContext) error {
	return il.itf.ScheduleSend(transport.SendArgs{Queue: ctx.Send})
}

func (il *interfaceLayer) Close() error {
	return il.itf.Close()
}
