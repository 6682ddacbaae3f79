// Package netdriver is a connection-oriented packet transport engine built
// around explicit update ticks.
//
// A Driver wraps one raw network backend (UDP, in-process loopback, TCP or
// WebSocket, see the transport package) in an ordered layer stack that
// handles connection lifecycle, optional Noise encryption and optional
// relaying. Application payloads travel through per-connection pipelines
// (see the pipeline package) composed of stages such as sequencing,
// fragmentation, compression and reliable delivery.
//
// Nothing happens between ScheduleUpdate calls: one tick receives from the
// wire, turns completed payloads into events, services stage timers and
// flushes queued sends. All packet memory comes from fixed pools recycled
// every tick, so a steady-state driver does not allocate.
//
// Basic usage:
//
//	drv, err := netdriver.New(transport.NewUDP(), nil)
//	if err != nil {
//		...
//	}
//	pipe, _ := drv.CreatePipeline(
//		pipeline.MakeStageID(pipeline.FragmentationStageName),
//		pipeline.MakeStageID(pipeline.ReliabilityStageName),
//	)
//	conn, _ := drv.Connect(connection.UDPEndpoint("10.0.0.2", 9000))
//	for {
//		drv.ScheduleUpdate()
//		for e := drv.PopEvent(); e.Type != netdriver.EventEmpty; e = drv.PopEvent() {
//			...
//		}
//	}
//
// Worker goroutines use the view returned by ToConcurrent to send and to
// pop per-connection events in parallel, between ticks.
package netdriver
