// Package pipeline implements the per-connection protocol transform
// pipeline: an ordered list of stages (fragmentation, reliability,
// sequencing, compression, simulation) applied to outbound payloads in
// definition order and to inbound payloads in reverse.
//
// Stage behavior is a set of function values resolved into a flat array at
// pipeline-creation time, so the per-packet hot path never goes through an
// interface dispatch. Each connection owns a contiguous scratch arena per
// pipeline, split into 8-byte-aligned send/receive/shared regions per stage;
// all per-connection stage state lives in those byte regions, never in the
// shared stage descriptor.
//
// Stages signal control flow through request flags instead of suspending:
// Resume re-runs the stage immediately with a fresh buffer (draining
// fragments or a delivery window), Update schedules a re-run on a later
// driver tick (retransmits, acknowledgements), and SendUpdate lets a
// receive-side stage trigger the send-side pipeline of the same connection.
package pipeline
