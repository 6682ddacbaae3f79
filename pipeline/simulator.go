package pipeline

import "fmt"

// SimulatorStageName identifies the network-condition simulator stage.
const SimulatorStageName = "simulator"

// maxDelayedPackets is the per-connection ring of packets held back by
// the artificial delay.
const maxDelayedPackets = 8

// SimulatorParams configures the simulator stage.
type SimulatorParams struct {
	// DropPercent of packets are silently discarded, on both directions.
	DropPercent int
	// DuplicatePercent of outbound packets are sent twice.
	DuplicatePercent int
	// DelayMS holds outbound packets back for this many driver-clock
	// milliseconds before release.
	DelayMS int64
	// Seed fixes the random sequence; zero picks a default constant so
	// runs stay reproducible.
	Seed uint64
}

// Validate implements settings.Parameter.
func (p SimulatorParams) Validate() error {
	if p.DropPercent < 0 || p.DropPercent > 100 {
		return fmt.Errorf("DropPercent must be in 0..100: %d", p.DropPercent)
	}
	if p.DuplicatePercent < 0 || p.DuplicatePercent > 100 {
		return fmt.Errorf("DuplicatePercent must be in 0..100: %d", p.DuplicatePercent)
	}
	if p.DelayMS < 0 {
		return fmt.Errorf("DelayMS must not be negative: %d", p.DelayMS)
	}
	return nil
}

const simDefaultSeed = 0x9e3779b97f4a7c15

// Send scratch layout: [0:2] pending duplicate length, [8:] duplicate
// copy, then maxDelayedPackets delay slots of [0:8] release time
// (0 = free), [8:10] length, [16:] data. Shared scratch: [0:8]
// xorshift64 state.
const (
	simDupData  = 8
	simSlotData = 16
)

// NewSimulatorStage builds a stage that injects artificial network
// conditions for testing: probabilistic drops on both directions,
// outbound duplication re-emitted through Resume, and outbound delay
// drained by Update once the hold time elapses. maxPayload bounds the
// packets it can hold back.
func NewSimulatorStage(params SimulatorParams, maxPayload int) *Stage {
	slotStride := alignUp(simSlotData + maxPayload)
	ringBase := alignUp(simDupData + maxPayload)

	slot := func(s []byte, i int) []byte {
		off := ringBase + i*slotStride
		return s[off : off+slotStride]
	}

	// xorshift64; good enough for fault injection and dependency free.
	roll := func(ctx *Context, percent int) bool {
		if percent <= 0 {
			return false
		}
		x := u64(ctx.SharedScratch)
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		pu64(ctx.SharedScratch, x)
		return int(x%100) < percent
	}

	// drain releases the oldest due delayed packet and keeps the update
	// chain alive while any remain held.
	drain := func(ctx *Context) []byte {
		s := ctx.SendScratch
		due, held := -1, 0
		var dueAt int64
		for i := 0; i < maxDelayedPackets; i++ {
			readyAt := i64(slot(s, i))
			if readyAt == 0 {
				continue
			}
			held++
			if readyAt > ctx.Timestamp {
				continue
			}
			if due < 0 || readyAt < dueAt {
				due, dueAt = i, readyAt
			}
		}
		if due < 0 {
			if held > 0 {
				ctx.Requests |= RequestUpdate
			}
			return nil
		}
		sl := slot(s, due)
		pi64(sl, 0)
		if held > 1 {
			ctx.Requests |= RequestUpdate
		}
		length := int(u16(sl[8:]))
		return sl[simSlotData : simSlotData+length]
	}

	return &Stage{
		Name:           SimulatorStageName,
		SendCapacity:   ringBase + maxDelayedPackets*slotStride,
		SharedCapacity: 8,

		InitializeConnection: func(send, recv, shared []byte) {
			seed := params.Seed
			if seed == 0 {
				seed = simDefaultSeed
			}
			pu64(shared, seed)
		},

		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			s := ctx.SendScratch

			if len(payload) == 0 {
				// Resume: flush a pending duplicate before delayed packets.
				if dupLen := int(u16(s[0:])); dupLen > 0 {
					pu16(s[0:], 0)
					return s[simDupData : simDupData+dupLen], nil
				}
				return drain(ctx), nil
			}

			if roll(ctx, params.DropPercent) {
				return nil, nil
			}
			if len(payload) <= maxPayload && roll(ctx, params.DuplicatePercent) {
				copy(s[simDupData:], payload)
				pu16(s[0:], uint16(len(payload)))
				ctx.Requests |= RequestResume
			}
			if params.DelayMS > 0 && len(payload) <= maxPayload {
				for i := 0; i < maxDelayedPackets; i++ {
					sl := slot(s, i)
					if i64(sl) != 0 {
						continue
					}
					pi64(sl, ctx.Timestamp+params.DelayMS)
					pu16(sl[8:], uint16(len(payload)))
					copy(sl[simSlotData:], payload)
					ctx.Requests |= RequestUpdate
					return nil, nil // held back, released by a later update
				}
				// Ring full; the packet goes out on time instead.
			}
			return payload, nil
		},

		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			if roll(ctx, params.DropPercent) {
				return nil, nil
			}
			return payload, nil
		},
	}
}
