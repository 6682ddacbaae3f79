package pipeline

import "fmt"

// ReliabilityStageName identifies the reliable-ordered stage.
const ReliabilityStageName = "reliability"

// reliableHeaderSize is the per-packet header:
// [flags (1)][sequence (2)][ack sequence (2)][ack mask (4)].
const reliableHeaderSize = 9

const (
	reliableFlagPayload = 1 << 0
	reliableFlagAck     = 1 << 1
)

// maxReliableWindow is bounded by the 32-bit ack mask.
const maxReliableWindow = 32

// ReliabilityParams configures the reliability stage.
type ReliabilityParams struct {
	// WindowSize is the number of unacknowledged packets kept in flight.
	// Must be a power of two so slot indices stay consistent across the
	// 16-bit sequence wrap.
	WindowSize int
	// SlotSize is the retransmit copy held per packet; payloads larger
	// than this are rejected (fragment first).
	SlotSize int
	// ResendTimeout is how long, in driver-clock milliseconds, an
	// unacknowledged packet waits before retransmission.
	ResendTimeout int64
}

// Validate implements settings.Parameter.
func (p ReliabilityParams) Validate() error {
	if p.WindowSize <= 0 || p.WindowSize > maxReliableWindow {
		return fmt.Errorf("WindowSize must be in 1..%d: %d", maxReliableWindow, p.WindowSize)
	}
	if p.WindowSize&(p.WindowSize-1) != 0 {
		return fmt.Errorf("WindowSize must be a power of two: %d", p.WindowSize)
	}
	if p.SlotSize <= 0 {
		return fmt.Errorf("SlotSize must be positive: %d", p.SlotSize)
	}
	if p.ResendTimeout <= 0 {
		return fmt.Errorf("ResendTimeout must be positive: %d", p.ResendTimeout)
	}
	return nil
}

// DefaultReliabilityParams returns the reliability defaults.
func DefaultReliabilityParams() ReliabilityParams {
	return ReliabilityParams{WindowSize: 32, SlotSize: 1024, ResendTimeout: 200}
}

// Scratch layouts. Send: [0:2] next sequence, then WindowSize retransmit
// slots of [0] in-use, [2:4] sequence, [4:6] length, [8:16] last send time,
// [16:] payload copy. Receive: [0:2] next sequence to deliver, then
// WindowSize reorder slots of [0] in-use, [2:4] sequence, [4:6] length,
// [8:] payload copy. Shared (written by receive, read by send to
// piggyback acks): [0:2] newest received sequence, [2:6] received mask,
// [6] seen-any flag, [7] ack-needed flag.
const (
	relSendSlots    = 8
	relRecvSlots    = 8
	relSendSlotData = 16
	relRecvSlotData = 8
)

// NewReliabilityStage builds the reliable-ordered stage: every payload is
// copied into a retransmit window and resent until acknowledged; inbound
// payloads are reordered and delivered strictly in sequence, buffering
// ahead-of-order arrivals and draining them through Resume. Acknowledgements
// piggyback on outbound traffic and otherwise go out as header-only packets
// raised by SendUpdate.
func NewReliabilityStage(params ReliabilityParams) *Stage {
	window := params.WindowSize
	slotSize := params.SlotSize
	sendStride := alignUp(relSendSlotData + slotSize)
	recvStride := alignUp(relRecvSlotData + slotSize)

	sendSlot := func(s []byte, i int) []byte {
		off := relSendSlots + i*sendStride
		return s[off : off+sendStride]
	}
	recvSlot := func(r []byte, i int) []byte {
		off := relRecvSlots + i*recvStride
		return r[off : off+recvStride]
	}

	writeHeader := func(ctx *Context, flags byte, seq uint16) error {
		var hdr [reliableHeaderSize]byte
		hdr[0] = flags
		pu16(hdr[1:], seq)
		pu16(hdr[3:], u16(ctx.SharedScratch[0:]))
		pu32(hdr[5:], u32(ctx.SharedScratch[2:]))
		ctx.SharedScratch[7] = 0 // acks travel with this packet
		return ctx.SetHeader(hdr[:])
	}

	// deliver hands out the next in-sequence buffered payload, if present,
	// and raises Resume when the one after it is already waiting.
	deliver := func(ctx *Context) []byte {
		r := ctx.ReceiveScratch
		next := u16(r[0:])
		slot := recvSlot(r, int(next)%window)
		if slot[0] == 0 || u16(slot[2:]) != next {
			return nil
		}
		slot[0] = 0
		pu16(r[0:], next+1)
		ahead := recvSlot(r, int(next+1)%window)
		if ahead[0] != 0 && u16(ahead[2:]) == next+1 {
			ctx.Requests |= RequestResume
		}
		length := int(u16(slot[4:]))
		return slot[relRecvSlotData : relRecvSlotData+length]
	}

	processAcks := func(ctx *Context, ackSeq uint16, ackMask uint32) {
		s := ctx.SendScratch
		for i := 0; i < window; i++ {
			slot := sendSlot(s, i)
			if slot[0] == 0 {
				continue
			}
			d := int(int16(ackSeq - u16(slot[2:])))
			if d >= 0 && d < maxReliableWindow && ackMask&(1<<uint(d)) != 0 {
				slot[0] = 0
			}
		}
	}

	return &Stage{
		Name:            ReliabilityStageName,
		SendCapacity:    relSendSlots + window*sendStride,
		ReceiveCapacity: relRecvSlots + window*recvStride,
		SharedCapacity:  8,
		HeaderCapacity:  reliableHeaderSize,

		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			s := ctx.SendScratch

			if len(payload) > 0 {
				if len(payload) > slotSize {
					return nil, fmt.Errorf("payload of %d bytes exceeds reliability slot %d", len(payload), slotSize)
				}
				seq := u16(s[0:])
				slot := sendSlot(s, int(seq)%window)
				if slot[0] != 0 {
					return nil, fmt.Errorf("reliability window full at sequence %d", seq)
				}
				slot[0] = 1
				pu16(slot[2:], seq)
				pu16(slot[4:], uint16(len(payload)))
				pi64(slot[8:], ctx.Timestamp)
				copy(slot[relSendSlotData:], payload)
				pu16(s[0:], seq+1)

				if err := writeHeader(ctx, reliableFlagPayload|reliableFlagAck, seq); err != nil {
					return nil, err
				}
				ctx.Requests |= RequestUpdate // arm the resend timer
				return payload, nil
			}

			// Update or resume invocation: retransmit the oldest
			// timed-out packet, else flush a pending ack.
			resend := -1
			var resendSeq uint16
			inFlight := false
			for i := 0; i < window; i++ {
				slot := sendSlot(s, i)
				if slot[0] == 0 {
					continue
				}
				inFlight = true
				if ctx.Timestamp-i64(slot[8:]) < params.ResendTimeout {
					continue
				}
				seq := u16(slot[2:])
				if resend < 0 || seqNewer(resendSeq, seq) {
					resend, resendSeq = i, seq
				}
			}
			if resend >= 0 {
				slot := sendSlot(s, resend)
				pi64(slot[8:], ctx.Timestamp)
				if err := writeHeader(ctx, reliableFlagPayload|reliableFlagAck, resendSeq); err != nil {
					return nil, err
				}
				ctx.Requests |= RequestUpdate
				length := int(u16(slot[4:]))
				return slot[relSendSlotData : relSendSlotData+length], nil
			}
			if ctx.SharedScratch[7] != 0 {
				if err := writeHeader(ctx, reliableFlagAck, 0); err != nil {
					return nil, err
				}
				return nil, nil // header-only ack packet
			}
			if inFlight {
				ctx.Requests |= RequestUpdate
			}
			return nil, nil
		},

		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return deliver(ctx), nil // resume: drain the reorder buffer
			}
			if len(payload) < reliableHeaderSize {
				return nil, errTruncatedHeader
			}
			flags := payload[0]
			seq := u16(payload[1:])
			body := payload[reliableHeaderSize:]

			if flags&reliableFlagAck != 0 {
				processAcks(ctx, u16(payload[3:]), u32(payload[5:]))
			}
			if flags&reliableFlagPayload == 0 {
				return nil, nil // pure ack
			}

			// Record receipt for future acks, then always re-ack: a
			// duplicate means our previous ack may have been lost.
			sh := ctx.SharedScratch
			duplicate := false
			if sh[6] == 0 {
				pu16(sh[0:], seq)
				pu32(sh[2:], 1)
				sh[6] = 1
			} else {
				last := u16(sh[0:])
				d := int(int16(seq - last))
				switch {
				case d > 0:
					mask := u32(sh[2:])
					if d >= maxReliableWindow {
						mask = 1
					} else {
						mask = mask<<uint(d) | 1
					}
					pu16(sh[0:], seq)
					pu32(sh[2:], mask)
				case -d < maxReliableWindow:
					bit := uint32(1) << uint(-d)
					duplicate = u32(sh[2:])&bit != 0
					pu32(sh[2:], u32(sh[2:])|bit)
				default:
					duplicate = true
				}
			}
			sh[7] = 1
			ctx.Requests |= RequestSendUpdate
			if duplicate {
				return nil, nil
			}

			r := ctx.ReceiveScratch
			next := u16(r[0:])
			d := int(int16(seq - next))
			if d < 0 || d >= window {
				return nil, nil // already delivered or beyond the window
			}
			if len(body) > slotSize {
				return nil, fmt.Errorf("reliable payload of %d bytes exceeds slot %d", len(body), slotSize)
			}
			slot := recvSlot(r, int(seq)%window)
			slot[0] = 1
			pu16(slot[2:], seq)
			pu16(slot[4:], uint16(len(body)))
			copy(slot[relRecvSlotData:], body)

			return deliver(ctx), nil
		},
	}
}
