package pipeline

// SequencerStageName identifies the unreliable-sequenced stage.
const SequencerStageName = "sequencer"

// NewSequencerStage builds the sequencing stage: every outbound payload is
// tagged with a 16-bit sequence number, and inbound payloads older than the
// newest one seen are discarded. Duplicates count as old.
//
// Send scratch: [0:2] next outbound sequence.
// Receive scratch: [0:2] newest inbound sequence, [2] seen-any flag.
func NewSequencerStage() *Stage {
	return &Stage{
		Name:            SequencerStageName,
		SendCapacity:    2,
		ReceiveCapacity: 3,
		HeaderCapacity:  2,

		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			seq := u16(ctx.SendScratch)
			var hdr [2]byte
			pu16(hdr[:], seq)
			if err := ctx.SetHeader(hdr[:]); err != nil {
				return nil, err
			}
			pu16(ctx.SendScratch, seq+1)
			return payload, nil
		},

		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			if len(payload) < 2 {
				return nil, errTruncatedHeader
			}
			seq := u16(payload)
			if ctx.ReceiveScratch[2] != 0 && !seqNewer(seq, u16(ctx.ReceiveScratch)) {
				return nil, nil // stale or duplicate
			}
			pu16(ctx.ReceiveScratch, seq)
			ctx.ReceiveScratch[2] = 1
			return payload[2:], nil
		},
	}
}
