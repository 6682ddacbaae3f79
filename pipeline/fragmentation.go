package pipeline

import (
	"fmt"
	"math/bits"
)

// FragmentationStageName identifies the fragmentation stage.
const FragmentationStageName = "fragmentation"

// fragmentHeaderSize is the per-fragment header:
// [sequence (2)][index (1)][count (1)][total length (2)].
const fragmentHeaderSize = 6

// maxFragmentCount is bounded by the 32-bit reassembly mask.
const maxFragmentCount = 32

// FragmentationParams configures the fragmentation stage.
type FragmentationParams struct {
	// FragmentSize is the largest payload slice carried per packet.
	FragmentSize int
	// MaxMessageSize is the largest message accepted for fragmentation.
	MaxMessageSize int
}

// Validate implements settings.Parameter.
func (p FragmentationParams) Validate() error {
	if p.FragmentSize <= 0 {
		return fmt.Errorf("FragmentSize must be positive: %d", p.FragmentSize)
	}
	if p.MaxMessageSize < p.FragmentSize {
		return fmt.Errorf("MaxMessageSize %d below FragmentSize %d", p.MaxMessageSize, p.FragmentSize)
	}
	if (p.MaxMessageSize+p.FragmentSize-1)/p.FragmentSize > maxFragmentCount {
		return fmt.Errorf("MaxMessageSize %d needs more than %d fragments", p.MaxMessageSize, maxFragmentCount)
	}
	return nil
}

// DefaultFragmentationParams returns the fragmentation defaults.
func DefaultFragmentationParams() FragmentationParams {
	return FragmentationParams{FragmentSize: 512, MaxMessageSize: 1800}
}

// Send scratch layout: [0:2] next sequence, [2:4] drain position,
// [4:6] total, [6] count, [7] next index, [8:] message copy.
// Receive scratch layout: [0:2] active sequence, [2:6] received mask,
// [6:8] total, [8] count (0 = inactive), [16:] reassembly buffer.
const (
	fragSendData = 8
	fragRecvData = 16
)

// NewFragmentationStage builds the fragmentation stage. Messages up to
// MaxMessageSize are split into FragmentSize slices; the first slice goes
// out with the triggering packet and the rest drain through Resume
// requests, one fresh buffer each. Zero-length payloads are not
// fragmented. Reassembly keeps exactly one message in flight per
// connection; a fragment of a newer message abandons the older one.
func NewFragmentationStage(params FragmentationParams) *Stage {
	fragSize := params.FragmentSize

	emit := func(ctx *Context) ([]byte, error) {
		s := ctx.SendScratch
		pos, total := int(u16(s[2:])), int(u16(s[4:]))
		if pos >= total {
			return nil, nil
		}
		n := total - pos
		if n > fragSize {
			n = fragSize
		}
		var hdr [fragmentHeaderSize]byte
		pu16(hdr[0:], u16(s[0:])) // current message sequence
		hdr[2] = s[7]
		hdr[3] = s[6]
		pu16(hdr[4:], uint16(total))
		if err := ctx.SetHeader(hdr[:]); err != nil {
			return nil, err
		}
		out := s[fragSendData+pos : fragSendData+pos+n]
		pu16(s[2:], uint16(pos+n))
		s[7]++
		if pos+n < total {
			ctx.Requests |= RequestResume
		} else {
			pu16(s[0:], u16(s[0:])+1) // message done, advance sequence
		}
		return out, nil
	}

	return &Stage{
		Name:            FragmentationStageName,
		SendCapacity:    fragSendData + params.MaxMessageSize,
		ReceiveCapacity: fragRecvData + params.MaxMessageSize,
		HeaderCapacity:  fragmentHeaderSize,
		PayloadCapacity: params.MaxMessageSize,

		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			s := ctx.SendScratch
			if len(payload) == 0 {
				return emit(ctx) // resume or update: drain the next slice
			}
			if len(payload) > params.MaxMessageSize {
				return nil, fmt.Errorf("message of %d bytes exceeds MaxMessageSize %d", len(payload), params.MaxMessageSize)
			}
			if len(payload) <= fragSize {
				var hdr [fragmentHeaderSize]byte
				pu16(hdr[0:], u16(s[0:]))
				hdr[2] = 0
				hdr[3] = 1
				pu16(hdr[4:], uint16(len(payload)))
				if err := ctx.SetHeader(hdr[:]); err != nil {
					return nil, err
				}
				pu16(s[0:], u16(s[0:])+1)
				return payload, nil
			}

			copy(s[fragSendData:], payload)
			pu16(s[2:], 0)
			pu16(s[4:], uint16(len(payload)))
			s[6] = byte((len(payload) + fragSize - 1) / fragSize)
			s[7] = 0
			return emit(ctx)
		},

		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			if len(payload) < fragmentHeaderSize {
				return nil, errTruncatedHeader
			}
			seq := u16(payload[0:])
			index, count := int(payload[2]), int(payload[3])
			total := int(u16(payload[4:]))
			body := payload[fragmentHeaderSize:]

			if count == 1 {
				return body, nil
			}
			if count > maxFragmentCount || total > params.MaxMessageSize || index >= count {
				return nil, fmt.Errorf("malformed fragment %d/%d of %d bytes", index, count, total)
			}

			r := ctx.ReceiveScratch
			if r[8] == 0 || u16(r[0:]) != seq {
				// New message; any half-assembled older one is abandoned.
				pu16(r[0:], seq)
				pu32(r[2:], 0)
				pu16(r[6:], uint16(total))
				r[8] = byte(count)
			}
			copy(r[fragRecvData+index*fragSize:], body)
			mask := u32(r[2:]) | 1<<uint(index)
			pu32(r[2:], mask)

			if bits.OnesCount32(mask) < count {
				return nil, nil // waiting for more fragments
			}
			r[8] = 0
			return r[fragRecvData : fragRecvData+total], nil
		},
	}
}
