package pipeline

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// CompressionStageName identifies the payload-compression stage.
const CompressionStageName = "compression"

const (
	compressionRaw        = 0
	compressionCompressed = 1
)

// NewCompressionStage builds the compression stage. Outbound payloads are
// S2-block-encoded when that actually shrinks them; a one-byte header flags
// which form travelled. maxPayload bounds the decoded size the stage must
// be able to hold in its scratch.
func NewCompressionStage(maxPayload int) *Stage {
	return &Stage{
		Name:            CompressionStageName,
		SendCapacity:    s2.MaxEncodedLen(maxPayload),
		ReceiveCapacity: maxPayload,
		HeaderCapacity:  1,

		Send: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			if len(payload) > maxPayload {
				return nil, fmt.Errorf("payload of %d bytes exceeds compression budget %d", len(payload), maxPayload)
			}
			encoded := s2.Encode(ctx.SendScratch[:0], payload)
			if len(encoded) < len(payload) {
				if err := ctx.SetHeader([]byte{compressionCompressed}); err != nil {
					return nil, err
				}
				return encoded, nil
			}
			if err := ctx.SetHeader([]byte{compressionRaw}); err != nil {
				return nil, err
			}
			return payload, nil
		},

		Receive: func(ctx *Context, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			if len(payload) < 1 {
				return nil, errTruncatedHeader
			}
			flag, rest := payload[0], payload[1:]
			switch flag {
			case compressionRaw:
				return rest, nil
			case compressionCompressed:
				decoded, err := s2.Decode(ctx.ReceiveScratch, rest)
				if err != nil {
					return nil, fmt.Errorf("corrupt compressed payload: %w", err)
				}
				return decoded, nil
			default:
				return nil, fmt.Errorf("unknown compression flag %d", flag)
			}
		},
	}
}
