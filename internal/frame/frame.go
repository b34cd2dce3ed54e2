// Package frame implements the length-prefixed JSON wire codec shared by the
// coordinator and every client link: a 4-byte big-endian length header
// followed by exactly that many UTF-8 bytes of a single JSON value.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// HeaderLen is the size in bytes of the length prefix preceding every frame payload.
const HeaderLen = 4

// DefaultMaxFrameBytes is the largest payload the codec accepts by default.
// Snapshot zips must fit inside one frame, so this comfortably exceeds 16 MiB.
const DefaultMaxFrameBytes = 64 << 20

// Encode serializes value to compact JSON and prefixes it with its length.
func Encode(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal payload: %w", err)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decoder accumulates bytes from a stream and yields complete frames as they arrive.
// It is not safe for concurrent use; callers serialize their own reads.
type Decoder struct {
	buf         []byte
	maxFrameLen uint32
}

// NewDecoder returns a Decoder that rejects any frame whose declared length
// exceeds maxFrameBytes. A maxFrameBytes of 0 selects DefaultMaxFrameBytes.
func NewDecoder(maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrameLen: uint32(maxFrameBytes)}
}

// Feed appends chunk to the internal buffer and extracts every complete frame
// currently available. A JSON decode failure on one frame is logged by the
// caller (via the returned skipped count) but never desynchronizes the
// decoder from subsequent frames, since the length header is authoritative.
func (d *Decoder) Feed(chunk []byte) (values []json.RawMessage, skipped int) {
	d.buf = append(d.buf, chunk...)

	for {
		if len(d.buf) < HeaderLen {
			return values, skipped
		}
		length := binary.BigEndian.Uint32(d.buf[:HeaderLen])
		if length > d.maxFrameLen {
			// A corrupt or hostile length header: drop one byte and resync
			// rather than waiting forever for an unreachable frame boundary.
			d.buf = d.buf[1:]
			skipped++
			continue
		}
		total := HeaderLen + int(length)
		if len(d.buf) < total {
			return values, skipped
		}
		payload := d.buf[HeaderLen:total]
		d.buf = d.buf[total:]

		if length == 0 {
			values = append(values, json.RawMessage("null"))
			continue
		}
		if !json.Valid(payload) {
			skipped++
			continue
		}
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		values = append(values, raw)
	}
}

// Buffered reports how many bytes are currently held pending a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
