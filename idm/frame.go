// Package idm implements the Inter-Domain Messaging bus: a
// length-prefixed, multiplexed request/response + event transport carried
// over one shared channel device per guest.
package idm

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/zonelabs/zoned/types"
)

// maxFrameBody is the largest Packet encoding a u16 length prefix can carry.
const maxFrameBody = math.MaxUint16

// EncodeFrame serializes p and prefixes it with its length as a u16
// little-endian integer: low byte first,
// matching the demultiplexer's `buffer[0] | buffer[1]<<8` peek.
func EncodeFrame(p *types.Packet) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(p); err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	if body.Len() > maxFrameBody {
		return nil, fmt.Errorf("packet too large: %d bytes exceeds u16 frame limit", body.Len())
	}

	frame := make([]byte, 2+body.Len())
	binary.LittleEndian.PutUint16(frame[:2], uint16(body.Len())) //nolint:gosec // bounds-checked above
	copy(frame[2:], body.Bytes())
	return frame, nil
}

// decodePacket deserializes a single frame body (length prefix already
// stripped) into a Packet.
func decodePacket(body []byte) (*types.Packet, error) {
	var p types.Packet
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return &p, nil
}
