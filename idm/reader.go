package idm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zonelabs/zoned/types"
)

// ReadFrame blocks until one complete frame is available on r and decodes
// it. It is the guest side's counterpart to demuxer.feed: the host
// multiplexes by domid over a channel of chunks, but inside a single guest
// there is exactly one stream to read, so a plain blocking reader suffices.
func ReadFrame(r io.Reader) (*types.Packet, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(header[:])

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decodePacket(body)
}
