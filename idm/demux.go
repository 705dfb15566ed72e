package idm

import (
	"context"
	"encoding/binary"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/types"
)

// demuxer accumulates a single domain's byte stream and splits it into
// complete frames. Not safe for concurrent
// use; callers serialize per-domain chunk delivery upstream (the driver's
// channel stream is itself ordered per domain).
type demuxer struct {
	buf []byte
}

// feed appends chunk to the buffer and returns every complete packet it can
// now extract, in arrival order. A frame that fails to decode is logged and
// discarded (its bytes are consumed from buf) rather than stalling the
// stream: one corrupt frame would otherwise wedge every frame behind it
// permanently, since the length prefix that lets us skip it is the one
// piece of the frame decodePacket doesn't need to trust.
func (d *demuxer) feed(ctx context.Context, domID uint32, chunk []byte) []*types.Packet {
	d.buf = append(d.buf, chunk...)

	var out []*types.Packet
	for {
		if len(d.buf) < 2 {
			return out
		}
		size := binary.LittleEndian.Uint16(d.buf[:2])
		total := 2 + int(size)
		if len(d.buf) < total {
			return out
		}

		body := d.buf[2:total]
		pkt, err := decodePacket(body)
		d.advance(total)
		if err != nil {
			log.WithFunc("idm.demuxer.feed").Warnf(ctx,
				"domain %d: discarding undecodable frame (%d bytes): %v", domID, total, err)
			continue
		}
		out = append(out, pkt)
	}
}

func (d *demuxer) advance(n int) {
	rest := make([]byte, len(d.buf)-n)
	copy(rest, d.buf[n:])
	d.buf = rest
}
