package zoneinit

import (
	"encoding/json"
	"fmt"

	"github.com/zonelabs/zoned/idm"
	"github.com/zonelabs/zoned/types"
)

// ExitReport is the Event body reportExit sends once the supervised
// command terminates. It is advisory: any snoop subscriber on the host
// can observe it immediately, but the
// authoritative exit signal the Reconciler acts on comes from the
// Hypervisor Driver's domain list, not
// from this packet — the driver layer is the one actually torn down when
// the guest halts, and is out of scope here.
type ExitReport struct {
	Code int64 `json:"code"`
}

// reportExit sends an ExitReport Event over the IDM channel.
func (i *Init) reportExit(code int64) error {
	body, err := json.Marshal(ExitReport{Code: code})
	if err != nil {
		return fmt.Errorf("marshal exit report: %w", err)
	}
	pkt := &types.Packet{Kind: types.PacketEvent, Event: body}
	frame, err := idm.EncodeFrame(pkt)
	if err != nil {
		return fmt.Errorf("encode exit report: %w", err)
	}
	_, err = i.channel.Write(frame)
	return err
}
