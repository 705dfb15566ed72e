package network

import (
	"context"
	"fmt"
	"net"

	"github.com/panjf2000/ants/v2"

	"github.com/zonelabs/zoned/types"
)

// RawTransport is the per-zone channel device the backend reads inbound
// guest frames from and writes outbound frames to: a raw framing transport
// owning the channel device for that zone.
type RawTransport interface {
	Send(frame []byte) error
}

// zonePort adapts a zone's RawTransport to the Bridge's Port interface.
type zonePort struct {
	mac net.HardwareAddr
	rt  RawTransport
}

func (p *zonePort) MAC() net.HardwareAddr { return p.mac }
func (p *zonePort) Deliver(frame []byte)  { _ = p.rt.Send(frame) }

// Backend owns one zone's bridge attachment and NAT processor. Destroying
// it aborts in-flight flows.
type Backend struct {
	zoneUUID string
	bridge   *Bridge
	port     *zonePort
	flows    *FlowTable

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBackend attaches a zone's RawTransport to bridge as a port with the
// reservation's client MAC, and wires a FlowTable bounded by flowCap using
// DefaultFactory for outbound NAT.
func NewBackend(parent context.Context, zoneUUID string, bridge *Bridge, reservation *types.Reservation, rt RawTransport, flowCap int, pool *ants.Pool) (*Backend, error) {
	mac := reservation.MAC
	if len(mac) != 6 {
		return nil, fmt.Errorf("reservation for %s has invalid MAC %v", zoneUUID, mac)
	}

	ctx, cancel := context.WithCancel(parent)
	port := &zonePort{mac: mac, rt: rt}

	b := &Backend{zoneUUID: zoneUUID, bridge: bridge, port: port, ctx: ctx, cancel: cancel}
	b.flows = NewFlowTable(flowCap, pool, DefaultFactory(pool), func(data []byte) { port.Deliver(data) })

	bridge.Attach(port)
	return b, nil
}

// HandleInbound processes one frame arriving from the guest: forward it on
// the bridge for L2 delivery, and additionally run it through the NAT
// processor when it targets an external (non-bridge) destination.
func (b *Backend) HandleInbound(frame []byte) error {
	if err := b.bridge.Forward(b.ctx, b.port.mac, frame); err != nil {
		return err
	}

	dst := net.HardwareAddr(frame[0:6])
	if isBroadcastOrMulticast(dst) {
		return nil // delivered on the bridge; not an external flow
	}
	b.bridge.mu.RLock()
	_, onBridge := b.bridge.ports[dst.String()]
	b.bridge.mu.RUnlock()
	if onBridge {
		return nil // addressed to another port on the bridge; not an external flow
	}

	parsed, err := parseEthernet(frame)
	if err != nil {
		return nil // not a NAT-eligible frame (ARP, non-IP, etc.) — bridge delivery already handled it
	}
	return b.flows.Dispatch(b.ctx, parsed.key, parsed.payload)
}

// Close aborts the backend's task: detaches its port and reclaims every
// tracked flow.
func (b *Backend) Close() {
	b.cancel()
	b.bridge.Detach(b.port.mac)
	b.flows.CloseAll()
}

// DefaultFactory builds UDP/TCP/ICMP handlers dispatched on pool, keyed by
// NatKey.Protocol: tagged variants behind a small dispatch surface.
func DefaultFactory(pool *ants.Pool) Factory {
	return func(ctx context.Context, key NatKey, toGuest func(data []byte)) (FlowHandler, error) {
		addr := endpointAddr(key.ExternalEndpoint)
		switch key.Protocol {
		case ProtoUDP:
			return NewUDPHandler(ctx, key, net.JoinHostPort(addr, portStr(key.ExternalEndpoint.Port)), pool, toGuest, nil)
		case ProtoTCP:
			return NewTCPHandler(ctx, net.JoinHostPort(addr, portStr(key.ExternalEndpoint.Port)), pool, toGuest, nil)
		case ProtoICMP:
			return NewICMPHandler(ctx, "ip4:icmp", addr, pool, toGuest, nil)
		default:
			return nil, nil // unknown protocol: drop
		}
	}
}

func endpointAddr(e Endpoint) string {
	ip := net.IP(e.IP[:])
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func portStr(p uint16) string { return fmt.Sprintf("%d", p) }

// NewWorkerPool creates the bounded goroutine pool flow handlers and
// reclaim dispatch run on, sized to conf's pool size.
func NewWorkerPool(size int) (*ants.Pool, error) {
	if size <= 0 {
		size = 256
	}
	return ants.NewPool(size, ants.WithNonblocking(false))
}
