package network

import (
	"context"
	"fmt"
	"net"

	"github.com/projecteru2/core/log"
)

// hostMTU is the host TAP interface's MTU: 1500 plus the Ethernet header
// overhead the bridge forwards untouched.
const hostMTU = 1500 + 14

// tapDevice is the platform-specific half of the host bridge: a raw
// Ethernet-framed character device backing a host TAP interface. tap_linux.go
// opens a real one via TUNSETIFF; tap_other.go stubs it out for platforms
// without TAP support.
type tapDevice interface {
	Name() string
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// HostBridge is the bridge's single special port bound to a host TAP
// interface, forwarding frames between the kernel interface and the virtual
// bridge.
type HostBridge struct {
	mac    net.HardwareAddr
	tap    tapDevice
	bridge *Bridge

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHostBridge opens a host TAP interface named ifaceName (created if
// absent), attaches it to bridge as a port carrying mac, and starts pumping
// frames in both directions.
func NewHostBridge(parent context.Context, ifaceName string, mac net.HardwareAddr, bridge *Bridge) (*HostBridge, error) {
	tap, err := openTAP(ifaceName, hostMTU)
	if err != nil {
		return nil, fmt.Errorf("open host tap %s: %w", ifaceName, err)
	}

	ctx, cancel := context.WithCancel(parent)
	hb := &HostBridge{mac: mac, tap: tap, bridge: bridge, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	bridge.Attach(hb)
	go hb.pumpFromHost()
	return hb, nil
}

// MAC implements Port.
func (hb *HostBridge) MAC() net.HardwareAddr { return hb.mac }

// Deliver implements Port: a frame arriving from the virtual bridge is
// written out to the host TAP interface.
func (hb *HostBridge) Deliver(frame []byte) {
	if err := hb.tap.WriteFrame(frame); err != nil {
		log.WithFunc("network.HostBridge.Deliver").Warnf(hb.ctx, "write to host tap %s: %v", hb.tap.Name(), err)
	}
}

// pumpFromHost reads frames off the host TAP interface and forwards them
// into the virtual bridge until Close is called.
func (hb *HostBridge) pumpFromHost() {
	defer close(hb.done)
	for {
		frame, err := hb.tap.ReadFrame()
		if err != nil {
			select {
			case <-hb.ctx.Done():
				return
			default:
			}
			log.WithFunc("network.HostBridge.pumpFromHost").Warnf(hb.ctx, "read from host tap %s: %v", hb.tap.Name(), err)
			return
		}
		if err := hb.bridge.Forward(hb.ctx, hb.mac, frame); err != nil {
			log.WithFunc("network.HostBridge.pumpFromHost").Warnf(hb.ctx, "forward from host tap: %v", err)
		}
	}
}

// Close detaches the host port from the bridge and closes the TAP device.
func (hb *HostBridge) Close() error {
	hb.cancel()
	hb.bridge.Detach(hb.mac)
	err := hb.tap.Close()
	<-hb.done
	return err
}
