// Package network implements the Network Backend: a
// userspace virtual bridge, a host TAP port, and per-zone NAT backends
// with a bounded flow table. Userspace L2 bridging and stateful NAT have no
// off-the-shelf library, so this package is built directly on
// net/encoding/binary/container-list.
package network

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/projecteru2/core/log"
)

// Port is one attachment point on the Bridge: a MAC address and a send
// queue frames are delivered to.
type Port interface {
	MAC() net.HardwareAddr
	// Deliver hands a frame to the port's owner. Implementations must not
	// block the bridge's dispatch loop; queue internally and drop on
	// overflow if necessary.
	Deliver(frame []byte)
}

// Bridge is a broadcast domain with attached ports and a MAC-learning
// table capped by LRU eviction.
type Bridge struct {
	mu    sync.RWMutex
	ports map[string]Port // keyed by MAC.String()

	learnMu  sync.Mutex
	learnCap int
	learned  map[string]*list.Element // MAC string -> LRU element
	lru      *list.List               // front = most recently used
}

// NewBridge creates an empty Bridge whose MAC-learning table holds at most
// learnCap entries.
func NewBridge(learnCap int) *Bridge {
	if learnCap <= 0 {
		learnCap = 1024
	}
	return &Bridge{
		ports:    make(map[string]Port),
		learnCap: learnCap,
		learned:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Attach adds a port to the bridge, keyed by its MAC.
func (b *Bridge) Attach(p Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[p.MAC().String()] = p
}

// Detach removes a port by MAC.
func (b *Bridge) Detach(mac net.HardwareAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ports, mac.String())

	b.learnMu.Lock()
	if el, ok := b.learned[mac.String()]; ok {
		b.lru.Remove(el)
		delete(b.learned, mac.String())
	}
	b.learnMu.Unlock()
}

// learn records srcMAC in the learning table, evicting the
// least-recently-used entry if the table is at capacity.
func (b *Bridge) learn(srcMAC string) {
	b.learnMu.Lock()
	defer b.learnMu.Unlock()

	if el, ok := b.learned[srcMAC]; ok {
		b.lru.MoveToFront(el)
		return
	}
	if b.lru.Len() >= b.learnCap {
		oldest := b.lru.Back()
		if oldest != nil {
			b.lru.Remove(oldest)
			delete(b.learned, oldest.Value.(string))
		}
	}
	el := b.lru.PushFront(srcMAC)
	b.learned[srcMAC] = el
}

// isBroadcastOrMulticast reports whether mac is the broadcast address or
// has the multicast bit set (low bit of the first octet).
func isBroadcastOrMulticast(mac net.HardwareAddr) bool {
	if bytes.Equal(mac, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		return true
	}
	return len(mac) > 0 && mac[0]&0x01 == 1
}

// Forward delivers an Ethernet frame received on fromMAC's port: unicast
// frames go to the matching MAC's port only, broadcast/multicast frames go
// to every other port.
func (b *Bridge) Forward(ctx context.Context, fromMAC net.HardwareAddr, frame []byte) error {
	if len(frame) < 12 {
		return fmt.Errorf("short ethernet frame: %d bytes", len(frame))
	}
	dst := net.HardwareAddr(frame[0:6])
	b.learn(fromMAC.String())

	b.mu.RLock()
	defer b.mu.RUnlock()

	if isBroadcastOrMulticast(dst) {
		for mac, p := range b.ports {
			if mac == fromMAC.String() {
				continue
			}
			p.Deliver(frame)
		}
		return nil
	}

	p, ok := b.ports[dst.String()]
	if !ok {
		log.WithFunc("network.Bridge.Forward").Warnf(ctx, "no port for destination %s, dropping", dst)
		return nil
	}
	p.Deliver(frame)
	return nil
}
