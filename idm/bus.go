package idm

import (
	"context"
	"fmt"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/errkind"
	"github.com/zonelabs/zoned/types"
)

// HostDomID is the sentinel "from"/"to" domain id representing the host
// daemon itself in SnoopEvent tuples.
const HostDomID uint32 = 0

// subscriberCapacity bounds each domain's decoded-packet channel. Sends to
// a full subscriber drop the packet with a warning (bounded buffer,
// drop-newest).
const subscriberCapacity = 64

// snoopCapacity bounds the broadcast snoop fan-out channel.
const snoopCapacity = 256

// Sender writes a raw byte chunk to a domain's channel device. Supplied by
// the Hypervisor Driver's open_channel transport factory.
type Sender func(domID uint32, data []byte) error

// SnoopEvent is one observed packet, published to every snoop subscriber
// regardless of routing outcome over a separate broadcast fan-out carrying
// a (from_domid, to_domid, packet) tuple.
type SnoopEvent struct {
	FromDomID uint32
	ToDomID   uint32
	Packet    *types.Packet
}

// Bus multiplexes framed packets between the host daemon and every guest
// over each guest's channel device.
type Bus struct {
	send Sender

	mu          sync.Mutex
	demuxers    map[uint32]*demuxer
	subscribers map[uint32]chan *types.Packet

	snoopMu sync.RWMutex
	snoop   map[int]chan SnoopEvent
	nextID  int

	reqMu   sync.Mutex
	waiters map[uint64]chan *types.Packet
	nextReq uint64
}

// New creates a Bus that writes outbound frames via send.
func New(send Sender) *Bus {
	return &Bus{
		send:        send,
		demuxers:    make(map[uint32]*demuxer),
		subscribers: make(map[uint32]chan *types.Packet),
		snoop:       make(map[int]chan SnoopEvent),
		waiters:     make(map[uint64]chan *types.Packet),
	}
}

// Feed delivers a driver-provided chunk for domID, decoding zero or more
// complete packets and routing each one. A chunk containing an undecodable
// frame never aborts routing of the packets around it; see demuxer.feed.
func (b *Bus) Feed(ctx context.Context, domID uint32, chunk []byte) error {
	b.mu.Lock()
	dm, ok := b.demuxers[domID]
	if !ok {
		dm = &demuxer{}
		b.demuxers[domID] = dm
	}
	b.mu.Unlock()

	for _, pkt := range dm.feed(ctx, domID, chunk) {
		b.route(ctx, domID, pkt)
	}
	return nil
}

// route delivers pkt to its subscriber and waiter (if any), and always
// fans it out to snoop subscribers.
func (b *Bus) route(ctx context.Context, fromDomID uint32, pkt *types.Packet) {
	logger := log.WithFunc("idm.Bus.route")

	if pkt.Kind == types.PacketResponse {
		b.reqMu.Lock()
		waiter, ok := b.waiters[pkt.ID]
		if ok {
			delete(b.waiters, pkt.ID)
		}
		b.reqMu.Unlock()
		if ok {
			waiter <- pkt
		}
	}

	b.mu.Lock()
	sub, ok := b.subscribers[fromDomID]
	b.mu.Unlock()
	if ok {
		select {
		case sub <- pkt:
		default:
			logger.Warnf(ctx, "subscriber for domain %d full, dropping packet kind=%d", fromDomID, pkt.Kind)
		}
	}

	b.publishSnoop(SnoopEvent{FromDomID: fromDomID, ToDomID: HostDomID, Packet: pkt})
}

// Subscribe registers the decoded-packet channel for domID, replacing any
// prior subscription. The returned channel is bounded; full channels drop
// packets (see route).
func (b *Bus) Subscribe(domID uint32) <-chan *types.Packet {
	ch := make(chan *types.Packet, subscriberCapacity)
	b.mu.Lock()
	b.subscribers[domID] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes domID's subscription.
func (b *Bus) Unsubscribe(domID uint32) {
	b.mu.Lock()
	ch, ok := b.subscribers[domID]
	delete(b.subscribers, domID)
	delete(b.demuxers, domID)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Snoop registers a broadcast channel that receives every routed packet
// regardless of destination. Call the returned cancel func to unregister.
func (b *Bus) Snoop() (<-chan SnoopEvent, func()) {
	ch := make(chan SnoopEvent, snoopCapacity)
	b.snoopMu.Lock()
	id := b.nextID
	b.nextID++
	b.snoop[id] = ch
	b.snoopMu.Unlock()

	return ch, func() {
		b.snoopMu.Lock()
		if c, ok := b.snoop[id]; ok {
			delete(b.snoop, id)
			close(c)
		}
		b.snoopMu.Unlock()
	}
}

func (b *Bus) publishSnoop(ev SnoopEvent) {
	b.snoopMu.RLock()
	defer b.snoopMu.RUnlock()
	for _, ch := range b.snoop {
		select {
		case ch <- ev:
		default:
		}
	}
}

// publishOutbound snoops a host-to-guest packet after it is sent, for
// symmetry with inbound snoop coverage.
func (b *Bus) publishOutbound(domID uint32, pkt *types.Packet) {
	b.publishSnoop(SnoopEvent{FromDomID: HostDomID, ToDomID: domID, Packet: pkt})
}

// SendEvent writes an unsolicited event packet to domID.
func (b *Bus) SendEvent(domID uint32, event []byte) error {
	pkt := &types.Packet{Kind: types.PacketEvent, Event: event}
	return b.write(domID, pkt)
}

// Request sends a request to domID and blocks until the matching response
// arrives, ctx is done, or the per-request deadline set by the caller's ctx
// expires.
func (b *Bus) Request(ctx context.Context, domID uint32, body []byte) ([]byte, error) {
	id := b.allocRequestID()
	waiter := make(chan *types.Packet, 1)

	b.reqMu.Lock()
	b.waiters[id] = waiter
	b.reqMu.Unlock()

	cleanup := func() {
		b.reqMu.Lock()
		delete(b.waiters, id)
		b.reqMu.Unlock()
	}

	pkt := &types.Packet{Kind: types.PacketRequest, ID: id, Request: body}
	if err := b.write(domID, pkt); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case resp := <-waiter:
		return resp.Response, nil
	case <-ctx.Done():
		cleanup()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errkind.New(errkind.Timeout, fmt.Sprintf("idm request %d to domain %d timed out", id, domID))
		}
		return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "idm request cancelled")
	}
}

func (b *Bus) allocRequestID() uint64 {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()
	b.nextReq++
	return b.nextReq
}

func (b *Bus) write(domID uint32, pkt *types.Packet) error {
	frame, err := EncodeFrame(pkt)
	if err != nil {
		return fmt.Errorf("encode frame for domain %d: %w", domID, err)
	}
	if err := b.send(domID, frame); err != nil {
		return errkind.Wrap(errkind.NetworkError, err, fmt.Sprintf("send to domain %d", domID))
	}
	b.publishOutbound(domID, pkt)
	return nil
}
