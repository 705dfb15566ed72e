package network

import (
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"
)

// FlowHandler owns one external socket proxying a single NAT flow: the
// factory spawns a per-flow task that owns one external socket and two
// channels. Implementations are tagged variants (UDPHandler, TCPHandler,
// ICMPHandler) behind this small dispatch surface rather than an open
// inheritance hierarchy.
type FlowHandler interface {
	// Receive delivers one inbound-from-guest payload to the external
	// socket.
	Receive(data []byte) error
	// Reclaim tears down the external socket and any goroutines.
	Reclaim()
}

// Factory builds a FlowHandler for a new flow, or returns (nil, nil) to
// drop the flow.
type Factory func(ctx context.Context, key NatKey, toGuest func(data []byte)) (FlowHandler, error)

// flowEntry is one tracked flow plus its LRU bookkeeping.
type flowEntry struct {
	key     NatKey
	handler FlowHandler
	elem    *list.Element
	touched time.Time
}

// FlowTable tracks live NAT flows for one per-zone backend, bounded by cap
// with oldest-idle reclamation on overflow.
type FlowTable struct {
	cap     int
	pool    *ants.Pool
	factory Factory
	toGuest func(data []byte)

	mu      sync.Mutex
	entries map[NatKey]*flowEntry
	lru     *list.List // front = most recently touched
}

// NewFlowTable creates a FlowTable bounded to capacity entries, dispatching
// factory-built handlers' background work through pool.
func NewFlowTable(capacity int, pool *ants.Pool, factory Factory, toGuest func(data []byte)) *FlowTable {
	if capacity <= 0 {
		capacity = 4096
	}
	return &FlowTable{
		cap:     capacity,
		pool:    pool,
		factory: factory,
		toGuest: toGuest,
		entries: make(map[NatKey]*flowEntry),
		lru:     list.New(),
	}
}

// Dispatch routes one inbound-from-guest frame's payload to its flow
// handler, creating one via the factory if absent.
func (t *FlowTable) Dispatch(ctx context.Context, key NatKey, payload []byte) error {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		t.lru.MoveToFront(entry.elem)
		entry.touched = time.Now()
	}
	t.mu.Unlock()

	if ok {
		return entry.handler.Receive(payload)
	}

	handler, err := t.factory(ctx, key, t.toGuest)
	if err != nil {
		return fmt.Errorf("flow factory for %s: %w", key, err)
	}
	if handler == nil {
		return nil // factory declined; drop the flow
	}

	t.insert(ctx, key, handler)
	return handler.Receive(payload)
}

func (t *FlowTable) insert(ctx context.Context, key NatKey, handler FlowHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lru.Len() >= t.cap {
		t.reclaimOldestLocked(ctx)
	}

	entry := &flowEntry{key: key, handler: handler, touched: time.Now()}
	entry.elem = t.lru.PushFront(entry)
	t.entries[key] = entry
}

// reclaimOldestLocked evicts the least-recently-touched flow. Caller holds t.mu.
func (t *FlowTable) reclaimOldestLocked(ctx context.Context) {
	back := t.lru.Back()
	if back == nil {
		return
	}
	oldest := back.Value.(*flowEntry)
	t.lru.Remove(back)
	delete(t.entries, oldest.key)
	log.WithFunc("network.FlowTable").Infof(ctx, "reclaiming oldest-idle flow %s (table at capacity %d)", oldest.key, t.cap)
	t.submitReclaim(oldest.handler)
}

// Release removes key's flow, if present, and reclaims its handler. Called
// when a handler reports its own socket closed/timed out by sending its
// key onto a reclaim channel.
func (t *FlowTable) Release(key NatKey) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		t.lru.Remove(entry.elem)
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if ok {
		t.submitReclaim(entry.handler)
	}
}

// submitReclaim runs handler.Reclaim() on the bounded worker pool so a slow
// socket teardown never blocks the NAT dispatch path.
func (t *FlowTable) submitReclaim(handler FlowHandler) {
	if t.pool == nil {
		handler.Reclaim()
		return
	}
	if err := t.pool.Submit(handler.Reclaim); err != nil {
		handler.Reclaim() // pool exhausted/closed: reclaim synchronously rather than leak
	}
}

// CloseAll reclaims every tracked flow, for backend teardown.
func (t *FlowTable) CloseAll() {
	t.mu.Lock()
	entries := make([]*flowEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[NatKey]*flowEntry)
	t.lru = list.New()
	t.mu.Unlock()

	for _, e := range entries {
		t.submitReclaim(e.handler)
	}
}

// udpConnDeadline bounds how long an idle UDP flow's external socket is
// kept open awaiting a reply before the read loop exits and releases it.
const udpConnDeadline = 30 * time.Second

// UDPHandler proxies one UDP flow through a dedicated external socket.
type UDPHandler struct {
	conn    net.Conn
	toGuest func(data []byte)
	onClose func()
	once    sync.Once
}

// NewUDPHandler dials the flow's external endpoint and starts its read
// loop on the given pool.
func NewUDPHandler(ctx context.Context, key NatKey, addr string, pool *ants.Pool, toGuest func(data []byte), onClose func()) (*UDPHandler, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	h := &UDPHandler{conn: conn, toGuest: toGuest, onClose: onClose}
	run := func() { h.readLoop(ctx) }
	if pool != nil {
		if err := pool.Submit(run); err != nil {
			go run()
		}
	} else {
		go run()
	}
	return h, nil
}

func (h *UDPHandler) Receive(data []byte) error {
	_ = h.conn.SetWriteDeadline(time.Now().Add(udpConnDeadline))
	_, err := h.conn.Write(data)
	return err
}

func (h *UDPHandler) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(udpConnDeadline))
		n, err := h.conn.Read(buf)
		if err != nil {
			h.Reclaim()
			return
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		h.toGuest(out)
		select {
		case <-ctx.Done():
			h.Reclaim()
			return
		default:
		}
	}
}

func (h *UDPHandler) Reclaim() {
	h.once.Do(func() {
		_ = h.conn.Close()
		if h.onClose != nil {
			h.onClose()
		}
	})
}

// TCPHandler proxies one TCP flow through a dedicated external connection.
type TCPHandler struct {
	conn    net.Conn
	toGuest func(data []byte)
	onClose func()
	once    sync.Once
}

// NewTCPHandler dials the flow's external endpoint and starts its read
// loop on the given pool.
func NewTCPHandler(ctx context.Context, addr string, pool *ants.Pool, toGuest func(data []byte), onClose func()) (*TCPHandler, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	h := &TCPHandler{conn: conn, toGuest: toGuest, onClose: onClose}
	run := func() { h.readLoop(ctx) }
	if pool != nil {
		if err := pool.Submit(run); err != nil {
			go run()
		}
	} else {
		go run()
	}
	return h, nil
}

func (h *TCPHandler) Receive(data []byte) error {
	_, err := h.conn.Write(data)
	return err
}

func (h *TCPHandler) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			h.Reclaim()
			return
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		h.toGuest(out)
		select {
		case <-ctx.Done():
			h.Reclaim()
			return
		default:
		}
	}
}

func (h *TCPHandler) Reclaim() {
	h.once.Do(func() {
		_ = h.conn.Close()
		if h.onClose != nil {
			h.onClose()
		}
	})
}

// ICMPHandler proxies one ICMP echo flow through one ICMP socket held open
// for the handler's life: each Receive writes the payload to it, and a read
// loop forwards replies to the guest until a read waits longer than
// udpConnDeadline.
type ICMPHandler struct {
	conn    net.PacketConn
	addr    net.Addr
	toGuest func(data []byte)
	onClose func()
	once    sync.Once
}

// NewICMPHandler opens a raw ICMP echo socket to addr.
func NewICMPHandler(ctx context.Context, network, addr string, pool *ants.Pool, toGuest func(data []byte), onClose func()) (*ICMPHandler, error) {
	conn, err := net.ListenPacket(network, "")
	if err != nil {
		return nil, fmt.Errorf("listen icmp: %w", err)
	}
	raddr, err := net.ResolveIPAddr("ip", addr)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	h := &ICMPHandler{conn: conn, addr: raddr, toGuest: toGuest, onClose: onClose}
	run := func() { h.readLoop(ctx) }
	if pool != nil {
		if err := pool.Submit(run); err != nil {
			go run()
		}
	} else {
		go run()
	}
	return h, nil
}

func (h *ICMPHandler) Receive(data []byte) error {
	_, err := h.conn.WriteTo(data, h.addr)
	return err
}

func (h *ICMPHandler) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(udpConnDeadline))
		n, _, err := h.conn.ReadFrom(buf)
		if err != nil {
			h.Reclaim()
			return
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		h.toGuest(out)
		select {
		case <-ctx.Done():
			h.Reclaim()
			return
		default:
		}
	}
}

func (h *ICMPHandler) Reclaim() {
	h.once.Do(func() {
		_ = h.conn.Close()
		if h.onClose != nil {
			h.onClose()
		}
	})
}
