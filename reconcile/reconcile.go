// Package reconcile implements the Zone Reconciler: it
// drives each zone's actual state (domain, network, device claims) toward
// its desired state, dispatching on the zone record's current state and
// publishing an event on every store write.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/devices"
	"github.com/zonelabs/zoned/errkind"
	"github.com/zonelabs/zoned/events"
	"github.com/zonelabs/zoned/hypervisor"
	"github.com/zonelabs/zoned/images/oci"
	"github.com/zonelabs/zoned/network"
	"github.com/zonelabs/zoned/progress"
	"github.com/zonelabs/zoned/store"
	"github.com/zonelabs/zoned/types"
	"github.com/zonelabs/zoned/zonelookup"
)

// destroyBackoff is how long a failed Destroying/Failed cleanup waits
// before the UUID is automatically re-queued. Errors during Destroying are
// logged rather than surfaced, since there is no caller left to report them
// to.
const destroyBackoff = 2 * time.Second

// bridgeName is the virtual bridge every zone's VIF is attached to.
const bridgeName = "zoned0"

// Reconciler owns the convergence loop for every zone.
type Reconciler struct {
	conf *config.Config

	zones        *store.Zones
	reservations *store.Reservations
	devices      *devices.Manager
	lookup       *zonelookup.Table
	driver       hypervisor.Driver
	packer       *oci.Packer
	stream       *events.Stream

	bridge    *network.Bridge
	flowPool  *ants.Pool
	netSender hypervisor.ChannelSender

	backendsMu sync.Mutex
	backends   map[string]*network.Backend // zone UUID -> network backend

	queue *workQueue
}

// New creates a Reconciler. netSender writes outbound raw frames to the
// host-side network channel device (the Driver's OpenChannel(ctx, "net")
// result); it is nil until that channel is wired up by daemon startup.
func New(
	conf *config.Config,
	zones *store.Zones,
	reservations *store.Reservations,
	devMgr *devices.Manager,
	lookup *zonelookup.Table,
	driver hypervisor.Driver,
	packer *oci.Packer,
	stream *events.Stream,
	bridge *network.Bridge,
	flowPool *ants.Pool,
) *Reconciler {
	return &Reconciler{
		conf:         conf,
		zones:        zones,
		reservations: reservations,
		devices:      devMgr,
		lookup:       lookup,
		driver:       driver,
		packer:       packer,
		stream:       stream,
		bridge:       bridge,
		flowPool:     flowPool,
		backends:     make(map[string]*network.Backend),
		queue:        newWorkQueue(),
	}
}

// SetNetSender wires the host network channel's outbound sender. Called
// once during daemon startup after the Driver's "net" channel is open.
func (r *Reconciler) SetNetSender(sender hypervisor.ChannelSender) {
	r.netSender = sender
}

// Enqueue signals that id needs attention. Duplicate wakeups while id is
// already queued or being processed are collapsed.
func (r *Reconciler) Enqueue(id uuid.UUID) {
	r.queue.Add(id)
}

// Run processes queued UUIDs with n concurrent workers until ctx is done.
func (r *Reconciler) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			r.worker(ctx)
		}()
	}
	<-ctx.Done()
	r.queue.Close()
	wg.Wait()
}

func (r *Reconciler) worker(ctx context.Context) {
	logger := log.WithFunc("reconcile.worker")
	for {
		id, ok := r.queue.Get()
		if !ok {
			return
		}
		if err := r.reconcile(ctx, id); err != nil {
			logger.Warnf(ctx, "reconcile %s: %v", id, err)
		}
		r.queue.Done(id)
	}
}

// reconcile loads the record for id and dispatches on its current state.
func (r *Reconciler) reconcile(ctx context.Context, id uuid.UUID) error {
	zone, err := r.zones.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("read zone %s: %w", id, err)
	}
	if zone == nil {
		return nil // already gone: nothing to do
	}

	switch zone.Status.State {
	case types.StateCreating:
		return r.reconcileCreating(ctx, zone)
	case types.StateCreated:
		return r.reconcileCreated(ctx, zone)
	case types.StateDestroying:
		return r.reconcileDestroying(ctx, zone)
	case types.StateFailed:
		return r.reconcileFailed(ctx, zone)
	default:
		return fmt.Errorf("zone %s: unknown state %q", id, zone.Status.State)
	}
}

// reconcileCreating drives a Creating zone to Created or Failed.
func (r *Reconciler) reconcileCreating(ctx context.Context, zone *types.Zone) error {
	id := zone.UUID

	packed, err := r.packer.Pull(ctx, oci.PullRequest{ImageRef: zone.Spec.Image, Format: types.FormatSquashfs}, progress.Nop)
	if err != nil {
		return r.fail(ctx, id, fmt.Errorf("resolve image: %w", err))
	}

	reservation, err := r.reservations.Allocate(ctx, id.String(), types.CIDRPair{IPv4: r.conf.CIDRv4, IPv6: r.conf.CIDRv6}, syntheticGatewayMAC(r.conf.CIDRv4))
	if err != nil {
		return r.fail(ctx, id, fmt.Errorf("allocate network: %w", err))
	}

	if err := r.devices.Claim(id.String(), zone.Spec.Devices); err != nil {
		_ = r.reservations.Release(ctx, id.String())
		return r.fail(ctx, id, errkind.Wrap(errkind.DeviceBusy, err, "claim devices"))
	}

	overlayPath, err := r.writeOverlay(zone, reservation)
	if err != nil {
		r.devices.ReleaseOwner(id.String())
		_ = r.reservations.Release(ctx, id.String())
		return r.fail(ctx, id, fmt.Errorf("write overlay: %w", err))
	}

	domSpec := types.DomainSpec{
		ZoneUUID:  id.String(),
		MaxVCPUs:  zone.Spec.Resources.CPUs,
		TargetMem: zone.Spec.Resources.TargetMemMB << 20,
		MaxMem:    zone.Spec.Resources.MaxMemMB << 20,
		Disks: []types.Disk{
			{Path: packed.Path, ReadOnly: true},
			{Path: overlayPath, ReadOnly: false},
		},
		VIFs:    []types.VIF{{MAC: reservation.MAC.String(), Bridge: bridgeName}},
		PCI:     zone.Spec.Devices,
		Console: true,
	}

	domID, err := r.driver.CreateDomain(ctx, domSpec)
	if err != nil {
		r.devices.ReleaseOwner(id.String())
		_ = r.reservations.Release(ctx, id.String())
		return r.fail(ctx, id, errkind.Wrap(errkind.HypervisorError, err, "create domain"))
	}

	r.lookup.Set(id, domID)
	if err := r.attachBackend(ctx, id.String(), domID, reservation); err != nil {
		log.WithFunc("reconcile.reconcileCreating").Warnf(ctx, "zone %s: attach network backend: %v", id, err)
	}

	var updated *types.Zone
	err = r.zones.Update(ctx, id, func(z *types.Zone) (*types.Zone, error) {
		if z == nil {
			return nil, fmt.Errorf("zone %s vanished mid-create", id)
		}
		z.Status.State = types.StateCreated
		z.Status.DomID = domID
		z.Status.ImageDigest = packed.Digest.Hex()
		z.Status.Network = reservation
		z.Status.ClaimedDevices = append([]string(nil), zone.Spec.Devices...)
		z.Status.ActiveResources = zone.Spec.Resources
		z.UpdatedAt = time.Now().UTC()
		updated = z
		return z, nil
	})
	if err != nil {
		return fmt.Errorf("persist created state: %w", err)
	}
	r.stream.Publish(events.Event{ZoneUUID: id.String(), Kind: events.KindCreated, Zone: updated, Timestamp: time.Now().UTC()})
	return nil
}

// reconcileCreated performs idempotent health checks on an already-running
// zone: repairing the zone lookup table if a restart lost it.
func (r *Reconciler) reconcileCreated(_ context.Context, zone *types.Zone) error {
	if _, ok := r.lookup.DomID(zone.UUID); !ok && zone.Status.DomID != types.MaxDomID {
		r.lookup.Set(zone.UUID, zone.Status.DomID)
	}
	return nil
}

// reconcileDestroying tears down a zone's domain, devices, network, and
// record. Safe to retry.
func (r *Reconciler) reconcileDestroying(ctx context.Context, zone *types.Zone) error {
	id := zone.UUID

	if zone.Status.DomID != types.MaxDomID {
		if err := r.driver.DestroyDomain(ctx, zone.Status.DomID); err != nil && !errkind.Is(err, errkind.NotFound) {
			r.requeueWithBackoff(id)
			return fmt.Errorf("destroy domain %d: %w", zone.Status.DomID, err)
		}
	}

	r.detachBackend(id.String())
	r.devices.ReleaseOwner(id.String())
	if err := r.reservations.Release(ctx, id.String()); err != nil {
		r.requeueWithBackoff(id)
		return fmt.Errorf("release reservation: %w", err)
	}
	r.lookup.Remove(id)

	if err := r.zones.Remove(ctx, id); err != nil {
		r.requeueWithBackoff(id)
		return fmt.Errorf("remove zone record: %w", err)
	}

	r.stream.Publish(events.Event{ZoneUUID: id.String(), Kind: events.KindDestroyed, Zone: nil, Timestamp: time.Now().UTC()})
	return nil
}

// reconcileFailed tears down a Failed zone's live resources the same way
// reconcileDestroying does, but retains the zone record along with its
// error instead of removing it.
func (r *Reconciler) reconcileFailed(ctx context.Context, zone *types.Zone) error {
	id := zone.UUID

	if zone.Status.DomID != types.MaxDomID {
		if err := r.driver.DestroyDomain(ctx, zone.Status.DomID); err != nil && !errkind.Is(err, errkind.NotFound) {
			r.requeueWithBackoff(id)
			return fmt.Errorf("destroy domain %d: %w", zone.Status.DomID, err)
		}
	}

	r.detachBackend(id.String())
	r.devices.ReleaseOwner(id.String())
	_ = r.reservations.Release(ctx, id.String())
	r.lookup.Remove(id)

	var updated *types.Zone
	err := r.zones.Update(ctx, id, func(z *types.Zone) (*types.Zone, error) {
		if z == nil {
			return nil, nil
		}
		z.Status.DomID = types.MaxDomID
		z.Status.Network = nil
		z.Status.ClaimedDevices = nil
		z.Status.ActiveResources = types.Resources{}
		z.UpdatedAt = time.Now().UTC()
		updated = z
		return z, nil
	})
	if err != nil || updated == nil {
		return err
	}
	r.stream.Publish(events.Event{ZoneUUID: id.String(), Kind: events.KindFailed, Zone: updated, Timestamp: time.Now().UTC()})
	return nil
}

// fail transitions a zone to Failed, recording cause's message as the
// zone's error.
func (r *Reconciler) fail(ctx context.Context, id uuid.UUID, cause error) error {
	var updated *types.Zone
	err := r.zones.Update(ctx, id, func(z *types.Zone) (*types.Zone, error) {
		if z == nil {
			return nil, nil
		}
		z.Status.State = types.StateFailed
		z.Status.Error = cause.Error()
		z.UpdatedAt = time.Now().UTC()
		updated = z
		return z, nil
	})
	if err != nil {
		return fmt.Errorf("persist failed state (cause: %v): %w", cause, err)
	}
	r.stream.Publish(events.Event{ZoneUUID: id.String(), Kind: events.KindFailed, Zone: updated, Timestamp: time.Now().UTC()})
	return cause
}

func (r *Reconciler) requeueWithBackoff(id uuid.UUID) {
	time.AfterFunc(destroyBackoff, func() { r.Enqueue(id) })
}

// writeOverlay synthesizes the zone's launch document and writes it to its
// per-guest overlay image path.
func (r *Reconciler) writeOverlay(zone *types.Zone, reservation *types.Reservation) (string, error) {
	doc := types.LaunchDocument{
		Root: types.FormatSquashfs,
		Network: &types.LaunchNetwork{
			Link: "eth0",
			IPv4: fmt.Sprintf("%s/%d", reservation.IPv4, reservation.IPv4Prefix),
		},
		Env:      zone.Spec.Env,
		Command:  zone.Spec.Command,
		Hostname: zone.Spec.Name,
	}
	if reservation.IPv6 != nil {
		doc.Network.IPv6 = fmt.Sprintf("%s/%d", reservation.IPv6, reservation.IPv6Prefix)
	}

	path := r.conf.OverlayImagePath(zone.UUID.String())
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal launch document: %w", err)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("write overlay %s: %w", path, err)
	}
	return path, nil
}

// attachBackend wires up the zone's per-guest network backend once its
// domain is created.
func (r *Reconciler) attachBackend(ctx context.Context, zoneUUID string, domID uint32, reservation *types.Reservation) error {
	if r.netSender == nil {
		return fmt.Errorf("network channel not wired up yet")
	}
	rt := &domainTransport{domID: domID, send: r.netSender}
	backend, err := network.NewBackend(ctx, zoneUUID, r.bridge, reservation, rt, r.conf.FlowCap, r.flowPool)
	if err != nil {
		return err
	}
	r.backendsMu.Lock()
	r.backends[zoneUUID] = backend
	r.backendsMu.Unlock()
	return nil
}

func (r *Reconciler) detachBackend(zoneUUID string) {
	r.backendsMu.Lock()
	backend, ok := r.backends[zoneUUID]
	delete(r.backends, zoneUUID)
	r.backendsMu.Unlock()
	if ok {
		backend.Close()
	}
}

// DeliverInbound routes one inbound chunk from the host network channel
// device to the owning zone's backend, keyed by domid.
func (r *Reconciler) DeliverInbound(domID uint32, frame []byte) {
	id, ok := r.lookup.UUID(domID)
	if !ok {
		return
	}
	r.backendsMu.Lock()
	backend, ok := r.backends[id.String()]
	r.backendsMu.Unlock()
	if !ok {
		return
	}
	_ = backend.HandleInbound(frame)
}

// domainTransport adapts the shared network-channel sender to one domain,
// implementing network.RawTransport.
type domainTransport struct {
	domID uint32
	send  hypervisor.ChannelSender
}

func (t *domainTransport) Send(frame []byte) error {
	return t.send(t.domID, frame)
}

// syntheticGatewayMAC derives the bridge's gateway MAC the same way
// reservations derive a zone's client MAC, but pinned to the network
// address so every zone on a given CIDR shares one gateway identity. This
// is a fixed, deterministic address per CIDR since no real host MAC is
// available at this layer.
func syntheticGatewayMAC(cidr *net.IPNet) net.HardwareAddr {
	if cidr == nil {
		return net.HardwareAddr{0x02, 0x00, 0, 0, 0, 1}
	}
	ip := cidr.IP.To4()
	if ip == nil {
		return net.HardwareAddr{0x02, 0x00, 0, 0, 0, 1}
	}
	return net.HardwareAddr{0x02, 0x00, ip[0], ip[1], ip[2], 1}
}
