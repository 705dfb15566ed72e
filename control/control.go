// Package control implements the Control Surface: handlers
// for every RPC operation the daemon exposes, reading/writing the Record
// Store and invoking the reconciler, packer, and bus. Listener bootstrap,
// TLS/transport, and wire marshalling are left to a transport layer
// external to this package; these handlers are plain Go methods it adapts
// into RPCs.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/devices"
	"github.com/zonelabs/zoned/errkind"
	"github.com/zonelabs/zoned/events"
	"github.com/zonelabs/zoned/hypervisor"
	"github.com/zonelabs/zoned/idm"
	"github.com/zonelabs/zoned/images/oci"
	"github.com/zonelabs/zoned/progress"
	"github.com/zonelabs/zoned/store"
	"github.com/zonelabs/zoned/types"
	"github.com/zonelabs/zoned/zonelookup"
)

// execTimeout bounds one ExecInsideZone round-trip over the IDM bus.
const execTimeout = 30 * time.Second

// metricsTimeout bounds one ReadZoneMetrics round-trip.
const metricsTimeout = 5 * time.Second

// Waker schedules reconciliation for a zone. Satisfied by *reconcile.Reconciler.
type Waker interface {
	Enqueue(id uuid.UUID)
}

// Controller holds every collaborator the control surface handlers need.
type Controller struct {
	conf         *config.Config
	zones        *store.Zones
	reservations *store.Reservations
	devices      *devices.Manager
	lookup       *zonelookup.Table
	driver       hypervisor.Driver
	packer       *oci.Packer
	stream       *events.Stream
	bus          *idm.Bus
	waker        Waker
	hostUUID     string
}

// New creates a Controller.
func New(
	conf *config.Config,
	zones *store.Zones,
	reservations *store.Reservations,
	devMgr *devices.Manager,
	lookup *zonelookup.Table,
	driver hypervisor.Driver,
	packer *oci.Packer,
	stream *events.Stream,
	bus *idm.Bus,
	waker Waker,
	hostUUID string,
) *Controller {
	return &Controller{
		conf: conf, zones: zones, reservations: reservations, devices: devMgr,
		lookup: lookup, driver: driver, packer: packer, stream: stream, bus: bus,
		waker: waker, hostUUID: hostUUID,
	}
}

// CreateZone validates spec and creates a new zone record in Creating
// state, then wakes the reconciler.
func (c *Controller) CreateZone(ctx context.Context, spec types.ZoneSpec) (uuid.UUID, error) {
	if spec.Image == "" {
		return uuid.Nil, errkind.New(errkind.InvalidArgument, "spec.image is required")
	}
	if spec.Resources.CPUs == 0 {
		return uuid.Nil, errkind.New(errkind.InvalidArgument, "spec.resources.cpus must be > 0")
	}
	if spec.Resources.MaxMemMB < spec.Resources.TargetMemMB || spec.Resources.TargetMemMB == 0 {
		return uuid.Nil, errkind.New(errkind.InvalidArgument, "spec.resources: require 0 < target_mem_mb <= max_mem_mb")
	}

	id := uuid.New()
	zone := types.NewZone(id, spec)
	err := c.zones.Update(ctx, id, func(existing *types.Zone) (*types.Zone, error) {
		if existing != nil {
			return nil, errkind.New(errkind.AlreadyExists, fmt.Sprintf("zone %s already exists", id))
		}
		return zone, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.waker.Enqueue(id)
	return id, nil
}

// DestroyZone moves a zone to Destroying and wakes the reconciler.
// Idempotent: returns success if the zone is already absent.
func (c *Controller) DestroyZone(ctx context.Context, id uuid.UUID) error {
	var needsWake bool
	err := c.zones.Update(ctx, id, func(z *types.Zone) (*types.Zone, error) {
		if z == nil {
			return nil, nil // already gone: success
		}
		if z.Status.State == types.StateDestroying || z.Status.State == types.StateDestroyed {
			return z, nil
		}
		if !z.Status.State.CanTransition(types.StateDestroying) {
			return nil, errkind.New(errkind.PreconditionFailed, fmt.Sprintf("zone %s in state %s cannot be destroyed", id, z.Status.State))
		}
		z.Status.State = types.StateDestroying
		z.UpdatedAt = time.Now().UTC()
		needsWake = true
		return z, nil
	})
	if err != nil {
		return err
	}
	if needsWake {
		c.waker.Enqueue(id)
	}
	return nil
}

// ListZones returns every zone record, sorted by creation time.
func (c *Controller) ListZones(ctx context.Context) ([]*types.Zone, error) {
	byID, err := c.zones.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Zone, 0, len(byID))
	for _, z := range byID {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetZone returns a single zone record, or NotFound.
func (c *Controller) GetZone(ctx context.Context, id uuid.UUID) (*types.Zone, error) {
	z, err := c.zones.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if z == nil {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("zone %s not found", id))
	}
	return z, nil
}

// ResolveZoneId maps a zone's spec.Name to its UUID string, or "" if none
// matches.
func (c *Controller) ResolveZoneId(ctx context.Context, name string) (string, error) {
	return c.zones.ResolveName(ctx, name)
}

// UpdateZoneResources applies a new resource envelope to a live (Created)
// zone, pushing it to the driver immediately and persisting the result.
func (c *Controller) UpdateZoneResources(ctx context.Context, id uuid.UUID, res types.Resources) error {
	zone, err := c.zones.Read(ctx, id)
	if err != nil {
		return err
	}
	if zone == nil {
		return errkind.New(errkind.NotFound, fmt.Sprintf("zone %s not found", id))
	}
	if zone.Status.State != types.StateCreated {
		return errkind.New(errkind.PreconditionFailed, fmt.Sprintf("zone %s is %s, not created", id, zone.Status.State))
	}

	if err := c.driver.SetMemory(ctx, zone.Status.DomID, res.TargetMemMB<<20, res.MaxMemMB<<20); err != nil {
		return errkind.Wrap(errkind.HypervisorError, err, "set memory")
	}
	if err := c.driver.SetCPUs(ctx, zone.Status.DomID, res.CPUs); err != nil {
		return errkind.Wrap(errkind.HypervisorError, err, "set cpus")
	}

	return c.zones.Update(ctx, id, func(z *types.Zone) (*types.Zone, error) {
		if z == nil {
			return nil, nil
		}
		z.Status.ActiveResources = res
		z.UpdatedAt = time.Now().UTC()
		return z, nil
	})
}

// AttachZoneConsole opens a live zone's console device for bidirectional
// I/O by opening the domain's PTY path directly; escape-sequence handling
// and terminal raw-mode belong to the client side, not this handler.
func (c *Controller) AttachZoneConsole(ctx context.Context, id uuid.UUID) (*os.File, error) {
	zone, err := c.GetZone(ctx, id)
	if err != nil {
		return nil, err
	}
	if zone.Status.DomID == types.MaxDomID {
		return nil, errkind.New(errkind.PreconditionFailed, fmt.Sprintf("zone %s has no domain yet", id))
	}
	path, err := c.driver.GetConsolePath(ctx, zone.Status.DomID)
	if err != nil {
		return nil, errkind.Wrap(errkind.HypervisorError, err, "get console path")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec
	if err != nil {
		return nil, errkind.Wrap(errkind.HypervisorError, err, "open console")
	}
	return f, nil
}

// ExecInsideZone runs one command inside a zone's guest init over the IDM
// bus and waits for its single Response: one request/response round-trip,
// sufficient for non-interactive exec; a transport layer wanting a live
// interactive stream should instead attach the zone's console.
func (c *Controller) ExecInsideZone(ctx context.Context, id uuid.UUID, req types.ExecRequest) (*types.ExecResponse, error) {
	zone, err := c.GetZone(ctx, id)
	if err != nil {
		return nil, err
	}
	if zone.Status.DomID == types.MaxDomID {
		return nil, errkind.New(errkind.PreconditionFailed, fmt.Sprintf("zone %s has no domain yet", id))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal exec request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	respBody, err := c.bus.Request(ctx, zone.Status.DomID, body)
	if err != nil {
		return nil, err
	}

	var resp types.ExecResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode exec response: %w", err)
	}
	return &resp, nil
}

// ReadZoneMetrics requests the guest's metrics tree over the IDM bus.
func (c *Controller) ReadZoneMetrics(ctx context.Context, id uuid.UUID) (*types.MetricNode, error) {
	zone, err := c.GetZone(ctx, id)
	if err != nil {
		return nil, err
	}
	if zone.Status.DomID == types.MaxDomID {
		return nil, errkind.New(errkind.PreconditionFailed, fmt.Sprintf("zone %s has no domain yet", id))
	}

	body, err := json.Marshal(types.MetricsRequest{})
	if err != nil {
		return nil, fmt.Errorf("marshal metrics request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, metricsTimeout)
	defer cancel()

	respBody, err := c.bus.Request(ctx, zone.Status.DomID, body)
	if err != nil {
		return nil, err
	}

	var tree types.MetricNode
	if err := json.Unmarshal(respBody, &tree); err != nil {
		return nil, fmt.Errorf("decode metrics response: %w", err)
	}
	return &tree, nil
}

// WatchEvents subscribes to the zone event stream.
func (c *Controller) WatchEvents() (*events.Subscription, func()) {
	return c.stream.Subscribe()
}

// PullImage delegates to the OCI Packer Service.
func (c *Controller) PullImage(ctx context.Context, req oci.PullRequest, tracker progress.Tracker) (*types.PackedImage, error) {
	return c.packer.Pull(ctx, req, tracker)
}

// ListDevices reports claim state for every device in the host's static
// inventory.
func (c *Controller) ListDevices() []types.Device {
	return c.devices.List(c.conf.Devices)
}

// GetHostStatus reports this daemon's host identity. Address discovery is
// an external collaborator; only the host UUID set at daemon startup is
// authoritative here.
func (c *Controller) GetHostStatus() (types.HostStatus, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	return types.HostStatus{HostUUID: c.hostUUID, Hostname: hostname}, nil
}

// GetHostCpuTopology delegates to the Hypervisor Driver.
func (c *Controller) GetHostCpuTopology(ctx context.Context) ([]types.CPUInfo, error) {
	topo, err := c.driver.GetCPUTopology(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.HypervisorError, err, "get cpu topology")
	}
	return topo, nil
}

// SetHostPowerManagementPolicy forwards the policy to the Hypervisor Driver
// verbatim.
func (c *Controller) SetHostPowerManagementPolicy(ctx context.Context, policy types.PowerManagementPolicy) error {
	if err := c.driver.SetPowerManagementPolicy(ctx, policy); err != nil {
		return errkind.Wrap(errkind.HypervisorError, err, "set power management policy")
	}
	return nil
}

// ReadHypervisorConsoleRing delegates to the Hypervisor Driver.
func (c *Controller) ReadHypervisorConsoleRing(ctx context.Context, clear bool) (string, error) {
	data, err := c.driver.ReadHypervisorConsole(ctx, clear)
	if err != nil {
		return "", errkind.Wrap(errkind.HypervisorError, err, "read hypervisor console")
	}
	return data, nil
}

// SnoopIdm subscribes to every packet routed through the IDM bus.
func (c *Controller) SnoopIdm() (<-chan idm.SnoopEvent, func()) {
	return c.bus.Snoop()
}

// ListNetworkReservations returns every live network reservation.
func (c *Controller) ListNetworkReservations(ctx context.Context) ([]*types.Reservation, error) {
	return c.reservations.List(ctx)
}
