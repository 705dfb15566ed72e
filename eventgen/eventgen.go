// Package eventgen implements the Event Generator: it polls
// the Hypervisor Driver's domain list on a fixed interval, detects newly
// exited domains, updates their zone records, and wakes the Reconciler.
package eventgen

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/events"
	"github.com/zonelabs/zoned/hypervisor"
	"github.com/zonelabs/zoned/store"
	"github.com/zonelabs/zoned/types"
	"github.com/zonelabs/zoned/zonelookup"
)

// pollInterval is the steady-state poll period: the driver's domain list is
// polled every 500ms, backing off to errInterval after a failed poll.
const (
	pollInterval = 500 * time.Millisecond
	errInterval  = 5 * time.Second
)

// Waker wakes the Reconciler for a UUID that needs attention.
type Waker interface {
	Enqueue(id uuid.UUID)
}

// Generator owns the exit-detection poll loop.
type Generator struct {
	driver hypervisor.Driver
	zones  *store.Zones
	lookup *zonelookup.Table
	stream *events.Stream
	waker  Waker

	lastExit map[uint32]*int64 // last observed exit code per domid, nil = not yet exited
}

// New creates a Generator.
func New(driver hypervisor.Driver, zones *store.Zones, lookup *zonelookup.Table, stream *events.Stream, waker Waker) *Generator {
	return &Generator{
		driver:   driver,
		zones:    zones,
		lookup:   lookup,
		stream:   stream,
		waker:    waker,
		lastExit: make(map[uint32]*int64),
	}
}

// Run polls until ctx is done.
func (g *Generator) Run(ctx context.Context) {
	logger := log.WithFunc("eventgen.Run")
	interval := pollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := g.poll(ctx); err != nil {
			logger.Warnf(ctx, "poll: %v", err)
			interval = errInterval
		} else {
			interval = pollInterval
		}
		timer.Reset(interval)
	}
}

// poll lists every domain and, for each whose exit code newly became
// non-nil, updates its zone record and wakes the Reconciler.
func (g *Generator) poll(ctx context.Context) error {
	domains, err := g.driver.ListDomains(ctx)
	if err != nil {
		return err
	}

	seen := make(map[uint32]struct{}, len(domains))
	for _, d := range domains {
		seen[d.DomID] = struct{}{}
		if d.ExitCode == nil {
			continue
		}
		prev, known := g.lastExit[d.DomID]
		if known && prev != nil && *prev == *d.ExitCode {
			continue // already observed this exit
		}
		g.lastExit[d.DomID] = d.ExitCode
		g.handleExit(ctx, d)
	}

	for domID := range g.lastExit {
		if _, ok := seen[domID]; !ok {
			delete(g.lastExit, domID) // domain gone entirely: driver already reaped it
		}
	}
	return nil
}

// handleExit records a domain's exit against its zone record and moves the
// zone to Destroying wherever CanTransition allows it (a Failed or Destroyed
// zone keeps its state), then publishes a KindExited event and wakes the
// Reconciler.
func (g *Generator) handleExit(ctx context.Context, d types.DomainInfo) {
	logger := log.WithFunc("eventgen.handleExit")

	id, ok := g.lookup.UUID(d.DomID)
	if !ok {
		logger.Warnf(ctx, "exited domain %d has no known zone", d.DomID)
		return
	}

	var updated *types.Zone
	err := g.zones.Update(ctx, id, func(z *types.Zone) (*types.Zone, error) {
		if z == nil {
			return nil, nil
		}
		z.Status.Exit = types.ExitInfo{Code: *d.ExitCode, Seen: true}
		if z.Status.State.CanTransition(types.StateDestroying) {
			z.Status.State = types.StateDestroying
		}
		z.UpdatedAt = time.Now().UTC()
		updated = z
		return z, nil
	})
	if err != nil {
		logger.Warnf(ctx, "update zone %s after exit: %v", id, err)
		return
	}
	if updated == nil {
		return
	}

	g.stream.Publish(events.Event{ZoneUUID: id.String(), Kind: events.KindExited, Zone: updated, Timestamp: time.Now().UTC()})
	g.waker.Enqueue(id)
}
