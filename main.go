// Command zoned wires together the daemon's collaborators — store,
// device/network/IDM state, the reconciler, event generator, and garbage
// collector — and runs them until signaled to stop. Listener bootstrap
// (the gRPC/RPC transport that adapts control.Controller's methods into
// wire calls) is an external collaborator and is not built
// here; this file is the composition root the transport layer sits in
// front of.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/control"
	"github.com/zonelabs/zoned/devices"
	"github.com/zonelabs/zoned/eventgen"
	"github.com/zonelabs/zoned/events"
	"github.com/zonelabs/zoned/gc"
	"github.com/zonelabs/zoned/hypervisor"
	"github.com/zonelabs/zoned/idm"
	"github.com/zonelabs/zoned/images/oci"
	"github.com/zonelabs/zoned/network"
	"github.com/zonelabs/zoned/reconcile"
	"github.com/zonelabs/zoned/store"
	"github.com/zonelabs/zoned/utils"
	"github.com/zonelabs/zoned/zonelookup"
)

// reconcileWorkers bounds the reconciler's worker-goroutine pool.
const reconcileWorkers = 4

// hostBridgeIface is the host-side TAP/bridge interface name the daemon's
// virtual bridge attaches to. Interface discovery/allocation is left to
// deployment configuration; a fixed name stands in for it here.
const hostBridgeIface = "zoned-host0"

// selfBinary is the name matched against a stale PID file's /proc/<pid>/exe
// to tell a leftover zoned instance from an unrelated process that has
// since reused the same PID.
const selfBinary = "zoned"

// pidFilePath is where the running daemon records its own PID.
func pidFilePath(conf *config.Config) string {
	return filepath.Join(conf.RootDir, "zoned.pid")
}

// checkSingleInstance refuses to start if the PID file names a zoned
// process that is still alive. A PID file naming a dead or unrelated
// process is stale and ignored.
func checkSingleInstance(path string) error {
	pid, err := utils.ReadPIDFile(path)
	if err != nil {
		return nil // no PID file yet, or unreadable: nothing to guard against
	}
	if utils.VerifyProcess(pid, selfBinary) {
		return fmt.Errorf("zoned already running as pid %d (%s)", pid, path)
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.WithFunc("main").Warnf(ctx, "zoned exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf := config.DefaultConfig()
	if err := conf.EnsureDirs(); err != nil {
		return err
	}
	if err := log.SetupLog(ctx, conf.Log, ""); err != nil {
		return err
	}
	logger := log.WithFunc("main.run")

	pidFile := pidFilePath(conf)
	if err := checkSingleInstance(pidFile); err != nil {
		return err
	}
	if err := utils.WritePIDFile(pidFile, os.Getpid()); err != nil {
		logger.Warnf(ctx, "write pid file: %v", err)
	}

	zones := store.NewZones(conf)
	reservations := store.NewReservations(conf)
	devMgr := devices.NewManager()
	lookup := zonelookup.New()
	packer := oci.New(conf)
	stream := events.New()
	driver := hypervisor.NewFakeDriver()

	known, err := zones.List(ctx)
	if err != nil {
		return err
	}
	devMgr.Rebuild(known)
	lookup.Rebuild(known)

	pool, err := network.NewWorkerPool(conf.PoolSize)
	if err != nil {
		return err
	}
	bridge := network.NewBridge(conf.BridgeMACTableCap)
	hostBridge, err := network.NewHostBridge(ctx, hostBridgeIface, nil, bridge)
	if err != nil {
		logger.Warnf(ctx, "host bridge unavailable, zones get no host-side uplink: %v", err)
	} else {
		defer hostBridge.Close()
	}

	reconciler := reconcile.New(conf, zones, reservations, devMgr, lookup, driver, packer, stream, bridge, pool)

	idmInbound, idmSend, err := driver.OpenChannel(ctx, "idm")
	if err != nil {
		return err
	}
	bus := idm.New(idmSend)
	go feedIDM(ctx, bus, idmInbound)

	netInbound, netSend, err := driver.OpenChannel(ctx, "net")
	if err != nil {
		return err
	}
	reconciler.SetNetSender(netSend)
	go feedNet(ctx, reconciler, netInbound)

	generator := eventgen.New(driver, zones, lookup, stream, reconciler)
	orchestrator := gc.NewDefault(conf, zones)

	const hostUUID = "host"
	controller := control.New(conf, zones, reservations, devMgr, lookup, driver, packer, stream, bus, reconciler, hostUUID)
	_ = controller // consumed by the transport layer that adapts it into RPCs

	go reconciler.Run(ctx, reconcileWorkers)
	go generator.Run(ctx)
	go runGC(ctx, orchestrator)

	logger.Infof(ctx, "zoned started, root dir %s", conf.RootDir)
	<-ctx.Done()
	logger.Infof(ctx, "zoned shutting down")
	return nil
}

// feedIDM forwards every inbound channel chunk from the driver's "idm"
// transport into the Bus, which demultiplexes it by domid.
func feedIDM(ctx context.Context, bus *idm.Bus, inbound <-chan hypervisor.ChannelStream) {
	logger := log.WithFunc("main.feedIDM")
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-inbound:
			if !ok {
				return
			}
			if err := bus.Feed(ctx, chunk.DomID, chunk.Data); err != nil {
				logger.Warnf(ctx, "feed idm chunk from domid %d: %v", chunk.DomID, err)
			}
		}
	}
}

// feedNet forwards every inbound channel chunk from the driver's "net"
// transport to the reconciler, which routes it to the owning zone's
// per-guest network backend by domid.
func feedNet(ctx context.Context, reconciler *reconcile.Reconciler, inbound <-chan hypervisor.ChannelStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-inbound:
			if !ok {
				return
			}
			reconciler.DeliverInbound(chunk.DomID, chunk.Data)
		}
	}
}

// runGC runs the GC orchestrator once at startup, then on its steady-state
// interval, until ctx is done.
func runGC(ctx context.Context, orchestrator *gc.Orchestrator) {
	logger := log.WithFunc("main.runGC")
	if err := orchestrator.Run(ctx); err != nil {
		logger.Warnf(ctx, "gc cycle: %v", err)
	}

	ticker := time.NewTicker(gc.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orchestrator.Run(ctx); err != nil {
				logger.Warnf(ctx, "gc cycle: %v", err)
			}
		}
	}
}
