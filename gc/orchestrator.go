package gc

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs GC across all registered modules.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed Module to the Orchestrator. This is a package-level
// function, not a method, because Go methods cannot carry their own type
// parameters.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one GC cycle:
//
//  1. For each module: TryLock -> ReadDB -> Unlock (skip if busy).
//  2. Each module's Resolve analyses its typed snapshot, with other
//     modules' snapshots available as map[string]any for cross-module
//     reference checks.
//  3. For each snapshotted module: TryLock -> Collect -> Unlock (skip if
//     busy). Collect runs even with zero targets so modules can do plain
//     housekeeping.
//
// Step 3 re-acquires the lock rather than holding it from step 1 to keep
// contention with concurrent pulls/reconciles minimal; a resource created
// between read and collect simply isn't in the snapshot and survives.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")

	snapshots := make(map[string]any, len(o.modules))
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		if err != nil || !ok {
			logger.Warnf(ctx, "skip %s: lock busy", m.getName())
			continue
		}
		snap, readErr := m.readSnapshot(ctx)
		_ = m.getLocker().Unlock(ctx)
		if readErr != nil {
			logger.Warnf(ctx, "snapshot %s: %v", m.getName(), readErr)
			continue
		}
		snapshots[m.getName()] = snap
	}

	targets := make(map[string][]string)
	for _, m := range o.modules {
		snap, ok := snapshots[m.getName()]
		if !ok {
			continue
		}
		if ids := m.resolveTargets(snap, snapshots); len(ids) > 0 {
			targets[m.getName()] = ids
		}
	}

	var errs []string
	for _, m := range o.modules {
		if _, snapshotted := snapshots[m.getName()]; !snapshotted {
			continue
		}
		ids := targets[m.getName()] // nil if no targets; Collect handles this
		ok, err := m.getLocker().TryLock(ctx)
		if err != nil || !ok {
			logger.Warnf(ctx, "skip collect %s: lock busy", m.getName())
			continue
		}
		collectErr := m.collect(ctx, ids)
		_ = m.getLocker().Unlock(ctx)
		if collectErr != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", m.getName(), collectErr))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("gc errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
