// Package gc implements the out-of-band garbage collector for packed image
// cache entries and per-zone overlay files. Packed images are created by
// the Packer, mutated only by rename-into-cache, and garbage-collected out
// of band.
//
// A GC cycle runs several Module[S] instances through a shared Orchestrator:
// each module reads its own on-disk snapshot under its lock, every module's
// Resolve function sees its own snapshot typed and every other module's
// snapshot as any (for cross-module reference checks), and surviving
// targets are deleted under lock again. The "zonerefs" module (see
// zonerefs.go) never deletes anything itself — it exists purely to hand the
// live zone record set to the image-cache and overlay modules.
package gc

import (
	"context"

	"github.com/zonelabs/zoned/lock"
)

// Locker is the mutual-exclusion contract a Module coordinates through.
type Locker = lock.Locker

// Module describes one storage domain that participates in a GC cycle. S is
// the concrete snapshot type this module reads under its own lock; other
// modules see it only as any during cross-module resolution.
type Module[S any] struct {
	Name string

	// Locker coordinates with other operations touching this module's
	// storage (e.g. an in-flight pull writing a new cache entry). TryLock
	// returning false skips the module for this cycle; it retries next run.
	Locker Locker

	// ReadDB reads the module's current on-disk state. Called while the
	// lock is held; must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's typed snapshot, with every other
	// snapshotted module's state available as map[string]any for
	// cross-module reference checks, and returns the resource IDs to
	// delete. Called with no lock held.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given IDs, or performs housekeeping if ids is
	// empty. Called while the lock is held; must not re-acquire it.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string   { return m.Name }
func (m Module[S]) getLocker() Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	return m.Resolve(snap.(S), others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}

// runner is the type-erased interface Orchestrator holds heterogeneous
// Module[S] values as. Unexported — callers work with Module[S]/Register.
type runner interface {
	getName() string
	getLocker() Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}
