package gc

import "context"

// alwaysLocker is a Locker for GC modules whose underlying storage already
// serializes its own access (e.g. the Record Store's internal flock) and
// needs no additional cross-operation exclusion at the GC layer.
type alwaysLocker struct{}

func (alwaysLocker) Lock(context.Context) error            { return nil }
func (alwaysLocker) Unlock(context.Context) error          { return nil }
func (alwaysLocker) TryLock(context.Context) (bool, error) { return true, nil }
