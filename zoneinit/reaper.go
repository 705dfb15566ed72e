package zoneinit

import (
	"context"
	"syscall"

	"github.com/projecteru2/core/log"
)

// startReaper runs, for the life of the process, a loop reaping any child
// whose parent has become this process: running as PID 1, it inherits every
// orphaned grandchild the kernel reparents to it. PID 1 has no specific
// child to wait for, only "whatever exits next", so it reaps
// indiscriminately rather than tracking PIDs. The returned function is a
// no-op; the reaper is not meant to stop before the process itself does.
func startReaper(ctx context.Context) func() {
	go reapLoop(ctx)
	return func() {}
}

func reapLoop(ctx context.Context) {
	logger := log.WithFunc("zoneinit.reapLoop")
	for {
		var status syscall.WaitStatus
		_, err := syscall.Wait4(-1, &status, 0, nil)
		switch err {
		case nil:
			// reaped; loop to catch the next one.
		case syscall.ECHILD:
			return // no children left at all
		case syscall.EINTR:
			// interrupted by a signal; retry.
		default:
			logger.Warnf(ctx, "wait4: %v", err)
			return
		}
	}
}
