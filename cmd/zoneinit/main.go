// Command zoneinit is the guest-side entrypoint for the In-Zone Init
// component. It runs as PID 1 inside a zone, so unlike the
// daemon it never returns: after zoneinit.Init.Run reports the supervised
// command's exit, main parks forever so the kernel always has a reapable
// init.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/zoneinit"
)

// idmDevice is the guest-visible ring device backing the IDM channel the
// host opens via Driver.OpenChannel(ctx, "idm"); naming and
// creating this device node is a Hypervisor Driver concern, out of scope
// here.
const idmDevice = "/dev/zoned-idm"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	logger := log.WithFunc("zoneinit.main")

	channel, err := os.OpenFile(idmDevice, os.O_RDWR, 0) //nolint:gosec // fixed device node
	if err != nil {
		logger.Warnf(ctx, "open idm device: %v", err)
		die()
	}

	if err := zoneinit.New(channel).Run(ctx); err != nil {
		logger.Warnf(ctx, "run: %v", err)
	}
	die()
}

// die parks forever: PID 1 exiting panics the kernel, so once the
// supervised command's exit has been reported there is nothing left to do
// but wait out the domain's teardown.
func die() {
	for {
		time.Sleep(time.Hour)
	}
}
