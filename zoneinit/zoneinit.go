// Package zoneinit implements the in-zone init: it mounts images, applies
// the launch config, forks the user command, and reports the exit. It runs
// as PID 1 inside a zone's guest, reads the launch document the reconciler
// wrote into the overlay image, starts the user command, answers IDM
// requests for exec and metrics, and reports the command's exit back to
// the host once it terminates.
package zoneinit

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/metrics"
	"github.com/zonelabs/zoned/types"
)

// LaunchDocPath is the zone's second attached disk (types.DomainSpec's
// Disks[1] in reconcile.go's domain build): a flat file, not a mounted
// filesystem, whose entire contents are the launch document's JSON
// encoding (types.LaunchDocument's doc comment).
const LaunchDocPath = "/dev/xvdb"

// Channel is the guest's side of the IDM transport: a byte stream read
// from and written to the host over the zone's shared ring device. Opening
// the concrete device is a Hypervisor Driver concern, left to the binary
// that constructs Init.
type Channel interface {
	io.Reader
	io.Writer
}

// Init drives one zone's guest-side lifecycle: mount, launch, serve IDM,
// report exit.
type Init struct {
	channel   Channel
	collector *metrics.Collector

	mount func(doc *types.LaunchDocument) error
}

// New builds an Init bound to channel, the zone's IDM transport.
func New(channel Channel) *Init {
	return &Init{
		channel:   channel,
		collector: metrics.New(),
		mount:     mountLaunchDocument,
	}
}

// Run reads the launch document, mounts the image, starts the user
// command, and serves IDM requests until the command exits. It returns
// once the exit has been reported; callers that must behave like PID 1
// (park forever after, so the kernel has a reapable init) wrap Run in
// their own death loop — see cmd/zoneinit.
func (i *Init) Run(ctx context.Context) error {
	logger := log.WithFunc("zoneinit.Run")

	doc, err := readLaunchDocument(LaunchDocPath)
	if err != nil {
		return fmt.Errorf("read launch document: %w", err)
	}

	if err := i.mount(doc); err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	if err := applyHostname(doc.Hostname); err != nil {
		logger.Warnf(ctx, "set hostname: %v", err)
	}

	stopReaper := startReaper(ctx)
	defer stopReaper()

	waitCh := spawnCommand(ctx, doc)

	handlerCtx, cancelHandler := context.WithCancel(ctx)
	defer cancelHandler()
	go i.serve(handlerCtx)

	code := <-waitCh
	if err := i.reportExit(code); err != nil {
		logger.Warnf(ctx, "report exit %d: %v", code, err)
	}
	return nil
}

// applyHostname sets the guest's hostname from the launch document, when
// the platform supports it.
func applyHostname(name string) error {
	if name == "" {
		return nil
	}
	return setHostname(name)
}

// spawnCommand starts doc.Command (inheriting doc.Env) and returns a
// channel that receives its exit code exactly once.
func spawnCommand(ctx context.Context, doc *types.LaunchDocument) <-chan int64 {
	waitCh := make(chan int64, 1)

	if len(doc.Command) == 0 {
		waitCh <- 0
		return waitCh
	}

	cmd := exec.CommandContext(ctx, doc.Command[0], doc.Command[1:]...)
	cmd.Env = envSlice(doc.Env)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	go func() {
		waitCh <- int64(runAndExitCode(cmd))
	}()

	return waitCh
}

// runAndExitCode starts cmd, waits for it, and extracts its exit code
// (127 if it could not even be started, matching a shell's convention for
// "command not found").
func runAndExitCode(cmd *exec.Cmd) int {
	if err := cmd.Start(); err != nil {
		return 127
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 1
	}
	return 0
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
