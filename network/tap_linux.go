//go:build linux

package network

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxTAP is a host TAP interface opened against /dev/net/tun with
// IFF_TAP|IFF_NO_PI, the standard Linux mechanism for a userspace process to
// own an Ethernet-framed virtual interface.
type linuxTAP struct {
	f    *os.File
	name string
	mtu  int
}

// ifReq mirrors struct ifreq's name+flags prefix, the only fields TUNSETIFF
// reads.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

func openTAP(name string, mtu int) (tapDevice, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	return &linuxTAP{f: f, name: name, mtu: mtu}, nil
}

func (t *linuxTAP) Name() string { return t.name }

func (t *linuxTAP) ReadFrame() ([]byte, error) {
	buf := make([]byte, t.mtu)
	n, err := t.f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *linuxTAP) WriteFrame(frame []byte) error {
	_, err := t.f.Write(frame)
	return err
}

func (t *linuxTAP) Close() error { return t.f.Close() }
