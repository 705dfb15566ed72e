package zoneinit

import "golang.org/x/sys/unix"

// setHostname applies the guest hostname from the launch document
// (types.LaunchDocument.Hostname).
func setHostname(name string) error {
	return unix.Sethostname([]byte(name))
}
