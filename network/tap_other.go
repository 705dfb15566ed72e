//go:build !linux

package network

import "errors"

var errTAPUnsupported = errors.New("host tap devices are only supported on linux")

func openTAP(_ string, _ int) (tapDevice, error) {
	return nil, errTAPUnsupported
}
