package network

import "fmt"

// Protocol identifies the transport a NAT flow carries.
type Protocol uint8

const (
	ProtoUDP Protocol = iota
	ProtoTCP
	ProtoICMP
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// Endpoint is an address+port pair (port is 0 for ICMP).
type Endpoint struct {
	IP   [16]byte
	Port uint16
}

// NatKey identifies one bridged-to-host flow for proxying: {protocol,
// client_mac, local_mac, client_endpoint, external_endpoint}.
type NatKey struct {
	Protocol         Protocol
	ClientMAC        [6]byte
	LocalMAC         [6]byte
	ClientEndpoint   Endpoint
	ExternalEndpoint Endpoint
}

func (k NatKey) String() string {
	return fmt.Sprintf("%s %v->%v", k.Protocol, k.ClientEndpoint, k.ExternalEndpoint)
}
