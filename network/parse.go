package network

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	ethTypeIPv4 = 0x0800
	ethTypeIPv6 = 0x86DD

	ipProtoICMP   = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipv6ProtoICMP = 58
)

// parsedFrame is the result of peeling an Ethernet frame down to its
// transport-layer identity, enough to build a NatKey.
type parsedFrame struct {
	srcMAC, dstMAC net.HardwareAddr
	key            NatKey
	payload        []byte // transport-layer payload (UDP/TCP data, or raw ICMP)
}

// parseEthernet extracts a NatKey from an inbound Ethernet frame. Only
// IPv4/IPv6 UDP, TCP, and ICMP(v4/v6) are recognized; anything else
// returns an error so the caller can drop it.
func parseEthernet(frame []byte) (*parsedFrame, error) {
	if len(frame) < 14 {
		return nil, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	dst := net.HardwareAddr(append([]byte(nil), frame[0:6]...))
	src := net.HardwareAddr(append([]byte(nil), frame[6:12]...))
	etherType := binary.BigEndian.Uint16(frame[12:14])
	body := frame[14:]

	var key NatKey
	var payload []byte
	var err error

	switch etherType {
	case ethTypeIPv4:
		key, payload, err = parseIPv4(body)
	case ethTypeIPv6:
		key, payload, err = parseIPv6(body)
	default:
		return nil, fmt.Errorf("unsupported ethertype 0x%04x", etherType)
	}
	if err != nil {
		return nil, err
	}

	copy(key.ClientMAC[:], src)
	copy(key.LocalMAC[:], dst)

	return &parsedFrame{srcMAC: src, dstMAC: dst, key: key, payload: payload}, nil
}

func parseIPv4(b []byte) (NatKey, []byte, error) {
	if len(b) < 20 {
		return NatKey{}, nil, fmt.Errorf("short ipv4 header")
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || len(b) < ihl {
		return NatKey{}, nil, fmt.Errorf("invalid ipv4 ihl")
	}
	proto := b[9]
	srcIP := b[12:16]
	dstIP := b[16:20]
	transport := b[ihl:]

	var key NatKey
	setIPv4(&key.ClientEndpoint, srcIP)
	setIPv4(&key.ExternalEndpoint, dstIP)

	switch proto {
	case ipProtoUDP:
		key.Protocol = ProtoUDP
		return finishPorts(key, transport, 8)
	case ipProtoTCP:
		key.Protocol = ProtoTCP
		return finishPorts(key, transport, 20)
	case ipProtoICMP:
		key.Protocol = ProtoICMP
		return key, transport, nil
	default:
		return NatKey{}, nil, fmt.Errorf("unsupported ipv4 protocol %d", proto)
	}
}

func parseIPv6(b []byte) (NatKey, []byte, error) {
	if len(b) < 40 {
		return NatKey{}, nil, fmt.Errorf("short ipv6 header")
	}
	nextHeader := b[6]
	srcIP := b[8:24]
	dstIP := b[24:40]
	transport := b[40:]

	var key NatKey
	setIPv6(&key.ClientEndpoint, srcIP)
	setIPv6(&key.ExternalEndpoint, dstIP)

	switch nextHeader {
	case ipProtoUDP:
		key.Protocol = ProtoUDP
		return finishPorts(key, transport, 8)
	case ipProtoTCP:
		key.Protocol = ProtoTCP
		return finishPorts(key, transport, 20)
	case ipv6ProtoICMP:
		key.Protocol = ProtoICMP
		return key, transport, nil
	default:
		return NatKey{}, nil, fmt.Errorf("unsupported ipv6 next header %d", nextHeader)
	}
}

func finishPorts(key NatKey, transport []byte, minLen int) (NatKey, []byte, error) {
	if len(transport) < minLen {
		return NatKey{}, nil, fmt.Errorf("short transport header")
	}
	key.ClientEndpoint.Port = binary.BigEndian.Uint16(transport[0:2])
	key.ExternalEndpoint.Port = binary.BigEndian.Uint16(transport[2:4])
	return key, transport, nil
}

func setIPv4(e *Endpoint, ip []byte) {
	var v4 [4]byte
	copy(v4[:], ip)
	mapped := net.IP(v4[:]).To16()
	copy(e.IP[:], mapped)
}

func setIPv6(e *Endpoint, ip []byte) {
	copy(e.IP[:], ip)
}
