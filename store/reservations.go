package store

import (
	"context"
	"fmt"
	"net"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/lock/flock"
	"github.com/zonelabs/zoned/types"
)

// ReservationIndex is the top-level JSON-encoded structure of ip.db.
type ReservationIndex struct {
	Reservations map[string]*types.Reservation // keyed by zone UUID
}

// Init implements Initer.
func (idx *ReservationIndex) Init() {
	if idx.Reservations == nil {
		idx.Reservations = make(map[string]*types.Reservation)
	}
}

// Reservations is the Record Store's network-reservation API.
type Reservations struct {
	store Store[ReservationIndex]
}

// NewReservations opens the reservation Record Store at conf.ReservationDBFile().
func NewReservations(conf *config.Config) *Reservations {
	locker := flock.New(conf.ReservationDBLock())
	return &Reservations{store: NewFileStore[ReservationIndex](locker, conf.ReservationDBFile(), JSONCodec[ReservationIndex]{})}
}

// Get returns the reservation for a zone, or (nil, nil) if none exists.
func (r *Reservations) Get(ctx context.Context, zoneUUID string) (*types.Reservation, error) {
	var result *types.Reservation
	err := r.store.With(ctx, func(idx *ReservationIndex) error {
		if rec, ok := idx.Reservations[zoneUUID]; ok {
			cp := *rec
			result = &cp
		}
		return nil
	})
	return result, err
}

// List returns every live reservation.
func (r *Reservations) List(ctx context.Context) ([]*types.Reservation, error) {
	var result []*types.Reservation
	err := r.store.With(ctx, func(idx *ReservationIndex) error {
		for _, rec := range idx.Reservations {
			cp := *rec
			result = append(result, &cp)
		}
		return nil
	})
	return result, err
}

// Allocate assigns the next free address pair from the given CIDRs to
// zoneUUID and persists it, guaranteeing no two live reservations share an
// IPv4, IPv6, or MAC.
func (r *Reservations) Allocate(ctx context.Context, zoneUUID string, cidrs types.CIDRPair, gatewayMAC net.HardwareAddr) (*types.Reservation, error) {
	var result *types.Reservation
	err := r.store.Update(ctx, func(idx *ReservationIndex) error {
		if existing, ok := idx.Reservations[zoneUUID]; ok {
			cp := *existing
			result = &cp
			return nil
		}

		usedV4 := make(map[string]struct{})
		usedV6 := make(map[string]struct{})
		usedMAC := make(map[string]struct{})
		for _, rec := range idx.Reservations {
			usedV4[rec.IPv4.String()] = struct{}{}
			if rec.IPv6 != nil {
				usedV6[rec.IPv6.String()] = struct{}{}
			}
			usedMAC[rec.MAC.String()] = struct{}{}
		}

		ipv4, err := nextFreeIP(cidrs.IPv4, usedV4)
		if err != nil {
			return fmt.Errorf("allocate ipv4: %w", err)
		}
		var ipv6 net.IP
		if cidrs.IPv6 != nil {
			ipv6, err = nextFreeIP(cidrs.IPv6, usedV6)
			if err != nil {
				return fmt.Errorf("allocate ipv6: %w", err)
			}
		}
		mac := macFromIP(ipv4)
		if _, clash := usedMAC[mac.String()]; clash {
			return fmt.Errorf("mac collision for %s (should not happen with deterministic MAC derivation)", ipv4)
		}

		rec := &types.Reservation{
			ZoneUUID:    zoneUUID,
			IPv4:        ipv4,
			IPv4Prefix:  prefixLen(cidrs.IPv4),
			IPv6:        ipv6,
			IPv6Prefix:  prefixLen(cidrs.IPv6),
			MAC:         mac,
			GatewayIPv4: gatewayAddr(cidrs.IPv4),
			GatewayIPv6: gatewayAddr(cidrs.IPv6),
			GatewayMAC:  gatewayMAC,
		}
		idx.Reservations[zoneUUID] = rec
		cp := *rec
		result = &cp
		return nil
	})
	return result, err
}

// Release removes a zone's reservation. Idempotent.
func (r *Reservations) Release(ctx context.Context, zoneUUID string) error {
	return r.store.Update(ctx, func(idx *ReservationIndex) error {
		delete(idx.Reservations, zoneUUID)
		return nil
	})
}

func prefixLen(n *net.IPNet) int {
	if n == nil {
		return 0
	}
	ones, _ := n.Mask.Size()
	return ones
}

// gatewayAddr returns the first usable address in n (network address + 1),
// used as the zone's gateway.
func gatewayAddr(n *net.IPNet) net.IP {
	if n == nil {
		return nil
	}
	ip := append(net.IP(nil), n.IP.To16()...)
	incr(ip)
	return ip
}

// nextFreeIP scans n sequentially starting at network+2 (network+1 is the
// gateway) for an address not in used.
func nextFreeIP(n *net.IPNet, used map[string]struct{}) (net.IP, error) {
	if n == nil {
		return nil, fmt.Errorf("no CIDR configured")
	}
	ip := append(net.IP(nil), n.IP.To16()...)
	incr(ip) // skip network address
	incr(ip) // skip gateway
	for n.Contains(ip) {
		if _, taken := used[ip.String()]; !taken {
			out := append(net.IP(nil), ip...)
			return out, nil
		}
		incr(ip)
	}
	return nil, fmt.Errorf("address space %s exhausted", n)
}

func incr(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// macFromIP deterministically derives a locally-administered MAC from an
// IPv4 address so reservations are reproducible and collision-free across
// restarts for a given address space.
func macFromIP(ip net.IP) net.HardwareAddr {
	v4 := ip.To4()
	if v4 == nil {
		v4 = ip.To16()[12:16]
	}
	return net.HardwareAddr{0x02, 0x00, v4[0], v4[1], v4[2], v4[3]}
}
