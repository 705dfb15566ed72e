// Package hypervisor declares the Hypervisor Driver interface: the minimal
// surface the core requires from the hypercall/xenstore/grant/event-channel
// layers. This package does not redesign that driver — it only pins down
// what the core calls.
package hypervisor

import (
	"context"

	"github.com/zonelabs/zoned/types"
)

// ChannelStream is one decoded chunk arriving from a guest's channel
// device, as delivered by the transport a Driver's OpenChannel returns.
type ChannelStream struct {
	DomID uint32
	Data  []byte
}

// ChannelSender writes a raw byte chunk to a domain's channel device.
type ChannelSender func(domID uint32, data []byte) error

// Driver is the external interface the core consumes.
// Implementations own the process-wide singletons (descriptor pool,
// hypercall handle, event-channel handle) behind this interface; they must
// never leak into core type signatures.
type Driver interface {
	// CreateDomain creates a new domain and returns its assigned domid.
	CreateDomain(ctx context.Context, spec types.DomainSpec) (uint32, error)
	// DestroyDomain destroys a domain. Destroying an already-gone domain
	// is success; the same "domain does not exist" condition is failure
	// for CreateDomain.
	DestroyDomain(ctx context.Context, domID uint32) error
	// SetMemory adjusts a live domain's target/max memory, in bytes.
	SetMemory(ctx context.Context, domID uint32, targetBytes, maxBytes uint64) error
	// SetCPUs adjusts a live domain's vCPU count.
	SetCPUs(ctx context.Context, domID uint32, n uint32) error
	// ListDomains enumerates every domain the driver currently knows about.
	ListDomains(ctx context.Context) ([]types.DomainInfo, error)
	// GetConsolePath returns the host-side path of a domain's console.
	GetConsolePath(ctx context.Context, domID uint32) (string, error)
	// ReadHypervisorConsole returns the hypervisor-wide console ring
	// buffer's contents, optionally clearing it after read.
	ReadHypervisorConsole(ctx context.Context, clear bool) (string, error)
	// GetCPUTopology describes every logical CPU on the host.
	GetCPUTopology(ctx context.Context) ([]types.CPUInfo, error)
	// SetPowerManagementPolicy applies a host-wide scheduler/SMT policy.
	SetPowerManagementPolicy(ctx context.Context, policy types.PowerManagementPolicy) error
	// OpenChannel opens the IDM transport: a stream of inbound chunks and a
	// sender for outbound chunks, both multiplexed by domid.
	OpenChannel(ctx context.Context, name string) (<-chan ChannelStream, ChannelSender, error)
}
