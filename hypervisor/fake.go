package hypervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/zonelabs/zoned/types"
)

// FakeDriver is an in-memory Driver used by tests and local development. It
// never touches real hypercalls; domids are allocated sequentially.
type FakeDriver struct {
	mu      sync.Mutex
	nextID  uint32
	domains map[uint32]*fakeDomain
	power   types.PowerManagementPolicy

	channelMu sync.Mutex
	channels  map[string]chan ChannelStream
}

type fakeDomain struct {
	spec     types.DomainSpec
	exitCode *int64
}

// NewFakeDriver returns an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		domains:  make(map[uint32]*fakeDomain),
		channels: make(map[string]chan ChannelStream),
	}
}

func (f *FakeDriver) CreateDomain(_ context.Context, spec types.DomainSpec) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.domains[id] = &fakeDomain{spec: spec}
	return id, nil
}

func (f *FakeDriver) DestroyDomain(_ context.Context, domID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, domID) // absent is success, per Driver contract
	return nil
}

func (f *FakeDriver) SetMemory(_ context.Context, domID uint32, targetBytes, maxBytes uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[domID]
	if !ok {
		return fmt.Errorf("domain %d not found", domID)
	}
	d.spec.TargetMem = targetBytes
	d.spec.MaxMem = maxBytes
	return nil
}

func (f *FakeDriver) SetCPUs(_ context.Context, domID uint32, n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[domID]
	if !ok {
		return fmt.Errorf("domain %d not found", domID)
	}
	d.spec.MaxVCPUs = n
	return nil
}

func (f *FakeDriver) ListDomains(_ context.Context) ([]types.DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.DomainInfo, 0, len(f.domains))
	for id, d := range f.domains {
		out = append(out, types.DomainInfo{DomID: id, ZoneUUID: d.spec.ZoneUUID, ExitCode: d.exitCode})
	}
	return out, nil
}

func (f *FakeDriver) GetConsolePath(_ context.Context, domID uint32) (string, error) {
	return fmt.Sprintf("/fake/console/%d", domID), nil
}

func (f *FakeDriver) ReadHypervisorConsole(_ context.Context, _ bool) (string, error) {
	return "", nil
}

func (f *FakeDriver) GetCPUTopology(_ context.Context) ([]types.CPUInfo, error) {
	return []types.CPUInfo{{Core: 0, Socket: 0, Node: 0, Thread: 0, Class: "fake"}}, nil
}

func (f *FakeDriver) SetPowerManagementPolicy(_ context.Context, policy types.PowerManagementPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = policy
	return nil
}

func (f *FakeDriver) OpenChannel(_ context.Context, name string) (<-chan ChannelStream, ChannelSender, error) {
	f.channelMu.Lock()
	defer f.channelMu.Unlock()
	ch, ok := f.channels[name]
	if !ok {
		ch = make(chan ChannelStream, 256)
		f.channels[name] = ch
	}
	sender := func(domID uint32, data []byte) error {
		select {
		case ch <- ChannelStream{DomID: domID, Data: data}:
			return nil
		default:
			return fmt.Errorf("channel %q full", name)
		}
	}
	return ch, sender, nil
}

// Exit marks domID as exited with the given code, for exercising the Event
// Generator in tests.
func (f *FakeDriver) Exit(domID uint32, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.domains[domID]; ok {
		d.exitCode = &code
	}
}

var _ Driver = (*FakeDriver)(nil)
