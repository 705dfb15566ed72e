// Package metrics implements the Metrics Collector: a tree of named
// numeric/string nodes describing system+process state inside a zone,
// gathered on demand when the guest's IDM handler answers a MetricsRequest.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	gopsutilmem "github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/zonelabs/zoned/types"
)

// Collector produces a fresh metrics tree on every Collect call; it holds
// no state of its own between calls.
type Collector struct{}

// New creates a Collector.
func New() *Collector { return &Collector{} }

// Collect builds the root "zone" node with "system" and "process" children.
func (c *Collector) Collect(ctx context.Context) (types.MetricNode, error) {
	system, err := c.collectSystem(ctx)
	if err != nil {
		return types.MetricNode{}, fmt.Errorf("collect system: %w", err)
	}
	processes, err := c.collectProcesses(ctx)
	if err != nil {
		return types.MetricNode{}, fmt.Errorf("collect processes: %w", err)
	}
	return types.MetricNode{
		Name:     "zone",
		Children: []types.MetricNode{system, processes},
	}, nil
}

func (c *Collector) collectSystem(ctx context.Context) (types.MetricNode, error) {
	vm, err := gopsutilmem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.MetricNode{}, err
	}
	return types.MetricNode{
		Name: "system",
		Children: []types.MetricNode{
			{
				Name: "memory",
				Children: []types.MetricNode{
					{Name: "total", Format: types.MetricBytes, Value: float64(vm.Total)},
					{Name: "used", Format: types.MetricBytes, Value: float64(vm.Used)},
					{Name: "free", Format: types.MetricBytes, Value: float64(vm.Free)},
				},
			},
		},
	}, nil
}

func (c *Collector) collectProcesses(ctx context.Context) (types.MetricNode, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return types.MetricNode{}, err
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid < procs[j].Pid })

	children := make([]types.MetricNode, 0, len(procs))
	for _, p := range procs {
		children = append(children, processNode(ctx, p))
	}
	return types.MetricNode{Name: "process", Children: children}, nil
}

// processNode builds one process's metric subtree, matching the original
// collector's field set (parent pid, executable, cwd, cmdline, memory,
// lifetime, uid/gid); fields the platform can't report are
// simply omitted rather than erroring the whole collection.
func processNode(ctx context.Context, p *process.Process) types.MetricNode {
	var children []types.MetricNode

	if ppid, err := p.PpidWithContext(ctx); err == nil {
		children = append(children, types.MetricNode{Name: "parent", Format: types.MetricInteger, Value: float64(ppid)})
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		children = append(children, types.MetricNode{Name: "executable", StringValue: exe})
	}
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		children = append(children, types.MetricNode{Name: "cwd", StringValue: cwd})
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		children = append(children, types.MetricNode{Name: "cmdline", StringValue: cmdline})
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		children = append(children, types.MetricNode{
			Name: "memory",
			Children: []types.MetricNode{
				{Name: "resident", Format: types.MetricBytes, Value: float64(mi.RSS)},
				{Name: "virtual", Format: types.MetricBytes, Value: float64(mi.VMS)},
			},
		})
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		children = append(children, types.MetricNode{Name: "lifetime", Format: types.MetricDurationSeconds, Value: time.Since(time.UnixMilli(created)).Seconds()})
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		children = append(children, types.MetricNode{Name: "uid", Format: types.MetricInteger, Value: float64(uids[0])})
	}
	if gids, err := p.GidsWithContext(ctx); err == nil && len(gids) > 0 {
		children = append(children, types.MetricNode{Name: "gid", Format: types.MetricInteger, Value: float64(gids[0])})
	}

	return types.MetricNode{Name: fmt.Sprintf("%d", p.Pid), Children: children}
}
