package metrics

import (
	"context"
	"testing"

	"github.com/zonelabs/zoned/types"
)

func TestCollectShape(t *testing.T) {
	c := New()
	tree, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if tree.Name != "zone" {
		t.Errorf("root name = %q, want zone", tree.Name)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(tree.Children))
	}

	names := map[string]bool{}
	for _, child := range tree.Children {
		names[child.Name] = true
	}
	if !names["system"] || !names["process"] {
		t.Errorf("children = %v, want system and process", names)
	}
}

func TestCollectSystemHasMemory(t *testing.T) {
	c := New()
	system, err := c.collectSystem(context.Background())
	if err != nil {
		t.Fatalf("collectSystem: %v", err)
	}
	if len(system.Children) != 1 || system.Children[0].Name != "memory" {
		t.Fatalf("system children = %v, want one memory node", system.Children)
	}
	mem := system.Children[0]
	names := map[string]types.MetricNode{}
	for _, n := range mem.Children {
		names[n.Name] = n
	}
	for _, want := range []string{"total", "used", "free"} {
		n, ok := names[want]
		if !ok {
			t.Errorf("memory missing %q node", want)
			continue
		}
		if n.Format != types.MetricBytes {
			t.Errorf("%s format = %v, want MetricBytes", want, n.Format)
		}
	}
}
