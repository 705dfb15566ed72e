package zoneinit

import (
	"sort"
	"testing"
)

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"A": "1", "B": "2"})
	sort.Strings(got)
	want := []string{"A=1", "B=2"}
	if len(got) != len(want) {
		t.Fatalf("envSlice = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envSlice[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnvSliceEmpty(t *testing.T) {
	if got := envSlice(nil); len(got) != 0 {
		t.Errorf("envSlice(nil) = %v, want empty", got)
	}
}
