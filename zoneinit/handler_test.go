package zoneinit

import (
	"encoding/json"
	"testing"

	"github.com/zonelabs/zoned/types"
)

func TestLooksLikeMetricsRequest(t *testing.T) {
	cases := map[string]bool{
		"{}":                true,
		"null":              true,
		`{"task":["echo"]}`: false,
	}
	for body, want := range cases {
		if got := looksLikeMetricsRequest([]byte(body)); got != want {
			t.Errorf("looksLikeMetricsRequest(%q) = %v, want %v", body, got, want)
		}
	}
}

func TestHandleExecSuccess(t *testing.T) {
	req := &types.ExecRequest{Task: []string{"/bin/sh", "-c", "echo hi; exit 0"}}
	out := handleExec(req)
	if out == nil {
		t.Fatal("handleExec returned nil response")
	}

	var resp types.ExecResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Exit == nil || *resp.Exit != 0 {
		t.Errorf("exit = %v, want 0", resp.Exit)
	}
	if string(resp.Stdout) != "hi\n" {
		t.Errorf("stdout = %q, want %q", resp.Stdout, "hi\n")
	}
}

func TestHandleExecNonZeroExit(t *testing.T) {
	req := &types.ExecRequest{Task: []string{"/bin/sh", "-c", "exit 3"}}
	out := handleExec(req)

	var resp types.ExecResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Exit == nil || *resp.Exit != 3 {
		t.Errorf("exit = %v, want 3", resp.Exit)
	}
}

func TestHandleExecEmptyTask(t *testing.T) {
	if out := handleExec(&types.ExecRequest{}); out != nil {
		t.Errorf("handleExec with no task = %v, want nil", out)
	}
}
