package zoneinit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/zonelabs/zoned/types"
)

func TestReadLaunchDocument(t *testing.T) {
	doc := types.LaunchDocument{
		Root:     types.FormatSquashfs,
		Env:      map[string]string{"FOO": "bar"},
		Command:  []string{"/bin/sh", "-c", "true"},
		Hostname: "zone-test",
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "launch.json")
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:mnd
		t.Fatalf("write: %v", err)
	}

	got, err := readLaunchDocument(path)
	if err != nil {
		t.Fatalf("readLaunchDocument: %v", err)
	}
	if got.Hostname != doc.Hostname {
		t.Errorf("hostname = %q, want %q", got.Hostname, doc.Hostname)
	}
	if got.Root != doc.Root {
		t.Errorf("root = %q, want %q", got.Root, doc.Root)
	}
	if len(got.Command) != len(doc.Command) {
		t.Errorf("command = %v, want %v", got.Command, doc.Command)
	}
	if got.Env["FOO"] != "bar" {
		t.Errorf("env[FOO] = %q, want bar", got.Env["FOO"])
	}
}

func TestReadLaunchDocumentMissing(t *testing.T) {
	if _, err := readLaunchDocument(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing launch document")
	}
}
