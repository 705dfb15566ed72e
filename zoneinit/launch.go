package zoneinit

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zonelabs/zoned/types"
)

// readLaunchDocument reads and decodes the launch document the reconciler
// wrote, as raw JSON bytes, to the zone's overlay disk (types.LaunchDocument's
// doc comment).
func readLaunchDocument(path string) (*types.LaunchDocument, error) {
	data, err := os.ReadFile(path) //nolint:gosec // fixed, well-known in-guest device path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc types.LaunchDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}
