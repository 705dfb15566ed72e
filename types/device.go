package types

// DeviceClaim records that a named host device is owned by a zone.
// Claims are never persisted — they are rebuilt at daemon startup by
// scanning live zone records (see devices.Manager.Rebuild).
type DeviceClaim struct {
	Name  string `json:"name"`
	Owner string `json:"owner"` // zone UUID
}

// Device is the list-facing view of a device's claim state.
type Device struct {
	Name    string `json:"name"`
	Claimed bool   `json:"claimed"`
	Owner   string `json:"owner,omitempty"`
}
